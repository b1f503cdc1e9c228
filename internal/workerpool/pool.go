package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Common errors.
var (
	// ErrClosed is returned by Submit after Shutdown and fails requests still queued
	// at shutdown.
	ErrClosed = errors.New("workerpool: pool is closed")

	// ErrUnitDead marks a handler error as fatal to the unit that ran it. The unit is
	// evicted and the task requeued, the same as for a panic.
	ErrUnitDead = errors.New("workerpool: unit dead")

	// ErrUnitCrashed is the final error of a task whose units kept crashing.
	ErrUnitCrashed = errors.New("workerpool: unit crashed")
)

// CrashError is returned for a task that crashed its unit and cannot be requeued.
type CrashError struct {
	Unit       int   // id of the last unit that ran the task
	Generation int64 // resource generation of that unit
	Attempts   int   // number of units the task crashed
	Cause      error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("workerpool: task crashed %d unit(s), last unit %d: %v", e.Attempts, e.Unit, e.Cause)
}

func (e *CrashError) Unwrap() []error {
	return []error{ErrUnitCrashed, e.Cause}
}

// Resource is the heavyweight handle a unit owns, such as a browser process or an
// HTTP client.
type Resource interface {
	Close() error
}

// Factory launches a fresh resource for a unit.
type Factory[Res Resource] func(ctx context.Context) (Res, error)

// Handler runs one task with the unit's resource. Returning an error that wraps
// ErrUnitDead, or panicking, terminates the unit. Any other error is an ordinary
// task failure and the unit stays in rotation.
type Handler[Res Resource, T, R any] func(ctx context.Context, res Res, task T) (R, error)

type config struct {
	recycleAfter int
	maxRequeue   int
	log          *zap.Logger
}

// Option configures a Pool.
type Option func(*config)

// DefaultRecycleAfter is the number of tasks a resource serves before it is
// replaced: 20 on Windows, 50 elsewhere.
func DefaultRecycleAfter() int {
	if runtime.GOOS == "windows" {
		return 20
	}
	return 50
}

// WithRecycleAfter replaces a unit's resource after n tasks. n <= 0 disables recycling.
func WithRecycleAfter(n int) Option {
	return func(c *config) {
		c.recycleAfter = n
	}
}

// WithMaxRequeue sets how many times a task that crashed its unit is requeued.
// Default: 1
func WithMaxRequeue(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRequeue = n
		}
	}
}

// WithLogger sets the logger for crashes, recycling and teardown.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Units    int
	Idle     int
	Pending  int
	Launches int64
	Recycles int64
	Crashes  int64
}

// Pool dispatches tasks to a fixed number of isolated units. Each unit runs one
// task at a time on its own goroutine with its own resource.
type Pool[Res Resource, T, R any] struct {
	ctx     context.Context
	factory Factory[Res]
	handler Handler[Res, T, R]
	cfg     config

	mu      sync.Mutex
	units   map[int]*unit[Res, T, R]
	idle    []*unit[Res, T, R]
	pending []*request[T, R]
	nextID  int
	closed  bool
	wg      sync.WaitGroup

	launches atomic.Int64
	recycles atomic.Int64
	crashes  atomic.Int64
}

// New starts size cold units. Resources are launched lazily with ctx when a unit
// receives its first task.
func New[Res Resource, T, R any](ctx context.Context, size int, factory Factory[Res], handler Handler[Res, T, R], opts ...Option) *Pool[Res, T, R] {
	if size < 1 {
		size = 1
	}
	cfg := config{
		recycleAfter: DefaultRecycleAfter(),
		maxRequeue:   1,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Pool[Res, T, R]{
		ctx:     ctx,
		factory: factory,
		handler: handler,
		cfg:     cfg,
		units:   make(map[int]*unit[Res, T, R], size),
	}

	p.mu.Lock()
	for i := 0; i < size; i++ {
		p.idle = append(p.idle, p.spawnLocked())
	}
	p.mu.Unlock()
	return p
}

// Submit queues task and returns its future. Tasks are dispatched in submission
// order; an idle unit takes a task immediately.
func (p *Pool[Res, T, R]) Submit(ctx context.Context, task T) (*Future[R], error) {
	req := &request[T, R]{ctx: ctx, task: task, future: newFuture[R]()}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		u := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.dispatchLocked(u, req)
	} else {
		p.pending = append(p.pending, req)
	}
	return req.future, nil
}

// Do submits task and waits for its result.
func (p *Pool[Res, T, R]) Do(ctx context.Context, task T) (R, error) {
	f, err := p.Submit(ctx, task)
	if err != nil {
		var zero R
		return zero, err
	}
	return f.Get(ctx)
}

// Stats returns current counters.
func (p *Pool[Res, T, R]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Units:    len(p.units),
		Idle:     len(p.idle),
		Pending:  len(p.pending),
		Launches: p.launches.Load(),
		Recycles: p.recycles.Load(),
		Crashes:  p.crashes.Load(),
	}
}

// Units returns a snapshot of the live units ordered by id.
func (p *Pool[Res, T, R]) Units() []UnitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]UnitInfo, 0, len(p.units))
	for id := 0; id < p.nextID; id++ {
		if u, ok := p.units[id]; ok {
			infos = append(infos, u.info())
		}
	}
	return infos
}

// Shutdown stops accepting tasks, fails queued ones with ErrClosed, waits for
// running tasks and closes every unit's resource in parallel. Close errors are
// logged and swallowed. If ctx ends first, resources are closed in the background
// once the running tasks finish.
func (p *Pool[Res, T, R]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.pending
	p.pending = nil
	units := make([]*unit[Res, T, R], 0, len(p.units))
	for _, u := range p.units {
		units = append(units, u)
		close(u.inbox)
	}
	p.idle = nil
	p.mu.Unlock()

	var zero R
	for _, req := range pending {
		req.future.complete(zero, ErrClosed)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.closeAll(units)
		return nil
	case <-ctx.Done():
		go func() {
			<-done
			p.closeAll(units)
		}()
		return ctx.Err()
	}
}

func (p *Pool[Res, T, R]) closeAll(units []*unit[Res, T, R]) {
	var g errgroup.Group
	for _, u := range units {
		if !u.live {
			continue
		}
		u := u
		g.Go(func() error {
			if err := u.res.Close(); err != nil {
				p.cfg.log.Debug("close unit resource", zap.Int("unit", u.id), zap.Error(err))
			}
			u.live = false
			return nil
		})
	}
	_ = g.Wait()
}

// spawnLocked creates a cold unit and starts its goroutine.
func (p *Pool[Res, T, R]) spawnLocked() *unit[Res, T, R] {
	u := newUnit[Res, T, R](p.nextID)
	p.nextID++
	p.units[u.id] = u
	p.wg.Add(1)
	go p.loop(u)
	return u
}

// dispatchLocked hands req to an idle unit. The inbox is empty for idle units,
// so the send does not block.
func (p *Pool[Res, T, R]) dispatchLocked(u *unit[Res, T, R], req *request[T, R]) {
	u.setState(StateBusy)
	u.inbox <- req
}

// releaseLocked gives u the oldest queued task or returns it to the idle stack.
func (p *Pool[Res, T, R]) releaseLocked(u *unit[Res, T, R]) {
	if u.live {
		u.setState(StateReady)
	} else {
		u.setState(StateCold)
	}
	if p.closed {
		return
	}
	if len(p.pending) > 0 {
		req := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.dispatchLocked(u, req)
		return
	}
	p.idle = append(p.idle, u)
}

func (p *Pool[Res, T, R]) loop(u *unit[Res, T, R]) {
	defer p.wg.Done()
	for req := range u.inbox {
		val, err, crashed := p.execute(u, req)
		if !p.finish(u, req, val, err, crashed) {
			return
		}
	}
}

func (p *Pool[Res, T, R]) execute(u *unit[Res, T, R], req *request[T, R]) (val R, err error, crashed bool) {
	if err := req.ctx.Err(); err != nil {
		return val, err, false
	}

	if u.live && p.cfg.recycleAfter > 0 && u.uses.Load() >= int64(p.cfg.recycleAfter) {
		u.setState(StateRecycling)
		p.closeResource(u)
		u.generation.Add(1)
		p.recycles.Add(1)
		p.cfg.log.Debug("recycled unit", zap.Int("unit", u.id), zap.Int64("generation", u.generation.Load()))
	}

	if !u.live {
		res, err := p.factory(p.ctx)
		if err != nil {
			return val, fmt.Errorf("workerpool: launch unit %d: %w", u.id, err), false
		}
		u.res = res
		u.live = true
		u.uses.Store(0)
		p.launches.Add(1)
	}

	u.setState(StateBusy)
	u.uses.Add(1)
	val, err, crashed = p.invoke(u, req)
	if crashed {
		p.closeResource(u)
	}
	return val, err, crashed
}

func (p *Pool[Res, T, R]) invoke(u *unit[Res, T, R], req *request[T, R]) (val R, err error, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			var zero R
			val = zero
			err = fmt.Errorf("%w: panic: %v", ErrUnitDead, r)
			crashed = true
		}
	}()
	val, err = p.handler(req.ctx, u.res, req.task)
	return val, err, err != nil && errors.Is(err, ErrUnitDead)
}

// finish records the outcome of a task. It reports false when the unit died and
// its goroutine must exit.
func (p *Pool[Res, T, R]) finish(u *unit[Res, T, R], req *request[T, R], val R, err error, crashed bool) bool {
	if !crashed {
		p.mu.Lock()
		p.releaseLocked(u)
		p.mu.Unlock()
		req.future.complete(val, err)
		return true
	}

	p.crashes.Add(1)
	p.cfg.log.Warn("unit crashed",
		zap.Int("unit", u.id),
		zap.Int64("generation", u.generation.Load()),
		zap.Error(err))

	p.mu.Lock()
	u.setState(StateDead)
	delete(p.units, u.id)

	requeued := false
	if !p.closed && req.requeues < p.cfg.maxRequeue {
		req.requeues++
		p.pending = append([]*request[T, R]{req}, p.pending...)
		requeued = true
	}
	if !p.closed {
		p.releaseLocked(p.spawnLocked())
	}
	p.mu.Unlock()

	if !requeued {
		var zero R
		req.future.complete(zero, &CrashError{
			Unit:       u.id,
			Generation: u.generation.Load(),
			Attempts:   req.requeues + 1,
			Cause:      err,
		})
	}
	return false
}

// closeResource terminates the unit's resource, swallowing errors.
func (p *Pool[Res, T, R]) closeResource(u *unit[Res, T, R]) {
	if !u.live {
		return
	}
	if err := u.res.Close(); err != nil {
		p.cfg.log.Debug("close unit resource", zap.Int("unit", u.id), zap.Error(err))
	}
	var zero Res
	u.res = zero
	u.live = false
}
