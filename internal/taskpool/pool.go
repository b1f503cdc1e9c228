// Package taskpool bounds how many fetch tasks run at once.
//
// Admission is strictly first-come first-served: a task submitted while the pool
// is full waits behind every task submitted before it. Tasks are never dropped.
package taskpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Task is one unit of asynchronous work. It receives the context of the call that
// submitted it and is responsible for handling its own errors.
type Task func(ctx context.Context)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used to report recovered task panics.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// Pool runs at most limit tasks concurrently.
type Pool struct {
	limit int
	sem   *semaphore.Weighted
	log   *zap.Logger

	inFlight atomic.Int64
	peak     atomic.Int64
	panics   atomic.Int64
}

// New creates a pool admitting limit concurrent tasks. limit < 1 is treated as 1.
func New(limit int, opts ...Option) *Pool {
	if limit < 1 {
		limit = 1
	}
	p := &Pool{
		limit: limit,
		sem:   semaphore.NewWeighted(int64(limit)),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Limit returns the concurrency ceiling.
func (p *Pool) Limit() int {
	return p.limit
}

// Do runs task once a slot is free and returns when it has completed.
func (p *Pool) Do(ctx context.Context, task Task) {
	p.acquire(ctx)
	defer p.release()
	p.run(ctx, task)
}

// All runs every task, admitting them in slice order, and waits for all of them.
func (p *Pool) All(ctx context.Context, tasks []Task) {
	var wg sync.WaitGroup
	for _, task := range tasks {
		p.acquire(ctx)
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer p.release()
			p.run(ctx, task)
		}(task)
	}
	wg.Wait()
}

// InFlight returns the number of tasks currently running.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Peak returns the highest number of tasks that ran at the same time.
func (p *Pool) Peak() int {
	return int(p.peak.Load())
}

// Panics returns the number of tasks that panicked.
func (p *Pool) Panics() int {
	return int(p.panics.Load())
}

// acquire waits for a slot. Waiting ignores cancellation so that no submitted task
// is ever dropped; a task admitted with a cancelled context is expected to return
// quickly.
func (p *Pool) acquire(ctx context.Context) {
	// Acquire cannot fail with a non-cancellable context.
	_ = p.sem.Acquire(context.WithoutCancel(ctx), 1)
	n := p.inFlight.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
}

func (p *Pool) release() {
	p.inFlight.Add(-1)
	p.sem.Release(1)
}

func (p *Pool) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Error("task panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	task(ctx)
}
