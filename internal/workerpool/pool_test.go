package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResource struct {
	id       int64
	closed   atomic.Bool
	closeErr error
}

func (r *fakeResource) Close() error {
	r.closed.Store(true)
	return r.closeErr
}

type fakeFactory struct {
	mu        sync.Mutex
	launched  []*fakeResource
	failFirst int
	closeErr  error
}

func (f *fakeFactory) launch(ctx context.Context) (*fakeResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return nil, errors.New("launch failed")
	}
	r := &fakeResource{id: int64(len(f.launched)), closeErr: f.closeErr}
	f.launched = append(f.launched, r)
	return r, nil
}

func (f *fakeFactory) resources() []*fakeResource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeResource(nil), f.launched...)
}

func closedCount(rs []*fakeResource) int {
	n := 0
	for _, r := range rs {
		if r.closed.Load() {
			n++
		}
	}
	return n
}

func double(ctx context.Context, r *fakeResource, task int) (int, error) {
	return task * 2, nil
}

func TestDoReturnsResults(t *testing.T) {
	ctx := context.Background()
	f := &fakeFactory{}
	p := New(ctx, 3, f.launch, double)
	defer p.Shutdown(ctx)

	var wg sync.WaitGroup
	results := make([]int, 30)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := p.Do(ctx, i)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	for i, v := range results {
		assert.Equal(t, i*2, v)
	}
	assert.LessOrEqual(t, len(f.resources()), 3)
	assert.Equal(t, 3, p.Stats().Units)
}

func TestApplicationErrorKeepsUnit(t *testing.T) {
	ctx := context.Background()
	f := &fakeFactory{}
	appErr := errors.New("bad input")
	p := New(ctx, 1, f.launch, func(ctx context.Context, r *fakeResource, task int) (int, error) {
		if task < 0 {
			return 0, appErr
		}
		return task, nil
	})
	defer p.Shutdown(ctx)

	_, err := p.Do(ctx, -1)
	assert.ErrorIs(t, err, appErr)

	v, err := p.Do(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	stats := p.Stats()
	assert.EqualValues(t, 0, stats.Crashes)
	assert.EqualValues(t, 1, stats.Launches)
	assert.False(t, f.resources()[0].closed.Load())
}

func TestRecycleAfter(t *testing.T) {
	ctx := context.Background()
	f := &fakeFactory{}
	var seen []int64
	p := New(ctx, 1, f.launch, func(ctx context.Context, r *fakeResource, task int) (int, error) {
		seen = append(seen, r.id)
		return task, nil
	}, WithRecycleAfter(3))

	for i := 0; i < 7; i++ {
		_, err := p.Do(ctx, i)
		require.NoError(t, err)
	}

	assert.Equal(t, []int64{0, 0, 0, 1, 1, 1, 2}, seen)
	stats := p.Stats()
	assert.EqualValues(t, 3, stats.Launches)
	assert.EqualValues(t, 2, stats.Recycles)

	units := p.Units()
	require.Len(t, units, 1)
	assert.EqualValues(t, 2, units[0].Generation)
	assert.EqualValues(t, 1, units[0].Uses)
	assert.Equal(t, 2, closedCount(f.resources()))

	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, 3, closedCount(f.resources()))
}

func TestCrashEvictsAndRequeues(t *testing.T) {
	ctx := context.Background()
	f := &fakeFactory{}
	var crashed atomic.Bool
	p := New(ctx, 1, f.launch, func(ctx context.Context, r *fakeResource, task int) (int, error) {
		if crashed.CompareAndSwap(false, true) {
			panic("renderer went away")
		}
		return task + 1, nil
	})
	defer p.Shutdown(ctx)

	v, err := p.Do(ctx, 41)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	stats := p.Stats()
	assert.EqualValues(t, 1, stats.Crashes)
	assert.EqualValues(t, 2, stats.Launches)
	assert.Equal(t, 1, stats.Units)

	rs := f.resources()
	require.Len(t, rs, 2)
	assert.True(t, rs[0].closed.Load(), "crashed unit's resource must be closed")
	assert.False(t, rs[1].closed.Load())

	units := p.Units()
	require.Len(t, units, 1)
	assert.Equal(t, 1, units[0].ID)
}

func TestCrashBeyondRequeueLimit(t *testing.T) {
	ctx := context.Background()
	f := &fakeFactory{}
	p := New(ctx, 1, f.launch, func(ctx context.Context, r *fakeResource, task int) (int, error) {
		if task < 0 {
			return 0, fmt.Errorf("channel closed: %w", ErrUnitDead)
		}
		return task, nil
	}, WithMaxRequeue(1))
	defer p.Shutdown(ctx)

	_, err := p.Do(ctx, -1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnitCrashed)
	assert.ErrorIs(t, err, ErrUnitDead)

	var ce *CrashError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Attempts)
	assert.EqualValues(t, 2, p.Stats().Crashes)

	// The pool replaced the dead units and keeps serving.
	v, err := p.Do(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
	assert.Equal(t, 1, p.Stats().Units)
}

func TestPendingFIFO(t *testing.T) {
	ctx := context.Background()
	f := &fakeFactory{}
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []int
	p := New(ctx, 1, f.launch, func(ctx context.Context, r *fakeResource, task int) (int, error) {
		if task == 0 {
			<-gate
		}
		mu.Lock()
		order = append(order, task)
		mu.Unlock()
		return task, nil
	})
	defer p.Shutdown(ctx)

	futures := make([]*Future[int], 6)
	for i := range futures {
		fut, err := p.Submit(ctx, i)
		require.NoError(t, err)
		futures[i] = fut
	}
	assert.Equal(t, 5, p.Stats().Pending)
	close(gate)

	for _, fut := range futures {
		_, err := fut.Get(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
}

func TestLaunchFailureIsTaskError(t *testing.T) {
	ctx := context.Background()
	f := &fakeFactory{failFirst: 1}
	p := New(ctx, 1, f.launch, double)
	defer p.Shutdown(ctx)

	_, err := p.Do(ctx, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnitCrashed)
	assert.Equal(t, StateCold, p.Units()[0].State)

	v, err := p.Do(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
	assert.EqualValues(t, 0, p.Stats().Crashes)
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	f := &fakeFactory{closeErr: errors.New("already gone")}
	gate := make(chan struct{})
	p := New(ctx, 2, f.launch, func(ctx context.Context, r *fakeResource, task int) (int, error) {
		<-gate
		return task, nil
	})

	running := make([]*Future[int], 2)
	for i := range running {
		fut, err := p.Submit(ctx, i)
		require.NoError(t, err)
		running[i] = fut
	}
	queued, err := p.Submit(ctx, 99)
	require.NoError(t, err)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- p.Shutdown(ctx) }()

	_, err = queued.Get(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = p.Submit(ctx, 3)
	assert.ErrorIs(t, err, ErrClosed)

	close(gate)
	for i, fut := range running {
		v, err := fut.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	select {
	case err := <-shutdownDone:
		assert.NoError(t, err, "close errors are swallowed")
	case <-time.After(time.Second):
		t.Fatal("shutdown did not return")
	}
	assert.Equal(t, 2, closedCount(f.resources()))
	assert.NoError(t, p.Shutdown(ctx))
}

func TestCancelledRequestSkipsHandler(t *testing.T) {
	ctx := context.Background()
	f := &fakeFactory{}
	var calls atomic.Int64
	p := New(ctx, 1, f.launch, func(ctx context.Context, r *fakeResource, task int) (int, error) {
		calls.Add(1)
		return task, nil
	})
	defer p.Shutdown(ctx)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	fut, err := p.Submit(cctx, 1)
	require.NoError(t, err)
	<-fut.Done()
	_, err = fut.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, calls.Load())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "cold", StateCold.String())
	assert.Equal(t, "recycling", StateRecycling.String())
	assert.Equal(t, "dead", StateDead.String())
}
