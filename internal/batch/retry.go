package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrPanic wraps a panic raised by a retried function.
var ErrPanic = errors.New("batch: task panicked")

// Failure is a task that did not succeed, with its last error.
type Failure[T any] struct {
	Index int // position in the input slice
	Task  T
	Err   error
}

// ExhaustedError is returned when tasks still fail after the last retry round.
// Use errors.As to inspect Failed.
type ExhaustedError[T any] struct {
	Attempts int          // rounds run
	Failed   []Failure[T] // tasks still failing, in input order
}

func (e *ExhaustedError[T]) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "batch: %d task(s) still failing after %d attempt(s)", len(e.Failed), e.Attempts)
	for i, f := range e.Failed {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failed)-i)
			break
		}
		fmt.Fprintf(&b, "; %v: %v", f.Task, f.Err)
	}
	return b.String()
}

// Outcome is the result of Retry.
type Outcome[T, R any] struct {
	Results   []R          // successful results, in input order
	Permanent []Failure[T] // tasks excluded from retry, in the order they failed
	Rounds    int          // rounds run
}

type retryConfig struct {
	permanent func(error) bool
	onRound   func(round, remaining int)
}

// RetryOption configures Retry.
type RetryOption func(*retryConfig)

// WithPermanent marks errors that must not be retried. Tasks failing with such an
// error leave the pending set at once and are reported in Outcome.Permanent.
func WithPermanent(fn func(error) bool) RetryOption {
	return func(c *retryConfig) {
		c.permanent = fn
	}
}

// WithOnRound is called at the start of every round with the round number
// (0 for the first attempt) and the number of tasks it will run.
func WithOnRound(fn func(round, remaining int)) RetryOption {
	return func(c *retryConfig) {
		c.onRound = fn
	}
}

// Retry runs fn for every task concurrently, then reruns only the failed ones
// while the attempt counter does not exceed maxRetry, so a task gets at most
// maxRetry+1 attempts. Concurrency is bounded by whatever pool fn submits to.
//
// Each round checks ctx before starting. When tasks are still failing after the
// last round, Retry returns the outcome so far together with an *ExhaustedError.
func Retry[T, R any](ctx context.Context, tasks []T, maxRetry int, fn func(context.Context, T) (R, error), opts ...RetryOption) (*Outcome[T, R], error) {
	cfg := retryConfig{
		permanent: func(error) bool { return false },
		onRound:   func(int, int) {},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if maxRetry < 0 {
		maxRetry = 0
	}

	out := &Outcome[T, R]{}
	results := make([]R, len(tasks))
	done := make([]bool, len(tasks))
	lastErr := make([]error, len(tasks))

	pending := make([]int, len(tasks))
	for i := range pending {
		pending[i] = i
	}

	for attempt := 0; len(pending) > 0 && attempt <= maxRetry; attempt++ {
		if err := ctx.Err(); err != nil {
			out.Results = collect(results, done)
			return out, err
		}
		cfg.onRound(attempt, len(pending))
		out.Rounds = attempt + 1

		errs := make([]error, len(pending))
		var wg sync.WaitGroup
		for j, idx := range pending {
			j, idx := j, idx
			wg.Add(1)
			go func() {
				defer wg.Done()
				r, err := call(ctx, fn, tasks[idx])
				if err != nil {
					errs[j] = err
					return
				}
				results[idx] = r
				done[idx] = true
			}()
		}
		wg.Wait()

		next := make([]int, 0, len(pending))
		for j, idx := range pending {
			err := errs[j]
			if err == nil {
				continue
			}
			if cfg.permanent(err) {
				out.Permanent = append(out.Permanent, Failure[T]{Index: idx, Task: tasks[idx], Err: err})
				continue
			}
			lastErr[idx] = err
			next = append(next, idx)
		}
		pending = next
	}

	out.Results = collect(results, done)
	if len(pending) == 0 {
		return out, nil
	}

	failed := make([]Failure[T], 0, len(pending))
	for _, idx := range pending {
		failed = append(failed, Failure[T]{Index: idx, Task: tasks[idx], Err: lastErr[idx]})
	}
	return out, &ExhaustedError[T]{Attempts: out.Rounds, Failed: failed}
}

func call[T, R any](ctx context.Context, fn func(context.Context, T) (R, error), task T) (r R, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	return fn(ctx, task)
}

func collect[R any](results []R, done []bool) []R {
	out := make([]R, 0, len(results))
	for i, ok := range done {
		if ok {
			out = append(out, results[i])
		}
	}
	return out
}
