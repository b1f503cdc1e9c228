package batch

import (
	"context"
	"fmt"
	"time"
)

// Handler processes one batch. index counts batches from 0.
type Handler[T any] func(ctx context.Context, items []T, index int) error

// Count returns the number of batches Run makes for n items.
func Count(n, size int) int {
	if n <= 0 {
		return 0
	}
	if size <= 0 || size >= n {
		return 1
	}
	return (n + size - 1) / size
}

// Run splits items into consecutive batches of size and calls handler once per
// batch, waiting for each before starting the next. Between batches, but not
// after the last, it pauses for cooldown. size <= 0 means a single batch.
//
// Run stops at the first handler error or when ctx is cancelled, including during
// a cooldown.
func Run[T any](ctx context.Context, items []T, size int, cooldown time.Duration, handler Handler[T]) error {
	n := len(items)
	batches := Count(n, size)
	if size <= 0 {
		size = n
	}

	for i := 0; i < batches; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := i * size
		end := min(start+size, n)
		if err := handler(ctx, items[start:end], i); err != nil {
			return fmt.Errorf("batch %d/%d: %w", i+1, batches, err)
		}
		if i < batches-1 && cooldown > 0 {
			if err := Sleep(ctx, cooldown); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
