package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCallsHandlerCeilTimes(t *testing.T) {
	for _, n := range []int{0, 1, 7, 100, 101, 250} {
		for _, size := range []int{1, 3, 50, 100, 1000} {
			items := make([]int, n)
			for i := range items {
				items[i] = i
			}

			calls := 0
			var seen []int
			err := Run(context.Background(), items, size, 0, func(ctx context.Context, b []int, index int) error {
				assert.Equal(t, calls, index)
				assert.LessOrEqual(t, len(b), size)
				calls++
				seen = append(seen, b...)
				return nil
			})
			require.NoError(t, err)

			want := (n + size - 1) / size
			assert.Equal(t, want, calls, "n=%d size=%d", n, size)
			assert.Equal(t, want, Count(n, size))
			assert.Equal(t, items, append([]int{}, seen...), "n=%d size=%d", n, size)
		}
	}
}

func TestRunSingleBatchWhenSizeUnset(t *testing.T) {
	calls := 0
	err := Run(context.Background(), []string{"a", "b", "c"}, 0, time.Hour, func(ctx context.Context, b []string, index int) error {
		calls++
		assert.Len(t, b, 3)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunCooldownBetweenBatchesOnly(t *testing.T) {
	var starts []time.Time
	cooldown := 50 * time.Millisecond
	begin := time.Now()
	err := Run(context.Background(), []int{1, 2, 3}, 1, cooldown, func(ctx context.Context, b []int, index int) error {
		starts = append(starts, time.Now())
		return nil
	})
	require.NoError(t, err)
	require.Len(t, starts, 3)

	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), cooldown)
	}
	// Two pauses, none after the last batch.
	assert.Less(t, time.Since(begin), 3*cooldown)
}

func TestRunCooldownIsCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, []int{1, 2}, 1, time.Hour, func(ctx context.Context, b []int, index int) error {
			calls++
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cooldown ignored cancellation")
	}
	assert.Equal(t, 1, calls)
}

func TestRunStopsOnHandlerError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Run(context.Background(), []int{1, 2, 3, 4}, 2, 0, func(ctx context.Context, b []int, index int) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
