package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjbazhu/Libryay/internal/batch"
	"github.com/mjbazhu/Libryay/internal/fetch"
	"github.com/mjbazhu/Libryay/internal/progress"
	"github.com/mjbazhu/Libryay/internal/taskpool"
	"github.com/mjbazhu/Libryay/internal/workerpool"
	"github.com/mjbazhu/Libryay/pkg/store"
)

// Mode selects how fragments are distributed.
type Mode string

const (
	// ModeSingle fetches one fragment at a time.
	ModeSingle Mode = "single"
	// ModeThreads fetches through a bounded task pool sharing one transport.
	ModeThreads Mode = "threads"
	// ModeWorkers fetches through a worker pool whose units own a transport each.
	ModeWorkers Mode = "workers"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSingle, ModeThreads, ModeWorkers:
		return m, nil
	}
	return "", fmt.Errorf("downloader: unknown mode %q (want single, threads or workers)", s)
}

// ErrTaskPanicked is reported for a fetch that panicked inside the task pool.
var ErrTaskPanicked = errors.New("downloader: fetch panicked")

// UnitTransport is the transport owned by one worker unit.
type UnitTransport interface {
	fetch.Transport
	Close() error
}

// Options configures the downloader.
type Options struct {
	// Mode is the distribution strategy. Default: threads.
	Mode Mode

	// Concurrency is the task pool ceiling or the number of worker units.
	// Default: 5.
	Concurrency int

	// BatchSize is the number of fragments per batch. Default: 100.
	BatchSize int

	// Cooldown is the pause between batches.
	Cooldown time.Duration

	// MaxRetry is the number of retry rounds after the first attempt.
	// Default: 2. Negative disables retries.
	MaxRetry int

	// MaxConsecutiveFailures is the number of consecutive transient fragment
	// failures before the circuit breaker trips and stops the job.
	// Default: 20. Negative disables it.
	MaxConsecutiveFailures int

	// RecycleAfter is the number of fetches after which a worker unit replaces
	// its transport (workers mode). Default: workerpool.DefaultRecycleAfter().
	RecycleAfter int

	// NewTransport creates the transport of a worker unit. Required in workers mode.
	NewTransport func(ctx context.Context) (UnitTransport, error)

	// Progress is an optional progress reporter.
	Progress *progress.Reporter

	// Logger receives job and batch lines.
	Logger *zap.Logger
}

// Failure is a fragment that was not fetched.
type Failure struct {
	Descriptor fetch.Descriptor
	Err        error
	// Permanent is set for fatal fragments, which are never retried.
	Permanent bool
}

// Report summarises a job.
type Report struct {
	Total    int // distinct fragments
	Fetched  int
	Skipped  int
	Bytes    int64
	Batches  int
	Rounds   int // retry rounds over all batches, first attempts included
	Failures []Failure
	Duration time.Duration
}

// Permanent returns the fatal failures.
func (r *Report) Permanent() []Failure {
	var out []Failure
	for _, f := range r.Failures {
		if f.Permanent {
			out = append(out, f)
		}
	}
	return out
}

// CircuitBreakerError is returned when too many consecutive failures occur.
// It contains details about the failures that triggered the circuit breaker.
//
// Use errors.As to extract this error and inspect Failures for details.
type CircuitBreakerError struct {
	ConsecutiveFailures int       // Number of consecutive failures
	Failures            []Failure // Details of failed fragments
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped: %d consecutive failures", e.ConsecutiveFailures)
}

// breaker counts consecutive transient failures in completion order.
type breaker struct {
	limit  int
	cancel context.CancelFunc

	mu          sync.Mutex
	consecutive int
	failures    []Failure
	tripped     bool
}

func (b *breaker) record(res fetch.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if res.OK() || res.Outcome == fetch.Fatal {
		b.consecutive = 0
		return
	}
	if b.tripped || errors.Is(res.Err, context.Canceled) {
		return
	}
	b.consecutive++
	b.failures = append(b.failures, Failure{Descriptor: res.Descriptor, Err: res.Err})
	if b.limit > 0 && b.consecutive >= b.limit {
		b.tripped = true
		b.cancel()
	}
}

func (b *breaker) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tripped {
		return nil
	}
	return &CircuitBreakerError{
		ConsecutiveFailures: b.consecutive,
		Failures:            append([]Failure(nil), b.failures...),
	}
}

// Dedupe drops descriptors whose store key was already seen, keeping the first.
func Dedupe(ds []fetch.Descriptor) []fetch.Descriptor {
	seen := make(map[store.Key]bool, len(ds))
	out := make([]fetch.Descriptor, 0, len(ds))
	for _, d := range ds {
		k := d.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, d)
	}
	return out
}

// Download fetches every descriptor with f and persists it. Fragments are
// processed in batches; each batch is retried until it succeeds or MaxRetry
// rounds are spent, and the job stops at the first batch that still has
// failures. Fatal fragments are reported in the Report and do not fail the job.
//
// The returned Report is valid even when err is non-nil.
func Download(ctx context.Context, f *fetch.Fetcher, ds []fetch.Descriptor, opts Options) (*Report, error) {
	// Apply defaults
	if opts.Mode == "" {
		opts.Mode = ModeThreads
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Mode == ModeSingle {
		opts.Concurrency = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxRetry == 0 {
		opts.MaxRetry = 2
	} else if opts.MaxRetry < 0 {
		opts.MaxRetry = 0
	}
	if opts.MaxConsecutiveFailures == 0 {
		opts.MaxConsecutiveFailures = 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger

	start := time.Now()
	ds = Dedupe(ds)
	report := &Report{Total: len(ds)}

	// Create cancellable context for circuit breaker
	cbCtx, cbCancel := context.WithCancel(ctx)
	defer cbCancel()
	cb := &breaker{limit: opts.MaxConsecutiveFailures, cancel: cbCancel}

	run, shutdown, err := newRunner(cbCtx, f, opts)
	if err != nil {
		return report, err
	}
	defer shutdown()

	var mu sync.Mutex
	fetchOne := func(ctx context.Context, d fetch.Descriptor) (fetch.Result, error) {
		if opts.Progress != nil {
			opts.Progress.FragmentStarted()
		}
		res := run(ctx, d)
		cb.record(res)

		if opts.Progress != nil {
			switch res.Outcome {
			case fetch.Success:
				opts.Progress.FragmentCompleted(int64(res.Bytes))
			case fetch.Skipped:
				opts.Progress.FragmentSkipped()
			default:
				opts.Progress.FragmentFailed()
			}
		}

		mu.Lock()
		switch res.Outcome {
		case fetch.Success:
			report.Fetched++
			report.Bytes += int64(res.Bytes)
		case fetch.Skipped:
			report.Skipped++
		}
		mu.Unlock()

		if !res.OK() {
			return res, res.Err
		}
		return res, nil
	}

	batches := batch.Count(len(ds), opts.BatchSize)
	log.Info("starting job",
		zap.Int("fragments", len(ds)),
		zap.String("mode", string(opts.Mode)),
		zap.Int("concurrency", opts.Concurrency),
		zap.Int("batches", batches),
	)

	err = batch.Run(cbCtx, ds, opts.BatchSize, opts.Cooldown, func(ctx context.Context, items []fetch.Descriptor, index int) error {
		if opts.Progress != nil {
			opts.Progress.BatchStarted(index, batches, len(items))
		}
		report.Batches++

		out, err := batch.Retry(ctx, items, opts.MaxRetry, fetchOne,
			batch.WithPermanent(fetch.IsFatal),
			batch.WithOnRound(func(round, remaining int) {
				if opts.Progress != nil {
					opts.Progress.Round(round, remaining)
				}
				if round > 0 {
					log.Info("retrying failed fragments", zap.Int("batch", index+1), zap.Int("round", round), zap.Int("remaining", remaining))
				}
			}),
		)
		if out != nil {
			report.Rounds += out.Rounds
			for _, p := range out.Permanent {
				log.Warn("fragment failed permanently", zap.Stringer("fragment", p.Task), zap.Error(p.Err))
				report.Failures = append(report.Failures, Failure{Descriptor: p.Task, Err: p.Err, Permanent: true})
				if opts.Progress != nil {
					opts.Progress.FragmentAbandoned()
				}
			}
		}

		var exhausted *batch.ExhaustedError[fetch.Descriptor]
		if errors.As(err, &exhausted) {
			for _, fl := range exhausted.Failed {
				report.Failures = append(report.Failures, Failure{Descriptor: fl.Task, Err: fl.Err})
				if opts.Progress != nil {
					opts.Progress.FragmentAbandoned()
				}
			}
		}
		if opts.Progress != nil {
			opts.Progress.BatchFinished(index)
		}
		return err
	})
	report.Duration = time.Since(start)

	// Check circuit breaker
	if cbErr := cb.err(); cbErr != nil {
		return report, cbErr
	}
	if err != nil {
		// Parent cancellation surfaces as the context error.
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		return report, err
	}

	log.Info("job finished",
		zap.Int("fetched", report.Fetched),
		zap.Int("skipped", report.Skipped),
		zap.Int("permanent", len(report.Failures)),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// newRunner returns the per-fragment function of the selected mode and a
// function releasing its pool.
func newRunner(ctx context.Context, f *fetch.Fetcher, opts Options) (func(context.Context, fetch.Descriptor) fetch.Result, func(), error) {
	switch opts.Mode {
	case ModeSingle, ModeThreads:
		pool := taskpool.New(opts.Concurrency, taskpool.WithLogger(opts.Logger))
		run := func(ctx context.Context, d fetch.Descriptor) fetch.Result {
			res := fetch.Result{Descriptor: d, Outcome: fetch.Transient, Err: fmt.Errorf("%w: %s", ErrTaskPanicked, d)}
			pool.Do(ctx, func(ctx context.Context) {
				res = f.Fetch(ctx, d)
			})
			return res
		}
		return run, func() {}, nil

	case ModeWorkers:
		if opts.NewTransport == nil {
			return nil, nil, errors.New("downloader: workers mode needs a transport factory")
		}
		recycle := opts.RecycleAfter
		if recycle <= 0 {
			recycle = workerpool.DefaultRecycleAfter()
		}
		pool := workerpool.New(ctx, opts.Concurrency,
			workerpool.Factory[UnitTransport](opts.NewTransport),
			func(ctx context.Context, t UnitTransport, d fetch.Descriptor) (fetch.Result, error) {
				res := f.FetchWith(ctx, t, d)
				return res, res.Err
			},
			workerpool.WithRecycleAfter(recycle),
			workerpool.WithLogger(opts.Logger),
		)
		run := func(ctx context.Context, d fetch.Descriptor) fetch.Result {
			res, err := pool.Do(ctx, d)
			if err != nil && res.Err == nil {
				// Crash, closed pool or cancellation: the fetch never reported.
				return fetch.Result{Descriptor: d, Outcome: fetch.Transient, Err: fmt.Errorf("fetch %s: %w", d, err)}
			}
			return res
		}
		shutdown := func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := pool.Shutdown(sctx); err != nil {
				opts.Logger.Debug("worker pool shutdown", zap.Error(err))
			}
		}
		return run, shutdown, nil

	default:
		return nil, nil, fmt.Errorf("downloader: unknown mode %q", opts.Mode)
	}
}
