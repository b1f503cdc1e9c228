// Package downloader runs fetch jobs: it distributes fragment descriptors over
// a pool, retries failures and reports what could not be fetched.
//
// # Usage
//
//	report, err := downloader.Download(ctx, fetcher, descriptors, downloader.Options{
//	    Mode:        downloader.ModeThreads,
//	    Concurrency: 5,
//	    BatchSize:   100,
//	    Progress:    reporter,
//	})
//
// # Modes
//
//   - single: one fragment at a time.
//   - threads: a bounded task pool sharing one transport.
//   - workers: a worker pool whose units own a transport each, replaced after
//     RecycleAfter fetches or when a fetch panics.
//
// # Batches and retries
//
// Descriptors are de-duplicated by store key, then processed in batches of
// BatchSize with Cooldown between batches. Within a batch every fragment is
// attempted concurrently and failed fragments are retried up to MaxRetry more
// rounds. Fatal fragments (malformed payloads) are never retried; they are
// listed in the Report and do not fail the job. A batch that still has failures
// after the last round stops the job with a *batch.ExhaustedError naming them.
//
// # Circuit breaker
//
// MaxConsecutiveFailures consecutive transient failures cancel the job with a
// *CircuitBreakerError, so an expired session or an outage does not burn
// through every retry round. Fragments already persisted are skipped on the
// next run.
package downloader
