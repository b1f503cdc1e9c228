// Package progress reports the progress of a fetch job.
//
// Output goes to stderr by default, either as a progress bar or as periodic
// status lines, plus one line per batch and per retry round.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Document:    "book",
//	    Total:       len(descriptors),
//	    Concurrency: 5,
//	    Mode:        "threads",
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	reporter.FragmentStarted()
//	reporter.FragmentCompleted(int64(n))
//
// # Output Format
//
//	[libryay] Fetching: book
//	[libryay] Fragments: 150 | Mode: threads | Concurrency: 5
//	[libryay] Batch 1/2: 100 fragments
//	[libryay] Progress: 45.3% | 60 fetched | 8 skipped | 5 in-progress | 77 pending | 1.20 MB
//	[libryay] Retry round 1: 3 fragments remaining
//	[libryay] Fragments: 147 fetched | 0 skipped | 3 failed | 2.61 MB
package progress
