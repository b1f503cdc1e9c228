// Package batch drives large task lists in bounded batches with partial retry.
//
// [Run] processes items in consecutive batches with a cancellable pause between
// them. [Retry] runs a set of tasks concurrently and reruns only the failed
// subset, up to a fixed number of extra rounds. The two compose: a batch handler
// usually calls Retry on its batch.
//
// # Usage
//
//	err := batch.Run(ctx, pages, 100, time.Second, func(ctx context.Context, b []Page, i int) error {
//	    _, err := batch.Retry(ctx, b, 2, renderPage)
//	    return err
//	})
package batch
