// Package workerpool runs tasks on a fixed set of isolated units, each owning a
// heavyweight resource such as a headless browser or a dedicated HTTP client.
//
// A unit runs one task at a time. Idle units are kept on a stack and tasks that
// arrive while every unit is busy wait in a FIFO queue.
//
// # Failure handling
//
// The handler's outcome is tagged:
//   - an ordinary error is an application error; the unit stays in rotation
//   - a panic, or an error wrapping [ErrUnitDead], terminates the unit
//
// A terminated unit is evicted, its resource closed and a fresh unit spawned in
// its place. The task is put back at the head of the queue up to
// [WithMaxRequeue] times and then fails with a [CrashError].
//
// # Recycling
//
// After [WithRecycleAfter] tasks a unit closes its resource and launches a new
// one before taking the next task, bounding leaks in long-lived processes.
//
// # Usage
//
//	p := workerpool.New(ctx, 4, launchBrowser, renderPage,
//	    workerpool.WithRecycleAfter(50))
//	defer p.Shutdown(context.Background())
//
//	pdf, err := p.Do(ctx, page)
package workerpool
