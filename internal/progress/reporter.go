package progress

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// Options configures the progress reporter.
type Options struct {
	// Document is the document being fetched (for display).
	Document string

	// Total is the number of fragments in the job.
	Total int

	// Concurrency is the pool ceiling (for display).
	Concurrency int

	// Mode is the run mode (for display).
	Mode string

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// Bar draws a progress bar instead of periodic status lines.
	Bar bool

	// UpdateInterval is how often to print a status line when Bar is off.
	// Default: 2s
	UpdateInterval time.Duration

	// Logger receives the per-batch memory figures.
	Logger *zap.Logger
}

// Snapshot is the reporter's counters at one point in time.
type Snapshot struct {
	Completed  int
	Skipped    int
	Failed     int
	InProgress int
	Bytes      int64
}

// Reporter outputs human-readable progress information.
type Reporter struct {
	opts Options
	log  *zap.Logger
	bar  *progressbar.ProgressBar

	completed  atomic.Int32
	skipped    atomic.Int32
	failed     atomic.Int32
	inProgress atomic.Int32
	bytes      atomic.Int64

	mu        sync.Mutex
	startTime time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	stopped   bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := &Reporter{
		opts:   opts,
		log:    opts.Logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if opts.Bar {
		r.bar = progressbar.NewOptions(opts.Total,
			progressbar.OptionSetWriter(opts.Output),
			progressbar.OptionSetDescription(opts.Document),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("fragments"),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}
	return r
}

// Start prints the header and begins periodic output.
func (r *Reporter) Start() {
	r.mu.Lock()
	r.startTime = time.Now()
	r.started = true
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[libryay] Fetching: %s\n", r.opts.Document)
	fmt.Fprintf(r.opts.Output, "[libryay] Fragments: %d | Mode: %s | Concurrency: %d\n",
		r.opts.Total, r.opts.Mode, r.opts.Concurrency)

	if r.bar != nil {
		close(r.doneCh)
		return
	}
	go r.updateLoop()
}

// Stop ends periodic output and prints the final status.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
	if r.bar != nil {
		_ = r.bar.Finish()
		fmt.Fprintln(r.opts.Output)
	}
	r.printFinalStatus()
}

// FragmentStarted marks a fragment as in progress.
func (r *Reporter) FragmentStarted() {
	r.inProgress.Add(1)
}

// FragmentCompleted marks a fragment as fetched and persisted.
func (r *Reporter) FragmentCompleted(size int64) {
	r.bytes.Add(size)
	r.completed.Add(1)
	r.inProgress.Add(-1)
	r.advance()
}

// FragmentSkipped marks a fragment found in the store by an earlier run.
func (r *Reporter) FragmentSkipped() {
	r.skipped.Add(1)
	r.inProgress.Add(-1)
	r.advance()
}

// FragmentFailed removes a fragment from in-progress. It may be retried.
func (r *Reporter) FragmentFailed() {
	r.inProgress.Add(-1)
}

// FragmentAbandoned counts a fragment that will not be fetched in this run.
func (r *Reporter) FragmentAbandoned() {
	r.failed.Add(1)
	r.advance()
}

// BatchStarted prints a batch header. index counts from 0.
func (r *Reporter) BatchStarted(index, batches, size int) {
	if r.bar != nil {
		r.bar.Describe(fmt.Sprintf("%s [batch %d/%d]", r.opts.Document, index+1, batches))
		return
	}
	fmt.Fprintf(r.opts.Output, "[libryay] Batch %d/%d: %d fragments\n", index+1, batches, size)
}

// BatchFinished logs the process memory after a batch.
func (r *Reporter) BatchFinished(index int) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	r.log.Info("batch finished",
		zap.Int("batch", index+1),
		zap.String("heap_alloc", formatBytes(int64(m.HeapAlloc))),
		zap.String("heap_sys", formatBytes(int64(m.HeapSys))),
		zap.String("sys", formatBytes(int64(m.Sys))),
		zap.Uint32("gc", m.NumGC),
	)
}

// Round prints the start of a retry round. Round 0 is the first attempt and is
// not printed.
func (r *Reporter) Round(round, remaining int) {
	if round == 0 {
		return
	}
	if r.bar != nil {
		r.bar.Describe(fmt.Sprintf("%s [retry %d: %d left]", r.opts.Document, round, remaining))
		return
	}
	fmt.Fprintf(r.opts.Output, "[libryay] Retry round %d: %d fragments remaining\n", round, remaining)
}

// Snapshot returns the current counters.
func (r *Reporter) Snapshot() Snapshot {
	return Snapshot{
		Completed:  int(r.completed.Load()),
		Skipped:    int(r.skipped.Load()),
		Failed:     int(r.failed.Load()),
		InProgress: int(r.inProgress.Load()),
		Bytes:      r.bytes.Load(),
	}
}

func (r *Reporter) advance() {
	if r.bar != nil {
		_ = r.bar.Add(1)
	}
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	s := r.Snapshot()
	done := s.Completed + s.Skipped + s.Failed

	var percent float64
	if r.opts.Total > 0 {
		percent = float64(done) / float64(r.opts.Total) * 100
	}

	pending := r.opts.Total - done - s.InProgress
	if pending < 0 {
		pending = 0
	}

	fmt.Fprintf(r.opts.Output, "[libryay] Progress: %.1f%% | %d fetched | %d skipped | %d in-progress | %d pending | %s\n",
		percent, s.Completed, s.Skipped, s.InProgress, pending, formatBytes(s.Bytes))
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	s := r.Snapshot()
	duration := time.Since(r.startTime)

	fmt.Fprintf(r.opts.Output, "[libryay] Fragments: %d fetched | %d skipped | %d failed | %s\n",
		s.Completed, s.Skipped, s.Failed, formatBytes(s.Bytes))
	fmt.Fprintf(r.opts.Output, "[libryay] Total time: %s\n", formatDuration(duration))
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}
