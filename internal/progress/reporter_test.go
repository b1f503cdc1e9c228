package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{100, "100 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1024 * 1024, "1.00 MB"},
		{1024 * 1024 * 1024, "1.00 GB"},
	}

	for _, tt := range tests {
		result := FormatBytes(tt.input)
		if result != tt.expected {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m 30s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h 2m 3s"},
	}

	for _, tt := range tests {
		if got := formatDuration(tt.input); got != tt.expected {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestReporterFragmentTracking(t *testing.T) {
	reporter := NewReporter(Options{Total: 4, Output: &bytes.Buffer{}})

	reporter.FragmentStarted()
	reporter.FragmentStarted()
	reporter.FragmentStarted()
	if got := reporter.Snapshot().InProgress; got != 3 {
		t.Errorf("expected 3 in-progress, got %d", got)
	}

	reporter.FragmentCompleted(256)
	reporter.FragmentSkipped()
	reporter.FragmentFailed()
	reporter.FragmentAbandoned()

	s := reporter.Snapshot()
	if s.InProgress != 0 {
		t.Errorf("expected 0 in-progress, got %d", s.InProgress)
	}
	if s.Completed != 1 || s.Skipped != 1 || s.Failed != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}
	if s.Bytes != 256 {
		t.Errorf("expected 256 bytes, got %d", s.Bytes)
	}
}

func TestReporterOutput(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewReporter(Options{
		Document:       "book",
		Total:          2,
		Concurrency:    5,
		Mode:           "threads",
		Output:         &buf,
		UpdateInterval: time.Hour,
	})

	reporter.Start()
	reporter.BatchStarted(0, 1, 2)
	reporter.Round(0, 2)
	reporter.Round(1, 1)
	reporter.FragmentStarted()
	reporter.FragmentCompleted(10)
	reporter.Stop()
	reporter.Stop()

	out := buf.String()
	for _, want := range []string{
		"[libryay] Fetching: book",
		"Fragments: 2 | Mode: threads | Concurrency: 5",
		"[libryay] Batch 1/1: 2 fragments",
		"[libryay] Retry round 1: 1 fragments remaining",
		"[libryay] Fragments: 1 fetched | 0 skipped | 0 failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Retry round 0") {
		t.Errorf("first attempt must not be printed as a retry:\n%s", out)
	}
}

func TestReporterBar(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewReporter(Options{Document: "book", Total: 2, Output: &buf, Bar: true})

	reporter.Start()
	reporter.FragmentStarted()
	reporter.FragmentCompleted(1)
	reporter.FragmentStarted()
	reporter.FragmentSkipped()
	reporter.Stop()

	if !strings.Contains(buf.String(), "[libryay] Fragments: 1 fetched | 1 skipped") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestStopWithoutStart(t *testing.T) {
	reporter := NewReporter(Options{Output: &bytes.Buffer{}})
	reporter.Stop()
}
