package progress

import (
	"bytes"
	"strings"
	"sync"
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
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1024 * 1024, "1.0 MiB"},
		{256 * 1024 * 1024, "256 MiB"},
		{1024 * 1024 * 1024, "1.0 GiB"},
		{1024 * 1024 * 1024 * 1024, "1.0 TiB"},
		{2.5 * 1024 * 1024 * 1024 * 1024, "2.5 TiB"},
	}

	for _, tt := range tests {
		result := FormatBytes(tt.input)
		if result != tt.expected {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"100", 100},
		{"100B", 100},
		{" 100 B ", 100},
		{"1KiB", 1024},
		{"1.5KiB", 1536},
		{"256MiB", 256 * 1024 * 1024},
		{"1GiB", 1024 * 1024 * 1024},
		{"1TiB", 1024 * 1024 * 1024 * 1024},
		{"1KB", 1000},
		{"1MB", 1000 * 1000},
		{"1GB", 1000 * 1000 * 1000},
	}

	for _, tt := range tests {
		result, err := ParseBytes(tt.input)
		if err != nil {
			t.Errorf("ParseBytes(%q): %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("ParseBytes(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}

func TestParseBytesInvalid(t *testing.T) {
	for _, in := range []string{"invalid", "", "-1B"} {
		if _, err := ParseBytes(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestReporterCounters(t *testing.T) {
	reporter := NewReporter(Options{TotalSources: 4})

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reporter.SourceStarted()
			switch i {
			case 0, 1:
				reporter.SourceSucceeded(100)
			case 2:
				reporter.SourceFailed()
			case 3:
				reporter.SourceTimedOut()
			}
		}()
	}
	wg.Wait()
	reporter.SourceSkipped()

	c := reporter.Snapshot()
	want := Counts{Running: 0, Succeeded: 2, Failed: 1, TimedOut: 1, Skipped: 1, Bytes: 200}
	if c != want {
		t.Errorf("Snapshot() = %+v, want %+v", c, want)
	}
	if c.Done() != 5 {
		t.Errorf("Done() = %d, want 5", c.Done())
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestReporterStartStop(t *testing.T) {
	var out syncBuffer
	reporter := NewReporter(Options{
		TotalSources:   2,
		ChunkSize:      50,
		Output:         &out,
		UpdateInterval: 10 * time.Millisecond,
	})

	reporter.Start()
	reporter.SourceStarted()
	reporter.SourceSucceeded(2048)
	reporter.SourceSkipped()
	time.Sleep(30 * time.Millisecond)
	reporter.Stop()
	reporter.Stop()

	got := out.String()
	if !strings.HasPrefix(got, "[dfpp] Fetching 2 sources | Chunk size: 50\n") {
		t.Errorf("missing header in %q", got)
	}
	if !strings.Contains(got, "1 downloaded | 0 failed | 0 timed out | 1 skipped | 2.0 KiB") {
		t.Errorf("missing final status in %q", got)
	}
}

func TestStopWithoutStart(t *testing.T) {
	reporter := NewReporter(Options{})
	reporter.Stop()
}

func TestNilReporterCounters(t *testing.T) {
	var r *Reporter
	r.SourceStarted()
	r.SourceSucceeded(10)
	r.SourceFailed()
	r.SourceTimedOut()
	r.SourceSkipped()
}
