package progress

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// TotalSources is the number of sources tasked in the run.
	TotalSources int

	// ChunkSize is the number of sources fetched concurrently (for display).
	ChunkSize int

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 2s
	UpdateInterval time.Duration
}

// Counts is a snapshot of the reporter counters.
type Counts struct {
	Running   int
	Succeeded int
	Failed    int
	TimedOut  int
	Skipped   int
	Bytes     int64
}

// Done returns the number of finished sources.
func (c Counts) Done() int {
	return c.Succeeded + c.Failed + c.TimedOut + c.Skipped
}

// Reporter outputs human-readable progress of a download run. Counter
// methods are safe for concurrent use and work without Start.
type Reporter struct {
	opts Options

	running   atomic.Int32
	succeeded atomic.Int32
	failed    atomic.Int32
	timedOut  atomic.Int32
	skipped   atomic.Int32
	bytes     atomic.Int64

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
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 2 * time.Second
	}
	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start prints the header and begins periodic updates.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.startTime = time.Now()
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[dfpp] Fetching %d sources | Chunk size: %d\n",
		r.opts.TotalSources, r.opts.ChunkSize)

	go r.updateLoop()
}

// Stop prints the final status and stops updates. It returns once the
// final line is written.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if started {
		<-r.doneCh
	}
}

// SourceStarted marks a source as running. The Source* methods are no-ops
// on a nil Reporter.
func (r *Reporter) SourceStarted() {
	if r == nil {
		return
	}
	r.running.Add(1)
}

// SourceSucceeded marks a running source as downloaded.
func (r *Reporter) SourceSucceeded(size int64) {
	if r == nil {
		return
	}
	r.bytes.Add(size)
	r.succeeded.Add(1)
	r.running.Add(-1)
}

// SourceFailed marks a running source as failed.
func (r *Reporter) SourceFailed() {
	if r == nil {
		return
	}
	r.failed.Add(1)
	r.running.Add(-1)
}

// SourceTimedOut marks a running source as timed out.
func (r *Reporter) SourceTimedOut() {
	if r == nil {
		return
	}
	r.timedOut.Add(1)
	r.running.Add(-1)
}

// SourceSkipped records a source that was never started.
func (r *Reporter) SourceSkipped() {
	if r == nil {
		return
	}
	r.skipped.Add(1)
}

// Snapshot returns the current counters.
func (r *Reporter) Snapshot() Counts {
	return Counts{
		Running:   int(r.running.Load()),
		Succeeded: int(r.succeeded.Load()),
		Failed:    int(r.failed.Load()),
		TimedOut:  int(r.timedOut.Load()),
		Skipped:   int(r.skipped.Load()),
		Bytes:     r.bytes.Load(),
	}
}

func (r *Reporter) updateLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) printProgress() {
	c := r.Snapshot()
	fmt.Fprintf(r.opts.Output, "[dfpp] Sources: %d/%d done | %d running | %s downloaded\n",
		c.Done(), r.opts.TotalSources, c.Running, formatBytes(c.Bytes))
}

func (r *Reporter) printFinalStatus() {
	c := r.Snapshot()
	fmt.Fprintf(r.opts.Output, "[dfpp] Done in %s | %d downloaded | %d failed | %d timed out | %d skipped | %s\n",
		formatDuration(time.Since(r.startTime)),
		c.Succeeded, c.Failed, c.TimedOut, c.Skipped,
		formatBytes(c.Bytes),
	)
}

// formatBytes formats bytes using binary units.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	v := float64(b) / float64(div)
	suffix := []string{"KiB", "MiB", "GiB", "TiB"}[exp]
	if v >= 100 {
		return fmt.Sprintf("%.0f %s", v, suffix)
	}
	return fmt.Sprintf("%.1f %s", v, suffix)
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm %ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

var byteUnits = []struct {
	suffix string
	mult   float64
}{
	{"TiB", 1 << 40}, {"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
	{"TB", 1e12}, {"GB", 1e9}, {"MB", 1e6}, {"KB", 1e3},
	{"B", 1},
}

// ParseBytes parses a human-readable byte string such as "100B", "1.5KiB"
// or "2MB". A bare number is bytes.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mult := 1.0
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			mult = u.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid byte string: %q", s)
	}
	return int64(v * mult), nil
}
