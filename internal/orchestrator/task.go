package orchestrator

import (
	"errors"
	"time"

	"github.com/undp-data/dfpp/internal/fetch"
)

// State is the lifecycle state of a download task.
type State string

const (
	StatePending   State = "Pending"
	StateRunning   State = "Running"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
	StateTimedOut  State = "TimedOut"
	StateSkipped   State = "Skipped"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateSkipped:
		return true
	default:
		return false
	}
}

// Ok reports whether the indicators of a source in state s can proceed.
func (s State) Ok() bool {
	return s == StateSucceeded || s == StateSkipped
}

// Task is the download of one source within one run.
type Task struct {
	SourceID     string
	State        State
	Attempts     int
	Kind         fetch.Kind
	Err          error
	BytesWritten int
	Duration     time.Duration

	// Acknowledged is false for a timed-out task whose downloader did not
	// return within the acknowledgement window.
	Acknowledged bool

	// WaitingForSlot is true for a task cut off by the chunk deadline
	// before it got a download slot.
	WaitingForSlot bool
}

// ErrBookkeeping reports a broken invariant in the orchestrator itself.
// It is the only error that aborts a download run.
var ErrBookkeeping = errors.New("orchestrator: bookkeeping invariant violated")

// errNoData is recorded for payloads below the minimum size.
var errNoData = errors.New("no data downloaded")

// outcome is what a task goroutine reports back.
type outcome struct {
	sourceID string
	payload  fetch.Payload
	attempts int
	err      error
	skipped  bool
	took     time.Duration
}
