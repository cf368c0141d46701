// Package report records per-item failures of a pipeline run.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Row is one failure: an indicator that could not be carried through a
// stage because of its source or its own data.
type Row struct {
	RunID       string    `db:"run_id"`
	Stage       string    `db:"stage"`
	IndicatorID string    `db:"indicator_id"`
	SourceID    string    `db:"source_id"`
	Kind        string    `db:"kind"`
	Error       string    `db:"error"`
	At          time.Time `db:"created_at"`
}

// Sink is an append-only destination for rows.
type Sink interface {
	Append(ctx context.Context, rows []Row) error
}

// NopSink discards rows.
type NopSink struct{}

// Append implements Sink.
func (NopSink) Append(context.Context, []Row) error { return nil }

// MultiSink appends to every sink. All sinks are tried; errors are joined.
type MultiSink []Sink

// Append implements Sink.
func (m MultiSink) Append(ctx context.Context, rows []Row) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, rows); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps rows in memory.
type MemorySink struct {
	Rows []Row
}

// Append implements Sink.
func (m *MemorySink) Append(_ context.Context, rows []Row) error {
	m.Rows = append(m.Rows, rows...)
	return nil
}

// Summary counts the outcome of a stage.
type Summary struct {
	Tasked    int
	Succeeded int
	Failed    int
	Skipped   int
}

func (s Summary) String() string {
	return fmt.Sprintf("TASKED: %d DOWNLOADED: %d FAILED: %d SKIPPED: %d",
		s.Tasked, s.Succeeded, s.Failed, s.Skipped)
}

// Add returns the element-wise sum of s and o.
func (s Summary) Add(o Summary) Summary {
	return Summary{
		Tasked:    s.Tasked + o.Tasked,
		Succeeded: s.Succeeded + o.Succeeded,
		Failed:    s.Failed + o.Failed,
		Skipped:   s.Skipped + o.Skipped,
	}
}
