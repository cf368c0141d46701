// Package merge folds transformed indicator data into per-source base
// artifacts.
//
// A base artifact is a CSV keyed by country code whose rows are exactly
// the canonical key universe and whose data columns are named
// "<indicator>_<year>". Each merge patches the columns of one indicator
// without touching the others:
//
//  1. read the checksum of the existing artifact, if any
//  2. load it, or start from an empty table over the universe
//  3. drop rows outside the universe and add missing universe keys
//  4. deduplicate the incoming frame by key, keeping the first row
//  5. patch shared columns with non-null incoming values only
//  6. join columns the artifact does not have yet
//  7. write the artifact
//  8. check the indicator now has at least one non-null value
//  9. warn when the checksum did not change
//
// Rows are written in universe order and new columns are appended in
// sorted order, so replaying the same frame yields the same bytes.
package merge

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/undp-data/dfpp/internal/artifact"
	"github.com/undp-data/dfpp/internal/lock"
	"github.com/undp-data/dfpp/internal/logger"
	"github.com/undp-data/dfpp/internal/metrics"
	"github.com/undp-data/dfpp/internal/table"
	"github.com/undp-data/dfpp/internal/universe"
)

// Merge outcomes reported to metrics.
const (
	outcomeOK      = "ok"
	outcomeInvalid = "invalid"
	outcomeError   = "error"
)

// Store is the part of the artifact store a merge uses.
type Store interface {
	Exists(ctx context.Context, path string) (bool, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte, contentType string, overwrite bool) error
	Checksum(ctx context.Context, path string) (string, error)
}

// Result describes one merge.
type Result struct {
	Path string

	// PreChecksum is empty when no artifact existed before the merge.
	PreChecksum    string
	PostChecksum   string
	TouchedColumns []string
	Warnings       []*Warning
}

// Engine merges frames into base artifacts. Merges of the same source are
// serialized through the engine's Locker; different sources proceed in
// parallel.
type Engine struct {
	store     Store
	paths     artifact.Paths
	universe  *universe.Universe
	keyColumn string
	locker    lock.Locker
	metrics   *metrics.Metrics
	log       logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker replaces the default in-process lock.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithMetrics records merge outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithKeyColumn overrides the artifact key column.
func WithKeyColumn(name string) Option {
	return func(e *Engine) { e.keyColumn = name }
}

// NewEngine creates an engine writing artifacts under paths.
func NewEngine(store Store, paths artifact.Paths, u *universe.Universe, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		paths:     paths,
		universe:  u,
		keyColumn: table.DefaultKeyColumn,
		locker:    lock.NewKeyedMutex(),
		log:       logger.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Merge folds frame, the transformed data of indicatorID, into the base
// artifact of sourceID. It returns a *TransformationError when the
// artifact holds no data for the indicator afterwards; the artifact has
// been written by then.
func (e *Engine) Merge(ctx context.Context, sourceID, indicatorID string, frame *table.Frame) (*Result, error) {
	if frame == nil {
		return nil, &TransformationError{SourceID: sourceID, IndicatorID: indicatorID, Reason: "no data frame"}
	}

	unlock, err := e.locker.Lock(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("merge %s: lock: %w", sourceID, err)
	}
	defer unlock()

	res, err := e.merge(ctx, sourceID, indicatorID, frame)
	switch err.(type) {
	case nil:
		e.metrics.Merge(outcomeOK)
	case *TransformationError:
		e.metrics.Merge(outcomeInvalid)
	default:
		e.metrics.Merge(outcomeError)
	}
	if res != nil {
		for _, w := range res.Warnings {
			e.metrics.MergeWarning(string(w.Kind))
			e.log.Warn("Merge warning",
				logger.String("source_id", sourceID),
				logger.String("indicator_id", indicatorID),
				logger.String("kind", string(w.Kind)),
				logger.String("warning", w.Error()),
			)
		}
	}
	return res, err
}

func (e *Engine) merge(ctx context.Context, sourceID, indicatorID string, frame *table.Frame) (*Result, error) {
	path := e.paths.Base(sourceID)
	res := &Result{Path: path}

	exists, err := e.store.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("merge %s: %w", sourceID, err)
	}

	base := table.New(e.keyColumn)
	if exists {
		if res.PreChecksum, err = e.store.Checksum(ctx, path); err != nil {
			return nil, fmt.Errorf("merge %s: checksum: %w", sourceID, err)
		}
		data, err := e.store.Read(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("merge %s: %w", sourceID, err)
		}
		if base, err = table.ReadCSV(bytes.NewReader(data), e.keyColumn); err != nil {
			return nil, fmt.Errorf("merge %s: parse base artifact: %w", sourceID, err)
		}
	}

	incoming, dups := frame.Dedup()
	if len(dups) > 0 {
		res.Warnings = append(res.Warnings, &Warning{
			Kind:        WarnDuplicateKeys,
			SourceID:    sourceID,
			IndicatorID: indicatorID,
			Keys:        dups,
		})
	}

	merged := e.combine(base, incoming)
	res.TouchedColumns = touched(merged, incoming)

	data, err := merged.MarshalCSV()
	if err != nil {
		return nil, fmt.Errorf("merge %s: encode: %w", sourceID, err)
	}
	if err := e.store.Write(ctx, path, data, "text/csv", true); err != nil {
		return nil, fmt.Errorf("merge %s: write: %w", sourceID, err)
	}
	res.PostChecksum = artifact.Sum(data)

	cols := merged.IndicatorColumns(indicatorID)
	if len(cols) == 0 {
		return res, &TransformationError{SourceID: sourceID, IndicatorID: indicatorID,
			Reason: fmt.Sprintf("no %s_ columns in base artifact", indicatorID)}
	}
	if !merged.HasData(cols) {
		return res, &TransformationError{SourceID: sourceID, IndicatorID: indicatorID,
			Reason: "all indicator columns are empty"}
	}

	if exists && res.PostChecksum == res.PreChecksum {
		res.Warnings = append(res.Warnings, &Warning{
			Kind:        WarnUnchanged,
			SourceID:    sourceID,
			IndicatorID: indicatorID,
		})
	}
	return res, nil
}

// combine builds the merged table over the universe. Existing columns
// keep their order; incoming columns new to the artifact follow sorted.
func (e *Engine) combine(base, incoming *table.Frame) *table.Frame {
	columns := base.Columns()
	var added []string
	for _, c := range incoming.Columns() {
		if !base.HasColumn(c) && c != e.keyColumn {
			added = append(added, c)
		}
	}
	sort.Strings(added)
	columns = append(columns, added...)

	merged := table.New(e.keyColumn, columns...)
	incomingCols := incoming.Columns()
	for _, key := range e.universe.Keys() {
		row, _ := base.Row(key)
		if row == nil {
			row = make(map[string]string)
		}
		for _, c := range incomingCols {
			if v, _ := incoming.Get(key, c); v != "" {
				row[c] = v
			}
		}
		merged.AddRow(key, row)
	}
	return merged
}

// touched lists the incoming columns present in merged, sorted.
func touched(merged, incoming *table.Frame) []string {
	var cols []string
	for _, c := range incoming.Columns() {
		if merged.HasColumn(c) {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)
	return cols
}
