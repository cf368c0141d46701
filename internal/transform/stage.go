// Package transform turns downloaded source bytes into indicator columns
// and merges them into base artifacts.
package transform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/undp-data/dfpp/internal/artifact"
	"github.com/undp-data/dfpp/internal/cache"
	"github.com/undp-data/dfpp/internal/catalog"
	"github.com/undp-data/dfpp/internal/logger"
	"github.com/undp-data/dfpp/internal/merge"
	"github.com/undp-data/dfpp/internal/metrics"
	"github.com/undp-data/dfpp/internal/registry"
	"github.com/undp-data/dfpp/internal/report"
	"github.com/undp-data/dfpp/internal/table"
)

// StageName identifies this stage in error rows.
const StageName = "transform"

// Error kinds recorded in the report.
const (
	KindConfig         = "ConfigError"
	KindSource         = "SourceError"
	KindTransformation = "TransformationError"
	KindTimeout        = "Timeout"
	KindPanic          = "Panic"
	KindMerge          = "MergeError"
)

// Defaults match the download stage config defaults.
const (
	DefaultConcurrency = 5
	DefaultTimeout     = 300 * time.Second
)

// Reader reads raw source blobs.
type Reader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// Merger folds a transformed frame into a base artifact.
type Merger interface {
	Merge(ctx context.Context, sourceID, indicatorID string, f *table.Frame) (*merge.Result, error)
}

// Config holds the stage collaborators.
type Config struct {
	Provider      catalog.Provider
	Store         Reader
	Paths         artifact.Paths
	Preprocessors *registry.Registry[Preprocessor]
	Transformers  *registry.Registry[Transformer]
	Merger        Merger
	Concurrency   int
	Timeout       time.Duration
	Metrics       *metrics.Metrics
	Logger        logger.Logger
}

// Stage runs preprocessing, transform and merge for a set of indicators.
type Stage struct {
	cfg Config
}

// NewStage creates a stage. Nil registries get the built-ins.
func NewStage(cfg Config) *Stage {
	if cfg.Preprocessors == nil {
		cfg.Preprocessors = NewPreprocessors()
	}
	if cfg.Transformers == nil {
		cfg.Transformers = NewTransformers()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Stage{cfg: cfg}
}

// Request selects the indicators to transform.
type Request struct {
	RunID        string
	IndicatorIDs []string

	// Cache holds raw bytes for the run. Required.
	Cache *cache.Cache
}

// Result is the outcome of a transform run.
type Result struct {
	SucceededIndicatorIDs []string
	Errors                []report.Row
	Merges                map[string]*merge.Result
}

// Run transforms the requested indicators with bounded concurrency. A
// failing indicator is recorded in Result.Errors and never affects the
// others. The error return is reserved for failures to resolve the
// indicator list.
func (s *Stage) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Cache == nil {
		return nil, errors.New("transform: cache is required")
	}
	res := &Result{Merges: make(map[string]*merge.Result)}
	if len(req.IndicatorIDs) == 0 {
		return res, nil
	}

	sel, err := s.cfg.Provider.Indicators(ctx, catalog.Filter{IDs: req.IndicatorIDs})
	if err != nil {
		return nil, fmt.Errorf("transform: resolve indicators: %w", err)
	}

	now := time.Now().UTC()
	for _, cerr := range sel.Invalid {
		res.Errors = append(res.Errors, report.Row{
			RunID: req.RunID, Stage: StageName, IndicatorID: cerr.ID,
			Kind: KindConfig, Error: cerr.Error(), At: now,
		})
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)

	for _, ind := range sel.Indicators {
		g.Go(func() error {
			mr, kind, err := s.runOne(ctx, req.Cache, ind)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.cfg.Metrics.Transform("error")
				s.cfg.Logger.Warn("Indicator transform failed",
					logger.String("run_id", req.RunID),
					logger.String("indicator_id", ind.ID),
					logger.String("source_id", ind.SourceID),
					logger.String("kind", kind),
					logger.Error(err),
				)
				res.Errors = append(res.Errors, report.Row{
					RunID: req.RunID, Stage: StageName, IndicatorID: ind.ID, SourceID: ind.SourceID,
					Kind: kind, Error: err.Error(), At: time.Now().UTC(),
				})
				return nil
			}
			s.cfg.Metrics.Transform("ok")
			res.SucceededIndicatorIDs = append(res.SucceededIndicatorIDs, ind.ID)
			res.Merges[ind.ID] = mr
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.SucceededIndicatorIDs)
	sort.SliceStable(res.Errors, func(i, j int) bool {
		return res.Errors[i].IndicatorID < res.Errors[j].IndicatorID
	})

	s.cfg.Logger.Info("Transform stage finished",
		logger.String("run_id", req.RunID),
		logger.Int("tasked", len(sel.Indicators)+len(sel.Invalid)),
		logger.Int("succeeded", len(res.SucceededIndicatorIDs)),
		logger.Int("failed", len(res.Errors)),
	)
	return res, nil
}

// runOne processes one indicator and returns the error kind on failure.
func (s *Stage) runOne(ctx context.Context, c *cache.Cache, ind catalog.Indicator) (*merge.Result, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	src, err := s.cfg.Provider.Source(ctx, ind.SourceID)
	if err != nil {
		return nil, KindConfig, err
	}
	pre, err := s.cfg.Preprocessors.Lookup(ind.Preprocessing)
	if err != nil {
		return nil, KindConfig, err
	}
	tr, err := s.cfg.Transformers.Lookup(ind.Transform)
	if err != nil {
		return nil, KindConfig, err
	}

	raw, err := c.Load(ctx, src.SaveAs, func(ctx context.Context) ([]byte, error) {
		return s.cfg.Store.Read(ctx, s.cfg.Paths.Raw(src.SaveAs))
	})
	if err != nil {
		var srcErr *artifact.SourceError
		if errors.As(err, &srcErr) {
			return nil, KindSource, err
		}
		return nil, kindOfCtx(ctx, KindSource), err
	}

	frame, kind, err := s.reshape(ctx, raw, ind, src, pre, tr)
	if err != nil {
		return nil, kind, err
	}

	mr, err := s.cfg.Merger.Merge(ctx, src.ID, ind.ID, frame)
	if err != nil {
		var terr *merge.TransformationError
		if errors.As(err, &terr) {
			return mr, KindTransformation, err
		}
		return mr, kindOfCtx(ctx, KindMerge), err
	}
	return mr, "", nil
}

type reshaped struct {
	frame *table.Frame
	kind  string
	err   error
}

// reshape runs the registry functions off the caller's goroutine so that
// the per-indicator timeout holds even if a function never returns.
func (s *Stage) reshape(ctx context.Context, raw []byte, ind catalog.Indicator, src catalog.Source,
	pre Preprocessor, tr Transformer) (*table.Frame, string, error) {
	done := make(chan reshaped, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reshaped{kind: KindPanic, err: fmt.Errorf("panic in %s/%s: %v", ind.Preprocessing, ind.Transform, r)}
			}
		}()
		f, err := pre(raw, ind, src)
		if err != nil {
			done <- reshaped{kind: KindTransformation, err: fmt.Errorf("%s: %w", ind.Preprocessing, err)}
			return
		}
		f, err = tr(f, ind)
		if err != nil {
			done <- reshaped{kind: KindTransformation, err: fmt.Errorf("%s: %w", ind.Transform, err)}
			return
		}
		done <- reshaped{frame: f}
	}()

	select {
	case r := <-done:
		return r.frame, r.kind, r.err
	case <-ctx.Done():
		return nil, kindOfCtx(ctx, KindTransformation), fmt.Errorf("transform %s: %w", ind.ID, ctx.Err())
	}
}

func kindOfCtx(ctx context.Context, fallback string) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	return fallback
}
