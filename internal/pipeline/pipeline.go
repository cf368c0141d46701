// Package pipeline sequences the stages of a run.
//
// A run goes Download, Transform (which merges into base artifacts) and
// Publish. Each stage receives exactly the indicator ids the previous
// stage completed. The run owns a scratch cache that is removed on every
// exit path, and its error rows are written to the report sink even when
// a stage fails as a whole.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/undp-data/dfpp/internal/cache"
	"github.com/undp-data/dfpp/internal/catalog"
	"github.com/undp-data/dfpp/internal/logger"
	"github.com/undp-data/dfpp/internal/metrics"
	"github.com/undp-data/dfpp/internal/orchestrator"
	"github.com/undp-data/dfpp/internal/report"
	"github.com/undp-data/dfpp/internal/transform"
)

// Stage names a pipeline stage.
type Stage string

const (
	StageDownload  Stage = orchestrator.StageName
	StageTransform Stage = transform.StageName
	StagePublish   Stage = "publish"
)

// AllStages lists the stages in run order.
var AllStages = []Stage{StageDownload, StageTransform, StagePublish}

// ParseStage returns the stage called name.
func ParseStage(name string) (Stage, error) {
	for _, s := range AllStages {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("pipeline: unknown stage %q", name)
}

// reportTimeout bounds the final write of error rows.
const reportTimeout = 30 * time.Second

// Downloader runs the download stage.
type Downloader interface {
	FetchSources(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// Transformer runs the transform stage.
type Transformer interface {
	Run(ctx context.Context, req transform.Request) (*transform.Result, error)
}

// Config holds the coordinator collaborators. Only the components of the
// stages a run asks for are required.
type Config struct {
	Provider    catalog.Provider
	Downloader  Downloader
	Transformer Transformer
	Publisher   Publisher
	Sink        report.Sink

	// Download is the template for download requests. RunID and Filter
	// are set per run.
	Download orchestrator.Request

	// CacheDir is the parent of the run scratch directory. Empty uses the
	// system temp dir.
	CacheDir string

	Metrics *metrics.Metrics
	Logger  logger.Logger

	// NewRunID overrides run id generation.
	NewRunID func() string
}

// Coordinator runs pipelines.
type Coordinator struct {
	cfg Config
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Sink == nil {
		cfg.Sink = report.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = func() string { return uuid.NewString() }
	}
	return &Coordinator{cfg: cfg}
}

// Request selects what a run does. Empty Stages runs all of them.
type Request struct {
	Filter catalog.Filter
	Stages []Stage
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Stage     Stage
	Input     int
	Succeeded []string
	Failed    int
	Duration  time.Duration
	Err       error
}

// Summary is what a run reports, whatever its outcome.
type Summary struct {
	RunID  string
	Stages []StageResult

	// SucceededIndicatorIDs are the ids the last stage run completed.
	SucceededIndicatorIDs []string

	// Download counts source tasks when the download stage ran.
	Download report.Summary

	Errors []report.Row
}

// String renders one line per stage.
func (s *Summary) String() string {
	out := fmt.Sprintf("run %s", s.RunID)
	for _, st := range s.Stages {
		out += fmt.Sprintf("\n  %-9s in: %d ok: %d failed: %d (%s)",
			st.Stage, st.Input, len(st.Succeeded), st.Failed, st.Duration.Round(time.Millisecond))
		if st.Err != nil {
			out += " error: " + st.Err.Error()
		}
	}
	if s.Download.Tasked > 0 {
		out += "\n  " + s.Download.String()
	}
	return out
}

type stageOutput struct {
	succeeded []string
	errors    []report.Row
}

// Run executes the requested stages in order. It always returns a
// summary. The error is non-nil when the stage list is invalid or a stage
// failed as a whole, in which case it is a *PublishError and the later
// stages are not run.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Summary, error) {
	sum := &Summary{RunID: c.cfg.NewRunID()}
	stages, err := normalize(req.Stages)
	if err != nil {
		return sum, err
	}
	log := c.cfg.Logger.With(logger.String("run_id", sum.RunID))

	scratch, err := cache.New(c.cfg.CacheDir)
	if err != nil {
		return sum, err
	}
	defer func() {
		if cerr := scratch.Close(); cerr != nil {
			log.Warn("Failed to remove scratch cache", logger.Error(cerr))
		}
	}()
	defer c.persist(ctx, log, sum)

	log.Info("Run started", logger.Strings("stages", stageNames(stages)))

	var ids []string
	for i, stage := range stages {
		if i == 0 && stage != StageDownload {
			ids, err = c.resolve(ctx, req.Filter)
			if err != nil {
				perr := &PublishError{Stage: stage, Err: err}
				c.fail(sum, stage, perr)
				return sum, perr
			}
		}
		if i > 0 && len(ids) == 0 {
			log.Info("Nothing left to run", logger.String("stage", string(stage)))
			sum.Stages = append(sum.Stages, StageResult{Stage: stage})
			continue
		}

		input := ids
		began := time.Now()
		out, err := c.runStage(ctx, stage, func(ctx context.Context) (*stageOutput, error) {
			return c.dispatch(ctx, stage, sum, req.Filter, input, scratch)
		})
		took := time.Since(began)
		c.cfg.Metrics.ObserveStage(string(stage), took)

		if err != nil {
			c.fail(sum, stage, err)
			sum.Stages = append(sum.Stages, StageResult{Stage: stage, Input: len(input), Duration: took, Err: err})
			log.Error("Stage failed", logger.String("stage", string(stage)), logger.Error(err))
			return sum, err
		}

		ids = out.succeeded
		sum.Errors = append(sum.Errors, out.errors...)
		sum.Stages = append(sum.Stages, StageResult{
			Stage:     stage,
			Input:     len(input),
			Succeeded: out.succeeded,
			Failed:    len(out.errors),
			Duration:  took,
		})
		log.Info("Stage finished",
			logger.String("stage", string(stage)),
			logger.Int("succeeded", len(out.succeeded)),
			logger.Int("failed", len(out.errors)),
			logger.Duration("took", took),
		)
	}

	sum.SucceededIndicatorIDs = ids
	return sum, nil
}

// runStage calls fn and turns a returned error or a panic into a
// *PublishError.
func (c *Coordinator) runStage(ctx context.Context, stage Stage,
	fn func(ctx context.Context) (*stageOutput, error)) (out *stageOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &PublishError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	out, err = fn(ctx)
	if err != nil {
		var perr *PublishError
		if !errors.As(err, &perr) {
			err = &PublishError{Stage: stage, Err: err}
		}
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) dispatch(ctx context.Context, stage Stage, sum *Summary, filter catalog.Filter,
	ids []string, scratch *cache.Cache) (*stageOutput, error) {
	switch stage {
	case StageDownload:
		if c.cfg.Downloader == nil {
			return nil, errors.New("no downloader configured")
		}
		dreq := c.cfg.Download
		dreq.RunID = sum.RunID
		dreq.Filter = filter
		res, err := c.cfg.Downloader.FetchSources(ctx, dreq)
		if err != nil {
			return nil, err
		}
		sum.Download = res.Summary
		return &stageOutput{succeeded: res.SucceededIndicatorIDs, errors: res.Errors}, nil

	case StageTransform:
		if c.cfg.Transformer == nil {
			return nil, errors.New("no transformer configured")
		}
		res, err := c.cfg.Transformer.Run(ctx, transform.Request{RunID: sum.RunID, IndicatorIDs: ids, Cache: scratch})
		if err != nil {
			return nil, err
		}
		return &stageOutput{succeeded: res.SucceededIndicatorIDs, errors: res.Errors}, nil

	case StagePublish:
		if c.cfg.Publisher == nil {
			return nil, errors.New("no publisher configured")
		}
		res, err := c.cfg.Publisher.Publish(ctx, PublishRequest{RunID: sum.RunID, IndicatorIDs: ids, Cache: scratch})
		if err != nil {
			return nil, err
		}
		return &stageOutput{succeeded: res.SucceededIndicatorIDs, errors: res.Errors}, nil
	}
	return nil, fmt.Errorf("unknown stage %q", stage)
}

// resolve turns the run filter into indicator ids for runs that do not
// start with the download stage. Invalid indicators are kept so the first
// stage reports them.
func (c *Coordinator) resolve(ctx context.Context, f catalog.Filter) ([]string, error) {
	if c.cfg.Provider == nil {
		if len(f.IDs) == 0 {
			return nil, errors.New("no config provider to resolve the filter")
		}
		return f.IDs, nil
	}
	sel, err := c.cfg.Provider.Indicators(ctx, f)
	if err != nil {
		return nil, err
	}
	ids := sel.IDs()
	for _, cerr := range sel.Invalid {
		ids = append(ids, cerr.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *Coordinator) fail(sum *Summary, stage Stage, err error) {
	sum.Errors = append(sum.Errors, report.Row{
		RunID: sum.RunID, Stage: string(stage), Kind: KindPublish, Error: err.Error(), At: time.Now().UTC(),
	})
}

// persist writes the run's error rows. It runs even if ctx is cancelled.
func (c *Coordinator) persist(ctx context.Context, log logger.Logger, sum *Summary) {
	if len(sum.Errors) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := c.cfg.Sink.Append(ctx, sum.Errors); err != nil {
		log.Error("Failed to write error report", logger.Int("rows", len(sum.Errors)), logger.Error(err))
		return
	}
	log.Info("Error report written", logger.Int("rows", len(sum.Errors)))
}

// normalize validates stages and puts them in run order.
func normalize(stages []Stage) ([]Stage, error) {
	if len(stages) == 0 {
		return AllStages, nil
	}
	want := make(map[Stage]bool, len(stages))
	for _, s := range stages {
		if _, err := ParseStage(string(s)); err != nil {
			return nil, err
		}
		want[s] = true
	}
	var out []Stage
	for _, s := range AllStages {
		if want[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

func stageNames(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	return names
}
