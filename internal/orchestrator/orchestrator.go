// Package orchestrator downloads the raw data behind a set of indicators.
//
// Indicators are resolved to the unique sources backing them, and the
// sources are fetched in chunks of bounded size. Every chunk runs one
// goroutine per source and ends when all of them finish or the chunk
// deadline passes, whichever comes first. Stragglers are cancelled and
// recorded as timed out; a failing or hanging source never affects its
// siblings.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/undp-data/dfpp/internal/artifact"
	"github.com/undp-data/dfpp/internal/catalog"
	"github.com/undp-data/dfpp/internal/fetch"
	dfpphttp "github.com/undp-data/dfpp/internal/http"
	"github.com/undp-data/dfpp/internal/logger"
	"github.com/undp-data/dfpp/internal/metrics"
	"github.com/undp-data/dfpp/internal/progress"
	"github.com/undp-data/dfpp/internal/registry"
	"github.com/undp-data/dfpp/internal/report"
)

// StageName identifies this stage in error rows.
const StageName = "download"

// Defaults for Request fields left zero.
const (
	DefaultChunkSize         = 50
	DefaultPerRequestTimeout = 120 * time.Second
	DefaultMaxRetries        = 5
	DefaultMinBytes          = 100
	DefaultSlack             = 30 * time.Second
	DefaultAckTimeout        = 10 * time.Second
)

// Writer persists downloaded bytes.
type Writer interface {
	Write(ctx context.Context, path string, data []byte, contentType string, overwrite bool) error
}

// Config holds the orchestrator collaborators.
type Config struct {
	Provider    catalog.Provider
	Downloaders *registry.Registry[fetch.Downloader]
	Store       Writer
	Paths       artifact.Paths
	Metrics     *metrics.Metrics
	Logger      logger.Logger

	// ProgressOutput receives periodic progress lines. Nil disables them.
	ProgressOutput io.Writer
}

// Orchestrator runs download stages.
type Orchestrator struct {
	cfg Config
}

// New creates an orchestrator. A nil Downloaders registry gets the HTTP
// built-ins.
func New(cfg Config) *Orchestrator {
	if cfg.Downloaders == nil {
		cfg.Downloaders = fetch.NewRegistry(dfpphttp.NewClient(dfpphttp.DefaultOptions()))
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Orchestrator{cfg: cfg}
}

// Request parameterizes one download run.
type Request struct {
	RunID  string
	Filter catalog.Filter

	ChunkSize         int
	PerRequestTimeout time.Duration
	MaxRetries        int
	MinBytes          int64

	// Slack is added to the chunk deadline.
	Slack time.Duration

	// AckTimeout bounds the wait for cancelled tasks to return.
	AckTimeout time.Duration

	// Backoff and MaxBackoff configure the delay between attempts. Zero
	// retries immediately.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (r Request) withDefaults() Request {
	if r.ChunkSize <= 0 {
		r.ChunkSize = DefaultChunkSize
	}
	if r.PerRequestTimeout <= 0 {
		r.PerRequestTimeout = DefaultPerRequestTimeout
	}
	if r.MaxRetries <= 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.MinBytes <= 0 {
		r.MinBytes = DefaultMinBytes
	}
	if r.Slack < 0 {
		r.Slack = 0
	}
	if r.AckTimeout <= 0 {
		r.AckTimeout = DefaultAckTimeout
	}
	return r
}

// ChunkDeadline is the time a chunk may run before stragglers are
// cancelled.
func (r Request) ChunkDeadline() time.Duration {
	return time.Duration(r.ChunkSize)*r.PerRequestTimeout + r.Slack
}

// Result is the outcome of a download run.
type Result struct {
	// RequestedIndicatorIDs are the valid indicators the filter resolved to.
	RequestedIndicatorIDs []string

	// SucceededIndicatorIDs is sorted, deduplicated and a subset of
	// RequestedIndicatorIDs.
	SucceededIndicatorIDs []string

	FailedSourceIDs  []string
	SkippedSourceIDs []string
	Errors           []report.Row
	Tasks            []Task
	Summary          report.Summary
}

// FetchSources downloads every source backing the indicators selected by
// req.Filter and persists the bytes under the raw sources prefix. Per
// source failures are reported in the result; the returned error is
// non-nil only when the indicator list cannot be resolved or the run's
// bookkeeping is inconsistent (ErrBookkeeping).
func (o *Orchestrator) FetchSources(ctx context.Context, req Request) (*Result, error) {
	req = req.withDefaults()
	log := o.cfg.Logger.With(logger.String("run_id", req.RunID))

	sel, err := o.cfg.Provider.Indicators(ctx, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve indicators: %w", err)
	}

	res := &Result{RequestedIndicatorIDs: sel.IDs()}
	now := time.Now().UTC()
	for _, cerr := range sel.Invalid {
		res.Errors = append(res.Errors, report.Row{
			RunID: req.RunID, Stage: StageName, IndicatorID: cerr.ID,
			Kind: string(fetch.KindConfig), Error: cerr.Error(), At: now,
		})
	}

	fanout := catalog.SourceIndicators(sel.Indicators)
	sourceIDs := make([]string, 0, len(fanout))
	for id := range fanout {
		sourceIDs = append(sourceIDs, id)
	}
	sort.Strings(sourceIDs)

	var reporter *progress.Reporter
	if o.cfg.ProgressOutput != nil && len(sourceIDs) > 0 {
		reporter = progress.NewReporter(progress.Options{
			TotalSources: len(sourceIDs),
			ChunkSize:    req.ChunkSize,
			Output:       o.cfg.ProgressOutput,
		})
		reporter.Start()
		defer reporter.Stop()
	}

	log.Info("Fetching sources",
		logger.Int("indicators", len(sel.Indicators)),
		logger.Int("sources", len(sourceIDs)),
		logger.Int("chunk_size", req.ChunkSize),
		logger.Duration("chunk_deadline", req.ChunkDeadline()),
	)

	// Bounds live download goroutines across chunks, including ones
	// abandoned after a deadline.
	slots := make(chan struct{}, req.ChunkSize)

	tasks := make(map[string]*Task, len(sourceIDs))
	for start, n := 0, 1; start < len(sourceIDs); start, n = start+req.ChunkSize, n+1 {
		end := min(start+req.ChunkSize, len(sourceIDs))
		chunk := sourceIDs[start:end]

		began := time.Now()
		for _, t := range o.runChunk(ctx, req, chunk, slots, reporter) {
			if _, dup := tasks[t.SourceID]; dup {
				return nil, fmt.Errorf("%w: source %s tasked twice", ErrBookkeeping, t.SourceID)
			}
			tasks[t.SourceID] = t
		}
		o.cfg.Metrics.ObserveChunk(time.Since(began))
		log.Debug("Chunk resolved",
			logger.Int("chunk", n),
			logger.Int("sources", len(chunk)),
			logger.Duration("took", time.Since(began)),
		)
	}

	if err := o.collect(req, sel, fanout, sourceIDs, tasks, res); err != nil {
		return nil, err
	}

	log.Info("Download stage finished",
		logger.Int("tasked", res.Summary.Tasked),
		logger.Int("downloaded", res.Summary.Succeeded),
		logger.Int("failed", res.Summary.Failed),
		logger.Int("skipped", res.Summary.Skipped),
		logger.Int("indicators_ok", len(res.SucceededIndicatorIDs)),
	)
	return res, nil
}

// collect maps task outcomes back to indicators and checks the run's
// invariants.
func (o *Orchestrator) collect(req Request, sel catalog.Selection, fanout map[string][]string,
	sourceIDs []string, tasks map[string]*Task, res *Result) error {
	if len(tasks) != len(sourceIDs) {
		return fmt.Errorf("%w: %d tasks for %d sources", ErrBookkeeping, len(tasks), len(sourceIDs))
	}

	requested := make(map[string]struct{}, len(sel.Indicators))
	for _, ind := range sel.Indicators {
		requested[ind.ID] = struct{}{}
	}

	now := time.Now().UTC()
	succeeded := make(map[string]struct{})
	for _, id := range sourceIDs {
		t, ok := tasks[id]
		if !ok || !t.State.Terminal() {
			return fmt.Errorf("%w: source %s has no final state", ErrBookkeeping, id)
		}
		res.Tasks = append(res.Tasks, *t)
		o.cfg.Metrics.DownloadTask(string(t.State))
		res.Summary.Tasked++

		switch t.State {
		case StateSucceeded:
			res.Summary.Succeeded++
		case StateSkipped:
			res.Summary.Skipped++
			res.SkippedSourceIDs = append(res.SkippedSourceIDs, id)
		default:
			res.Summary.Failed++
			res.FailedSourceIDs = append(res.FailedSourceIDs, id)
		}

		for _, indID := range fanout[id] {
			if _, ok := requested[indID]; !ok {
				return fmt.Errorf("%w: indicator %s was not requested", ErrBookkeeping, indID)
			}
			if t.State.Ok() {
				succeeded[indID] = struct{}{}
				continue
			}
			msg := ""
			if t.Err != nil {
				msg = t.Err.Error()
			}
			res.Errors = append(res.Errors, report.Row{
				RunID: req.RunID, Stage: StageName, IndicatorID: indID, SourceID: id,
				Kind: string(t.Kind), Error: msg, At: now,
			})
		}
	}

	res.SucceededIndicatorIDs = make([]string, 0, len(succeeded))
	for id := range succeeded {
		res.SucceededIndicatorIDs = append(res.SucceededIndicatorIDs, id)
	}
	sort.Strings(res.SucceededIndicatorIDs)
	return nil
}
