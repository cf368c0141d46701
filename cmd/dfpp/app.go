package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/undp-data/dfpp/internal/artifact"
	"github.com/undp-data/dfpp/internal/catalog"
	"github.com/undp-data/dfpp/internal/config"
	"github.com/undp-data/dfpp/internal/fetch"
	dfpphttp "github.com/undp-data/dfpp/internal/http"
	"github.com/undp-data/dfpp/internal/lock"
	"github.com/undp-data/dfpp/internal/logger"
	"github.com/undp-data/dfpp/internal/merge"
	"github.com/undp-data/dfpp/internal/metrics"
	"github.com/undp-data/dfpp/internal/orchestrator"
	"github.com/undp-data/dfpp/internal/pipeline"
	"github.com/undp-data/dfpp/internal/registry"
	"github.com/undp-data/dfpp/internal/report"
	"github.com/undp-data/dfpp/internal/transform"
	"github.com/undp-data/dfpp/internal/universe"
)

// app holds the components one command invocation works with.
type app struct {
	cfg     config.Config
	log     logger.Logger
	metrics *metrics.Metrics

	store    *artifact.Store
	paths    artifact.Paths
	provider *catalog.BucketProvider

	downloaders   *registry.Registry[fetch.Downloader]
	preprocessors *registry.Registry[transform.Preprocessor]
	transformers  *registry.Registry[transform.Transformer]

	progress io.Writer
	closers  []func() error
}

func newApp(ctx context.Context, cfg config.Config, log logger.Logger, m *metrics.Metrics) (*app, error) {
	store, err := artifact.Open(ctx, cfg.Bucket)
	if err != nil {
		return nil, withCode(ExitStorageError, err)
	}

	client := dfpphttp.NewClient(dfpphttp.Options{Timeout: cfg.Download.RequestTimeout})
	a := &app{
		cfg:           cfg,
		log:           log,
		metrics:       m,
		store:         store,
		paths:         artifact.Paths{Project: cfg.Project},
		downloaders:   fetch.NewRegistry(client),
		preprocessors: transform.NewPreprocessors(),
		transformers:  transform.NewTransformers(),
		closers:       []func() error{store.Close},
	}
	if cfg.Download.Progress {
		a.progress = os.Stderr
	}
	a.provider = catalog.NewBucketProvider(store, a.paths, a.validation())
	return a, nil
}

func (a *app) validation() catalog.Validation {
	return catalog.Validation{
		Downloaders:   a.downloaders,
		Preprocessors: a.preprocessors,
		Transforms:    a.transformers,
	}
}

// Close releases everything the app opened, in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// coordinator wires the pipeline. The universe and merge engine are only
// loaded when the transform stage runs.
func (a *app) coordinator(ctx context.Context, stages []pipeline.Stage) (*pipeline.Coordinator, error) {
	sink, err := a.sink(ctx)
	if err != nil {
		return nil, err
	}

	cfg := pipeline.Config{
		Provider: a.provider,
		Downloader: orchestrator.New(orchestrator.Config{
			Provider:       a.provider,
			Downloaders:    a.downloaders,
			Store:          a.store,
			Paths:          a.paths,
			Metrics:        a.metrics,
			Logger:         a.log.With(logger.String("stage", string(pipeline.StageDownload))),
			ProgressOutput: a.progress,
		}),
		Publisher: &pipeline.BasePublisher{
			Provider:  a.provider,
			Store:     a.store,
			Paths:     a.paths,
			KeyColumn: a.cfg.Universe.KeyColumn,
			Logger:    a.log.With(logger.String("stage", string(pipeline.StagePublish))),
		},
		Sink:     sink,
		Download: a.downloadRequest(),
		CacheDir: a.cfg.CacheDir,
		Metrics:  a.metrics,
		Logger:   a.log,
	}

	if runsStage(stages, pipeline.StageTransform) {
		merger, err := a.mergeEngine(ctx)
		if err != nil {
			return nil, err
		}
		cfg.Transformer = transform.NewStage(transform.Config{
			Provider:      a.provider,
			Store:         a.store,
			Paths:         a.paths,
			Preprocessors: a.preprocessors,
			Transformers:  a.transformers,
			Merger:        merger,
			Concurrency:   a.cfg.Transform.Concurrency,
			Timeout:       a.cfg.Transform.Timeout,
			Metrics:       a.metrics,
			Logger:        a.log.With(logger.String("stage", string(pipeline.StageTransform))),
		})
	}
	return pipeline.New(cfg), nil
}

func (a *app) downloadRequest() orchestrator.Request {
	d := a.cfg.Download
	return orchestrator.Request{
		ChunkSize:         d.ChunkSize,
		PerRequestTimeout: d.RequestTimeout,
		MaxRetries:        d.MaxRetries,
		MinBytes:          d.MinBytes,
		Slack:             d.ChunkSlack,
		AckTimeout:        d.AckTimeout,
		Backoff:           d.Retry.Backoff,
		MaxBackoff:        d.Retry.MaxBackoff,
	}
}

func (a *app) mergeEngine(ctx context.Context) (*merge.Engine, error) {
	u, err := universe.Load(ctx, a.store, a.cfg.Universe.Path, a.cfg.Universe.KeyColumn)
	if err != nil {
		return nil, withCode(ExitStorageError, err)
	}
	a.log.Info("Loaded universe",
		logger.String("path", a.cfg.Universe.Path),
		logger.Int("keys", u.Len()),
	)

	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}
	return merge.NewEngine(a.store, a.paths, u,
		merge.WithLocker(locker),
		merge.WithMetrics(a.metrics),
		merge.WithKeyColumn(a.cfg.Universe.KeyColumn),
		merge.WithLogger(a.log.With(logger.String("component", "merge"))),
	), nil
}

// locker returns a Redis lock shared across processes when RedisURL is
// set, and an in-process lock otherwise.
func (a *app) locker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.RedisURL == "" {
		return lock.NewKeyedMutex(), nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, withCode(ExitInvalidArgs, fmt.Errorf("parse redis url: %w", err))
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	return lock.NewRedisLocker(client, lock.RedisConfig{}, a.log), nil
}

func (a *app) sink(ctx context.Context) (report.Sink, error) {
	var sinks report.MultiSink
	if a.cfg.ErrorReport != "" {
		sinks = append(sinks, report.NewCSVSink(a.cfg.ErrorReport))
	}
	if a.cfg.PostgresDSN != "" {
		pg, err := report.OpenPostgres(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		sinks = append(sinks, pg)
	}
	switch len(sinks) {
	case 0:
		return report.NopSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

func runsStage(stages []pipeline.Stage, s pipeline.Stage) bool {
	if len(stages) == 0 {
		return true
	}
	for _, st := range stages {
		if st == s {
			return true
		}
	}
	return false
}
