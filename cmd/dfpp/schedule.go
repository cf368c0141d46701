package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/undp-data/dfpp/internal/config"
	"github.com/undp-data/dfpp/internal/logger"
	"github.com/undp-data/dfpp/internal/metrics"
	"github.com/undp-data/dfpp/internal/pipeline"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func newScheduleCmd(root *rootOptions) *cobra.Command {
	var (
		spec string
		opts runOptions
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the full pipeline on a cron schedule",
		Long: `Schedule runs every stage on the configured cron schedule until
interrupted and serves Prometheus metrics on the metrics address.
A run still in progress when the next one is due is skipped.`,
		Example: `  dfpp schedule --cron "0 3 * * *"
  dfpp schedule --cron @daily -p vaccine`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			if spec != "" {
				cfg.Schedule = spec
			}
			return schedule(ctx, cfg, log, pipeline.Request{Filter: opts.filter()})
		},
	}
	cmd.Flags().StringVar(&spec, "cron", "", "cron expression or descriptor (default from config)")
	opts.addFilterFlags(cmd)
	return cmd
}

func newCron() *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
}

func schedule(ctx context.Context, cfg config.Config, log logger.Logger, req pipeline.Request) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	c := newCron()
	_, err := c.AddFunc(cfg.Schedule, func() {
		if err := scheduledRun(ctx, cfg, log, m, req); err != nil {
			log.Error("Scheduled run failed", logger.Error(err))
		}
	})
	if err != nil {
		return withCode(ExitInvalidArgs, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err))
	}

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsHandler(reg),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		go func() {
			log.Info("Serving metrics", logger.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	c.Start()
	log.Info("Scheduler started", logger.String("schedule", cfg.Schedule))

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		err = fmt.Errorf("metrics server: %w", err)
	}

	log.Info("Stopping scheduler")
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("Metrics server shutdown failed", logger.Error(serr))
	}
	return err
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// scheduledRun runs one pipeline with a fresh app so config changes in the
// bucket are picked up.
func scheduledRun(ctx context.Context, cfg config.Config, log logger.Logger, m *metrics.Metrics, req pipeline.Request) error {
	a, err := newApp(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.coordinator(ctx, req.Stages)
	if err != nil {
		return err
	}
	sum, err := c.Run(ctx, req)
	if sum != nil {
		log.Info("Scheduled run finished",
			logger.String("run_id", sum.RunID),
			logger.Int("succeeded", len(sum.SucceededIndicatorIDs)),
			logger.Int("errors", len(sum.Errors)),
		)
	}
	return err
}
