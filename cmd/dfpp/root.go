package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/undp-data/dfpp/internal/config"
	"github.com/undp-data/dfpp/internal/logger"
	"github.com/undp-data/dfpp/internal/pipeline"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	envFiles   []string
	logLevel   string
	bucket     string
	project    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "dfpp",
		Short: "Data Futures pipeline: retrieve, merge and publish indicator data",
		Long: `dfpp downloads raw indicator data from external sources into a bucket,
merges the transformed indicators into one base table per source and
publishes them.

Configuration is read from the --config file, then DFPP_* environment
variables (optionally from --env files), then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return withCode(ExitInvalidArgs, err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML config file")
	pf.StringSliceVar(&opts.envFiles, "env", nil, "env files to load (default .env if present)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&opts.bucket, "bucket", "", "bucket URL, e.g. s3://name, gs://name, azblob://name, file:///path")
	pf.StringVar(&opts.project, "project", "", "output project name")

	root.AddCommand(
		newRunCmd(opts),
		newStageCmd(opts, pipeline.StageDownload),
		newStageCmd(opts, pipeline.StageTransform),
		newStageCmd(opts, pipeline.StagePublish),
		newListCmd(opts),
		newScheduleCmd(opts),
	)
	return root
}

// load resolves the configuration and creates the logger.
func (o *rootOptions) load() (config.Config, logger.Logger, error) {
	if err := config.LoadDotEnv(o.envFiles...); err != nil {
		return config.Config{}, nil, withCode(ExitInvalidArgs, err)
	}

	cfg := config.Default()
	if o.configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(o.configPath)
		if err != nil {
			return config.Config{}, nil, withCode(ExitInvalidArgs, err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, nil, withCode(ExitInvalidArgs, err)
	}
	cfg = cfg.Merge(config.Config{Bucket: o.bucket, Project: o.project, LogLevel: o.logLevel})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, withCode(ExitInvalidArgs, err)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, log, nil
}
