package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/undp-data/dfpp/internal/catalog"
	"github.com/undp-data/dfpp/internal/logger"
	"github.com/undp-data/dfpp/internal/pipeline"
)

type runOptions struct {
	stages     []string
	indicators []string
	pattern    string
}

func (o *runOptions) addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&o.indicators, "indicator", "i", nil, "indicator ids to process (default all)")
	cmd.Flags().StringVarP(&o.pattern, "pattern", "p", "", "only process indicator ids containing this substring")
}

func (o *runOptions) filter() catalog.Filter {
	return catalog.Filter{IDs: o.indicators, Contains: o.pattern}
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline stages for the selected indicators",
		Example: `  dfpp run --bucket s3://dfpp-data
  dfpp run -s download -s transform -p GDP
  dfpp run -i hdi,gii --stage publish`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stages, err := parseStages(opts.stages)
			if err != nil {
				return err
			}
			return runPipeline(cmd, root, pipeline.Request{Filter: opts.filter(), Stages: stages})
		},
	}
	cmd.Flags().StringSliceVarP(&opts.stages, "stage", "s", nil, "stages to run: download, transform, publish (default all)")
	opts.addFilterFlags(cmd)
	return cmd
}

// newStageCmd is a shortcut for "run --stage <stage>".
func newStageCmd(root *rootOptions, stage pipeline.Stage) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   string(stage),
		Short: fmt.Sprintf("Run only the %s stage", stage),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, root, pipeline.Request{Filter: opts.filter(), Stages: []pipeline.Stage{stage}})
		},
	}
	opts.addFilterFlags(cmd)
	return cmd
}

func parseStages(names []string) ([]pipeline.Stage, error) {
	stages := make([]pipeline.Stage, 0, len(names))
	for _, name := range names {
		s, err := pipeline.ParseStage(name)
		if err != nil {
			return nil, withCode(ExitInvalidArgs, err)
		}
		stages = append(stages, s)
	}
	return stages, nil
}

func runPipeline(cmd *cobra.Command, root *rootOptions, req pipeline.Request) error {
	ctx := cmd.Context()
	cfg, log, err := root.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := newApp(ctx, cfg, log, nil)
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
		fmt.Fprintln(cmd.OutOrStdout(), sum.String())
	}
	if err != nil {
		return withCode(ExitStageFailed, err)
	}
	if n := len(sum.Errors); n > 0 {
		log.Warn("Run finished with errors", logger.Int("errors", n))
		return withCode(ExitItemsFailed, fmt.Errorf("%d items failed", n))
	}
	return nil
}
