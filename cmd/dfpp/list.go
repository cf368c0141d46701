package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/undp-data/dfpp/internal/catalog"
)

func newListCmd(root *rootOptions) *cobra.Command {
	var (
		sources bool
		opts    runOptions
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List and validate indicator or source configs",
		Long: `List reads every indicator config (or source config with --sources)
from the bucket and validates it. It exits with code 7 when any config
is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			var invalid int
			if sources {
				invalid, err = listSources(ctx, cmd.OutOrStdout(), a.provider)
			} else {
				invalid, err = listIndicators(ctx, cmd.OutOrStdout(), a.provider, opts.filter())
			}
			if err != nil {
				return withCode(ExitStorageError, err)
			}
			if invalid > 0 {
				return withCode(ExitValidationFailed, fmt.Errorf("%d invalid configs", invalid))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&sources, "sources", false, "list source configs instead of indicators")
	opts.addFilterFlags(cmd)
	return cmd
}

func listIndicators(ctx context.Context, out io.Writer, p *catalog.BucketProvider, f catalog.Filter) (int, error) {
	sel, err := p.Indicators(ctx, f)
	if err != nil {
		return 0, err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tINDICATOR\tSOURCE\tTRANSFORM\tERROR")
	invalid := len(sel.Invalid)
	for _, ind := range sel.Indicators {
		status, msg := "ok", ""
		if _, err := p.Source(ctx, ind.SourceID); err != nil {
			status, msg = "invalid", err.Error()
			invalid++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", status, ind.ID, ind.SourceID, ind.Transform, msg)
	}
	for _, cerr := range sel.Invalid {
		fmt.Fprintf(tw, "invalid\t%s\t\t\t%v\n", cerr.ID, cerr.Err)
	}
	if err := tw.Flush(); err != nil {
		return 0, err
	}
	fmt.Fprintf(out, "\n%d indicators, %d invalid\n", len(sel.Indicators)+len(sel.Invalid), invalid)
	return invalid, nil
}

func listSources(ctx context.Context, out io.Writer, p *catalog.BucketProvider) (int, error) {
	ids, err := p.SourceIDs(ctx)
	if err != nil {
		return 0, err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tSOURCE\tTYPE\tDOWNLOADER\tSAVE AS\tERROR")
	var invalid int
	for _, id := range ids {
		src, err := p.Source(ctx, id)
		if err != nil {
			invalid++
			fmt.Fprintf(tw, "invalid\t%s\t\t\t\t%v\n", id, err)
			continue
		}
		fmt.Fprintf(tw, "ok\t%s\t%s\t%s\t%s\t\n", src.ID, src.Type, src.Downloader, src.SaveAs)
	}
	if err := tw.Flush(); err != nil {
		return 0, err
	}
	fmt.Fprintf(out, "\n%d sources, %d invalid\n", len(ids), invalid)
	return invalid, nil
}
