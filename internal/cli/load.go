package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"rowloader/internal/domain/loader"
	"rowloader/internal/domain/schema"
)

// NewLoadCommand creates the load command.
func NewLoadCommand(opts *RootOptions) *cobra.Command {
	var (
		flags   loadFlags
		rows    bool
		metrics bool
	)

	cmd := &cobra.Command{
		Use:   "load <loader>",
		Short: "Run a loader against the configured database",
		Long: `Run a loader and print the page envelope (or, with --rows, the bare rows).

In text format every row is printed as one JSON line, followed by the page
info on stderr.`,
		Example: `  rowloader -c rowloader.yaml -d defs.yaml load people --order=-age --take 10 --cursors
  rowloader -d defs.yaml load people --cursor <endCursor> --take 10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, opts, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			l, err := rt.loader(args[0])
			if err != nil {
				return err
			}
			la, err := flags.args()
			if err != nil {
				return err
			}
			ctx, err = flags.applyScope(ctx, rt, l.Name(), &la)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rows {
				var result []schema.Row
				err = rt.run(ctx, func(ctx context.Context) error {
					result, err = l.Load(ctx, la)
					return err
				})
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					err = writeJSON(out, result)
				} else {
					err = writeLines(out, result)
				}
			} else {
				var page *loader.Page
				err = rt.run(ctx, func(ctx context.Context) error {
					page, err = l.LoadPagination(ctx, la)
					return err
				})
				if err != nil {
					return err
				}
				err = writePage(cmd, opts.Format, page)
			}
			if err != nil {
				return err
			}

			if metrics {
				return rt.writeMetrics(cmd.ErrOrStderr())
			}
			return nil
		},
	}

	flags.bind(cmd)
	cmd.Flags().BoolVar(&rows, "rows", false, "return bare rows instead of a page")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "print collected metrics to stderr (requires metrics.enabled)")

	return cmd
}

func writePage(cmd *cobra.Command, format string, page *loader.Page) error {
	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), page)
	}
	if err := writeLines(cmd.OutOrStdout(), page.Edges); err != nil {
		return err
	}
	info := page.PageInfo
	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "rows=%d hasNext=%t hasPrevious=%t minimumCount=%d", len(page.Nodes), info.HasNextPage, info.HasPreviousPage, info.MinimumCount)
	if info.Count != nil {
		fmt.Fprintf(errOut, " count=%d", *info.Count)
	}
	if info.EndCursor != nil {
		fmt.Fprintf(errOut, " endCursor=%s", *info.EndCursor)
	}
	fmt.Fprintln(errOut)
	return nil
}
