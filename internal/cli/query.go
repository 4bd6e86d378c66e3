package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rowloader/internal/domain/loader"
)

type queryOutput struct {
	Loader string            `json:"loader"`
	Query  loader.Statement  `json:"query"`
	Count  *loader.Statement `json:"count,omitempty"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(opts *RootOptions) *cobra.Command {
	var (
		flags    loadFlags
		paginate bool
	)

	cmd := &cobra.Command{
		Use:   "query <loader>",
		Short: "Print the SQL a loader would run",
		Long: `Build the statement for a loader call without executing it.

The placeholder style follows the configured database driver.`,
		Example: `  rowloader -d defs.yaml query people --where '{"age":{"_gte":30}}' --order=-age --take 10 --paginate`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context(), opts, false)
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
			if _, err := flags.applyScope(cmd.Context(), rt, l.Name(), &la); err != nil {
				return err
			}

			res := queryOutput{Loader: l.Name()}
			if paginate {
				res.Query, err = l.BuildPaginationQuery(la)
			} else {
				res.Query, err = l.BuildQuery(la)
			}
			if err != nil {
				return err
			}
			if flags.count {
				stmt, err := l.BuildCountQuery(la)
				if err != nil {
					return err
				}
				res.Count = &stmt
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, res)
			}
			fmt.Fprintln(out, res.Query.SQL)
			fmt.Fprintf(out, "-- args: %v\n", res.Query.Args)
			if res.Count != nil {
				fmt.Fprintln(out, res.Count.SQL)
				fmt.Fprintf(out, "-- args: %v\n", res.Count.Args)
			}
			return nil
		},
	}

	flags.bind(cmd)
	cmd.Flags().BoolVar(&paginate, "paginate", false, "build the pagination statement (with lookahead rows)")

	return cmd
}
