package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

type loaderSummary struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a definitions file and list its loaders",
		Long: `Parse the definitions file, build every view and loader without
connecting to a database, and list the loaders with their fields.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			names := rt.registry.Loaders()
			summaries := make([]loaderSummary, 0, len(names))
			for _, name := range names {
				l, _ := rt.registry.Loader(name)
				summaries = append(summaries, loaderSummary{Name: name, Fields: l.Shape().FieldSet().Names()})
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, summaries)
			}
			for _, s := range summaries {
				fmt.Fprintf(out, "%s: %v\n", s.Name, s.Fields)
			}
			fmt.Fprintf(out, "OK: %d loader(s)\n", len(summaries))
			return nil
		},
	}
}
