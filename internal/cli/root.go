// Package cli implements the rowloader command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath      string
	DefinitionsPath string
	Format          string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rowloader",
		Short: "Declarative filtered, keyset-paginated queries",
		Long: `rowloader builds loaders from a YAML definitions file and runs them
against PostgreSQL or SQLite, or prints the SQL they would run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.DefinitionsPath == "" {
				return fmt.Errorf("--definitions is required")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (YAML); ROWLOADER_* variables override it")
	cmd.PersistentFlags().StringVarP(&opts.DefinitionsPath, "definitions", "d", "", "loader definitions file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "json", "output format (json|text)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))

	return cmd
}
