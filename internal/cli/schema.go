package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plenumd/plenum/internal/schema"
)

// NewCheckSchemaCommand creates the check-schema command: compile the model
// declaration and report what it defines.
func NewCheckSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-schema",
		Short: "Compile and validate the model declaration",
		Long: `Compile the embedded model declaration and run the load-time checks:
relation symmetry, generic target whitelists, template replacement
collections, calculated-field constraints.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckSchema(rootOpts, cmd)
		},
	}
	return cmd
}

type schemaReport struct {
	Collections []collectionReport `json:"collections"`
}

type collectionReport struct {
	Name      string `json:"name"`
	Fields    int    `json:"fields"`
	Relations int    `json:"relations"`
}

func runCheckSchema(opts *RootOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	reg, err := schema.Load()
	if err != nil {
		if outErr := formatter.Error(&CLIError{Code: "SCHEMA", Message: err.Error()}); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "model declaration invalid", err)
	}

	report := schemaReport{}
	for _, name := range reg.Collections() {
		report.Collections = append(report.Collections, collectionReport{
			Name:      name,
			Fields:    len(reg.Fields(name)),
			Relations: len(reg.Relations(name)),
		})
	}

	if opts.Format == "json" {
		return formatter.Success(report)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "model ok: %d collections\n", len(report.Collections))
	for _, col := range report.Collections {
		fmt.Fprintf(&b, "  %-14s %3d fields, %2d relations\n", col.Name, col.Fields, col.Relations)
	}
	return formatter.Success(strings.TrimRight(b.String(), "\n"))
}
