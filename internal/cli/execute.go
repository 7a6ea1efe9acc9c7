package cli

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/plenumd/plenum/internal/action"
)

// ExecuteOptions holds flags for the execute command.
type ExecuteOptions struct {
	*RootOptions
	Database string
}

// NewExecuteCommand creates the execute command: run one batch document
// against a local SQLite datastore, without the HTTP server.
func NewExecuteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecuteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "execute <request.json>",
		Short: "Execute one batch against a local datastore",
		Long: `Execute a batch document against a local SQLite datastore.

The file holds the same JSON the server accepts:
  [ { "action": "topic.create", "data": [ { "title": "T", "meeting_id": 1 } ] } ]

Example:
  plenum execute --db ./plenum.db ./batch.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite datastore (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runExecute(opts *ExecuteOptions, requestPath string, cmd *cobra.Command) error {
	setupLogging(opts.Verbose)
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	raw, err := os.ReadFile(requestPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read request file", err)
	}
	req, err := action.ParseRequest(raw)
	if err != nil {
		return reportActionError(formatter, err)
	}

	retryLimit := envInt(EnvRetryLimit, action.DefaultRetryLimit)
	ds, closeStore, err := openDatastore(opts.Database, retryLimit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open datastore", err)
	}
	defer closeStore()

	pipeline, err := buildPipeline(ds, retryLimit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build pipeline", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := pipeline.Execute(ctx, req)
	if err != nil {
		return reportActionError(formatter, err)
	}

	if opts.Format == "json" {
		return formatter.Success(resp)
	}
	encoded, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	return formatter.Success(string(encoded))
}

// reportActionError prints the structured failure and signals exit code 1.
func reportActionError(formatter *OutputFormatter, err error) error {
	cliErr := &CLIError{Code: "DATASTORE", Message: err.Error()}
	var actErr *action.Error
	if errors.As(err, &actErr) {
		cliErr = &CLIError{
			Code:    string(actErr.Code),
			Message: actErr.Message,
			FQID:    actErr.FQID,
			Field:   actErr.Field,
		}
	}
	if outErr := formatter.Error(cliErr); outErr != nil {
		return outErr
	}
	return WrapExitError(ExitFailure, "batch rejected", err)
}
