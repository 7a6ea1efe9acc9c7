package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plenumd/plenum/internal/action"
	"github.com/plenumd/plenum/internal/calculated"
	"github.com/plenumd/plenum/internal/datastore"
	"github.com/plenumd/plenum/internal/schema"
)

// Environment configuration read at command start.
const (
	EnvReaderURL      = "DATASTORE_READER_URL"
	EnvWriterURL      = "DATASTORE_WRITER_URL"
	EnvRetryLimit     = "PLENUM_RETRY_LIMIT"
	EnvRequestTimeout = "PLENUM_REQUEST_TIMEOUT"
)

const defaultRequestTimeout = 30 * time.Second

// maxRequestBody caps ingress documents at 8 MiB.
const maxRequestBody = 8 << 20

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the action server",
		Long: `Start the HTTP action server.

Batches are accepted on POST /system/action/handle_request. With --db the
server runs against an in-process SQLite datastore (created on first use);
without it, DATASTORE_READER_URL and DATASTORE_WRITER_URL must point at the
external datastore service.

Example:
  plenum serve --addr :9002 --db ./plenum.db
  DATASTORE_READER_URL=http://reader:9010 DATASTORE_WRITER_URL=http://writer:9011 plenum serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":9002", "listen address")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite datastore (omit to use the remote datastore)")

	return cmd
}

// setupLogging configures the process logger; verbose switches to debug.
func setupLogging(verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

// openDatastore picks the backing store: SQLite when a path is given,
// otherwise the remote HTTP datastore from the environment.
func openDatastore(dbPath string, retryLimit int) (datastore.Datastore, func() error, error) {
	if dbPath != "" {
		store, err := datastore.OpenSQLite(dbPath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	readerURL := os.Getenv(EnvReaderURL)
	writerURL := os.Getenv(EnvWriterURL)
	if readerURL == "" || writerURL == "" {
		return nil, nil, fmt.Errorf("either --db or %s and %s must be set", EnvReaderURL, EnvWriterURL)
	}
	client := datastore.NewHTTPClient(readerURL, writerURL, retryLimit)
	return client, func() error { return nil }, nil
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		slog.Warn("ignoring invalid environment value", "name", name, "value", raw)
		return fallback
	}
	return n
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("ignoring invalid environment value", "name", name, "value", raw)
		return fallback
	}
	return d
}

// buildPipeline wires the registries and datastore into a pipeline.
func buildPipeline(ds datastore.Datastore, retryLimit int) (*action.Pipeline, error) {
	reg, err := schema.Load()
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	actions, err := action.NewRegistry(reg)
	if err != nil {
		return nil, fmt.Errorf("build action registry: %w", err)
	}
	pipeline := action.NewPipeline(reg, actions, calculated.NewRegistry(), ds, action.Options{
		Permissions: action.AllowAll{},
		Logger:      slog.Default(),
		RetryLimit:  retryLimit,
	})
	return pipeline, nil
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	setupLogging(opts.Verbose)

	retryLimit := envInt(EnvRetryLimit, action.DefaultRetryLimit)
	timeout := envDuration(EnvRequestTimeout, defaultRequestTimeout)

	ds, closeStore, err := openDatastore(opts.Database, retryLimit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open datastore", err)
	}
	defer func() {
		if closeErr := closeStore(); closeErr != nil {
			slog.Error("error closing datastore", "error", closeErr)
		}
	}()

	pipeline, err := buildPipeline(ds, retryLimit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build pipeline", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /system/action/handle_request", handleRequest(pipeline, timeout))
	mux.HandleFunc("GET /system/action/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	server := &http.Server{Addr: opts.Addr, Handler: mux}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", opts.Addr)
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "server error", err)
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return WrapExitError(ExitCommandError, "shutdown error", err)
		}
	}

	slog.Info("server stopped gracefully")
	return nil
}

// handleRequest parses, executes, and renders one batch.
func handleRequest(pipeline *action.Pipeline, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, &CLIError{Code: "PAYLOAD", Message: "cannot read body"})
			return
		}
		req, err := action.ParseRequest(body)
		if err != nil {
			writeActionError(w, err)
			return
		}
		resp, err := pipeline.Execute(ctx, req)
		if err != nil {
			writeActionError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("encoding response", "error", err)
		}
	}
}

// writeActionError maps a pipeline failure to an HTTP status and the error
// envelope.
func writeActionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	cliErr := &CLIError{Code: "DATASTORE", Message: err.Error()}

	var actErr *action.Error
	if errors.As(err, &actErr) {
		cliErr = &CLIError{
			Code:    string(actErr.Code),
			Message: actErr.Message,
			FQID:    actErr.FQID,
			Field:   actErr.Field,
		}
		switch actErr.Code {
		case action.ErrCodePermission:
			status = http.StatusForbidden
		case action.ErrCodeDatastore:
			status = http.StatusInternalServerError
		default:
			status = http.StatusBadRequest
		}
	}
	writeJSONError(w, status, cliErr)
}

func writeJSONError(w http.ResponseWriter, status int, cliErr *CLIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(CLIResponse{Status: "error", Error: cliErr})
}
