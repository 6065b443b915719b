// Package cmd holds the one-shot sub-commands. Each runs in its own OS
// process and works against the same output tree, process table and lease
// store as the daemon.
package cmd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kidcam/camhls/internal/app"
	"github.com/kidcam/camhls/internal/config"
	"github.com/kidcam/camhls/internal/logging"
)

// setup loads configuration, initializes logging and wires the app. It exits
// the process on failure.
func setup(cmd *cobra.Command, opts *app.Options) (*app.App, *slog.Logger, context.Context, context.CancelFunc) {
	if err := config.LoadConfig(opts, cmd); err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Initialize(opts.LoggingConfig())
	logger := logging.GetLogger("main").With("command", cmd.Name())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a, err := app.New(ctx, opts)
	if err != nil {
		cancel()
		logger.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	return a, logger, ctx, cancel
}

// fail logs err, releases a and exits non-zero.
func fail(a *app.App, logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	_ = a.Close()
	os.Exit(1)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
