package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/northstaraokeystone/gov-os/internal/app"
	"github.com/northstaraokeystone/gov-os/internal/config"
)

// newLogger logs to stderr at info, or debug under --verbose.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadConfig(opts *RootOptions) (config.Configuration, error) {
	if opts.ConfigPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Configuration{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openSystem opens the configured system over the --db ledger.
func openSystem(ctx context.Context, opts *RootOptions, logger *slog.Logger) (*app.System, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger.Debug("opening database", "path", opts.Database)
	sys, err := app.Open(ctx, cfg, app.Options{DBPath: opts.Database, Logger: logger})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	return sys, nil
}

func closeSystem(sys *app.System, logger *slog.Logger) {
	if err := sys.Close(); err != nil {
		logger.Error("error closing database", "error", err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM. The command's context is
// the parent when set, so tests can cancel too.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// formatter returns an OutputFormatter bound to the command's writers.
func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
