package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/northstaraokeystone/gov-os/internal/api"
	"github.com/northstaraokeystone/gov-os/internal/app"
	"github.com/northstaraokeystone/gov-os/internal/config"
)

// ServeOptions holds flags for the serve command. Unset flags fall back to
// the GOVOS_* environment.
type ServeOptions struct {
	*RootOptions
	Addr          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Shutdown      time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ledger over HTTP",
		Long: `Serve the ledger, lifecycle events, scoring and reconciliation over HTTP.

Settings not given as flags are read from the environment:
  GOVOS_DB, GOVOS_HTTP_ADDR, GOVOS_LOG_LEVEL, GOVOS_CONFIG,
  GOVOS_REDIS_ADDR, GOVOS_REDIS_PASSWORD, GOVOS_REDIS_DB

SIGHUP reloads the configuration file and logs the outcome; the reloaded
configuration applies from the next start. SIGINT and SIGTERM drain
in-flight requests and exit.

Examples:
  govos serve --db ./govos.db --addr :8080
  GOVOS_REDIS_ADDR=localhost:6379 govos serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default $GOVOS_HTTP_ADDR or :8080)")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis-addr", "", "Redis address for the projection cache")
	cmd.Flags().StringVar(&opts.RedisPassword, "redis-password", "", "Redis password")
	cmd.Flags().IntVar(&opts.RedisDB, "redis-db", 0, "Redis database number")
	cmd.Flags().DurationVar(&opts.Shutdown, "shutdown-timeout", 10*time.Second, "time allowed to drain requests")

	return cmd
}

// resolve merges explicitly set flags over env.
func (o *ServeOptions) resolve(cmd *cobra.Command, env config.Env) config.Env {
	flags := cmd.Flags()
	root := cmd.Root().PersistentFlags()
	if root.Changed("db") {
		env.DB = o.Database
	}
	if root.Changed("config") {
		env.ConfigPath = o.ConfigPath
	}
	if o.Verbose {
		env.LogLevel = "debug"
	}
	if flags.Changed("addr") {
		env.HTTPAddr = o.Addr
	}
	if flags.Changed("redis-addr") {
		env.RedisAddr = o.RedisAddr
	}
	if flags.Changed("redis-password") {
		env.RedisPassword = o.RedisPassword
	}
	if flags.Changed("redis-db") {
		env.RedisDB = o.RedisDB
	}
	return env
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	env := opts.resolve(cmd, config.FromEnv())
	logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: env.SlogLevel()}))

	holder, err := config.NewHolder(env.ConfigPath, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()
	go reloadOnHangup(ctx, holder, logger)

	sys, err := app.Open(ctx, holder.Current(), app.Options{
		DBPath:        env.DB,
		RedisAddr:     env.RedisAddr,
		RedisPassword: env.RedisPassword,
		RedisDB:       env.RedisDB,
		Logger:        logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer closeSystem(sys, logger)

	srv := api.NewServer(sys,
		api.WithAddr(env.HTTPAddr),
		api.WithLogger(logger),
		api.WithShutdownTimeout(opts.Shutdown),
	)
	if err := srv.Run(ctx); err != nil {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	return nil
}

// reloadOnHangup reloads the configuration on each SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, holder *config.Holder, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := holder.Reload(); err == nil {
				logger.Info("configuration reloaded; restart to apply")
			}
		}
	}
}
