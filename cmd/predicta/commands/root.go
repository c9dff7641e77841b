// Package commands holds the predicta CLI.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/predicta/internal/app"
	"github.com/alanyoungcy/predicta/internal/config"
)

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	logLevel   string
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "predicta",
		Short:        "LMSR prediction market pricing and state channel settlement",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("PREDICTA_CONFIG"),
		"path to TOML configuration (default $PREDICTA_CONFIG; defaults and env only when empty)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	root.AddCommand(
		serveCmd(opts),
		settleCmd(opts),
		quoteCmd(opts),
		keygenCmd(),
		configCmd(opts),
	)
	return root
}

// load reads the configuration and applies the flag overrides.
func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", o.configPath, err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// runMode validates cfg for mode and runs the application until it
// finishes or the process is signalled.
func runMode(cmd *cobra.Command, cfg *config.Config, mode string) error {
	cfg.Mode = mode
	logger := newLogger(cmd.OutOrStdout(), cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return err
	}

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
			return nil
		}
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("predicta stopped", slog.String("mode", mode))
	return nil
}

// newLogger builds the JSON logger at the configured level.
func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}
