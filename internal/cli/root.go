// Package cli defines the reminder command tree.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ykvlv/symptom-reminder/internal/app"
	"github.com/ykvlv/symptom-reminder/internal/config"
	"github.com/ykvlv/symptom-reminder/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// loadConfig is replaced in tests.
	loadConfig func() (config.Config, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(config.Load)
}

func newRootCommand(load func() (config.Config, error)) *cobra.Command {
	opts := &RootOptions{loadConfig: load}

	cmd := &cobra.Command{
		Use:   "reminder",
		Short: "Daily symptom reminder engine",
		Long: `Sends at most one "log your symptoms today" push reminder per user
and local day. The periodic scheduler, the webhook and the standalone poller
all run the same pass and may run at the same time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewPollCommand(opts))
	cmd.AddCommand(NewRunOnceCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewTestPushCommand(opts))
	cmd.AddCommand(NewEnrollCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withApp loads configuration, builds the logger and the app, and runs fn.
func withApp(ctx context.Context, opts *RootOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "config error", err)
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "logger init error", err)
	}
	// Ignore sync error (common on some platforms).
	defer func() { _ = log.Sync() }()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("app init failed", zap.Error(err))
		return WrapExitError(ExitCommandError, "app init failed", err)
	}
	defer func() { _ = a.Close() }()

	return fn(ctx, a)
}
