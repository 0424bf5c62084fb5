package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ykvlv/symptom-reminder/internal/app"
	"github.com/ykvlv/symptom-reminder/internal/push"
	"github.com/ykvlv/symptom-reminder/internal/reminder"
)

// NewServeCommand runs the webhook server and the periodic scheduler.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook trigger and the periodic scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				return a.Serve(ctx)
			})
		},
	}
}

// NewPollCommand runs the standalone polling trigger.
func NewPollCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run the standalone polling trigger",
		Long: `Run the reminder pass at a fixed interval. Meant to run as its own
process, alongside "serve", as a fallback trigger.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				return a.Poll(ctx)
			})
		},
	}
}

// NewRunOnceCommand runs a single pass and prints its summary.
func NewRunOnceCommand(opts *RootOptions) *cobra.Command {
	var force, dryRun bool
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run one reminder pass",
		Example: `  reminder run-once
  reminder run-once --dry-run --format json
  reminder run-once --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				s, err := a.RunOnce(ctx, reminder.RunOptions{Trigger: reminder.TriggerManual, Force: force, DryRun: dryRun})
				if err != nil {
					return WrapExitError(ExitFailure, "pass failed", err)
				}
				return printSummary(cmd.OutOrStdout(), opts.Format, s)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the due window and completion checks (never sends twice a day)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without claiming or sending")
	return cmd
}

// NewSweepCommand resets stale guards once.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reset reminder guards left from earlier days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				n, err := a.Sweep(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "sweep failed", err)
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]int{"reset": n})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "reset %d guard(s)\n", n)
				return err
			})
		},
	}
}

// NewTestPushCommand sends a test notification outside the daily guard.
func NewTestPushCommand(opts *RootOptions) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "test-push",
		Short: "Send a test notification to a user's devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				res, err := a.TestPush(ctx, userID)
				if errors.Is(err, push.ErrNotConfigured) {
					return WrapExitError(ExitCommandError, "test push", err)
				}
				if err != nil {
					return WrapExitError(ExitFailure, "test push", err)
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]int{
						"attempted": res.Attempted, "delivered": res.Delivered,
						"failed": res.Failed, "gone": res.Gone,
					})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "delivered %d of %d (gone %d, failed %d)\n",
					res.Delivered, res.Attempted, res.Gone, res.Failed)
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// NewEnrollCommand creates or updates a user's reminder preference.
func NewEnrollCommand(opts *RootOptions) *cobra.Command {
	var (
		userID  int64
		enable  bool
		disable bool
		at, tz  string
	)
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Create a reminder preference with defaults, optionally overriding settings",
		Example: `  reminder enroll --user 42
  reminder enroll --user 42 --enable --time 20:00 --tz America/New_York`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if enable && disable {
				return NewExitError(ExitCommandError, "--enable and --disable are mutually exclusive")
			}
			e := app.Enrollment{TimeOfDay: at, Timezone: tz}
			switch {
			case enable:
				e.Enabled = &enable
			case disable:
				off := false
				e.Enabled = &off
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				p, err := a.Enroll(ctx, userID, e)
				if err != nil {
					return WrapExitError(ExitFailure, "enroll", err)
				}
				return printPreference(cmd.OutOrStdout(), opts.Format, p)
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id (required)")
	cmd.Flags().BoolVar(&enable, "enable", false, "turn reminders on")
	cmd.Flags().BoolVar(&disable, "disable", false, "turn reminders off")
	cmd.Flags().StringVar(&at, "time", "", "local send time HH:MM")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// NewHistoryCommand prints a user's reminder ledger.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	var (
		userID int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent reminder ledger rows for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				rows, err := a.History(ctx, userID, limit)
				if err != nil {
					return WrapExitError(ExitFailure, "history", err)
				}
				return printLedger(cmd.OutOrStdout(), opts.Format, rows)
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id (required)")
	cmd.Flags().IntVar(&limit, "limit", 30, "maximum rows")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// NewPurgeCommand deletes a user's reminder data.
func NewPurgeCommand(opts *RootOptions) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete a user's preference, endpoints and ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				if err := a.Purge(ctx, userID); err != nil {
					return WrapExitError(ExitFailure, "purge", err)
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "purged")
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
