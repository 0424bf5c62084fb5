package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ykvlv/symptom-reminder/internal/domain"
	"github.com/ykvlv/symptom-reminder/internal/push"
	"github.com/ykvlv/symptom-reminder/internal/reminder"
)

// RunOnce performs a single pass, as a manual trigger.
func (a *App) RunOnce(ctx context.Context, ro reminder.RunOptions) (reminder.Summary, error) {
	if ro.Trigger == "" {
		ro.Trigger = reminder.TriggerManual
	}
	s, err := a.engine.Run(ctx, ro)
	if err != nil {
		return s, err
	}
	if h := a.hook(); h != nil && !ro.DryRun {
		h(ctx, s)
	}
	return s, nil
}

// Sweep resets stale guards once.
func (a *App) Sweep(ctx context.Context) (int, error) {
	return a.engine.Sweep(ctx)
}

// TestPush sends a test notification to every active endpoint of a user,
// bypassing the guard and the ledger.
func (a *App) TestPush(ctx context.Context, userID int64) (push.Result, error) {
	res, err := a.dispatcher.Dispatch(ctx, userID, push.Message{
		Title: "Test notification",
		Body:  "Push notifications are working.",
		URL:   a.cfg.Push.URL,
		Tag:   "test",
	})
	if err != nil {
		return res, err
	}
	a.log.Info("test push",
		zap.String("user", domain.UserRef(a.cfg.UserRefSalt, userID)),
		zap.Int("delivered", res.Delivered),
		zap.Int("gone", res.Gone),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// Enrollment carries optional settings overrides for Enroll.
type Enrollment struct {
	Enabled   *bool
	TimeOfDay string
	Timezone  string
}

// Enroll creates the preference row for a user with the configured defaults
// and applies any overrides.
func (a *App) Enroll(ctx context.Context, userID int64, e Enrollment) (*domain.Preference, error) {
	defMins, err := domain.ParseClock(a.cfg.Reminder.DefaultTimeOfDay)
	if err != nil {
		return nil, fmt.Errorf("default time: %w", err)
	}
	if err := a.repo.EnsurePreference(ctx, domain.Preference{
		UserID:     userID,
		Enabled:    a.cfg.Reminder.DefaultEnabled,
		TimeOfDayM: defMins,
		TZ:         a.cfg.Reminder.DefaultTimezone,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("ensure preference: %w", err)
	}

	p, err := a.repo.GetPreference(ctx, userID)
	if err != nil {
		return nil, err
	}
	if e.Enabled == nil && e.TimeOfDay == "" && e.Timezone == "" {
		return p, nil
	}
	if e.Enabled != nil {
		p.Enabled = *e.Enabled
	}
	if e.TimeOfDay != "" {
		if p.TimeOfDayM, err = domain.ParseClock(e.TimeOfDay); err != nil {
			return nil, err
		}
	}
	if e.Timezone != "" {
		if p.TZ, err = domain.ValidateTZ(e.Timezone); err != nil {
			return nil, err
		}
	}
	if err := a.repo.UpdateSettings(ctx, *p); err != nil {
		return nil, fmt.Errorf("update settings: %w", err)
	}
	return a.repo.GetPreference(ctx, userID)
}

// History lists the most recent ledger rows of a user.
func (a *App) History(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error) {
	return a.repo.ListLedger(ctx, userID, limit)
}

// Purge deletes all reminder data of a user.
func (a *App) Purge(ctx context.Context, userID int64) error {
	if err := a.repo.PurgeUser(ctx, userID); err != nil {
		return err
	}
	a.log.Info("user purged", zap.String("user", domain.UserRef(a.cfg.UserRefSalt, userID)))
	return nil
}
