// Package scheduler holds the timed triggers of the reminder pass.
package scheduler

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"github.com/ykvlv/symptom-reminder/internal/reminder"
)

// Pass is the evaluation pipeline a trigger invokes.
type Pass interface {
	Run(ctx context.Context, ro reminder.RunOptions) (reminder.Summary, error)
}

// Hook observes finished passes, e.g. to post an ops summary.
type Hook func(ctx context.Context, s reminder.Summary)

// notifier reports service state to systemd. It is a no-op outside a unit.
type notifier func(state string) (bool, error)

func sdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }

// Poller runs the pass at a fixed interval until ctx is canceled.
type Poller struct {
	pass     Pass
	log      *zap.Logger
	interval time.Duration
	hook     Hook
	notify   notifier
}

// NewPoller creates a Poller. hook may be nil.
func NewPoller(pass Pass, log *zap.Logger, interval time.Duration, hook Hook) *Poller {
	return &Poller{
		pass:     pass,
		log:      log,
		interval: interval,
		hook:     hook,
		notify:   sdNotify,
	}
}

// Run starts the loop. The first pass runs immediately. A failing pass is
// logged and the loop continues.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var watchdog <-chan time.Time
	if wd, err := daemon.SdWatchdogEnabled(false); err == nil && wd > 0 {
		t := time.NewTicker(wd / 2)
		defer t.Stop()
		watchdog = t.C
	}

	p.log.Info("poller started", zap.Duration("interval", p.interval))
	p.sd(daemon.SdNotifyReady)
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopping")
			p.sd(daemon.SdNotifyStopping)
			return
		case <-watchdog:
			p.sd(daemon.SdNotifyWatchdog)
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick performs one pass and never panics.
func (p *Poller) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("poll pass panicked", zap.Any("panic", r))
		}
	}()
	s, err := p.pass.Run(ctx, reminder.RunOptions{Trigger: reminder.TriggerPoller})
	if err != nil {
		p.log.Error("poll pass failed", zap.Error(err))
		return
	}
	if p.hook != nil {
		p.hook(ctx, s)
	}
}

func (p *Poller) sd(state string) {
	if _, err := p.notify(state); err != nil {
		p.log.Debug("sd_notify failed", zap.String("state", state), zap.Error(err))
	}
}
