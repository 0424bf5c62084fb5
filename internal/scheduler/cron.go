package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ykvlv/symptom-reminder/internal/reminder"
)

// Sweeper resets guard fields left over from earlier days.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Periodic is the in-process scheduler trigger. It runs the reminder pass on
// an interval and the guard sweep on a cron spec, both in UTC.
type Periodic struct {
	pass     Pass
	sweeper  Sweeper
	log      *zap.Logger
	interval time.Duration
	sweep    string
	hook     Hook
	c        *cron.Cron
}

// NewPeriodic creates a Periodic scheduler. sweepSpec may be empty to
// disable the sweep.
func NewPeriodic(pass Pass, sweeper Sweeper, log *zap.Logger, interval time.Duration, sweepSpec string, hook Hook) *Periodic {
	return &Periodic{
		pass:     pass,
		sweeper:  sweeper,
		log:      log,
		interval: interval,
		sweep:    sweepSpec,
		hook:     hook,
	}
}

// Start registers the jobs and starts the cron runner. Jobs use ctx; Stop
// must be called to release the runner.
func (p *Periodic) Start(ctx context.Context) error {
	clog := cronLogger{log: p.log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		cron.WithLogger(clog),
	)

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", p.interval), func() { p.runPass(ctx) }); err != nil {
		return fmt.Errorf("register reminder pass: %w", err)
	}
	if p.sweep != "" && p.sweeper != nil {
		if _, err := c.AddFunc(p.sweep, func() { p.runSweep(ctx) }); err != nil {
			return fmt.Errorf("register sweep %q: %w", p.sweep, err)
		}
	}

	p.c = c
	c.Start()
	p.log.Info("periodic scheduler started",
		zap.Duration("interval", p.interval),
		zap.String("sweep", p.sweep),
	)
	return nil
}

// Stop stops scheduling and waits for running jobs or ctx, whichever is first.
func (p *Periodic) Stop(ctx context.Context) {
	if p.c == nil {
		return
	}
	select {
	case <-p.c.Stop().Done():
	case <-ctx.Done():
		p.log.Warn("periodic scheduler stop timed out")
	}
	p.c = nil
}

func (p *Periodic) runPass(ctx context.Context) {
	s, err := p.pass.Run(ctx, reminder.RunOptions{Trigger: reminder.TriggerScheduler})
	if err != nil {
		p.log.Error("scheduled pass failed", zap.Error(err))
		return
	}
	if p.hook != nil {
		p.hook(ctx, s)
	}
}

func (p *Periodic) runSweep(ctx context.Context) {
	if _, err := p.sweeper.Sweep(ctx); err != nil {
		p.log.Error("guard sweep failed", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug(msg, zap.Any("details", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, zap.Error(err), zap.Any("details", kv))
}
