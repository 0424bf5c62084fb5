// Package reminder runs the daily reminder pass shared by every trigger.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ykvlv/symptom-reminder/internal/domain"
	"github.com/ykvlv/symptom-reminder/internal/push"
)

// Store is the guard and ledger storage the engine needs.
type Store interface {
	ListCandidates(ctx context.Context) ([]domain.Candidate, error)
	ListGuarded(ctx context.Context) ([]domain.Preference, error)
	Claim(ctx context.Context, key domain.UserDate, force bool, now time.Time) (bool, error)
	MarkSkippedLogged(ctx context.Context, key domain.UserDate, now time.Time) (bool, error)
	CommitSent(ctx context.Context, e domain.LedgerEntry) (bool, error)
	ResetGuard(ctx context.Context, key domain.UserDate, now time.Time) (bool, error)
	LedgerFor(ctx context.Context, keys []domain.UserDate) (map[domain.UserDate]domain.LedgerEntry, error)
}

// CompletionChecker reports which (user, date) pairs already have a log entry.
type CompletionChecker interface {
	LoggedOn(ctx context.Context, keys []domain.UserDate) (map[domain.UserDate]bool, error)
}

// Notifier delivers a message to all active endpoints of a user.
type Notifier interface {
	Configured() bool
	Dispatch(ctx context.Context, userID int64, msg push.Message) (push.Result, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store      Store
	Completion CompletionChecker
	Notifier   Notifier
	Log        *zap.Logger
	Now        func() time.Time // defaults to time.Now
}

// Options configures an Engine.
type Options struct {
	Window  time.Duration
	Workers int
	Title   string
	Body    string
	URL     string
	RefSalt string
}

// RunOptions modifies a single pass.
type RunOptions struct {
	Trigger Trigger
	// Force skips the due window and completion gates. The per-day ledger
	// uniqueness still applies.
	Force bool
	// DryRun evaluates the gates without claiming or sending.
	DryRun bool
}

// Engine evaluates every enabled user and sends at most one reminder per
// user and local date.
type Engine struct {
	store      Store
	completion CompletionChecker
	notifier   Notifier
	log        *zap.Logger
	now        func() time.Time
	opts       Options
}

// New creates an Engine.
func New(d Deps, opts Options) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Engine{
		store:      d.Store,
		completion: d.Completion,
		notifier:   d.Notifier,
		log:        d.Log,
		now:        d.Now,
		opts:       opts,
	}
}

// job is one due candidate flowing through the per-user stage.
type job struct {
	cand domain.Candidate
	key  domain.UserDate
}

// Run performs one evaluation pass. Per-user failures are counted under
// ReasonError; only a failure to load the candidate set or the bulk facts is
// returned.
func (e *Engine) Run(ctx context.Context, ro RunOptions) (Summary, error) {
	start := e.now()
	nowUTC := start.UTC()
	if ro.Trigger == "" {
		ro.Trigger = TriggerManual
	}
	sum := Summary{Status: "ok", Timestamp: nowUTC, Trigger: ro.Trigger, Skipped: map[string]int{}}
	log := e.log.With(zap.String("trigger", string(ro.Trigger)), zap.Bool("force", ro.Force), zap.Bool("dry_run", ro.DryRun))

	cands, err := e.store.ListCandidates(ctx)
	if err != nil {
		sum.Status = "error"
		return sum, fmt.Errorf("list candidates: %w", err)
	}
	sum.Checked = len(cands)
	t := newTally()

	var (
		jobs []job
		keys []domain.UserDate
	)
	zones := newZoneCache()
	for _, c := range cands {
		loc, ok := zones.get(c.TZ)
		if !ok {
			log.Debug("timezone unresolved, using UTC", e.userField(c.UserID))
		}
		local := domain.In(nowUTC, loc)
		if !ro.Force {
			switch domain.Evaluate(local, c.TimeOfDayM, e.opts.Window) {
			case domain.NotYetDue:
				t.skip(ReasonNotDue)
				continue
			case domain.WindowMissed:
				t.skip(ReasonWindowMissed)
				continue
			}
		}
		key := domain.UserDate{UserID: c.UserID, Date: local.Date}
		jobs = append(jobs, job{cand: c, key: key})
		keys = append(keys, key)
	}

	if len(jobs) > 0 {
		ledger, err := e.store.LedgerFor(ctx, keys)
		if err != nil {
			sum.Status = "error"
			return sum, fmt.Errorf("prefetch ledger: %w", err)
		}
		logged, err := e.completion.LoggedOn(ctx, keys)
		if err != nil {
			sum.Status = "error"
			return sum, fmt.Errorf("prefetch completion: %w", err)
		}

		deliver := e.notifier != nil && e.notifier.Configured()
		if !deliver && !ro.DryRun {
			log.Warn("push delivery not configured, skipping dispatch for this pass", zap.Int("due", len(jobs)))
		}

		// The group context is not used for cancellation: one user's failure
		// must not abort the others.
		var g errgroup.Group
		g.SetLimit(e.opts.Workers)
		for _, j := range jobs {
			g.Go(func() error {
				_, hasLedger := ledger[j.key]
				reason := e.evaluate(ctx, log, j, ro, hasLedger, logged[j.key], deliver, nowUTC)
				if reason == "" {
					t.send()
				} else {
					t.skip(reason)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	sum.Sent = t.sent
	sum.Skipped = t.skipped
	sum.Duration = e.now().Sub(start)
	log.Info("reminder pass finished",
		zap.Int("checked", sum.Checked),
		zap.Int("sent", sum.Sent),
		zap.Any("skipped", sum.Skipped),
		zap.Duration("took", sum.Duration),
	)
	return sum, nil
}

// evaluate takes one due user through the guard. It returns "" when a
// reminder was delivered, otherwise the skip reason.
func (e *Engine) evaluate(ctx context.Context, log *zap.Logger, j job, ro RunOptions, hasLedger, logged, deliver bool, now time.Time) (reason string) {
	log = log.With(e.userField(j.key.UserID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("user evaluation panicked", zap.Any("panic", r))
			reason = ReasonError
		}
	}()

	c := j.cand
	if c.LastReminderDate != nil && c.LastReminderDate.Before(j.key.Date) {
		if _, err := e.store.ResetGuard(ctx, j.key, now); err != nil {
			log.Error("guard rollover failed", zap.Error(err))
			return ReasonError
		}
	}

	if hasLedger {
		return ReasonAlreadyReminded
	}
	if c.LastReminderDate != nil && *c.LastReminderDate == j.key.Date {
		switch c.GuardState {
		case domain.GuardSent:
			return ReasonAlreadyReminded
		case domain.GuardSkippedLogged:
			if !ro.Force {
				return ReasonAlreadyLogged
			}
		default:
			return ReasonClaimLost
		}
	}
	if c.ActiveEndpoints == 0 {
		return ReasonNoEndpoints
	}
	if ro.DryRun {
		return ReasonDryRun
	}
	if !deliver {
		return ReasonDeliveryUnconfigured
	}

	won, err := e.store.Claim(ctx, j.key, ro.Force, now)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return ReasonError
	}
	if !won {
		log.Debug("claim lost, another trigger handled the day")
		return ReasonClaimLost
	}

	if logged && !ro.Force {
		if _, err := e.store.MarkSkippedLogged(ctx, j.key, now); err != nil {
			log.Error("mark skipped failed", zap.Error(err))
			return ReasonError
		}
		return ReasonAlreadyLogged
	}

	res, err := e.notifier.Dispatch(ctx, j.key.UserID, push.Message{
		Title: e.opts.Title,
		Body:  e.opts.Body,
		URL:   e.opts.URL,
		Tag:   "reminder-" + j.key.Date.String(),
	})
	if err != nil {
		// The claim stands: at most one attempt per day. Record it as a
		// failed send so the ledger reflects the attempt.
		if _, cerr := e.store.CommitSent(ctx, domain.LedgerEntry{
			ID:        ksuid.New().String(),
			UserID:    j.key.UserID,
			LocalDate: j.key.Date,
			SentAt:    e.now().UTC(),
		}); cerr != nil {
			log.Error("commit failed", zap.Error(cerr))
		}
		if errors.Is(err, push.ErrNotConfigured) {
			return ReasonDeliveryUnconfigured
		}
		log.Error("dispatch failed", zap.Error(err))
		return ReasonError
	}

	committed, err := e.store.CommitSent(ctx, domain.LedgerEntry{
		ID:                    ksuid.New().String(),
		UserID:                j.key.UserID,
		LocalDate:             j.key.Date,
		SentAt:                e.now().UTC(),
		Success:               res.Success(),
		SubscriptionsNotified: res.Delivered,
	})
	if err != nil {
		log.Error("commit failed", zap.Error(err), zap.Int("delivered", res.Delivered))
		return ReasonError
	}
	if !committed {
		log.Warn("ledger row already present at commit", zap.Int("delivered", res.Delivered))
	}

	log.Info("reminder dispatched",
		zap.String("date", j.key.Date.String()),
		zap.Int("attempted", res.Attempted),
		zap.Int("delivered", res.Delivered),
		zap.Int("gone", res.Gone),
		zap.Int("failed", res.Failed),
	)
	if !res.Success() {
		return ReasonDeliveryFailed
	}
	return ""
}

// Sweep resets guard fields left from earlier local days. It returns the
// number of users reset.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	nowUTC := e.now().UTC()
	prefs, err := e.store.ListGuarded(ctx)
	if err != nil {
		return 0, fmt.Errorf("list guarded: %w", err)
	}
	reset := 0
	zones := newZoneCache()
	for _, p := range prefs {
		loc, _ := zones.get(p.TZ)
		today := domain.In(nowUTC, loc).Date
		if p.LastReminderDate == nil || !p.LastReminderDate.Before(today) {
			continue
		}
		ok, err := e.store.ResetGuard(ctx, domain.UserDate{UserID: p.UserID, Date: today}, nowUTC)
		if err != nil {
			e.log.Error("sweep reset failed", e.userField(p.UserID), zap.Error(err))
			continue
		}
		if ok {
			reset++
		}
	}
	e.log.Info("guard sweep finished", zap.Int("guarded", len(prefs)), zap.Int("reset", reset))
	return reset, nil
}

func (e *Engine) userField(id int64) zap.Field {
	return zap.String("user", domain.UserRef(e.opts.RefSalt, id))
}

type zone struct {
	loc *time.Location
	ok  bool
}

// zoneCache memoizes location lookups for the duration of one pass.
type zoneCache map[string]zone

func newZoneCache() zoneCache { return make(zoneCache) }

func (z zoneCache) get(tz string) (*time.Location, bool) {
	if v, hit := z[tz]; hit {
		return v.loc, v.ok
	}
	loc, ok := domain.LoadLocation(tz)
	z[tz] = zone{loc: loc, ok: ok}
	return loc, ok
}
