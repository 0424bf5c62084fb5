package reminder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ykvlv/symptom-reminder/internal/domain"
	"github.com/ykvlv/symptom-reminder/internal/push"
	"github.com/ykvlv/symptom-reminder/internal/store"
)

// 2025-05-06 00:01 UTC is 2025-05-05 20:01 in New York (EDT).
var (
	nyEvening = time.Date(2025, time.May, 6, 0, 1, 0, 0, time.UTC)
	nyDay     = domain.LocalDate{Year: 2025, Month: time.May, Day: 5}
)

// recordingPusher counts deliveries per endpoint URL and answers from a script.
type recordingPusher struct {
	mu       sync.Mutex
	calls    map[string]int
	outcomes map[string]push.Outcome
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{calls: map[string]int{}, outcomes: map[string]push.Outcome{}}
}

func (p *recordingPusher) Push(_ context.Context, ep domain.Endpoint, _ []byte) (push.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[ep.URL]++
	if out, ok := p.outcomes[ep.URL]; ok && out != push.Delivered {
		return out, fmt.Errorf("scripted %s", out)
	}
	return push.Delivered, nil
}

func (p *recordingPusher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	path   string
	repo   *store.SQLRepo
	pusher *recordingPusher
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		path:   filepath.Join(t.TempDir(), "reminder.db"),
		pusher: newRecordingPusher(),
		clock:  &clock{t: nyEvening},
	}
	f.repo = f.open(t)
	return f
}

// open returns a separate connection pool on the same database, standing in
// for an independent process.
func (f *fixture) open(t *testing.T) *store.SQLRepo {
	t.Helper()
	r, err := store.Open(context.Background(), "sqlite", f.path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func (f *fixture) engine(repo *store.SQLRepo, pusher push.Pusher) *Engine {
	d := push.NewDispatcher(repo, pusher, zap.NewNop(), push.Options{Timeout: time.Second, Rate: 1000, Burst: 100})
	return New(Deps{
		Store:      repo,
		Completion: repo,
		Notifier:   d,
		Log:        zap.NewNop(),
		Now:        f.clock.Now,
	}, Options{
		Window:  10 * time.Minute,
		Workers: 4,
		Title:   "Daily check-in",
		Body:    "Time to log your symptoms for today!",
		URL:     "/tracking/today/",
	})
}

func (f *fixture) user(t *testing.T, id int64, tz string, at string, endpoints int) []string {
	t.Helper()
	ctx := context.Background()
	m, err := domain.ParseClock(at)
	require.NoError(t, err)
	require.NoError(t, f.repo.EnsurePreference(ctx, domain.Preference{UserID: id, Enabled: true, TimeOfDayM: m, TZ: tz}))
	var urls []string
	for i := 0; i < endpoints; i++ {
		u := fmt.Sprintf("https://push.example/%d/%d", id, i)
		_, err := f.repo.UpsertEndpoint(ctx, domain.Endpoint{UserID: id, URL: u, P256dh: "k", Auth: "a"}, nyEvening)
		require.NoError(t, err)
		urls = append(urls, u)
	}
	return urls
}

func (f *fixture) ledger(t *testing.T, id int64) []domain.LedgerEntry {
	t.Helper()
	rows, err := f.repo.ListLedger(context.Background(), id, 100)
	require.NoError(t, err)
	return rows
}

func run(t *testing.T, e *Engine, ro RunOptions) Summary {
	t.Helper()
	s, err := e.Run(context.Background(), ro)
	require.NoError(t, err)
	return s
}

func TestRun_ConcurrentTriggersSendOnce(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "America/New_York", "20:00", 2)

	engines := []*Engine{f.engine(f.open(t), f.pusher), f.engine(f.open(t), f.pusher)}
	triggers := []Trigger{TriggerScheduler, TriggerWebhook}

	var (
		wg   sync.WaitGroup
		sums = make([]Summary, len(engines))
	)
	for i, e := range engines {
		wg.Add(1)
		go func(i int, e *Engine) {
			defer wg.Done()
			s, err := e.Run(context.Background(), RunOptions{Trigger: triggers[i]})
			assert.NoError(t, err)
			sums[i] = s
		}(i, e)
	}
	wg.Wait()

	assert.Equal(t, 1, sums[0].Sent+sums[1].Sent)
	assert.Equal(t, 2, f.pusher.total(), "one delivery per endpoint")

	rows := f.ledger(t, 1)
	require.Len(t, rows, 1)
	assert.Equal(t, nyDay, rows[0].LocalDate)
	assert.True(t, rows[0].Success)
	assert.Equal(t, 2, rows[0].SubscriptionsNotified)
}

func TestRun_ManyUsersManyPasses(t *testing.T) {
	f := newFixture(t)
	const users = 20
	for i := int64(1); i <= users; i++ {
		f.user(t, i, "America/New_York", "20:00", 1)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
	)
	for i := 0; i < 4; i++ {
		e := f.engine(f.open(t), f.pusher)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := e.Run(context.Background(), RunOptions{Trigger: TriggerPoller})
			assert.NoError(t, err)
			mu.Lock()
			sent += s.Sent
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, users, sent)
	assert.Equal(t, users, f.pusher.total())
	for i := int64(1); i <= users; i++ {
		assert.Len(t, f.ledger(t, i), 1)
	}
}

func TestRun_AlreadyReminded(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "America/New_York", "20:00", 2)
	e := f.engine(f.repo, f.pusher)

	first := run(t, e, RunOptions{Trigger: TriggerScheduler})
	assert.Equal(t, 1, first.Sent)

	for _, tr := range []Trigger{TriggerWebhook, TriggerPoller} {
		s := run(t, e, RunOptions{Trigger: tr})
		assert.Equal(t, 1, s.Checked)
		assert.Zero(t, s.Sent)
		assert.Equal(t, map[string]int{ReasonAlreadyReminded: 1}, s.Skipped)
	}
	assert.Equal(t, 2, f.pusher.total())
}

func TestRun_GoneEndpointIsDeactivated(t *testing.T) {
	f := newFixture(t)
	urls := f.user(t, 1, "America/New_York", "20:00", 2)
	f.pusher.outcomes[urls[1]] = push.Gone

	s := run(t, f.engine(f.repo, f.pusher), RunOptions{})
	assert.Equal(t, 1, s.Sent)

	rows := f.ledger(t, 1)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].SubscriptionsNotified)
	assert.True(t, rows[0].Success)

	active, err := f.repo.ActiveEndpoints(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, urls[0], active[0].URL)
}

func TestRun_AllEndpointsFailStillRecordsAttempt(t *testing.T) {
	f := newFixture(t)
	urls := f.user(t, 1, "America/New_York", "20:00", 1)
	f.pusher.outcomes[urls[0]] = push.Failed
	e := f.engine(f.repo, f.pusher)

	s := run(t, e, RunOptions{})
	assert.Zero(t, s.Sent)
	assert.Equal(t, map[string]int{ReasonDeliveryFailed: 1}, s.Skipped)

	rows := f.ledger(t, 1)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
	assert.Zero(t, rows[0].SubscriptionsNotified)

	again := run(t, e, RunOptions{})
	assert.Equal(t, map[string]int{ReasonAlreadyReminded: 1}, again.Skipped)
	assert.Equal(t, 1, f.pusher.total(), "transient failures are not retried the same day")

	active, err := f.repo.ActiveEndpoints(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestRun_LoggedUserIsSkippedAndGuardAdvanced(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "America/New_York", "20:00", 1)
	require.NoError(t, f.repo.RecordEntry(context.Background(), domain.UserDate{UserID: 1, Date: nyDay}, nyEvening))
	e := f.engine(f.repo, f.pusher)

	s := run(t, e, RunOptions{})
	assert.Equal(t, map[string]int{ReasonAlreadyLogged: 1}, s.Skipped)
	assert.Zero(t, f.pusher.total())
	assert.Empty(t, f.ledger(t, 1))

	p, err := f.repo.GetPreference(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, p.LastReminderDate)
	assert.Equal(t, nyDay, *p.LastReminderDate)
	assert.Equal(t, domain.GuardSkippedLogged, p.GuardState)

	// Later in the window the pair is not evaluated again.
	f.clock.Set(nyEvening.Add(5 * time.Minute))
	s = run(t, e, RunOptions{})
	assert.Equal(t, map[string]int{ReasonAlreadyLogged: 1}, s.Skipped)
	assert.Zero(t, f.pusher.total())
}

func TestRun_DueWindowGate(t *testing.T) {
	cases := map[string]struct {
		offset time.Duration
		want   string
	}{
		"one minute early":   {-2 * time.Minute, ReasonNotDue},
		"at target":          {-time.Minute, ""},
		"window end":         {9 * time.Minute, ""},
		"after window":       {10*time.Minute + time.Second, ReasonWindowMissed},
		"next local morning": {12 * time.Hour, ReasonNotDue},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.user(t, 1, "America/New_York", "20:00", 1)
			f.clock.Set(nyEvening.Add(tc.offset))

			s := run(t, f.engine(f.repo, f.pusher), RunOptions{})
			if tc.want == "" {
				assert.Equal(t, 1, s.Sent)
				return
			}
			assert.Zero(t, s.Sent)
			assert.Equal(t, map[string]int{tc.want: 1}, s.Skipped)
		})
	}
}

func TestRun_DailyRolloverIsStable(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "America/New_York", "20:00", 1)
	e := f.engine(f.repo, f.pusher)

	const days = 7
	for d := 0; d < days; d++ {
		f.clock.Set(nyEvening.AddDate(0, 0, d))
		s := run(t, e, RunOptions{})
		assert.Equal(t, 1, s.Sent, "day %d", d)

		f.clock.Set(nyEvening.AddDate(0, 0, d).Add(3 * time.Minute))
		s = run(t, e, RunOptions{})
		assert.Equal(t, map[string]int{ReasonAlreadyReminded: 1}, s.Skipped, "day %d", d)
	}

	rows := f.ledger(t, 1)
	require.Len(t, rows, days)
	assert.Equal(t, nyDay.AddDays(days-1), rows[0].LocalDate)
	assert.Equal(t, days, f.pusher.total())
}

func TestRun_ForceBypassesGatesButNotLedger(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "America/New_York", "20:00", 1)
	require.NoError(t, f.repo.RecordEntry(context.Background(), domain.UserDate{UserID: 1, Date: nyDay}, nyEvening))
	// 12:00 local, well before the target.
	f.clock.Set(nyEvening.Add(-8 * time.Hour))
	e := f.engine(f.repo, f.pusher)

	s := run(t, e, RunOptions{Trigger: TriggerWebhook, Force: true})
	assert.Equal(t, 1, s.Sent)

	s = run(t, e, RunOptions{Trigger: TriggerWebhook, Force: true})
	assert.Zero(t, s.Sent)
	assert.Equal(t, map[string]int{ReasonAlreadyReminded: 1}, s.Skipped)

	f.clock.Set(nyEvening)
	s = run(t, e, RunOptions{})
	assert.Equal(t, map[string]int{ReasonAlreadyReminded: 1}, s.Skipped)

	assert.Len(t, f.ledger(t, 1), 1)
	assert.Equal(t, 1, f.pusher.total())
}

func TestRun_ForceReclaimsLoggedDay(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "America/New_York", "20:00", 1)
	require.NoError(t, f.repo.RecordEntry(context.Background(), domain.UserDate{UserID: 1, Date: nyDay}, nyEvening))
	e := f.engine(f.repo, f.pusher)

	s := run(t, e, RunOptions{})
	assert.Equal(t, map[string]int{ReasonAlreadyLogged: 1}, s.Skipped)

	s = run(t, e, RunOptions{Force: true})
	assert.Equal(t, 1, s.Sent)
	assert.Len(t, f.ledger(t, 1), 1)
}

func TestRun_NoEndpoints(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "America/New_York", "20:00", 0)

	s := run(t, f.engine(f.repo, f.pusher), RunOptions{})
	assert.Equal(t, map[string]int{ReasonNoEndpoints: 1}, s.Skipped)

	p, err := f.repo.GetPreference(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, p.LastReminderDate)
}

func TestRun_DeliveryUnconfiguredLeavesGuardUntouched(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "America/New_York", "20:00", 1)

	s := run(t, f.engine(f.repo, nil), RunOptions{})
	assert.Equal(t, map[string]int{ReasonDeliveryUnconfigured: 1}, s.Skipped)

	p, err := f.repo.GetPreference(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, p.LastReminderDate)

	// Once credentials appear the same day is still deliverable.
	s = run(t, f.engine(f.repo, f.pusher), RunOptions{})
	assert.Equal(t, 1, s.Sent)
}

func TestRun_DryRunDoesNotClaim(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "America/New_York", "20:00", 1)
	f.user(t, 2, "America/New_York", "08:00", 1)

	s := run(t, f.engine(f.repo, f.pusher), RunOptions{DryRun: true})
	assert.Equal(t, 2, s.Checked)
	assert.Equal(t, map[string]int{ReasonDryRun: 1, ReasonWindowMissed: 1}, s.Skipped)
	assert.Zero(t, f.pusher.total())

	p, err := f.repo.GetPreference(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, p.LastReminderDate)
}

func TestRun_UnknownZoneFallsBackToUTC(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "Mars/Olympus_Mons", "00:00", 1)

	s := run(t, f.engine(f.repo, f.pusher), RunOptions{})
	assert.Equal(t, 1, s.Sent)
	rows := f.ledger(t, 1)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.DateOf(nyEvening), rows[0].LocalDate)
}

// flakyNotifier panics for one user and delegates the rest.
type flakyNotifier struct {
	Notifier
	bad int64
}

func (n flakyNotifier) Dispatch(ctx context.Context, userID int64, msg push.Message) (push.Result, error) {
	if userID == n.bad {
		panic("dispatcher exploded")
	}
	return n.Notifier.Dispatch(ctx, userID, msg)
}

func TestRun_OneUserFailureDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "America/New_York", "20:00", 1)
	f.user(t, 2, "America/New_York", "20:00", 1)

	base := f.engine(f.repo, f.pusher)
	base.notifier = flakyNotifier{Notifier: base.notifier, bad: 1}

	s := run(t, base, RunOptions{})
	assert.Equal(t, 1, s.Sent)
	assert.Equal(t, 1, s.Errors())
	assert.Len(t, f.ledger(t, 2), 1)
	assert.Empty(t, f.ledger(t, 1))
}

func TestRun_MessageTagCarriesLocalDate(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "America/New_York", "20:00", 1)

	var got push.Message
	e := f.engine(f.repo, f.pusher)
	e.notifier = captureNotifier{Notifier: e.notifier, msg: &got}

	run(t, e, RunOptions{})
	assert.Equal(t, "reminder-2025-05-05", got.Tag)
	assert.Equal(t, "/tracking/today/", got.URL)
}

type captureNotifier struct {
	Notifier
	msg *push.Message
}

func (n captureNotifier) Dispatch(ctx context.Context, userID int64, msg push.Message) (push.Result, error) {
	*n.msg = msg
	return n.Notifier.Dispatch(ctx, userID, msg)
}

// brokenNotifier fails every dispatch before anything is sent.
type brokenNotifier struct {
	Notifier
}

func (brokenNotifier) Dispatch(context.Context, int64, push.Message) (push.Result, error) {
	return push.Result{}, errors.New("list endpoints: database is locked")
}

func TestRun_DispatchErrorRecordsFailedAttempt(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "America/New_York", "20:00", 1)
	e := f.engine(f.repo, f.pusher)
	e.notifier = brokenNotifier{Notifier: e.notifier}

	s := run(t, e, RunOptions{})
	assert.Zero(t, s.Sent)
	assert.Equal(t, map[string]int{ReasonError: 1}, s.Skipped)

	rows := f.ledger(t, 1)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
	assert.Zero(t, rows[0].SubscriptionsNotified)
	assert.Equal(t, nyDay, rows[0].LocalDate)

	again := run(t, e, RunOptions{})
	assert.Equal(t, map[string]int{ReasonAlreadyReminded: 1}, again.Skipped)
	assert.Zero(t, f.pusher.total())
}

func TestSweep_ResetsStaleGuards(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "America/New_York", "20:00", 1)
	f.user(t, 2, "Asia/Tokyo", "18:00", 1)
	e := f.engine(f.repo, f.pusher)

	run(t, e, RunOptions{})

	n, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "today's guard is not stale")

	f.clock.Set(nyEvening.Add(24 * time.Hour))
	n, err = e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := f.repo.GetPreference(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, p.LastReminderDate)
	assert.Equal(t, domain.GuardNone, p.GuardState)

	n, err = e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
