package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ykvlv/symptom-reminder/internal/reminder"
)

type fakePass struct {
	calls    atomic.Int32
	failOn   int32 // call number that returns an error
	panicOn  int32
	mu       sync.Mutex
	triggers []reminder.Trigger
}

func (f *fakePass) Run(_ context.Context, ro reminder.RunOptions) (reminder.Summary, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.triggers = append(f.triggers, ro.Trigger)
	f.mu.Unlock()
	if n == f.panicOn {
		panic("pass exploded")
	}
	if n == f.failOn {
		return reminder.Summary{}, errors.New("db down")
	}
	return reminder.Summary{Status: "ok", Trigger: ro.Trigger, Sent: 1}, nil
}

func TestPoller_RunsImmediatelyAndSurvivesFailures(t *testing.T) {
	pass := &fakePass{failOn: 2, panicOn: 3}
	var hooked atomic.Int32
	p := NewPoller(pass, zap.NewNop(), 10*time.Millisecond, func(context.Context, reminder.Summary) { hooked.Add(1) })

	var (
		mu     sync.Mutex
		states []string
	)
	p.notify = func(s string) (bool, error) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
		return false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	assert.Eventually(t, func() bool { return hooked.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}

	assert.GreaterOrEqual(t, pass.calls.Load(), int32(5), "failed and panicking passes do not stop the loop")
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, daemon.SdNotifyReady, states[0])
	assert.Equal(t, daemon.SdNotifyStopping, states[len(states)-1])

	pass.mu.Lock()
	defer pass.mu.Unlock()
	for _, tr := range pass.triggers {
		assert.Equal(t, reminder.TriggerPoller, tr)
	}
}

func TestPoller_FirstPassBeforeFirstTick(t *testing.T) {
	pass := &fakePass{}
	p := NewPoller(pass, zap.NewNop(), time.Hour, nil)
	p.notify = func(string) (bool, error) { return false, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	assert.Eventually(t, func() bool { return pass.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

type fakeSweeper struct{ calls atomic.Int32 }

func (f *fakeSweeper) Sweep(context.Context) (int, error) {
	f.calls.Add(1)
	return 0, nil
}

func TestPeriodic_RunsPassOnInterval(t *testing.T) {
	pass := &fakePass{failOn: 1}
	var hooked atomic.Int32
	p := NewPeriodic(pass, &fakeSweeper{}, zap.NewNop(), time.Second, "@daily",
		func(context.Context, reminder.Summary) { hooked.Add(1) })

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	assert.Eventually(t, func() bool { return hooked.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	assert.GreaterOrEqual(t, pass.calls.Load(), int32(2), "a failed pass does not stop the schedule")

	pass.mu.Lock()
	defer pass.mu.Unlock()
	assert.Equal(t, reminder.TriggerScheduler, pass.triggers[0])
}

func TestPeriodic_RejectsBadSweepSpec(t *testing.T) {
	p := NewPeriodic(&fakePass{}, &fakeSweeper{}, zap.NewNop(), time.Minute, "every tuesday", nil)
	err := p.Start(context.Background())
	assert.ErrorContains(t, err, "register sweep")
}

func TestPeriodic_StopWithoutStart(t *testing.T) {
	p := NewPeriodic(&fakePass{}, nil, zap.NewNop(), time.Minute, "", nil)
	p.Stop(context.Background())
}
