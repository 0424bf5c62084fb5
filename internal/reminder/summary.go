package reminder

import (
	"sort"
	"sync"
	"time"
)

// Skip reasons reported in a Summary. Every trigger uses this one set.
const (
	ReasonNotDue               = "not_due"
	ReasonWindowMissed         = "window_missed"
	ReasonAlreadyReminded      = "already_reminded"
	ReasonAlreadyLogged        = "already_logged"
	ReasonNoEndpoints          = "no_endpoints"
	ReasonClaimLost            = "claim_lost"
	ReasonDeliveryUnconfigured = "delivery_unconfigured"
	ReasonDeliveryFailed       = "delivery_failed"
	ReasonDryRun               = "dry_run"
	ReasonError                = "error"
)

// Trigger names the adapter that started a pass.
type Trigger string

const (
	TriggerScheduler Trigger = "scheduler"
	TriggerWebhook   Trigger = "webhook"
	TriggerPoller    Trigger = "poller"
	TriggerManual    Trigger = "manual"
)

// Summary is the aggregated outcome of one pass. It carries counts only.
type Summary struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Trigger   Trigger        `json:"trigger"`
	Checked   int            `json:"checked"`
	Sent      int            `json:"sent"`
	Skipped   map[string]int `json:"skipped"`
	Duration  time.Duration  `json:"duration_ns"`
}

// Errors returns how many users failed with an unexpected error.
func (s Summary) Errors() int { return s.Skipped[ReasonError] }

// Reasons returns the skip reasons present in s in a stable order.
func (s Summary) Reasons() []string {
	out := make([]string, 0, len(s.Skipped))
	for r := range s.Skipped {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// tally is the concurrency-safe accumulator behind a Summary.
type tally struct {
	mu      sync.Mutex
	sent    int
	skipped map[string]int
}

func newTally() *tally {
	return &tally{skipped: make(map[string]int)}
}

func (t *tally) skip(reason string) {
	t.mu.Lock()
	t.skipped[reason]++
	t.mu.Unlock()
}

func (t *tally) send() {
	t.mu.Lock()
	t.sent++
	t.mu.Unlock()
}
