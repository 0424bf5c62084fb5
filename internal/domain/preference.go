package domain

import "time"

// GuardState is the per-day dedup state persisted alongside a preference.
type GuardState string

const (
	GuardNone          GuardState = ""
	GuardClaimed       GuardState = "claimed"
	GuardSent          GuardState = "sent"
	GuardSkippedLogged GuardState = "skipped_logged"
)

// Preference represents a user's daily reminder settings and guard fields.
type Preference struct {
	UserID             int64
	Enabled            bool
	TimeOfDayM         int        // minutes from local midnight (0..1439)
	TZ                 string     // IANA zone, resolved leniently
	LastReminderDate   *LocalDate // local date of the latest outcome, nullable
	LastReminderSentAt *time.Time // UTC, nullable
	GuardState         GuardState
	CreatedAt          time.Time // UTC
	UpdatedAt          time.Time // UTC
}

// Candidate is an enabled preference plus the facts a pass needs without
// issuing a per-user query.
type Candidate struct {
	Preference
	ActiveEndpoints int
}

// Endpoint is a registered push delivery destination.
type Endpoint struct {
	ID        int64
	UserID    int64
	URL       string
	P256dh    string // opaque encryption material
	Auth      string // opaque encryption material
	UserAgent string
	Active    bool
	CreatedAt time.Time
}

// LedgerEntry is an immutable record of one send attempt.
type LedgerEntry struct {
	ID                    string
	UserID                int64
	LocalDate             LocalDate
	SentAt                time.Time // UTC
	Success               bool
	SubscriptionsNotified int
}

// UserDate identifies one (user, local date) evaluation unit.
type UserDate struct {
	UserID int64
	Date   LocalDate
}
