package store

import (
	"database/sql"
	"time"

	"github.com/ykvlv/symptom-reminder/internal/domain"
)

type preferenceRow struct {
	UserID             int64          `db:"user_id"`
	Enabled            int            `db:"enabled"`
	TimeOfDayM         int            `db:"time_of_day_m"`
	TZ                 string         `db:"tz"`
	LastReminderDate   sql.NullString `db:"last_reminder_date"`
	LastReminderSentAt sql.NullInt64  `db:"last_reminder_sent_at"`
	GuardState         string         `db:"guard_state"`
	CreatedAt          int64          `db:"created_at"`
	UpdatedAt          int64          `db:"updated_at"`
}

func (r preferenceRow) toDomain() domain.Preference {
	return domain.Preference{
		UserID:             r.UserID,
		Enabled:            r.Enabled != 0,
		TimeOfDayM:         r.TimeOfDayM,
		TZ:                 r.TZ,
		LastReminderDate:   fromNullDate(r.LastReminderDate),
		LastReminderSentAt: fromNullInt64(r.LastReminderSentAt),
		GuardState:         domain.GuardState(r.GuardState),
		CreatedAt:          time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:          time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

type candidateRow struct {
	preferenceRow
	ActiveEndpoints int `db:"active_endpoints"`
}

type endpointRow struct {
	ID        int64  `db:"id"`
	UserID    int64  `db:"user_id"`
	Endpoint  string `db:"endpoint"`
	P256dh    string `db:"p256dh"`
	Auth      string `db:"auth"`
	UserAgent string `db:"user_agent"`
	IsActive  int    `db:"is_active"`
	CreatedAt int64  `db:"created_at"`
}

func (r endpointRow) toDomain() domain.Endpoint {
	return domain.Endpoint{
		ID:        r.ID,
		UserID:    r.UserID,
		URL:       r.Endpoint,
		P256dh:    r.P256dh,
		Auth:      r.Auth,
		UserAgent: r.UserAgent,
		Active:    r.IsActive != 0,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
}

type ledgerRow struct {
	ID                    string `db:"id"`
	UserID                int64  `db:"user_id"`
	LocalDate             string `db:"local_date"`
	SentAt                int64  `db:"sent_at"`
	Success               int    `db:"success"`
	SubscriptionsNotified int    `db:"subscriptions_notified"`
}

func (r ledgerRow) toDomain() (domain.LedgerEntry, error) {
	d, err := domain.ParseLocalDate(r.LocalDate)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return domain.LedgerEntry{
		ID:                    r.ID,
		UserID:                r.UserID,
		LocalDate:             d,
		SentAt:                time.Unix(r.SentAt, 0).UTC(),
		Success:               r.Success != 0,
		SubscriptionsNotified: r.SubscriptionsNotified,
	}, nil
}

func toNullInt64(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}

func fromNullInt64(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := time.Unix(ns.Int64, 0).UTC()
	return &t
}

// fromNullDate drops values that do not parse; a corrupt guard date behaves
// like an empty guard and is overwritten by the next claim.
func fromNullDate(ns sql.NullString) *domain.LocalDate {
	if !ns.Valid {
		return nil
	}
	d, err := domain.ParseLocalDate(ns.String)
	if err != nil {
		return nil
	}
	return &d
}

// boolToInt converts a boolean to 1/0; both dialects store flags as integers.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
