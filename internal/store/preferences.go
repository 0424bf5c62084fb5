package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ykvlv/symptom-reminder/internal/domain"
)

const preferenceColumns = `p.user_id, p.enabled, p.time_of_day_m, p.tz,
	p.last_reminder_date, p.last_reminder_sent_at, p.guard_state,
	p.created_at, p.updated_at`

// EnsurePreference creates the preference row for a new account if missing.
// Existing rows, including their guard fields, are left untouched.
func (r *SQLRepo) EnsurePreference(ctx context.Context, p domain.Preference) error {
	now := time.Now().UTC().Unix()
	created := p.CreatedAt.UTC().Unix()
	if p.CreatedAt.IsZero() {
		created = now
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO reminder_preferences (
			user_id, enabled, time_of_day_m, tz, guard_state, created_at, updated_at
		) VALUES (?, ?, ?, ?, '', ?, ?)
		ON CONFLICT (user_id) DO NOTHING`),
		p.UserID, boolToInt(p.Enabled), p.TimeOfDayM, p.TZ, created, now,
	)
	return err
}

// UpdateSettings writes the user-owned fields (enabled, time of day, zone).
// Guard fields belong to the dedup guard and are never written here.
func (r *SQLRepo) UpdateSettings(ctx context.Context, p domain.Preference) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE reminder_preferences
		SET enabled = ?, time_of_day_m = ?, tz = ?, updated_at = ?
		WHERE user_id = ?`),
		boolToInt(p.Enabled), p.TimeOfDayM, p.TZ, time.Now().UTC().Unix(), p.UserID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPreference returns a user's preference or ErrNotFound.
func (r *SQLRepo) GetPreference(ctx context.Context, userID int64) (*domain.Preference, error) {
	var row preferenceRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT `+preferenceColumns+`
		FROM reminder_preferences p
		WHERE p.user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p := row.toDomain()
	return &p, nil
}

// ListCandidates returns every enabled preference with its active endpoint
// count in one query, ordered by user id.
func (r *SQLRepo) ListCandidates(ctx context.Context) ([]domain.Candidate, error) {
	var rows []candidateRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+preferenceColumns+`,
			(SELECT COUNT(*) FROM push_endpoints e
			 WHERE e.user_id = p.user_id AND e.is_active = 1) AS active_endpoints
		FROM reminder_preferences p
		WHERE p.enabled = 1
		ORDER BY p.user_id ASC`)
	if err != nil {
		return nil, err
	}

	res := make([]domain.Candidate, 0, len(rows))
	for _, row := range rows {
		res = append(res, domain.Candidate{
			Preference:      row.toDomain(),
			ActiveEndpoints: row.ActiveEndpoints,
		})
	}
	return res, nil
}

// ListGuarded returns preferences whose guard fields are set, regardless of
// enablement, for the rollover sweep.
func (r *SQLRepo) ListGuarded(ctx context.Context) ([]domain.Preference, error) {
	var rows []preferenceRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+preferenceColumns+`
		FROM reminder_preferences p
		WHERE p.last_reminder_date IS NOT NULL
		ORDER BY p.user_id ASC`)
	if err != nil {
		return nil, err
	}

	res := make([]domain.Preference, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}
