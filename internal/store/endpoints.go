package store

import (
	"context"
	"errors"
	"time"

	"github.com/ykvlv/symptom-reminder/internal/domain"
)

// UpsertEndpoint registers a device endpoint. Re-registering an existing
// endpoint refreshes its keys and explicitly reactivates it.
func (r *SQLRepo) UpsertEndpoint(ctx context.Context, e domain.Endpoint, now time.Time) (int64, error) {
	if e.URL == "" {
		return 0, errors.New("empty endpoint")
	}
	ts := now.UTC().Unix()
	var id int64
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`
		INSERT INTO push_endpoints (
			user_id, endpoint, p256dh, auth, user_agent, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id, endpoint) DO UPDATE SET
			p256dh     = excluded.p256dh,
			auth       = excluded.auth,
			user_agent = excluded.user_agent,
			is_active  = 1,
			updated_at = excluded.updated_at
		RETURNING id`),
		e.UserID, e.URL, e.P256dh, e.Auth, e.UserAgent, ts, ts,
	).Scan(&id)
	return id, err
}

// ActiveEndpoints lists a user's active endpoints, oldest first.
func (r *SQLRepo) ActiveEndpoints(ctx context.Context, userID int64) ([]domain.Endpoint, error) {
	var rows []endpointRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT id, user_id, endpoint, p256dh, auth, user_agent, is_active, created_at
		FROM push_endpoints
		WHERE user_id = ? AND is_active = 1
		ORDER BY id ASC`), userID); err != nil {
		return nil, err
	}

	res := make([]domain.Endpoint, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}

// DeactivateEndpoint marks an endpoint permanently gone.
func (r *SQLRepo) DeactivateEndpoint(ctx context.Context, id int64, now time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE push_endpoints
		SET is_active = 0, updated_at = ?
		WHERE id = ?`),
		now.UTC().Unix(), id,
	)
	return err
}
