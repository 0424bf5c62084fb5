package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ykvlv/symptom-reminder/internal/domain"
)

// LedgerFor bulk-loads ledger rows for the given (user, date) pairs.
func (r *SQLRepo) LedgerFor(ctx context.Context, keys []domain.UserDate) (map[domain.UserDate]domain.LedgerEntry, error) {
	out := make(map[domain.UserDate]domain.LedgerEntry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	want := make(map[domain.UserDate]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}

	users, dates := splitKeys(keys)
	for _, chunk := range inChunks(users, bulkChunk) {
		q, args, err := sqlx.In(`
			SELECT id, user_id, local_date, sent_at, success, subscriptions_notified
			FROM reminder_ledger
			WHERE user_id IN (?) AND local_date IN (?)`, chunk, dates)
		if err != nil {
			return nil, fmt.Errorf("ledger prefetch: %w", err)
		}
		var rows []ledgerRow
		if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
			return nil, fmt.Errorf("ledger prefetch: %w", err)
		}
		for _, row := range rows {
			e, err := row.toDomain()
			if err != nil {
				return nil, err
			}
			k := domain.UserDate{UserID: e.UserID, Date: e.LocalDate}
			// user and date sets cross-multiply; keep only requested pairs
			if _, ok := want[k]; ok {
				out[k] = e
			}
		}
	}
	return out, nil
}

// ListLedger returns a user's most recent ledger rows, newest first.
func (r *SQLRepo) ListLedger(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 30
	}
	var rows []ledgerRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT id, user_id, local_date, sent_at, success, subscriptions_notified
		FROM reminder_ledger
		WHERE user_id = ?
		ORDER BY local_date DESC
		LIMIT ?`), userID, limit); err != nil {
		return nil, err
	}

	res := make([]domain.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		e, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}
