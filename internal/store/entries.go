package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ykvlv/symptom-reminder/internal/domain"
)

// RecordEntry marks that a user logged an entry for a local date. The
// tracking side owns this table; the engine only reads it.
func (r *SQLRepo) RecordEntry(ctx context.Context, key domain.UserDate, now time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO daily_entries (user_id, entry_date, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, entry_date) DO NOTHING`),
		key.UserID, key.Date.String(), now.UTC().Unix(),
	)
	return err
}

// LoggedOn reports, for each requested pair, whether an entry exists.
// Pairs without an entry are absent from the result.
func (r *SQLRepo) LoggedOn(ctx context.Context, keys []domain.UserDate) (map[domain.UserDate]bool, error) {
	out := make(map[domain.UserDate]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	want := make(map[domain.UserDate]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}

	type entryRow struct {
		UserID    int64  `db:"user_id"`
		EntryDate string `db:"entry_date"`
	}

	users, dates := splitKeys(keys)
	for _, chunk := range inChunks(users, bulkChunk) {
		q, args, err := sqlx.In(`
			SELECT user_id, entry_date
			FROM daily_entries
			WHERE user_id IN (?) AND entry_date IN (?)`, chunk, dates)
		if err != nil {
			return nil, fmt.Errorf("entries prefetch: %w", err)
		}
		var rows []entryRow
		if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
			return nil, fmt.Errorf("entries prefetch: %w", err)
		}
		for _, row := range rows {
			d, err := domain.ParseLocalDate(row.EntryDate)
			if err != nil {
				continue
			}
			k := domain.UserDate{UserID: row.UserID, Date: d}
			if _, ok := want[k]; ok {
				out[k] = true
			}
		}
	}
	return out, nil
}
