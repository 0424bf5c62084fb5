package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ykvlv/symptom-reminder/internal/domain"
)

// claimSQL moves a (user, date) pair to claimed in a single statement. The
// guard check, the ledger check and the write are one atomic step, so
// concurrent claimants in separate processes cannot both succeed.
const claimSQL = `
	UPDATE reminder_preferences
	SET last_reminder_date = ?, last_reminder_sent_at = NULL,
	    guard_state = 'claimed', updated_at = ?
	WHERE user_id = ?
	  AND enabled = 1
	  AND (last_reminder_date IS NULL OR last_reminder_date < ?)
	  AND NOT EXISTS (
	      SELECT 1 FROM reminder_ledger l
	      WHERE l.user_id = ? AND l.local_date = ?)`

// claimForceSQL additionally lets a forced pass reclaim a day that ended as
// skipped_logged. A ledger row for the day still blocks the claim.
const claimForceSQL = `
	UPDATE reminder_preferences
	SET last_reminder_date = ?, last_reminder_sent_at = NULL,
	    guard_state = 'claimed', updated_at = ?
	WHERE user_id = ?
	  AND enabled = 1
	  AND (last_reminder_date IS NULL OR last_reminder_date < ?
	       OR (last_reminder_date = ? AND guard_state = 'skipped_logged'))
	  AND NOT EXISTS (
	      SELECT 1 FROM reminder_ledger l
	      WHERE l.user_id = ? AND l.local_date = ?)`

// Claim performs the not-yet-due -> claimed transition. It returns false when
// another trigger already handled the pair; that is not an error.
func (r *SQLRepo) Claim(ctx context.Context, key domain.UserDate, force bool, now time.Time) (bool, error) {
	d := key.Date.String()
	var (
		res sql.Result
		err error
	)
	if force {
		res, err = r.db.ExecContext(ctx, r.db.Rebind(claimForceSQL),
			d, now.UTC().Unix(), key.UserID, d, d, key.UserID, d)
	} else {
		res, err = r.db.ExecContext(ctx, r.db.Rebind(claimSQL),
			d, now.UTC().Unix(), key.UserID, d, key.UserID, d)
	}
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	return affectedOne(res)
}

// MarkSkippedLogged performs claimed -> skipped_logged. The guard date stays
// on the day so the pair is not evaluated again.
func (r *SQLRepo) MarkSkippedLogged(ctx context.Context, key domain.UserDate, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE reminder_preferences
		SET guard_state = 'skipped_logged', updated_at = ?
		WHERE user_id = ? AND last_reminder_date = ? AND guard_state = 'claimed'`),
		now.UTC().Unix(), key.UserID, key.Date.String(),
	)
	if err != nil {
		return false, fmt.Errorf("mark skipped: %w", err)
	}
	return affectedOne(res)
}

// CommitSent performs claimed -> sent: the ledger row and the guard advance
// are written in one transaction. It returns false if a ledger row for the
// pair already existed, in which case nothing is changed.
func (r *SQLRepo) CommitSent(ctx context.Context, e domain.LedgerEntry) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("commit sent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO reminder_ledger (
			id, user_id, local_date, sent_at, success, subscriptions_notified
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, local_date) DO NOTHING`),
		e.ID, e.UserID, e.LocalDate.String(), e.SentAt.UTC().Unix(),
		boolToInt(e.Success), e.SubscriptionsNotified,
	)
	if err != nil {
		return false, fmt.Errorf("insert ledger: %w", err)
	}
	inserted, err := affectedOne(res)
	if err != nil || !inserted {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE reminder_preferences
		SET guard_state = 'sent', last_reminder_sent_at = ?, updated_at = ?
		WHERE user_id = ? AND last_reminder_date = ?`),
		e.SentAt.UTC().Unix(), e.SentAt.UTC().Unix(), e.UserID, e.LocalDate.String(),
	); err != nil {
		return false, fmt.Errorf("advance guard: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit sent: %w", err)
	}
	return true, nil
}

// ResetGuard clears guard fields left over from a day before key.Date. It is
// conditional on the stale date, so running it from several paths is safe.
func (r *SQLRepo) ResetGuard(ctx context.Context, key domain.UserDate, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE reminder_preferences
		SET last_reminder_date = NULL, last_reminder_sent_at = NULL,
		    guard_state = '', updated_at = ?
		WHERE user_id = ?
		  AND last_reminder_date IS NOT NULL
		  AND last_reminder_date < ?`),
		now.UTC().Unix(), key.UserID, key.Date.String(),
	)
	if err != nil {
		return false, fmt.Errorf("reset guard: %w", err)
	}
	return affectedOne(res)
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
