package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	// Registers the "postgres" driver.
	_ "github.com/lib/pq"
	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"github.com/ykvlv/symptom-reminder/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repo defines storage operations for preferences, guard state, endpoints
// and the reminder ledger.
type Repo interface {
	EnsurePreference(ctx context.Context, p domain.Preference) error
	UpdateSettings(ctx context.Context, p domain.Preference) error
	GetPreference(ctx context.Context, userID int64) (*domain.Preference, error)
	ListCandidates(ctx context.Context) ([]domain.Candidate, error)
	ListGuarded(ctx context.Context) ([]domain.Preference, error)

	Claim(ctx context.Context, key domain.UserDate, force bool, now time.Time) (bool, error)
	MarkSkippedLogged(ctx context.Context, key domain.UserDate, now time.Time) (bool, error)
	CommitSent(ctx context.Context, e domain.LedgerEntry) (bool, error)
	ResetGuard(ctx context.Context, key domain.UserDate, now time.Time) (bool, error)

	LedgerFor(ctx context.Context, keys []domain.UserDate) (map[domain.UserDate]domain.LedgerEntry, error)
	ListLedger(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error)

	UpsertEndpoint(ctx context.Context, e domain.Endpoint, now time.Time) (int64, error)
	ActiveEndpoints(ctx context.Context, userID int64) ([]domain.Endpoint, error)
	DeactivateEndpoint(ctx context.Context, id int64, now time.Time) error

	RecordEntry(ctx context.Context, key domain.UserDate, now time.Time) error
	LoggedOn(ctx context.Context, keys []domain.UserDate) (map[domain.UserDate]bool, error)

	PurgeUser(ctx context.Context, userID int64) error
	Close() error
}

// SQLRepo implements Repo over sqlx for SQLite and PostgreSQL.
type SQLRepo struct {
	db *sqlx.DB
}

func init() {
	// modernc registers as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open connects to the configured driver, applies connection settings,
// runs migrations and returns a repository.
func Open(ctx context.Context, driver, dsn string) (*SQLRepo, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case "sqlite":
		db, err = openSQLite(dsn)
	case "postgres":
		db, err = openPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if err := RunMigrations(ctx, db.DB, driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &SQLRepo{db: db}, nil
}

// openSQLite opens (or creates) the database file. Pragmas travel in the DSN
// so every pooled connection gets them.
func openSQLite(path string) (*sqlx.DB, error) {
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}, "&")

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Reasonable pooling for SQLite; it's a single-writer engine.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

func openPostgres(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Close releases the underlying database resources.
func (r *SQLRepo) Close() error {
	return r.db.Close()
}

// PurgeUser removes every reminder row owned by a user as part of account
// deletion. This is the only path that deletes ledger rows.
func (r *SQLRepo) PurgeUser(ctx context.Context, userID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM reminder_ledger WHERE user_id = ?`,
		`DELETE FROM push_endpoints WHERE user_id = ?`,
		`DELETE FROM reminder_preferences WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), userID); err != nil {
			return fmt.Errorf("purge user: %w", err)
		}
	}
	return tx.Commit()
}

// inChunks splits ids for IN (...) queries to stay under bind limits.
func inChunks(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// splitKeys returns the distinct user ids and dates of keys.
func splitKeys(keys []domain.UserDate) ([]int64, []string) {
	seenU := make(map[int64]struct{}, len(keys))
	seenD := make(map[string]struct{})
	var users []int64
	var dates []string
	for _, k := range keys {
		if _, ok := seenU[k.UserID]; !ok {
			seenU[k.UserID] = struct{}{}
			users = append(users, k.UserID)
		}
		ds := k.Date.String()
		if _, ok := seenD[ds]; !ok {
			seenD[ds] = struct{}{}
			dates = append(dates, ds)
		}
	}
	return users, dates
}

const bulkChunk = 500
