// Package journal keeps the durable history of worker runs and onboarding
// attempts in SQLite. The journal is an audit trail; live worker state and
// per-account progress counters live elsewhere.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "drover-v1-2026-08-runs"
)

// Run is one worker run from Start to its terminal state. EndedAt is nil
// while the run is still in flight (or the process died mid-run).
type Run struct {
	RunID     string     `json:"run_id"`
	UserID    int64      `json:"user_id"`
	Account   string     `json:"account"`
	Backend   string     `json:"backend"`
	State     string     `json:"state"`
	Actions   int        `json:"actions"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Onboarding is one finished onboarding attempt, successful or not.
type Onboarding struct {
	UserID    int64     `json:"user_id"`
	Account   string    `json:"account"`
	Backend   string    `json:"backend"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger.With("component", "journal")}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var version int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case version > schemaVersion:
		return fmt.Errorf("journal schema version %d is newer than supported %d", version, schemaVersion)
	case version == schemaVersion:
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksum {
			return fmt.Errorf("journal schema checksum mismatch: got %q want %q", checksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id     TEXT PRIMARY KEY,
			user_id    INTEGER NOT NULL,
			account    TEXT NOT NULL,
			backend    TEXT NOT NULL,
			state      TEXT NOT NULL,
			actions    INTEGER NOT NULL DEFAULT 0,
			error      TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			ended_at   DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_owner ON runs(user_id, account);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_ended ON runs(ended_at);`,
		`CREATE TABLE IF NOT EXISTS onboardings (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    INTEGER NOT NULL,
			account    TEXT NOT NULL,
			backend    TEXT NOT NULL,
			outcome    TEXT NOT NULL,
			error      TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, q := range statements {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create journal schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// retryBusy retries f while SQLite reports BUSY or LOCKED, with exponential
// backoff and jitter on top of the driver's own busy_timeout.
func retryBusy(ctx context.Context, f func() error) error {
	const (
		maxRetries = 4
		baseDelay  = 50 * time.Millisecond
		maxDelay   = 400 * time.Millisecond
	)
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := min(baseDelay<<uint(attempt), maxDelay)
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// StartRun records a fresh run in its initial state.
func (s *Store) StartRun(ctx context.Context, r Run) error {
	return retryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (run_id, user_id, account, backend, state, actions, started_at)
			VALUES (?, ?, ?, ?, ?, 0, ?);
		`, r.RunID, r.UserID, r.Account, r.Backend, r.State, r.StartedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert run %s: %w", r.RunID, err)
		}
		return nil
	})
}

// FinishRun stamps the terminal state. Calling it twice for the same run is
// harmless; the second write repeats the same terminal row.
func (s *Store) FinishRun(ctx context.Context, runID, state string, actions int, errText string) error {
	return retryBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE runs SET state = ?, actions = ?, error = ?, ended_at = ?
			WHERE run_id = ?;
		`, state, actions, errText, time.Now().UTC(), runID)
		if err != nil {
			return fmt.Errorf("finish run %s: %w", runID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("finish run %s: no such run", runID)
		}
		return nil
	})
}

// RecentRuns returns the newest runs first. userID 0 means all users.
func (s *Store) RecentRuns(ctx context.Context, userID int64, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT run_id, user_id, account, backend, state, actions, error, started_at, ended_at
		FROM runs
	`
	args := []any{}
	if userID != 0 {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var ended sql.NullTime
		if err := rows.Scan(&r.RunID, &r.UserID, &r.Account, &r.Backend, &r.State, &r.Actions, &r.Error, &r.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecordOnboarding appends one onboarding outcome.
func (s *Store) RecordOnboarding(ctx context.Context, o Onboarding) error {
	return retryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO onboardings (user_id, account, backend, outcome, error)
			VALUES (?, ?, ?, ?, ?);
		`, o.UserID, o.Account, o.Backend, o.Outcome, o.Error)
		if err != nil {
			return fmt.Errorf("insert onboarding: %w", err)
		}
		return nil
	})
}

// RecentOnboardings returns the newest onboarding outcomes first.
func (s *Store) RecentOnboardings(ctx context.Context, userID int64, limit int) ([]Onboarding, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT user_id, account, backend, outcome, error, created_at FROM onboardings`
	args := []any{}
	if userID != 0 {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query onboardings: %w", err)
	}
	defer rows.Close()

	var out []Onboarding
	for rows.Next() {
		var o Onboarding
		if err := rows.Scan(&o.UserID, &o.Account, &o.Backend, &o.Outcome, &o.Error, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan onboarding: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PruneRuns removes finished runs older than the retention window. Runs with
// no ended_at (crashed mid-flight) are kept for inspection.
func (s *Store) PruneRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var pruned int64
	err := retryBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE ended_at IS NOT NULL AND ended_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("prune runs: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		s.logger.Info("pruned finished runs", "count", pruned, "older_than", olderThan.String())
	}
	return pruned, nil
}
