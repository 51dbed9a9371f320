// Package journal keeps a persistent SQLite record of service runs and
// their passes, for post-mortem inspection of a daemon's activity.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration

	"github.com/infraguys/gcl-looper/loop"
)

const busyTimeoutMillis = 5000

const schemaVersion = 1

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		service    TEXT NOT NULL,
		started_at TEXT NOT NULL,
		stopped_at TEXT,
		reason     TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS passes (
		service     TEXT    NOT NULL,
		number      INTEGER NOT NULL,
		started_at  TEXT    NOT NULL,
		duration_ms INTEGER NOT NULL,
		error       TEXT    NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_passes_service ON passes(service, started_at)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
}

// Journal records runs and passes. It implements loop.Observer; write
// failures are logged, never propagated into the loop.
type Journal struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens a journal database at path. The database is created
// with WAL mode, a 5 s busy timeout, and a single connection (SQLite
// serialises writes). The schema is migrated automatically.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("journal: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	ctx := context.TODO()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMillis)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set busy_timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Journal{db: db, log: logger.With("component", "journal")}, nil
}

// migrate creates or updates the database schema to the latest version.
func migrate(db *sql.DB) error {
	ctx := context.TODO()

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("journal: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("journal: read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("journal: apply schema: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("journal: record schema version: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// RunStarted records the start of a service run and returns its row id.
func (j *Journal) RunStarted(service string) (int64, error) {
	res, err := j.db.ExecContext(context.TODO(),
		"INSERT INTO runs (service, started_at) VALUES (?, ?)",
		service, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("journal: record run start: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal: run id: %w", err)
	}
	return id, nil
}

// RunStopped closes a run record with the stop reason ("clean" or the
// terminating error text).
func (j *Journal) RunStopped(id int64, reason string) error {
	_, err := j.db.ExecContext(context.TODO(),
		"UPDATE runs SET stopped_at = ?, reason = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339Nano), reason, id,
	)
	if err != nil {
		return fmt.Errorf("journal: record run stop: %w", err)
	}
	return nil
}

// PassStarted implements loop.Observer. Only pass completion is persisted.
func (j *Journal) PassStarted(string, loop.Pass) {}

// PassFinished implements loop.Observer.
func (j *Journal) PassFinished(service string, p loop.Pass, d time.Duration, err error) {
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	_, werr := j.db.ExecContext(context.TODO(),
		"INSERT INTO passes (service, number, started_at, duration_ms, error) VALUES (?, ?, ?, ?, ?)",
		service, p.Number, p.Started.UTC().Format(time.RFC3339Nano), d.Milliseconds(), errText,
	)
	if werr != nil {
		j.log.Error("pass write failed", "service", service, "error", werr)
	}
}

// Prune removes pass and run rows older than the retention window and
// returns the number of rows deleted.
func (j *Journal) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)

	var total int64
	res, err := j.db.ExecContext(context.TODO(), "DELETE FROM passes WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: prune passes: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = j.db.ExecContext(context.TODO(), "DELETE FROM runs WHERE started_at < ? AND stopped_at IS NOT NULL", cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: prune runs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}

// PassRecord is one persisted pass row.
type PassRecord struct {
	Service   string
	Number    uint64
	StartedAt time.Time
	Duration  time.Duration
	Error     string
}

// RecentPasses returns the n most recent passes for a service, newest first.
func (j *Journal) RecentPasses(service string, n int) ([]PassRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := j.db.QueryContext(context.TODO(), `
		SELECT service, number, started_at, duration_ms, error
		FROM passes
		WHERE service = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		service, n,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: query passes: %w", err)
	}
	defer rows.Close()

	var records []PassRecord
	for rows.Next() {
		var rec PassRecord
		var startedAt string
		var durationMillis int64
		if err := rows.Scan(&rec.Service, &rec.Number, &startedAt, &durationMillis, &rec.Error); err != nil {
			return nil, fmt.Errorf("journal: scan pass: %w", err)
		}
		rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("journal: parse pass timestamp: %w", err)
		}
		rec.Duration = time.Duration(durationMillis) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}
