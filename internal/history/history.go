// Package history is a sqlite-backed audit log of convergence runs: one
// row per run plus one row per aggregated operation error. It is a
// side channel for operators and the `history show` CLI subcommand —
// nothing here feeds back into convergence decisions.
//
// Modeled on a schema-version migration table:
// same schema-version migration table, CREATE TABLE IF NOT EXISTS
// style, and one-row-per-event idiom (drive_events there, run_errors
// here).
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/truenas/truenas-pyscstadmin/internal/scsterr"
)

// DefaultPath is the default database location.
const DefaultPath = "/var/lib/scstadmin/history.db"

// DB wraps the sqlite connection backing the run history.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the history database at path, running
// migrations. An empty path falls back to DefaultPath.
func Open(path string) (*DB, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("configure history database: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run history migrations: %w", err)
	}
	return db, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

func (d *DB) migrate() error {
	_, err := d.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	var version int
	if err := d.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return err
	}

	migrations := []string{migrationV1}
	for i, migration := range migrations {
		v := i + 1
		if v <= version {
			continue
		}
		tx, err := d.conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migration); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", v, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    config_path TEXT,
    control_root TEXT,
    dry_run INTEGER DEFAULT 0,
    suspended INTEGER DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    outcome TEXT,
    fatal_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome);

CREATE TABLE IF NOT EXISTS run_errors (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id),
    path TEXT,
    verb TEXT,
    reason TEXT,
    detail TEXT
);

CREATE INDEX IF NOT EXISTS idx_run_errors_run ON run_errors(run_id);
`

// Outcome values recorded on a Run.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFatal   = "fatal"
)

// Run is one convergence attempt.
type Run struct {
	ID          string
	ConfigPath  string
	ControlRoot string
	DryRun      bool
	Suspended   bool
	StartedAt   time.Time
	FinishedAt  time.Time
	Outcome     string
	FatalError  string
	Errors      []RunError
}

// RunError is one aggregated operation error from a PartialConvergenceError.
type RunError struct {
	Path   string
	Verb   string
	Reason string
	Detail string
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// RecordRun inserts a completed run and its aggregated errors in one
// transaction.
func (d *DB) RecordRun(r *Run) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO runs (id, config_path, control_root, dry_run, suspended, started_at, finished_at, outcome, fatal_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ConfigPath, r.ControlRoot, boolToInt(r.DryRun), boolToInt(r.Suspended),
		r.StartedAt, r.FinishedAt, r.Outcome, nullString(r.FatalError))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert run: %w", err)
	}

	for _, e := range r.Errors {
		if _, err := tx.Exec(`
			INSERT INTO run_errors (run_id, path, verb, reason, detail)
			VALUES (?, ?, ?, ?, ?)
		`, r.ID, e.Path, e.Verb, e.Reason, e.Detail); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert run error: %w", err)
		}
	}

	return tx.Commit()
}

// RunErrorsFrom converts an aggregated PartialConvergenceError into
// RunError rows.
func RunErrorsFrom(err *scsterr.PartialConvergenceError) []RunError {
	if err == nil {
		return nil
	}
	out := make([]RunError, len(err.Errors))
	for i, oe := range err.Errors {
		detail := ""
		if oe.Err != nil {
			detail = oe.Err.Error()
		}
		out[i] = RunError{Path: oe.Path, Verb: oe.Verb, Reason: oe.Reason, Detail: detail}
	}
	return out
}

// RecentRuns returns the most recent limit runs, newest first.
func (d *DB) RecentRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.conn.Query(`
		SELECT id, config_path, control_root, dry_run, suspended, started_at, finished_at, outcome, fatal_error
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var dryRun, suspended int
		var fatalErr sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.ConfigPath, &r.ControlRoot, &dryRun, &suspended,
			&r.StartedAt, &finishedAt, &r.Outcome, &fatalErr); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.DryRun = dryRun == 1
		r.Suspended = suspended == 1
		r.FatalError = fatalErr.String
		if finishedAt.Valid {
			r.FinishedAt = finishedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ErrorsForRun returns every aggregated operation error recorded for runID.
func (d *DB) ErrorsForRun(runID string) ([]RunError, error) {
	rows, err := d.conn.Query(`
		SELECT path, verb, reason, detail FROM run_errors WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run errors: %w", err)
	}
	defer rows.Close()

	var out []RunError
	for rows.Next() {
		var e RunError
		if err := rows.Scan(&e.Path, &e.Verb, &e.Reason, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan run error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
