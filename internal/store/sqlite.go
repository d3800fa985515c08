// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Creates the schema on open and provides shared time/null helpers

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and ensures the schema.
// Parent directories are created if needed. The path ":memory:" opens a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases whole.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS commands (
			id                 TEXT PRIMARY KEY,
			session_id         TEXT NOT NULL,
			user_id            TEXT NOT NULL,
			device_id          TEXT NOT NULL,
			action             TEXT NOT NULL,
			params_json        TEXT,
			status             TEXT NOT NULL,
			requires_confirm   INTEGER NOT NULL DEFAULT 0,
			confirm_policy     TEXT NOT NULL DEFAULT 'never',
			confirm_id         TEXT,
			confirmed_by       TEXT,
			confirmed_at       TEXT,
			confirm_expires_at TEXT,
			timeout_ms         INTEGER NOT NULL,
			idempotency_key    TEXT NOT NULL,
			concurrency_scope  TEXT NOT NULL DEFAULT 'none',
			project_key        TEXT,
			attempt_count      INTEGER NOT NULL DEFAULT 0,
			max_retries        INTEGER NOT NULL DEFAULT 0,
			trace_id           TEXT NOT NULL,
			macro_run_id       TEXT,
			exit_code          INTEGER,
			last_error_code    TEXT,
			last_error_message TEXT,
			output_preview     TEXT,
			output_bytes       INTEGER NOT NULL DEFAULT 0,
			output_truncated   INTEGER NOT NULL DEFAULT 0,
			output_hash        TEXT,
			artifact_manifest  TEXT,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,
			queued_at          TEXT,
			started_at         TEXT,
			completed_at       TEXT,

			UNIQUE (session_id, idempotency_key),
			CHECK (status IN ('pending', 'sent', 'running', 'awaiting_confirm', 'retrying',
				'success', 'error', 'timeout', 'cancelled', 'terminated', 'agent_crashed')),
			CHECK (concurrency_scope IN ('none', 'project', 'global'))
		);

		CREATE INDEX IF NOT EXISTS idx_commands_device_status ON commands(device_id, status);
		CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id);

		CREATE TABLE IF NOT EXISTS command_progress (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			command_id   TEXT NOT NULL,
			status       TEXT NOT NULL,
			step         INTEGER,
			total_steps  INTEGER,
			percent      REAL,
			message      TEXT,
			output_chunk TEXT,
			chunk_index  INTEGER,
			chunk_final  INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			FOREIGN KEY (command_id) REFERENCES commands(id)
		);

		CREATE INDEX IF NOT EXISTS idx_progress_command ON command_progress(command_id, seq);

		CREATE TABLE IF NOT EXISTS audit_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			action      TEXT NOT NULL,
			user_id     TEXT,
			session_id  TEXT,
			device_id   TEXT,
			command_id  TEXT,
			params_hash TEXT,
			result      TEXT,
			output_hash TEXT,
			duration_ms INTEGER,
			created_at  TEXT NOT NULL,
			prev_hash   TEXT NOT NULL,
			entry_hash  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_command ON audit_log(command_id);
		CREATE INDEX IF NOT EXISTS idx_audit_device ON audit_log(device_id);

		CREATE TABLE IF NOT EXISTS macros (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			steps_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS macro_runs (
			id           TEXT PRIMARY KEY,
			macro_id     TEXT NOT NULL,
			session_id   TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			device_id    TEXT NOT NULL,
			status       TEXT NOT NULL,
			current_step INTEGER NOT NULL DEFAULT 0,
			total_steps  INTEGER NOT NULL,
			command_ids  TEXT,
			summary      TEXT,
			started_at   TEXT NOT NULL,
			completed_at TEXT,

			CHECK (status IN ('running', 'success', 'error', 'cancelled', 'timeout'))
		);

		CREATE TABLE IF NOT EXISTS devices (
			id           TEXT PRIMARY KEY,
			fingerprint  TEXT NOT NULL UNIQUE,
			name         TEXT NOT NULL,
			last_seen_at TEXT,
			created_at   TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func unmarshalJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

var _ Store = (*SQLiteStore)(nil)
