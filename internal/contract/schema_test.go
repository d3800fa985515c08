// ABOUTME: Schema contract: tables, columns, indexes and status CHECK constraints.
// ABOUTME: Fails when the store's schema drifts from what deployed databases hold.

package contract

import (
	"context"
	"database/sql"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opsrelay/internal/store"
)

// expectedSchema is every table and column the coordinator writes. Existing
// databases are migrated only by CREATE IF NOT EXISTS, so renames break them.
var expectedSchema = map[string][]string{
	"commands": {
		"id", "session_id", "user_id", "device_id", "action", "params_json",
		"status", "requires_confirm", "confirm_policy", "confirm_id",
		"confirmed_by", "confirmed_at", "confirm_expires_at", "timeout_ms",
		"idempotency_key", "concurrency_scope", "project_key",
		"attempt_count", "max_retries", "trace_id", "macro_run_id",
		"exit_code", "last_error_code", "last_error_message",
		"output_preview", "output_bytes", "output_truncated", "output_hash",
		"artifact_manifest", "created_at", "updated_at", "queued_at",
		"started_at", "completed_at",
	},
	"command_progress": {
		"seq", "id", "command_id", "status", "step", "total_steps",
		"percent", "message", "output_chunk", "chunk_index", "chunk_final",
		"created_at",
	},
	"audit_log": {
		"id", "action", "user_id", "session_id", "device_id", "command_id",
		"params_hash", "result", "output_hash", "duration_ms", "created_at",
		"prev_hash", "entry_hash",
	},
	"macros": {
		"id", "name", "user_id", "steps_json", "created_at",
	},
	"macro_runs": {
		"id", "macro_id", "session_id", "user_id", "device_id", "status",
		"current_step", "total_steps", "command_ids", "summary",
		"started_at", "completed_at",
	},
	"devices": {
		"id", "fingerprint", "name", "last_seen_at", "created_at",
	},
}

// openSchemaDB lets the store create its schema in a temp file, then opens
// a second raw connection for introspection.
func openSchemaDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "contract.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// names runs a single-column query and returns the values as a set.
func names(t *testing.T, db *sql.DB, query string, args ...any) map[string]bool {
	t.Helper()
	rows, err := db.QueryContext(context.Background(), query, args...)
	require.NoError(t, err)
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		out[name] = true
	}
	require.NoError(t, rows.Err())
	return out
}

func schemaObjects(t *testing.T, db *sql.DB, kind string) map[string]bool {
	return names(t, db, `SELECT name FROM sqlite_master WHERE type = ? AND name NOT LIKE 'sqlite_%'`, kind)
}

func TestSchemaColumns(t *testing.T) {
	db := openSchemaDB(t)

	for table, want := range expectedSchema {
		t.Run(table, func(t *testing.T) {
			have := names(t, db, `SELECT name FROM pragma_table_info(?)`, table)
			require.NotEmpty(t, have, "table %s is missing", table)

			for _, col := range want {
				assert.True(t, have[col], "column %s.%s is missing", table, col)
			}
			for col := range have {
				if !slices.Contains(want, col) {
					t.Errorf("column %s.%s is not in the contract; add it here if it is intended", table, col)
				}
			}
		})
	}
}

func TestSchemaTables(t *testing.T) {
	db := openSchemaDB(t)
	have := schemaObjects(t, db, "table")

	for table := range expectedSchema {
		assert.True(t, have[table], "table %s is missing", table)
	}
	for table := range have {
		_, ok := expectedSchema[table]
		assert.True(t, ok, "table %s is not in the contract", table)
	}
}

func TestSchemaIndexes(t *testing.T) {
	db := openSchemaDB(t)
	have := schemaObjects(t, db, "index")

	for _, idx := range []string{
		"idx_commands_device_status",
		"idx_commands_session",
		"idx_progress_command",
		"idx_audit_command",
		"idx_audit_device",
	} {
		assert.True(t, have[idx], "index %s is missing", idx)
	}
}

// TestSchemaRejectsUnknownStatus pins the status CHECK constraints so a
// typo in a state name fails at write time instead of persisting.
func TestSchemaRejectsUnknownStatus(t *testing.T) {
	db := openSchemaDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO commands
		(id, session_id, user_id, device_id, action, status, timeout_ms,
		 idempotency_key, trace_id, created_at, updated_at)
		VALUES ('c-1', 's-1', 'u-1', 'd-1', 'run_command', 'finished', 1000,
		 'k-1', 't-1', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	assert.Error(t, err, "unknown command status should violate the CHECK constraint")

	_, err = db.ExecContext(ctx, `INSERT INTO macro_runs
		(id, macro_id, session_id, user_id, device_id, status, total_steps, started_at)
		VALUES ('r-1', 'm-1', 's-1', 'u-1', 'd-1', 'pending', 1, '2026-01-01T00:00:00Z')`)
	assert.Error(t, err, "unknown macro run status should violate the CHECK constraint")

	_, err = db.ExecContext(ctx, `INSERT INTO commands
		(id, session_id, user_id, device_id, action, status, timeout_ms,
		 idempotency_key, trace_id, created_at, updated_at)
		VALUES ('c-2', 's-1', 'u-1', 'd-1', 'run_command', 'pending', 1000,
		 'k-2', 't-2', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	assert.NoError(t, err)
}
