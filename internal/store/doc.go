// Package store provides SQLite persistence for the opsrelay coordinator.
//
// # Overview
//
// SQLiteStore (modernc.org/sqlite, no cgo) implements Store:
//
//   - commands: one row per command, unique on (session_id, idempotency_key)
//   - command_progress: append-only progress entries, ordered by seq
//   - audit_log: hash-linked rows, ordered by integer id
//   - macros, macro_runs: stored step lists and their executions
//   - devices: fingerprint to device id mapping with last-seen time
//
// # Finality
//
// UpdateCommand refuses to write a row whose stored status is already final
// and returns ErrFinalState. The guard is part of the UPDATE statement, so it
// holds even if two writers race.
//
// # Sessions
//
// DeleteSession removes a session's progress entries and commands in one
// transaction. Audit rows are never deleted.
package store
