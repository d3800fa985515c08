// ABOUTME: Audit log rows for the hash-linked chain of state-changing actions
// ABOUTME: Rows are inserted in global order and never updated or deleted

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const auditColumns = `id, action, user_id, session_id, device_id, command_id,
	params_hash, result, output_hash, duration_ms, created_at, prev_hash, entry_hash`

// LastAuditEntry returns the most recently inserted row, or ErrNotFound when
// the log is empty.
func (s *SQLiteStore) LastAuditEntry(ctx context.Context) (*AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY id DESC LIMIT 1`)
	e, err := scanAuditEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// InsertAuditEntry appends a row and assigns its ID. The caller computes the
// hashes; the store only persists them.
func (s *SQLiteStore) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var duration any
	if e.DurationMS != nil {
		duration = *e.DurationMS
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, user_id, session_id, device_id, command_id,
			params_hash, result, output_hash, duration_ms, created_at, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Action,
		nullString(e.UserID),
		nullString(e.SessionID),
		nullString(e.DeviceID),
		nullString(e.CommandID),
		nullString(e.ParamsHash),
		nullString(e.Result),
		nullString(e.OutputHash),
		duration,
		formatTime(e.CreatedAt),
		e.PrevHash,
		e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	if e.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("reading audit id: %w", err)
	}

	s.logger.Debug("appended audit log", "id", e.ID, "action", e.Action, "command_id", e.CommandID)
	return nil
}

// AuditRange returns up to count rows starting at startID in ascending order.
func (s *SQLiteStore) AuditRange(ctx context.Context, startID int64, count int) ([]*AuditEntry, error) {
	if count <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE id >= ? ORDER BY id ASC LIMIT ?`,
		startID, count)
	if err != nil {
		return nil, fmt.Errorf("querying audit range: %w", err)
	}
	return collectAuditRows(rows)
}

// ListAuditLog returns the newest rows matching the filter first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	var since any
	if f.Since != nil {
		since = formatTime(*f.Since)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_log
		WHERE (? IS NULL OR command_id = ?)
		  AND (? IS NULL OR device_id = ?)
		  AND (? IS NULL OR action = ?)
		  AND (? IS NULL OR created_at >= ?)
		ORDER BY id DESC
		LIMIT ?`,
		nullString(f.CommandID), nullString(f.CommandID),
		nullString(f.DeviceID), nullString(f.DeviceID),
		nullString(f.Action), nullString(f.Action),
		since, since,
		clampLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	return collectAuditRows(rows)
}

func collectAuditRows(rows *sql.Rows) ([]*AuditEntry, error) {
	defer rows.Close()
	var out []*AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log: %w", err)
	}
	return out, nil
}

func scanAuditEntry(row scanner) (*AuditEntry, error) {
	var (
		e                                      AuditEntry
		userID, sessionID, deviceID, commandID sql.NullString
		paramsHash, result, outputHash         sql.NullString
		duration                               sql.NullInt64
		createdAt                              string
	)
	err := row.Scan(&e.ID, &e.Action, &userID, &sessionID, &deviceID, &commandID,
		&paramsHash, &result, &outputHash, &duration, &createdAt, &e.PrevHash, &e.EntryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.UserID = userID.String
	e.SessionID = sessionID.String
	e.DeviceID = deviceID.String
	e.CommandID = commandID.String
	e.ParamsHash = paramsHash.String
	e.Result = result.String
	e.OutputHash = outputHash.String
	if duration.Valid {
		d := duration.Int64
		e.DurationMS = &d
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing audit created_at: %w", err)
	}
	return &e, nil
}
