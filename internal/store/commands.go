// ABOUTME: Command and progress persistence with a final-state guard on updates
// ABOUTME: Also implements the transactional session cascade delete

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/opsrelay/internal/protocol"
)

const commandColumns = `
	id, session_id, user_id, device_id, action, params_json, status,
	requires_confirm, confirm_policy, confirm_id, confirmed_by, confirmed_at, confirm_expires_at,
	timeout_ms, idempotency_key, concurrency_scope, project_key, attempt_count, max_retries,
	trace_id, macro_run_id, exit_code, last_error_code, last_error_message,
	output_preview, output_bytes, output_truncated, output_hash, artifact_manifest,
	created_at, updated_at, queued_at, started_at, completed_at`

// finalStatusList is the SQL list of final statuses.
const finalStatusList = `('success', 'error', 'timeout', 'cancelled', 'terminated', 'agent_crashed')`

// CreateCommand inserts a new command. Returns ErrDuplicateCommand when the
// (session_id, idempotency_key) pair is already used.
func (s *SQLiteStore) CreateCommand(ctx context.Context, cmd *Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = cmd.CreatedAt

	params, err := marshalJSON(cmd.Params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	artifacts, err := marshalJSON(cmd.ArtifactManifest)
	if err != nil {
		return fmt.Errorf("marshaling artifacts: %w", err)
	}

	query := `INSERT INTO commands (` + commandColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		cmd.ID,
		cmd.SessionID,
		cmd.UserID,
		cmd.DeviceID,
		cmd.Action,
		params,
		string(cmd.Status),
		boolInt(cmd.RequiresConfirm),
		string(cmd.ConfirmPolicy),
		nullString(cmd.ConfirmID),
		nullString(cmd.ConfirmedBy),
		nullTime(cmd.ConfirmedAt),
		nullTime(cmd.ConfirmExpiresAt),
		cmd.TimeoutMS,
		cmd.IdempotencyKey,
		string(cmd.ConcurrencyScope),
		nullString(cmd.ProjectKey),
		cmd.AttemptCount,
		cmd.MaxRetries,
		cmd.TraceID,
		nullString(cmd.MacroRunID),
		nullInt(cmd.ExitCode),
		nullString(cmd.LastErrorCode),
		nullString(cmd.LastErrorMessage),
		nullString(cmd.OutputPreview),
		cmd.OutputBytes,
		boolInt(cmd.OutputTruncated),
		nullString(cmd.OutputHash),
		artifacts,
		formatTime(cmd.CreatedAt),
		formatTime(cmd.UpdatedAt),
		nullTime(cmd.QueuedAt),
		nullTime(cmd.StartedAt),
		nullTime(cmd.CompletedAt),
	)
	if err != nil {
		if isConstraintViolation(err) && strings.Contains(err.Error(), "idempotency_key") {
			return ErrDuplicateCommand
		}
		return fmt.Errorf("inserting command: %w", err)
	}

	s.logger.Debug("created command", "id", cmd.ID, "action", cmd.Action, "status", cmd.Status)
	return nil
}

// GetCommand retrieves a command by ID.
// Returns ErrNotFound if the command doesn't exist.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	return scanCommand(row)
}

// GetCommandByIdempotencyKey finds the command created under (sessionID, key).
func (s *SQLiteStore) GetCommandByIdempotencyKey(ctx context.Context, sessionID, key string) (*Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE session_id = ? AND idempotency_key = ?`,
		sessionID, key)
	return scanCommand(row)
}

// UpdateCommand writes every mutable field of cmd. The write only applies
// while the stored status is non-final; otherwise ErrFinalState is returned
// and the row is untouched.
func (s *SQLiteStore) UpdateCommand(ctx context.Context, cmd *Command) error {
	cmd.UpdatedAt = time.Now().UTC()

	params, err := marshalJSON(cmd.Params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	artifacts, err := marshalJSON(cmd.ArtifactManifest)
	if err != nil {
		return fmt.Errorf("marshaling artifacts: %w", err)
	}

	query := `
		UPDATE commands SET
			params_json = ?, status = ?, requires_confirm = ?, confirm_policy = ?,
			confirm_id = ?, confirmed_by = ?, confirmed_at = ?, confirm_expires_at = ?,
			timeout_ms = ?, attempt_count = ?, max_retries = ?,
			exit_code = ?, last_error_code = ?, last_error_message = ?,
			output_preview = ?, output_bytes = ?, output_truncated = ?, output_hash = ?,
			artifact_manifest = ?, updated_at = ?, queued_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ` + finalStatusList

	result, err := s.db.ExecContext(ctx, query,
		params,
		string(cmd.Status),
		boolInt(cmd.RequiresConfirm),
		string(cmd.ConfirmPolicy),
		nullString(cmd.ConfirmID),
		nullString(cmd.ConfirmedBy),
		nullTime(cmd.ConfirmedAt),
		nullTime(cmd.ConfirmExpiresAt),
		cmd.TimeoutMS,
		cmd.AttemptCount,
		cmd.MaxRetries,
		nullInt(cmd.ExitCode),
		nullString(cmd.LastErrorCode),
		nullString(cmd.LastErrorMessage),
		nullString(cmd.OutputPreview),
		cmd.OutputBytes,
		boolInt(cmd.OutputTruncated),
		nullString(cmd.OutputHash),
		artifacts,
		formatTime(cmd.UpdatedAt),
		nullTime(cmd.QueuedAt),
		nullTime(cmd.StartedAt),
		nullTime(cmd.CompletedAt),
		cmd.ID,
	)
	if err != nil {
		return fmt.Errorf("updating command: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM commands WHERE id = ?`, cmd.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking command status: %w", err)
		}
		return fmt.Errorf("%w: %s is %s", ErrFinalState, cmd.ID, status)
	}
	return nil
}

// ListCommands returns commands matching the filter, oldest first.
func (s *SQLiteStore) ListCommands(ctx context.Context, f CommandFilter) ([]*Command, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + commandColumns + ` FROM commands`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return out, nil
}

func scanCommand(row scanner) (*Command, error) {
	var (
		cmd                                          Command
		status, policy, scope                        string
		params, artifacts                            sql.NullString
		confirmID, confirmedBy, projectKey, macroRun sql.NullString
		errCode, errMsg, preview, outHash            sql.NullString
		confirmedAt, confirmExpires                  sql.NullString
		queuedAt, startedAt, completedAt             sql.NullString
		createdAt, updatedAt                         string
		exitCode                                     sql.NullInt64
		requiresConfirm, truncated                   int
	)

	err := row.Scan(
		&cmd.ID, &cmd.SessionID, &cmd.UserID, &cmd.DeviceID, &cmd.Action, &params, &status,
		&requiresConfirm, &policy, &confirmID, &confirmedBy, &confirmedAt, &confirmExpires,
		&cmd.TimeoutMS, &cmd.IdempotencyKey, &scope, &projectKey, &cmd.AttemptCount, &cmd.MaxRetries,
		&cmd.TraceID, &macroRun, &exitCode, &errCode, &errMsg,
		&preview, &cmd.OutputBytes, &truncated, &outHash, &artifacts,
		&createdAt, &updatedAt, &queuedAt, &startedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning command: %w", err)
	}

	cmd.Status = protocol.CommandStatus(status)
	cmd.ConfirmPolicy = protocol.ConfirmPolicy(policy)
	cmd.ConcurrencyScope = protocol.ConcurrencyScope(scope)
	cmd.RequiresConfirm = requiresConfirm != 0
	cmd.OutputTruncated = truncated != 0
	cmd.ConfirmID = confirmID.String
	cmd.ConfirmedBy = confirmedBy.String
	cmd.ProjectKey = projectKey.String
	cmd.MacroRunID = macroRun.String
	cmd.LastErrorCode = errCode.String
	cmd.LastErrorMessage = errMsg.String
	cmd.OutputPreview = preview.String
	cmd.OutputHash = outHash.String
	cmd.ExitCode = intPtr(exitCode)

	if err := unmarshalJSON(params, &cmd.Params); err != nil {
		return nil, fmt.Errorf("parsing params: %w", err)
	}
	if err := unmarshalJSON(artifacts, &cmd.ArtifactManifest); err != nil {
		return nil, fmt.Errorf("parsing artifact manifest: %w", err)
	}

	if cmd.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if cmd.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&cmd.ConfirmedAt, confirmedAt},
		{&cmd.ConfirmExpiresAt, confirmExpires},
		{&cmd.QueuedAt, queuedAt},
		{&cmd.StartedAt, startedAt},
		{&cmd.CompletedAt, completedAt},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return nil, fmt.Errorf("parsing command timestamp: %w", err)
		}
	}

	return &cmd, nil
}

// AppendProgress inserts a progress entry and assigns its Seq.
func (s *SQLiteStore) AppendProgress(ctx context.Context, p *ProgressEntry) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	var percent any
	if p.Percent != nil {
		percent = *p.Percent
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO command_progress (id, command_id, status, step, total_steps, percent,
			message, output_chunk, chunk_index, chunk_final, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.CommandID,
		string(p.Status),
		nullInt(p.Step),
		nullInt(p.TotalSteps),
		percent,
		nullString(p.Message),
		nullString(p.OutputChunk),
		nullInt(p.ChunkIndex),
		boolInt(p.ChunkFinal),
		formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting progress: %w", err)
	}
	p.Seq, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading progress seq: %w", err)
	}
	return nil
}

// ListProgress returns a command's progress entries in arrival order.
func (s *SQLiteStore) ListProgress(ctx context.Context, commandID string, limit int) ([]*ProgressEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, command_id, status, step, total_steps, percent,
			message, output_chunk, chunk_index, chunk_final, created_at
		FROM command_progress
		WHERE command_id = ?
		ORDER BY seq ASC
		LIMIT ?`, commandID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying progress: %w", err)
	}
	defer rows.Close()

	var out []*ProgressEntry
	for rows.Next() {
		var (
			p                       ProgressEntry
			status, createdAt       string
			step, total, chunkIndex sql.NullInt64
			percent                 sql.NullFloat64
			message, chunk          sql.NullString
			chunkFinal              int
		)
		if err := rows.Scan(&p.Seq, &p.ID, &p.CommandID, &status, &step, &total, &percent,
			&message, &chunk, &chunkIndex, &chunkFinal, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning progress: %w", err)
		}
		p.Status = protocol.ProgressStatus(status)
		p.Step = intPtr(step)
		p.TotalSteps = intPtr(total)
		p.ChunkIndex = intPtr(chunkIndex)
		if percent.Valid {
			v := percent.Float64
			p.Percent = &v
		}
		p.Message = message.String
		p.OutputChunk = chunk.String
		p.ChunkFinal = chunkFinal != 0
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing progress created_at: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating progress: %w", err)
	}
	return out, nil
}

// DeleteSession removes every command of a session together with its
// progress entries, in one transaction. It returns the number of commands
// removed. Audit rows are left intact.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM command_progress
		WHERE command_id IN (SELECT id FROM commands WHERE session_id = ?)`, sessionID); err != nil {
		return 0, fmt.Errorf("deleting progress: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM commands WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("deleting commands: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing session delete: %w", err)
	}

	s.logger.Info("deleted session commands", "session_id", sessionID, "commands", n)
	return n, nil
}
