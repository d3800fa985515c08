// ABOUTME: Macro definitions and macro run records
// ABOUTME: Steps are stored as JSON; runs track progress and the commands they created

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateMacro stores a macro definition.
func (s *SQLiteStore) CreateMacro(ctx context.Context, m *Macro) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	steps, err := marshalJSON(m.Steps)
	if err != nil {
		return fmt.Errorf("marshaling macro steps: %w", err)
	}
	if steps == nil {
		steps = "[]"
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO macros (id, name, user_id, steps_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.UserID, steps, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting macro: %w", err)
	}
	return nil
}

// GetMacro retrieves a macro by ID.
func (s *SQLiteStore) GetMacro(ctx context.Context, id string) (*Macro, error) {
	var (
		m         Macro
		steps     sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, user_id, steps_json, created_at FROM macros WHERE id = ?`, id,
	).Scan(&m.ID, &m.Name, &m.UserID, &steps, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying macro: %w", err)
	}
	if err := unmarshalJSON(steps, &m.Steps); err != nil {
		return nil, fmt.Errorf("parsing macro steps: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing macro created_at: %w", err)
	}
	return &m, nil
}

// CreateMacroRun inserts a run record.
func (s *SQLiteStore) CreateMacroRun(ctx context.Context, run *MacroRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	ids, err := marshalJSON(run.CommandIDs)
	if err != nil {
		return fmt.Errorf("marshaling command ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO macro_runs (id, macro_id, session_id, user_id, device_id, status,
			current_step, total_steps, command_ids, summary, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.MacroID, run.SessionID, run.UserID, run.DeviceID, string(run.Status),
		run.CurrentStep, run.TotalSteps, ids, nullString(run.Summary),
		formatTime(run.StartedAt), nullTime(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("inserting macro run: %w", err)
	}
	return nil
}

// UpdateMacroRun writes the mutable fields of a run.
func (s *SQLiteStore) UpdateMacroRun(ctx context.Context, run *MacroRun) error {
	ids, err := marshalJSON(run.CommandIDs)
	if err != nil {
		return fmt.Errorf("marshaling command ids: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE macro_runs
		SET status = ?, current_step = ?, command_ids = ?, summary = ?, completed_at = ?
		WHERE id = ?`,
		string(run.Status), run.CurrentStep, ids, nullString(run.Summary), nullTime(run.CompletedAt), run.ID)
	if err != nil {
		return fmt.Errorf("updating macro run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMacroRun retrieves a run by ID.
func (s *SQLiteStore) GetMacroRun(ctx context.Context, id string) (*MacroRun, error) {
	var (
		run                  MacroRun
		status, startedAt    string
		ids, summary, doneAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, macro_id, session_id, user_id, device_id, status, current_step, total_steps,
			command_ids, summary, started_at, completed_at
		FROM macro_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.MacroID, &run.SessionID, &run.UserID, &run.DeviceID, &status,
		&run.CurrentStep, &run.TotalSteps, &ids, &summary, &startedAt, &doneAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying macro run: %w", err)
	}

	run.Status = MacroRunStatus(status)
	run.Summary = summary.String
	if err := unmarshalJSON(ids, &run.CommandIDs); err != nil {
		return nil, fmt.Errorf("parsing command ids: %w", err)
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if run.CompletedAt, err = parseNullTime(doneAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &run, nil
}
