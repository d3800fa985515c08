// ABOUTME: JSON response shapes for the HTTP API
// ABOUTME: Converts store records into their wire representation

package gateway

import (
	"time"

	"github.com/2389/opsrelay/internal/agent"
	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/store"
)

// CommandResponse is the JSON form of a command.
type CommandResponse struct {
	ID               string                    `json:"id"`
	SessionID        string                    `json:"session_id"`
	UserID           string                    `json:"user_id,omitempty"`
	DeviceID         string                    `json:"device_id"`
	Action           string                    `json:"action"`
	Params           map[string]any            `json:"params,omitempty"`
	Status           protocol.CommandStatus    `json:"status"`
	RequiresConfirm  bool                      `json:"requires_confirm"`
	ConfirmPolicy    protocol.ConfirmPolicy    `json:"confirm_policy,omitempty"`
	ConfirmID        string                    `json:"confirm_id,omitempty"`
	ConfirmExpiresAt *time.Time                `json:"confirm_expires_at,omitempty"`
	ConfirmedBy      string                    `json:"confirmed_by,omitempty"`
	ConfirmedAt      *time.Time                `json:"confirmed_at,omitempty"`
	TimeoutMS        int64                     `json:"timeout_ms"`
	IdempotencyKey   string                    `json:"idempotency_key"`
	ConcurrencyScope protocol.ConcurrencyScope `json:"concurrency_scope,omitempty"`
	ProjectKey       string                    `json:"project_key,omitempty"`
	AttemptCount     int                       `json:"attempt_count"`
	MaxRetries       int                       `json:"max_retries"`
	TraceID          string                    `json:"trace_id"`
	MacroRunID       string                    `json:"macro_run_id,omitempty"`
	ExitCode         *int                      `json:"exit_code"`
	ErrorCode        string                    `json:"error_code,omitempty"`
	ErrorMessage     string                    `json:"error_message,omitempty"`
	OutputPreview    string                    `json:"output_preview,omitempty"`
	OutputBytes      int64                     `json:"output_bytes"`
	OutputTruncated  bool                      `json:"output_truncated"`
	OutputHash       string                    `json:"output_hash,omitempty"`
	Artifacts        []protocol.Artifact       `json:"artifacts,omitempty"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
	QueuedAt         *time.Time                `json:"queued_at,omitempty"`
	StartedAt        *time.Time                `json:"started_at,omitempty"`
	CompletedAt      *time.Time                `json:"completed_at,omitempty"`
}

func commandResponse(c *store.Command) CommandResponse {
	return CommandResponse{
		ID:               c.ID,
		SessionID:        c.SessionID,
		UserID:           c.UserID,
		DeviceID:         c.DeviceID,
		Action:           c.Action,
		Params:           c.Params,
		Status:           c.Status,
		RequiresConfirm:  c.RequiresConfirm,
		ConfirmPolicy:    c.ConfirmPolicy,
		ConfirmID:        c.ConfirmID,
		ConfirmExpiresAt: c.ConfirmExpiresAt,
		ConfirmedBy:      c.ConfirmedBy,
		ConfirmedAt:      c.ConfirmedAt,
		TimeoutMS:        c.TimeoutMS,
		IdempotencyKey:   c.IdempotencyKey,
		ConcurrencyScope: c.ConcurrencyScope,
		ProjectKey:       c.ProjectKey,
		AttemptCount:     c.AttemptCount,
		MaxRetries:       c.MaxRetries,
		TraceID:          c.TraceID,
		MacroRunID:       c.MacroRunID,
		ExitCode:         c.ExitCode,
		ErrorCode:        c.LastErrorCode,
		ErrorMessage:     c.LastErrorMessage,
		OutputPreview:    c.OutputPreview,
		OutputBytes:      c.OutputBytes,
		OutputTruncated:  c.OutputTruncated,
		OutputHash:       c.OutputHash,
		Artifacts:        c.ArtifactManifest,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		QueuedAt:         c.QueuedAt,
		StartedAt:        c.StartedAt,
		CompletedAt:      c.CompletedAt,
	}
}

// CreateCommandResponse is returned by POST /api/commands.
type CreateCommandResponse struct {
	Command CommandResponse `json:"command"`
	Created bool            `json:"created"`
	Warning string          `json:"warning,omitempty"`
}

// ProgressResponse is one stored progress entry.
type ProgressResponse struct {
	Seq         int64                   `json:"seq"`
	ID          string                  `json:"id"`
	Status      protocol.ProgressStatus `json:"status"`
	Step        *int                    `json:"step,omitempty"`
	TotalSteps  *int                    `json:"total_steps,omitempty"`
	Percent     *float64                `json:"percent,omitempty"`
	Message     string                  `json:"message,omitempty"`
	OutputChunk string                  `json:"output_chunk,omitempty"`
	ChunkIndex  *int                    `json:"chunk_index,omitempty"`
	ChunkFinal  bool                    `json:"chunk_final,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}

func progressResponses(entries []*store.ProgressEntry) []ProgressResponse {
	out := make([]ProgressResponse, 0, len(entries))
	for _, p := range entries {
		out = append(out, ProgressResponse{
			Seq:         p.Seq,
			ID:          p.ID,
			Status:      p.Status,
			Step:        p.Step,
			TotalSteps:  p.TotalSteps,
			Percent:     p.Percent,
			Message:     p.Message,
			OutputChunk: p.OutputChunk,
			ChunkIndex:  p.ChunkIndex,
			ChunkFinal:  p.ChunkFinal,
			CreatedAt:   p.CreatedAt,
		})
	}
	return out
}

// DeviceResponse combines a device registration with its live connection.
type DeviceResponse struct {
	ID           string     `json:"id"`
	Fingerprint  string     `json:"fingerprint"`
	Name         string     `json:"name,omitempty"`
	Registered   bool       `json:"registered"`
	Online       bool       `json:"online"`
	ConnectionID string     `json:"connection_id,omitempty"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
}

func deviceResponse(d *store.Device, conn *agent.Connection) DeviceResponse {
	var resp DeviceResponse
	if d != nil {
		created := d.CreatedAt
		resp = DeviceResponse{
			ID:          d.ID,
			Fingerprint: d.Fingerprint,
			Name:        d.Name,
			Registered:  true,
			LastSeenAt:  d.LastSeenAt,
			CreatedAt:   &created,
		}
	}
	if conn != nil {
		connected, seen := conn.ConnectedAt, conn.LastSeen()
		resp.Online = true
		resp.ConnectionID = conn.ID
		resp.ConnectedAt = &connected
		resp.LastSeenAt = &seen
		if resp.ID == "" {
			resp.ID = conn.DeviceID
			resp.Fingerprint = conn.Fingerprint
		}
	}
	return resp
}

// MacroRunResponse is the JSON form of a macro run.
type MacroRunResponse struct {
	ID          string               `json:"id"`
	MacroID     string               `json:"macro_id"`
	SessionID   string               `json:"session_id"`
	UserID      string               `json:"user_id,omitempty"`
	DeviceID    string               `json:"device_id"`
	Status      store.MacroRunStatus `json:"status"`
	CurrentStep int                  `json:"current_step"`
	TotalSteps  int                  `json:"total_steps"`
	CommandIDs  []string             `json:"command_ids"`
	Summary     string               `json:"summary,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

func macroRunResponse(r *store.MacroRun) MacroRunResponse {
	ids := r.CommandIDs
	if ids == nil {
		ids = []string{}
	}
	return MacroRunResponse{
		ID:          r.ID,
		MacroID:     r.MacroID,
		SessionID:   r.SessionID,
		UserID:      r.UserID,
		DeviceID:    r.DeviceID,
		Status:      r.Status,
		CurrentStep: r.CurrentStep,
		TotalSteps:  r.TotalSteps,
		CommandIDs:  ids,
		Summary:     r.Summary,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// MacroResponse is the JSON form of a macro definition.
type MacroResponse struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	UserID    string            `json:"user_id,omitempty"`
	Steps     []store.MacroStep `json:"steps"`
	CreatedAt time.Time         `json:"created_at"`
}

// AuditEntryResponse is one audit log row.
type AuditEntryResponse struct {
	ID         int64     `json:"id"`
	Action     string    `json:"action"`
	UserID     string    `json:"user_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	CommandID  string    `json:"command_id,omitempty"`
	ParamsHash string    `json:"params_hash,omitempty"`
	Result     string    `json:"result,omitempty"`
	OutputHash string    `json:"output_hash,omitempty"`
	DurationMS *int64    `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	PrevHash   string    `json:"prev_hash"`
	EntryHash  string    `json:"entry_hash"`
}

func auditResponses(entries []*store.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryResponse{
			ID:         e.ID,
			Action:     e.Action,
			UserID:     e.UserID,
			SessionID:  e.SessionID,
			DeviceID:   e.DeviceID,
			CommandID:  e.CommandID,
			ParamsHash: e.ParamsHash,
			Result:     e.Result,
			OutputHash: e.OutputHash,
			DurationMS: e.DurationMS,
			CreatedAt:  e.CreatedAt,
			PrevHash:   e.PrevHash,
			EntryHash:  e.EntryHash,
		})
	}
	return out
}
