// ABOUTME: Store interfaces and data types for opsrelay coordinator persistence
// ABOUTME: Commands, progress entries, audit rows, macros, macro runs, and devices

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/opsrelay/internal/protocol"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateCommand is returned when (session_id, idempotency_key) is already taken
var ErrDuplicateCommand = errors.New("command with this idempotency key already exists")

// ErrFinalState is returned when an update targets a command that is already final
var ErrFinalState = errors.New("command is in a final state")

// Command is the persisted unit of work dispatched to one agent.
type Command struct {
	ID               string
	SessionID        string
	UserID           string
	DeviceID         string
	Action           string
	Params           map[string]any
	Status           protocol.CommandStatus
	RequiresConfirm  bool
	ConfirmPolicy    protocol.ConfirmPolicy
	ConfirmID        string
	ConfirmedBy      string
	ConfirmedAt      *time.Time
	ConfirmExpiresAt *time.Time
	TimeoutMS        int64
	IdempotencyKey   string
	ConcurrencyScope protocol.ConcurrencyScope
	ProjectKey       string
	AttemptCount     int
	MaxRetries       int
	TraceID          string
	MacroRunID       string
	ExitCode         *int
	LastErrorCode    string
	LastErrorMessage string
	OutputPreview    string
	OutputBytes      int64
	OutputTruncated  bool
	OutputHash       string
	ArtifactManifest []protocol.Artifact
	CreatedAt        time.Time
	UpdatedAt        time.Time
	QueuedAt         *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (c *Command) Clone() *Command {
	cp := *c
	if c.Params != nil {
		cp.Params = make(map[string]any, len(c.Params))
		for k, v := range c.Params {
			cp.Params[k] = v
		}
	}
	if c.ArtifactManifest != nil {
		cp.ArtifactManifest = append([]protocol.Artifact(nil), c.ArtifactManifest...)
	}
	cp.ExitCode = cloneInt(c.ExitCode)
	cp.ConfirmedAt = cloneTime(c.ConfirmedAt)
	cp.ConfirmExpiresAt = cloneTime(c.ConfirmExpiresAt)
	cp.QueuedAt = cloneTime(c.QueuedAt)
	cp.StartedAt = cloneTime(c.StartedAt)
	cp.CompletedAt = cloneTime(c.CompletedAt)
	return &cp
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// CommandFilter narrows ListCommands.
type CommandFilter struct {
	SessionID string
	DeviceID  string
	Statuses  []protocol.CommandStatus
	Limit     int // default 100, max 1000
	Offset    int
}

// ProgressEntry is an append-only status snapshot for a command.
type ProgressEntry struct {
	Seq         int64 // assigned on insert; arrival order
	ID          string
	CommandID   string
	Status      protocol.ProgressStatus
	Step        *int
	TotalSteps  *int
	Percent     *float64
	Message     string
	OutputChunk string
	ChunkIndex  *int
	ChunkFinal  bool
	CreatedAt   time.Time
}

// AuditEntry is one row of the hash-linked audit log.
type AuditEntry struct {
	ID         int64 // assigned on insert; global append order
	Action     string
	UserID     string
	SessionID  string
	DeviceID   string
	CommandID  string
	ParamsHash string
	Result     string
	OutputHash string
	DurationMS *int64
	CreatedAt  time.Time
	PrevHash   string
	EntryHash  string
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	CommandID string
	DeviceID  string
	Action    string
	Since     *time.Time
	Limit     int // default 100, max 1000
}

// MacroStep is one command template inside a macro.
type MacroStep struct {
	Action           string                    `json:"action"`
	Params           map[string]any            `json:"params,omitempty"`
	TimeoutMS        int64                     `json:"timeout_ms,omitempty"`
	ConfirmPolicy    protocol.ConfirmPolicy    `json:"confirm_policy,omitempty"`
	ConcurrencyScope protocol.ConcurrencyScope `json:"concurrency_scope,omitempty"`
	ProjectKey       string                    `json:"project_key,omitempty"`
	MaxRetries       *int                      `json:"max_retries,omitempty"`
}

// Macro is a stored, named list of steps.
type Macro struct {
	ID        string
	Name      string
	UserID    string
	Steps     []MacroStep
	CreatedAt time.Time
}

// MacroRunStatus aggregates the state of a macro run.
type MacroRunStatus string

const (
	MacroRunRunning   MacroRunStatus = "running"
	MacroRunSuccess   MacroRunStatus = "success"
	MacroRunError     MacroRunStatus = "error"
	MacroRunCancelled MacroRunStatus = "cancelled"
	MacroRunTimeout   MacroRunStatus = "timeout"
)

// MacroRun is one execution of a macro.
type MacroRun struct {
	ID          string
	MacroID     string
	SessionID   string
	UserID      string
	DeviceID    string
	Status      MacroRunStatus
	CurrentStep int
	TotalSteps  int
	CommandIDs  []string
	Summary     string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Device maps an agent's fingerprint to a registered id.
type Device struct {
	ID          string
	Fingerprint string
	Name        string
	LastSeenAt  *time.Time
	CreatedAt   time.Time
}

// CommandStore persists commands and their progress.
type CommandStore interface {
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, id string) (*Command, error)
	GetCommandByIdempotencyKey(ctx context.Context, sessionID, key string) (*Command, error)
	UpdateCommand(ctx context.Context, cmd *Command) error
	ListCommands(ctx context.Context, f CommandFilter) ([]*Command, error)
	AppendProgress(ctx context.Context, p *ProgressEntry) error
	ListProgress(ctx context.Context, commandID string, limit int) ([]*ProgressEntry, error)
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
}

// AuditStore persists audit rows in append order.
type AuditStore interface {
	LastAuditEntry(ctx context.Context) (*AuditEntry, error)
	InsertAuditEntry(ctx context.Context, e *AuditEntry) error
	AuditRange(ctx context.Context, startID int64, count int) ([]*AuditEntry, error)
	ListAuditLog(ctx context.Context, f AuditFilter) ([]*AuditEntry, error)
}

// MacroStore persists macro definitions and runs.
type MacroStore interface {
	CreateMacro(ctx context.Context, m *Macro) error
	GetMacro(ctx context.Context, id string) (*Macro, error)
	CreateMacroRun(ctx context.Context, run *MacroRun) error
	UpdateMacroRun(ctx context.Context, run *MacroRun) error
	GetMacroRun(ctx context.Context, id string) (*MacroRun, error)
}

// DeviceStore persists registered devices.
type DeviceStore interface {
	RegisterDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	GetDeviceByFingerprint(ctx context.Context, fingerprint string) (*Device, error)
	TouchDevice(ctx context.Context, id string, at time.Time) error
}

// Store is the full persistence surface used by the coordinator.
type Store interface {
	CommandStore
	AuditStore
	MacroStore
	DeviceStore
	Ping(ctx context.Context) error
	Close() error
}
