// ABOUTME: Envelope header and the eight message kinds that extend it.
// ABOUTME: Sideband frames (heartbeat, heartbeat_ack, error) share the header.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the common header of every message.
type Envelope struct {
	ProtocolVersion string      `json:"protocol_version"`
	ID              string      `json:"id"`
	Type            MessageType `json:"type"`
	Timestamp       time.Time   `json:"timestamp"`
	Source          Party       `json:"source"`
	Target          Party       `json:"target"`
	TraceID         string      `json:"trace_id"`
	Nonce           string      `json:"nonce,omitempty"`
	Signature       string      `json:"signature,omitempty"`
}

// Header returns the envelope itself. Every message embeds Envelope and so
// satisfies Message through this method.
func (e *Envelope) Header() *Envelope { return e }

// NewEnvelope builds a header with a fresh message id and the current time.
// An empty traceID starts a new causal chain.
func NewEnvelope(t MessageType, source, target Party, traceID string) Envelope {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return Envelope{
		ProtocolVersion: Version,
		ID:              uuid.New().String(),
		Type:            t,
		Timestamp:       time.Now().UTC(),
		Source:          source,
		Target:          target,
		TraceID:         traceID,
	}
}

// Message is implemented by every wire message.
type Message interface {
	Header() *Envelope
}

// Command asks an agent to run an action.
type Command struct {
	Envelope
	CommandID        string           `json:"command_id"`
	Action           string           `json:"action"`
	Params           map[string]any   `json:"params,omitempty"`
	TimeoutMS        int64            `json:"timeout_ms"`
	IdempotencyKey   string           `json:"idempotency_key"`
	Attempt          int              `json:"attempt"`
	ConcurrencyScope ConcurrencyScope `json:"concurrency_scope,omitempty"`
	ProjectKey       string           `json:"project_key,omitempty"`
}

// Progress reports an intermediate status, optionally with an output chunk.
type Progress struct {
	Envelope
	CommandID   string         `json:"command_id"`
	Status      ProgressStatus `json:"status"`
	Step        *int           `json:"step,omitempty"`
	TotalSteps  *int           `json:"total_steps,omitempty"`
	Percent     *float64       `json:"percent,omitempty"`
	Message     string         `json:"message,omitempty"`
	OutputChunk string         `json:"output_chunk,omitempty"`
	ChunkIndex  *int           `json:"chunk_index,omitempty"`
	ChunkFinal  bool           `json:"chunk_final,omitempty"`
}

// Artifact describes a file produced by a command.
type Artifact struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
	Hash  string `json:"hash,omitempty"`
}

// Result is the single terminal report for one command attempt.
type Result struct {
	Envelope
	CommandID       string         `json:"command_id"`
	Attempt         int            `json:"attempt"`
	Status          ResultStatus   `json:"status"`
	ExitCode        *int           `json:"exit_code"`
	Killed          bool           `json:"killed,omitempty"`
	OutputPreview   string         `json:"output_preview,omitempty"`
	OutputBytes     int64          `json:"output_bytes"`
	OutputTruncated bool           `json:"output_truncated"`
	OutputHash      string         `json:"output_hash,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	DurationMS      int64          `json:"duration_ms"`
	Data            map[string]any `json:"data,omitempty"`
	Artifacts       []Artifact     `json:"artifacts,omitempty"`
}

// Event is an informational notice, such as a crashed process.
type Event struct {
	Envelope
	Event     string         `json:"event"`
	Severity  Severity       `json:"severity"`
	CommandID string         `json:"command_id,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ConfirmRequest asks an authorized device to approve a held command.
type ConfirmRequest struct {
	Envelope
	CommandID string         `json:"command_id"`
	ConfirmID string         `json:"confirm_id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	RiskLevel RiskLevel      `json:"risk_level"`
	Summary   string         `json:"summary,omitempty"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// ConfirmResponse carries the approval decision.
type ConfirmResponse struct {
	Envelope
	CommandID string `json:"command_id"`
	ConfirmID string `json:"confirm_id"`
	Approved  bool   `json:"approved"`
	DeviceID  string `json:"device_id"`
	Reason    string `json:"reason,omitempty"`
}

// CancelRequest asks an agent to stop a running command.
type CancelRequest struct {
	Envelope
	CommandID string `json:"command_id"`
	Reason    string `json:"reason,omitempty"`
}

// CancelResult reports the outcome of a cancel_request.
type CancelResult struct {
	Envelope
	CommandID string       `json:"command_id"`
	Status    CancelStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
}

// Heartbeat is the agent's liveness ping.
type Heartbeat struct {
	Envelope
	Running int `json:"running"`
}

// HeartbeatAck answers a heartbeat with the coordinator's clock.
type HeartbeatAck struct {
	Envelope
	TS int64 `json:"ts"`
}

// ErrorFrame tells the sender that a message was rejected.
type ErrorFrame struct {
	Envelope
	RefID  string       `json:"ref_id,omitempty"`
	Errors []FieldError `json:"errors"`
}

// Encode serializes a message to its wire form.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Header().Type, err)
	}
	return data, nil
}
