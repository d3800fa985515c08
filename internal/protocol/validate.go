// ABOUTME: Structural validation and type dispatch for inbound wire documents.
// ABOUTME: Rejects malformed messages with per-field errors before anything is applied.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownType is returned by Decode for a well-formed envelope whose type
// this build does not understand.
var ErrUnknownType = errors.New("unknown message type")

// FieldError names one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every invalid field of a rejected message.
type ValidationError struct {
	ID     string
	Type   MessageType
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	kind := string(e.Type)
	if kind == "" {
		kind = "message"
	}
	return fmt.Sprintf("invalid %s: %s", kind, strings.Join(parts, "; "))
}

// checker accumulates field errors.
type checker struct {
	errs []FieldError
}

func (c *checker) fail(field, format string, args ...any) {
	c.errs = append(c.errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) required(field, value string) {
	if strings.TrimSpace(value) == "" {
		c.fail(field, "is required")
	}
}

func (c *checker) nonNegative(field string, value int64) {
	if value < 0 {
		c.fail(field, "must not be negative")
	}
}

// rawString reads a string field from the undecoded document.
func (c *checker) rawString(raw map[string]json.RawMessage, field string, required bool) string {
	val, ok := raw[field]
	if !ok || string(val) == "null" {
		if required {
			c.fail(field, "is required")
		}
		return ""
	}
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		c.fail(field, "must be a string")
		return ""
	}
	if required && strings.TrimSpace(s) == "" {
		c.fail(field, "is required")
	}
	return s
}

type bodyChecker interface {
	check(c *checker)
}

// Decode parses and validates a wire document. It returns a *ValidationError
// when the envelope or body is malformed and ErrUnknownType (wrapped) when the
// type is not recognised.
func Decode(data []byte) (Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Fields: []FieldError{{Field: "$", Message: "not a JSON object"}}}
	}

	c := &checker{}
	version := c.rawString(raw, "protocol_version", true)
	id := c.rawString(raw, "id", true)
	typ := MessageType(c.rawString(raw, "type", true))
	ts := c.rawString(raw, "timestamp", true)
	source := Party(c.rawString(raw, "source", true))
	target := Party(c.rawString(raw, "target", true))
	c.rawString(raw, "trace_id", true)
	c.rawString(raw, "nonce", false)
	c.rawString(raw, "signature", false)

	if version != "" && version != Version {
		c.fail("protocol_version", "must be %q", Version)
	}
	if ts != "" {
		if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
			c.fail("timestamp", "must be an RFC 3339 timestamp")
		}
	}
	if source != "" && !source.Valid() {
		c.fail("source", "unknown party %q", source)
	}
	if target != "" && !target.Valid() {
		c.fail("target", "unknown party %q", target)
	}
	if len(c.errs) > 0 {
		return nil, &ValidationError{ID: id, Type: typ, Fields: c.errs}
	}

	msg := newMessage(typ)
	if msg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			c.fail(typeErr.Field, "expected %s, got %s", typeErr.Type, typeErr.Value)
		} else {
			c.fail("$", "%v", err)
		}
		return nil, &ValidationError{ID: id, Type: typ, Fields: c.errs}
	}

	if bc, ok := msg.(bodyChecker); ok {
		bc.check(c)
	}
	if len(c.errs) > 0 {
		return nil, &ValidationError{ID: id, Type: typ, Fields: c.errs}
	}
	return msg, nil
}

func newMessage(t MessageType) Message {
	switch t {
	case TypeCommand:
		return &Command{}
	case TypeProgress:
		return &Progress{}
	case TypeResult:
		return &Result{}
	case TypeEvent:
		return &Event{}
	case TypeConfirmRequest:
		return &ConfirmRequest{}
	case TypeConfirmResponse:
		return &ConfirmResponse{}
	case TypeCancelRequest:
		return &CancelRequest{}
	case TypeCancelResult:
		return &CancelResult{}
	case TypeHeartbeat:
		return &Heartbeat{}
	case TypeHeartbeatAck:
		return &HeartbeatAck{}
	case TypeError:
		return &ErrorFrame{}
	}
	return nil
}

func (m *Command) check(c *checker) {
	c.required("command_id", m.CommandID)
	c.required("action", m.Action)
	c.required("idempotency_key", m.IdempotencyKey)
	if m.TimeoutMS <= 0 {
		c.fail("timeout_ms", "must be positive")
	}
	c.nonNegative("attempt", int64(m.Attempt))
	if m.ConcurrencyScope != "" && !m.ConcurrencyScope.Valid() {
		c.fail("concurrency_scope", "unknown scope %q", m.ConcurrencyScope)
	}
}

func (m *Progress) check(c *checker) {
	c.required("command_id", m.CommandID)
	if !m.Status.valid() {
		c.fail("status", "unknown progress status %q", m.Status)
	}
	if m.Percent != nil && (*m.Percent < 0 || *m.Percent > 100) {
		c.fail("percent", "must be between 0 and 100")
	}
	if m.Step != nil {
		c.nonNegative("step", int64(*m.Step))
	}
	if m.TotalSteps != nil {
		c.nonNegative("total_steps", int64(*m.TotalSteps))
	}
	if m.ChunkIndex != nil {
		c.nonNegative("chunk_index", int64(*m.ChunkIndex))
	}
	if m.OutputChunk != "" && m.ChunkIndex == nil {
		c.fail("chunk_index", "is required with output_chunk")
	}
}

func (m *Result) check(c *checker) {
	c.required("command_id", m.CommandID)
	c.nonNegative("attempt", int64(m.Attempt))
	if !m.Status.IsFinal() {
		c.fail("status", "must be a final status, got %q", m.Status)
	}
	c.nonNegative("output_bytes", m.OutputBytes)
	c.nonNegative("duration_ms", m.DurationMS)
}

func (m *Event) check(c *checker) {
	c.required("event", m.Event)
	if !m.Severity.valid() {
		c.fail("severity", "unknown severity %q", m.Severity)
	}
}

func (m *ConfirmRequest) check(c *checker) {
	c.required("command_id", m.CommandID)
	c.required("confirm_id", m.ConfirmID)
	c.required("action", m.Action)
}

func (m *ConfirmResponse) check(c *checker) {
	c.required("command_id", m.CommandID)
	c.required("confirm_id", m.ConfirmID)
	c.required("device_id", m.DeviceID)
}

func (m *CancelRequest) check(c *checker) {
	c.required("command_id", m.CommandID)
}

func (m *CancelResult) check(c *checker) {
	c.required("command_id", m.CommandID)
	if !m.Status.valid() {
		c.fail("status", "unknown cancel status %q", m.Status)
	}
}

func (m *Heartbeat) check(c *checker) {
	c.nonNegative("running", int64(m.Running))
}
