// ABOUTME: Command lifecycle manager: creation with dedup, admission and dispatch.
// ABOUTME: Owns timers for retries, confirmation expiry and result deadlines.

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/opsrelay/internal/actions"
	"github.com/2389/opsrelay/internal/agent"
	"github.com/2389/opsrelay/internal/audit"
	"github.com/2389/opsrelay/internal/events"
	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/store"
)

var (
	// ErrConflictFinalState is returned for any mutation of a final command.
	ErrConflictFinalState = store.ErrFinalState
	// ErrNotFound is returned for an unknown command id.
	ErrNotFound = store.ErrNotFound
	// ErrUnknownAction is returned when the action is not in the catalog.
	ErrUnknownAction = actions.ErrUnknownAction
	// ErrAgentOffline is returned when a dispatch found no live connection.
	ErrAgentOffline = agent.ErrAgentOffline

	ErrInvalidRequest     = errors.New("invalid command request")
	ErrNotAwaitingConfirm = errors.New("command is not awaiting confirmation")
	ErrConfirmMismatch    = errors.New("confirm id does not match")
	ErrDeviceMismatch     = errors.New("message came from a different device")
	ErrNotApprover        = errors.New("device is not allowed to confirm commands")
	ErrSelfConfirm        = errors.New("device cannot confirm its own command")
	ErrStaleResult        = errors.New("result does not match the current attempt")
)

// Registry delivers messages to connected devices.
type Registry interface {
	Send(deviceID string, msg protocol.Message) bool
}

// Auditor appends to the audit chain.
type Auditor interface {
	Append(ctx context.Context, e *store.AuditEntry) (*store.AuditEntry, error)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Store    store.CommandStore
	Audit    Auditor
	Registry Registry
	Sink     events.Sink
	Catalog  *actions.Catalog
	Logger   *slog.Logger
}

// CreateRequest describes a command to create.
type CreateRequest struct {
	SessionID        string                    `json:"session_id"`
	UserID           string                    `json:"user_id"`
	DeviceID         string                    `json:"device_id"`
	Action           string                    `json:"action"`
	Params           map[string]any            `json:"params,omitempty"`
	TimeoutMS        int64                     `json:"timeout_ms,omitempty"`
	IdempotencyKey   string                    `json:"idempotency_key"`
	RequiresConfirm  bool                      `json:"requires_confirm,omitempty"`
	ConfirmPolicy    protocol.ConfirmPolicy    `json:"confirm_policy,omitempty"`
	ConfirmTimeoutMS int64                     `json:"confirm_timeout_ms,omitempty"`
	ConcurrencyScope protocol.ConcurrencyScope `json:"concurrency_scope,omitempty"`
	ProjectKey       string                    `json:"project_key,omitempty"`
	MaxRetries       *int                      `json:"max_retries,omitempty"`
	TraceID          string                    `json:"trace_id,omitempty"`
	MacroRunID       string                    `json:"-"`
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	Command *store.Command
	// Created is false when an existing command was returned for the same
	// (session_id, idempotency_key).
	Created bool
	// Warning explains a dispatch that did not reach the agent.
	Warning string
}

// Manager drives commands through their lifecycle.
type Manager struct {
	store    store.CommandStore
	audit    Auditor
	registry Registry
	sink     events.Sink
	catalog  *actions.Catalog
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	locks  *keyedMutex
	admit  *admission
	create singleflight.Group

	mu             sync.Mutex
	retryTimers    map[string]*time.Timer
	confirmTimers  map[string]*time.Timer
	deadlineTimers map[string]*time.Timer
	closed         bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a Manager.
func NewManager(deps Deps, opts Options) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := deps.Sink
	if sink == nil {
		sink = events.Discard{}
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = actions.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:          deps.Store,
		audit:          deps.Audit,
		registry:       deps.Registry,
		sink:           sink,
		catalog:        catalog,
		opts:           opts.withDefaults(),
		logger:         logger.With("component", "commands"),
		now:            time.Now,
		locks:          newKeyedMutex(),
		admit:          newAdmission(),
		retryTimers:    make(map[string]*time.Timer),
		confirmTimers:  make(map[string]*time.Timer),
		deadlineTimers: make(map[string]*time.Timer),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Close stops all retry, confirmation and deadline timers.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, table := range []map[string]*time.Timer{m.retryTimers, m.confirmTimers, m.deadlineTimers} {
		for id, t := range table {
			t.Stop()
			delete(table, id)
		}
	}
	m.mu.Unlock()
	m.cancel()
}

// Status returns the current state of a command.
func (m *Manager) Status(ctx context.Context, id string) (*store.Command, error) {
	return m.store.GetCommand(ctx, id)
}

// Create persists a command and routes it to confirmation, the admission
// queue or the agent. A repeated (session_id, idempotency_key) returns the
// stored command unchanged and dispatches nothing.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := m.validate(&req); err != nil {
		return nil, err
	}
	spec, err := m.catalog.Lookup(req.Action)
	if err != nil {
		return nil, err
	}

	leader := false
	v, err, _ := m.create.Do(req.SessionID+"\x00"+req.IdempotencyKey, func() (any, error) {
		leader = true
		return m.createOnce(ctx, req, spec)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*CreateResult)
	if !leader {
		return &CreateResult{Command: res.Command.Clone()}, nil
	}
	return res, nil
}

func (m *Manager) validate(req *CreateRequest) error {
	var missing []string
	for field, value := range map[string]string{
		"session_id":      req.SessionID,
		"device_id":       req.DeviceID,
		"action":          req.Action,
		"idempotency_key": req.IdempotencyKey,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if req.ConfirmPolicy == "" {
		req.ConfirmPolicy = protocol.ConfirmNever
	}
	if !req.ConfirmPolicy.Valid() {
		return fmt.Errorf("%w: unknown confirm_policy %q", ErrInvalidRequest, req.ConfirmPolicy)
	}
	if req.ConcurrencyScope != "" && !req.ConcurrencyScope.Valid() {
		return fmt.Errorf("%w: unknown concurrency_scope %q", ErrInvalidRequest, req.ConcurrencyScope)
	}
	if req.TimeoutMS < 0 {
		return fmt.Errorf("%w: timeout_ms must not be negative", ErrInvalidRequest)
	}
	return nil
}

func (m *Manager) createOnce(ctx context.Context, req CreateRequest, spec actions.Spec) (*CreateResult, error) {
	existing, err := m.store.GetCommandByIdempotencyKey(ctx, req.SessionID, req.IdempotencyKey)
	if err == nil {
		m.logger.Debug("duplicate create", "command_id", existing.ID, "idempotency_key", req.IdempotencyKey)
		return &CreateResult{Command: existing}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking idempotency key: %w", err)
	}

	now := m.now().UTC()
	scope := req.ConcurrencyScope
	if scope == "" {
		scope = spec.Scope
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}
	cmd := &store.Command{
		ID:               uuid.New().String(),
		SessionID:        req.SessionID,
		UserID:           req.UserID,
		DeviceID:         req.DeviceID,
		Action:           req.Action,
		Params:           req.Params,
		Status:           protocol.StatusPending,
		RequiresConfirm:  req.RequiresConfirm || spec.NeedsConfirm(req.ConfirmPolicy),
		ConfirmPolicy:    req.ConfirmPolicy,
		TimeoutMS:        m.effectiveTimeout(spec, req.TimeoutMS).Milliseconds(),
		IdempotencyKey:   req.IdempotencyKey,
		ConcurrencyScope: scope,
		ProjectKey:       req.ProjectKey,
		MaxRetries:       m.effectiveRetries(req.MaxRetries),
		TraceID:          traceID,
		MacroRunID:       req.MacroRunID,
		CreatedAt:        now,
		QueuedAt:         &now,
	}

	if err := m.store.CreateCommand(ctx, cmd); err != nil {
		if errors.Is(err, store.ErrDuplicateCommand) {
			existing, gerr := m.store.GetCommandByIdempotencyKey(ctx, req.SessionID, req.IdempotencyKey)
			if gerr != nil {
				return nil, fmt.Errorf("loading duplicate command: %w", gerr)
			}
			return &CreateResult{Command: existing}, nil
		}
		return nil, err
	}

	m.logger.Info("command created",
		"command_id", cmd.ID,
		"action", cmd.Action,
		"device_id", cmd.DeviceID,
		"requires_confirm", cmd.RequiresConfirm,
		"scope", cmd.ConcurrencyScope,
	)
	m.record(ctx, cmd, audit.ActionCommandCreated, string(cmd.Status), "", nil)
	m.notify(protocol.EventCommandQueued, protocol.SeverityInfo, cmd, nil)

	res := &CreateResult{Created: true}
	var next []string
	err = m.withCommand(ctx, cmd.ID, func(c *store.Command) error {
		if c.RequiresConfirm {
			return m.requestConfirmLocked(ctx, c, m.confirmTimeout(req.ConfirmTimeoutMS), spec)
		}
		var delivered bool
		var err error
		next, delivered, err = m.enqueueLocked(ctx, c)
		if err == nil && !delivered && !m.admit.tracked(c.DeviceID, c.ID) {
			res.Warning = fmt.Sprintf("%s: device %s is offline", protocol.CodeAgentOffline, c.DeviceID)
		}
		return err
	})
	m.dispatchAdmitted(ctx, next)
	if err != nil && !errors.Is(err, ErrConflictFinalState) {
		return nil, err
	}

	res.Command, err = m.store.GetCommand(ctx, cmd.ID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (m *Manager) effectiveTimeout(spec actions.Spec, requestedMS int64) time.Duration {
	d := time.Duration(requestedMS) * time.Millisecond
	if d <= 0 {
		d = m.opts.DefaultTimeout
	}
	d = spec.ClampTimeout(d)
	if d > m.opts.MaxTimeout {
		d = m.opts.MaxTimeout
	}
	if d < m.opts.MinTimeout {
		d = m.opts.MinTimeout
	}
	return d
}

func (m *Manager) effectiveRetries(requested *int) int {
	n := m.opts.DefaultMaxRetries
	if requested != nil {
		n = *requested
	}
	if n < 0 {
		n = 0
	}
	if n > m.opts.MaxRetriesCap {
		n = m.opts.MaxRetriesCap
	}
	return n
}

func (m *Manager) confirmTimeout(requestedMS int64) time.Duration {
	d := time.Duration(requestedMS) * time.Millisecond
	if d <= 0 {
		d = m.opts.ConfirmTimeout
	}
	if d > m.opts.MaxConfirmTimeout {
		d = m.opts.MaxConfirmTimeout
	}
	return d
}

// withCommand loads id under its lock and runs fn unless the command is
// final.
func (m *Manager) withCommand(ctx context.Context, id string, fn func(cmd *store.Command) error) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	cmd, err := m.store.GetCommand(ctx, id)
	if err != nil {
		return err
	}
	if cmd.Status.IsFinal() {
		return fmt.Errorf("%w: %s is %s", ErrConflictFinalState, id, cmd.Status)
	}
	return fn(cmd)
}

// enqueueLocked queues cmd for admission and dispatches it if admitted. It
// returns other ids admitted along the way, whether cmd reached the agent,
// and any store error.
func (m *Manager) enqueueLocked(ctx context.Context, cmd *store.Command) ([]string, bool, error) {
	admitted := m.admit.enqueue(cmd.DeviceID, slotOf(cmd))
	var next []string
	self := false
	for _, id := range admitted {
		if id == cmd.ID {
			self = true
			continue
		}
		next = append(next, id)
	}
	if !self {
		m.logger.Info("command queued behind concurrency scope",
			"command_id", cmd.ID,
			"device_id", cmd.DeviceID,
			"scope", cmd.ConcurrencyScope,
			"project_key", cmd.ProjectKey,
		)
		return next, false, nil
	}
	more, delivered, err := m.dispatchLocked(ctx, cmd)
	return append(next, more...), delivered, err
}

// dispatchAdmitted dispatches commands that were admitted while another
// command's lock was held.
func (m *Manager) dispatchAdmitted(ctx context.Context, ids []string) {
	for len(ids) > 0 {
		id := ids[0]
		ids = ids[1:]
		var more []string
		err := m.withCommand(ctx, id, func(cmd *store.Command) error {
			if cmd.Status != protocol.StatusPending && cmd.Status != protocol.StatusRetrying {
				return nil
			}
			var err error
			more, _, err = m.dispatchLocked(ctx, cmd)
			return err
		})
		if err != nil && !errors.Is(err, ErrConflictFinalState) {
			m.logger.Error("dispatching admitted command", "command_id", id, "error", err)
		}
		ids = append(ids, more...)
	}
}

// dispatchLocked sends cmd to its device. The command must hold an
// admission slot. When the device is offline the offline policy applies and
// the slot is released.
func (m *Manager) dispatchLocked(ctx context.Context, cmd *store.Command) ([]string, bool, error) {
	if m.registry.Send(cmd.DeviceID, m.commandMessage(cmd)) {
		if cmd.Status == protocol.StatusPending {
			cmd.Status = protocol.StatusSent
		}
		if cmd.LastErrorCode == protocol.CodeAgentOffline {
			cmd.LastErrorCode = ""
			cmd.LastErrorMessage = ""
		}
		if err := m.store.UpdateCommand(ctx, cmd); err != nil {
			return nil, true, err
		}
		m.logger.Info("command dispatched",
			"command_id", cmd.ID,
			"device_id", cmd.DeviceID,
			"attempt", cmd.AttemptCount,
		)
		m.armDeadline(cmd)
		return nil, true, nil
	}

	msg := fmt.Sprintf("device %s is offline", cmd.DeviceID)
	m.logger.Warn("dispatch failed", "command_id", cmd.ID, "device_id", cmd.DeviceID, "policy", m.opts.OfflinePolicy)

	if m.opts.OfflinePolicy == OfflineFail {
		cmd.LastErrorCode = protocol.CodeAgentOffline
		cmd.LastErrorMessage = msg
		next, err := m.finalizeLocked(ctx, cmd, protocol.StatusError, audit.ActionCommandCompleted, "", nil)
		return next, false, err
	}

	cmd.LastErrorCode = protocol.CodeAgentOffline
	cmd.LastErrorMessage = msg
	if err := m.store.UpdateCommand(ctx, cmd); err != nil {
		return nil, false, err
	}
	m.notify(protocol.EventCommandQueued, protocol.SeverityWarning, cmd, map[string]any{
		"error_code": protocol.CodeAgentOffline,
		"message":    msg,
	})
	return m.admit.release(cmd.DeviceID, cmd.ID), false, nil
}

func (m *Manager) commandMessage(cmd *store.Command) *protocol.Command {
	key := cmd.IdempotencyKey
	if cmd.AttemptCount > 0 {
		key = fmt.Sprintf("%s:retry-%d", cmd.IdempotencyKey, cmd.AttemptCount)
	}
	return &protocol.Command{
		Envelope:         protocol.NewEnvelope(protocol.TypeCommand, protocol.PartyCoordinator, protocol.PartyAgent, cmd.TraceID),
		CommandID:        cmd.ID,
		Action:           cmd.Action,
		Params:           cmd.Params,
		TimeoutMS:        cmd.TimeoutMS,
		IdempotencyKey:   key,
		Attempt:          cmd.AttemptCount,
		ConcurrencyScope: cmd.ConcurrencyScope,
		ProjectKey:       cmd.ProjectKey,
	}
}

// finalizeLocked moves cmd to a final status, audits it, releases its
// admission slot and returns the ids admitted in its place.
func (m *Manager) finalizeLocked(ctx context.Context, cmd *store.Command, status protocol.CommandStatus, action, outputHash string, durationMS *int64) ([]string, error) {
	now := m.now().UTC()
	cmd.Status = status
	cmd.CompletedAt = &now
	if err := m.store.UpdateCommand(ctx, cmd); err != nil {
		return nil, err
	}
	m.stopTimers(cmd.ID)

	m.logger.Info("command finished",
		"command_id", cmd.ID,
		"status", status,
		"error_code", cmd.LastErrorCode,
	)
	m.record(ctx, cmd, action, string(status), outputHash, durationMS)
	m.notify(protocol.EventCommandResult, severityFor(status), cmd, map[string]any{
		"status":     string(status),
		"error_code": cmd.LastErrorCode,
		"exit_code":  cmd.ExitCode,
	})
	return m.admit.release(cmd.DeviceID, cmd.ID), nil
}

func (m *Manager) stopTimers(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, table := range []map[string]*time.Timer{m.retryTimers, m.confirmTimers, m.deadlineTimers} {
		if t, ok := table[id]; ok {
			t.Stop()
			delete(table, id)
		}
	}
}

func (m *Manager) stopTimer(table map[string]*time.Timer, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := table[id]; ok {
		t.Stop()
		delete(table, id)
	}
}

// afterFunc arms a timer in table unless the manager is closed.
func (m *Manager) afterFunc(table map[string]*time.Timer, id string, d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if old, ok := table[id]; ok {
		old.Stop()
	}
	table[id] = time.AfterFunc(d, fn)
}

func (m *Manager) clearTimer(table map[string]*time.Timer, id string) {
	m.mu.Lock()
	delete(table, id)
	m.mu.Unlock()
}

func (m *Manager) hasTimer(table map[string]*time.Timer, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := table[id]
	return ok
}

func (m *Manager) record(ctx context.Context, cmd *store.Command, action, result, outputHash string, durationMS *int64) {
	if m.audit == nil {
		return
	}
	_, err := m.audit.Append(ctx, &store.AuditEntry{
		Action:     action,
		UserID:     cmd.UserID,
		SessionID:  cmd.SessionID,
		DeviceID:   cmd.DeviceID,
		CommandID:  cmd.ID,
		ParamsHash: audit.HashParams(cmd.Params),
		Result:     result,
		OutputHash: outputHash,
		DurationMS: durationMS,
	})
	if err != nil {
		m.logger.Error("audit append failed", "command_id", cmd.ID, "action", action, "error", err)
	}
}

func (m *Manager) notify(name string, severity protocol.Severity, cmd *store.Command, data map[string]any) {
	m.sink.Publish(events.Notification{
		Name:       name,
		Severity:   string(severity),
		CommandID:  cmd.ID,
		DeviceID:   cmd.DeviceID,
		MacroRunID: cmd.MacroRunID,
		Data:       data,
	})
}

func severityFor(status protocol.CommandStatus) protocol.Severity {
	switch status {
	case protocol.StatusSuccess, protocol.StatusCancelled:
		return protocol.SeverityInfo
	case protocol.StatusAgentCrashed:
		return protocol.SeverityCritical
	case protocol.StatusError, protocol.StatusTimeout, protocol.StatusTerminated:
		return protocol.SeverityError
	}
	return protocol.SeverityInfo
}

func slotOf(cmd *store.Command) slot {
	return slot{id: cmd.ID, scope: cmd.ConcurrencyScope, projectKey: cmd.ProjectKey}
}
