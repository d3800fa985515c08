// ABOUTME: Macro run execution: expands a stored step list into commands.
// ABOUTME: Steps are created in order; the first failure halts the run.

// Package macro runs stored macros as sequences of commands.
package macro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/opsrelay/internal/audit"
	"github.com/2389/opsrelay/internal/command"
	"github.com/2389/opsrelay/internal/events"
	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/store"
)

// ErrInvalidRequest is returned when a run request is incomplete.
var ErrInvalidRequest = errors.New("invalid macro run request")

// Definitions loads macro step lists.
type Definitions interface {
	GetMacro(ctx context.Context, id string) (*store.Macro, error)
}

// Runs persists macro run state.
type Runs interface {
	CreateMacroRun(ctx context.Context, run *store.MacroRun) error
	UpdateMacroRun(ctx context.Context, run *store.MacroRun) error
	GetMacroRun(ctx context.Context, id string) (*store.MacroRun, error)
}

// Commands creates commands.
type Commands interface {
	Create(ctx context.Context, req command.CreateRequest) (*command.CreateResult, error)
}

// RunRequest starts a macro run.
type RunRequest struct {
	MacroID   string         `json:"macro_id"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	DeviceID  string         `json:"device_id"`
	Params    map[string]any `json:"params,omitempty"`
}

// Runner executes macro runs.
type Runner struct {
	defs     Definitions
	runs     Runs
	commands Commands
	audit    command.Auditor
	sink     events.Sink
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(defs Definitions, runs Runs, commands Commands, auditor command.Auditor, sink events.Sink, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &Runner{
		defs:     defs,
		runs:     runs,
		commands: commands,
		audit:    auditor,
		sink:     sink,
		logger:   logger.With("component", "macro"),
	}
}

// Start records a running macro run and executes its steps in the
// background. The returned run is in status running.
func (r *Runner) Start(ctx context.Context, req RunRequest) (*store.MacroRun, error) {
	macro, run, err := r.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	snapshot := *run
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(context.WithoutCancel(ctx), macro, run, req)
	}()
	return &snapshot, nil
}

// Run executes a macro run to completion and returns its final state.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*store.MacroRun, error) {
	macro, run, err := r.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	r.execute(ctx, macro, run, req)
	return run, nil
}

// Wait blocks until every background run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Status returns a macro run.
func (r *Runner) Status(ctx context.Context, runID string) (*store.MacroRun, error) {
	return r.runs.GetMacroRun(ctx, runID)
}

func (r *Runner) begin(ctx context.Context, req RunRequest) (*store.Macro, *store.MacroRun, error) {
	if req.MacroID == "" || req.SessionID == "" || req.DeviceID == "" {
		return nil, nil, fmt.Errorf("%w: macro_id, session_id and device_id are required", ErrInvalidRequest)
	}
	macro, err := r.defs.GetMacro(ctx, req.MacroID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading macro %s: %w", req.MacroID, err)
	}

	run := &store.MacroRun{
		ID:         uuid.New().String(),
		MacroID:    macro.ID,
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		DeviceID:   req.DeviceID,
		Status:     store.MacroRunRunning,
		TotalSteps: len(macro.Steps),
		StartedAt:  time.Now().UTC(),
	}
	if err := r.runs.CreateMacroRun(ctx, run); err != nil {
		return nil, nil, err
	}

	r.logger.Info("macro run started", "run_id", run.ID, "macro_id", macro.ID, "steps", run.TotalSteps)
	r.record(ctx, run, audit.ActionMacroRunStarted, string(run.Status))
	return macro, run, nil
}

// execute creates one command per step, sharing the run's idempotency
// namespace so a resubmitted step resolves to the same command.
func (r *Runner) execute(ctx context.Context, macro *store.Macro, run *store.MacroRun, req RunRequest) {
	for i, step := range macro.Steps {
		cmdID, err := r.submit(ctx, run, req, i, step)
		if err != nil {
			r.finish(ctx, run, store.MacroRunError, fmt.Sprintf("Failed at step %d: %v", i, err))
			return
		}
		run.CommandIDs = append(run.CommandIDs, cmdID)
		run.CurrentStep = i + 1
		if err := r.runs.UpdateMacroRun(ctx, run); err != nil {
			r.logger.Error("updating macro run", "run_id", run.ID, "error", err)
		}
	}
	r.finish(ctx, run, store.MacroRunSuccess, fmt.Sprintf("All %d steps queued", len(macro.Steps)))
}

func (r *Runner) submit(ctx context.Context, run *store.MacroRun, req RunRequest, i int, step store.MacroStep) (string, error) {
	params := maps.Clone(step.Params)
	if params == nil {
		params = make(map[string]any, len(req.Params))
	}
	maps.Copy(params, req.Params)

	res, err := r.commands.Create(ctx, command.CreateRequest{
		SessionID:        run.SessionID,
		UserID:           run.UserID,
		DeviceID:         run.DeviceID,
		Action:           step.Action,
		Params:           params,
		TimeoutMS:        step.TimeoutMS,
		IdempotencyKey:   StepKey(run.ID, i),
		ConfirmPolicy:    step.ConfirmPolicy,
		ConcurrencyScope: step.ConcurrencyScope,
		ProjectKey:       step.ProjectKey,
		MaxRetries:       step.MaxRetries,
		MacroRunID:       run.ID,
	})
	if err != nil {
		return "", err
	}
	cmd := res.Command
	if cmd.Status.IsFinal() && cmd.Status != protocol.StatusSuccess {
		return cmd.ID, fmt.Errorf("%s: %s", cmd.LastErrorCode, cmd.LastErrorMessage)
	}
	return cmd.ID, nil
}

// StepKey is the idempotency key of step i of a run.
func StepKey(runID string, i int) string {
	return fmt.Sprintf("macro-%s-step-%d", runID, i)
}

func (r *Runner) finish(ctx context.Context, run *store.MacroRun, status store.MacroRunStatus, summary string) {
	now := time.Now().UTC()
	run.Status = status
	run.Summary = summary
	run.CompletedAt = &now
	if err := r.runs.UpdateMacroRun(ctx, run); err != nil {
		r.logger.Error("finishing macro run", "run_id", run.ID, "error", err)
	}

	r.logger.Info("macro run finished", "run_id", run.ID, "status", status, "summary", summary)
	r.record(ctx, run, audit.ActionMacroRunFinished, string(status))

	severity := protocol.SeverityInfo
	if status != store.MacroRunSuccess {
		severity = protocol.SeverityError
	}
	r.sink.Publish(events.Notification{
		Name:       protocol.EventMacroRunFinished,
		Severity:   string(severity),
		DeviceID:   run.DeviceID,
		MacroRunID: run.ID,
		Data: map[string]any{
			"macro_id":    run.MacroID,
			"status":      string(status),
			"summary":     summary,
			"command_ids": run.CommandIDs,
		},
	})
}

func (r *Runner) record(ctx context.Context, run *store.MacroRun, action, result string) {
	if r.audit == nil {
		return
	}
	_, err := r.audit.Append(ctx, &store.AuditEntry{
		Action:    action,
		UserID:    run.UserID,
		SessionID: run.SessionID,
		DeviceID:  run.DeviceID,
		Result:    result,
	})
	if err != nil {
		r.logger.Error("audit append failed", "run_id", run.ID, "action", action, "error", err)
	}
}
