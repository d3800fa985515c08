// ABOUTME: Applies progress, result and cancel_result messages from agents.
// ABOUTME: Schedules retries for retryable failures within the retry budget.

package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/opsrelay/internal/audit"
	"github.com/2389/opsrelay/internal/backoff"
	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/store"
)

// progressTransitions lists, per current command status, the progress
// statuses that move it and where to. Anything else is recorded but leaves
// the status alone.
var progressTransitions = map[protocol.CommandStatus]map[protocol.ProgressStatus]protocol.CommandStatus{
	protocol.StatusSent: {
		protocol.ProgressRunning: protocol.StatusRunning,
	},
	protocol.StatusRunning: {
		protocol.ProgressRetrying: protocol.StatusRetrying,
	},
	protocol.StatusRetrying: {
		protocol.ProgressRunning: protocol.StatusRunning,
	},
}

// nonRetryable error codes describe caller mistakes or refusals that another
// attempt cannot fix.
var nonRetryable = map[string]bool{
	protocol.CodeUnknownAction:  true,
	protocol.CodeNotImplemented: true,
	protocol.CodeMissingParam:   true,
	protocol.CodeReadonly:       true,
	protocol.CodeCancelled:      true,
	protocol.CodePathDenied:     true,
}

// HandleProgress records a progress entry and applies its status.
func (m *Manager) HandleProgress(ctx context.Context, deviceID string, p *protocol.Progress) error {
	return m.withCommand(ctx, p.CommandID, func(cmd *store.Command) error {
		if err := checkDevice(cmd, deviceID); err != nil {
			return err
		}

		entry := &store.ProgressEntry{
			CommandID:   cmd.ID,
			Status:      p.Status,
			Step:        p.Step,
			TotalSteps:  p.TotalSteps,
			Percent:     p.Percent,
			Message:     p.Message,
			OutputChunk: p.OutputChunk,
			ChunkIndex:  p.ChunkIndex,
			ChunkFinal:  p.ChunkFinal,
		}
		if err := m.store.AppendProgress(ctx, entry); err != nil {
			return err
		}

		next, ok := progressTransitions[cmd.Status][p.Status]
		// A retry still waiting on its timer has not reached the agent, so
		// running progress belongs to the previous attempt.
		if ok && cmd.Status == protocol.StatusRetrying && m.hasTimer(m.retryTimers, cmd.ID) {
			ok = false
		}
		if ok {
			cmd.Status = next
			if next == protocol.StatusRunning && cmd.StartedAt == nil {
				now := m.now().UTC()
				cmd.StartedAt = &now
			}
			if err := m.store.UpdateCommand(ctx, cmd); err != nil {
				return err
			}
		}

		data := map[string]any{
			"seq":    entry.Seq,
			"status": string(p.Status),
		}
		if p.Message != "" {
			data["message"] = p.Message
		}
		if p.Percent != nil {
			data["percent"] = *p.Percent
		}
		if p.ChunkIndex != nil {
			data["chunk_index"] = *p.ChunkIndex
			data["chunk_final"] = p.ChunkFinal
			data["output_chunk"] = p.OutputChunk
		}
		m.notify(protocol.EventCommandProgress, protocol.SeverityInfo, cmd, data)
		return nil
	})
}

// HandleResult applies a terminal result. Retryable failures within the
// retry budget schedule another attempt instead of finalizing. A result for
// any attempt but the one last dispatched is dropped with ErrStaleResult.
func (m *Manager) HandleResult(ctx context.Context, deviceID string, res *protocol.Result) error {
	if !res.Status.IsFinal() {
		return fmt.Errorf("%w: result status %q is not final", ErrInvalidRequest, res.Status)
	}

	var next []string
	err := m.withCommand(ctx, res.CommandID, func(cmd *store.Command) error {
		if err := checkDevice(cmd, deviceID); err != nil {
			return err
		}
		if res.Attempt != cmd.AttemptCount || (cmd.Status == protocol.StatusRetrying && m.hasTimer(m.retryTimers, cmd.ID)) {
			m.logger.Warn("dropping stale result",
				"command_id", cmd.ID,
				"result_attempt", res.Attempt,
				"attempt", cmd.AttemptCount,
				"status", cmd.Status,
			)
			return fmt.Errorf("%w: %s attempt %d, current %d", ErrStaleResult, cmd.ID, res.Attempt, cmd.AttemptCount)
		}

		cmd.ExitCode = res.ExitCode
		cmd.OutputPreview = clip(res.OutputPreview, m.opts.PreviewSize)
		cmd.OutputBytes = res.OutputBytes
		cmd.OutputTruncated = res.OutputTruncated
		cmd.OutputHash = res.OutputHash
		cmd.ArtifactManifest = res.Artifacts
		cmd.LastErrorCode = res.ErrorCode
		cmd.LastErrorMessage = res.ErrorMessage

		if retryable(res) && cmd.AttemptCount < cmd.MaxRetries {
			return m.scheduleRetryLocked(ctx, cmd)
		}

		duration := res.DurationMS
		var err error
		next, err = m.finalizeLocked(ctx, cmd, res.Status, audit.ActionCommandCompleted, res.OutputHash, &duration)
		return err
	})
	m.dispatchAdmitted(ctx, next)
	return err
}

func retryable(res *protocol.Result) bool {
	if res.Status != protocol.StatusError && res.Status != protocol.StatusTimeout {
		return false
	}
	return !nonRetryable[res.ErrorCode]
}

// scheduleRetryLocked moves cmd to retrying and arms the backoff timer. The
// command keeps its admission slot while it waits.
func (m *Manager) scheduleRetryLocked(ctx context.Context, cmd *store.Command) error {
	delay := backoff.Delay(cmd.AttemptCount, m.opts.RetryBase, m.opts.RetryMax)
	m.stopTimer(m.deadlineTimers, cmd.ID)
	cmd.AttemptCount++
	cmd.Status = protocol.StatusRetrying
	if err := m.store.UpdateCommand(ctx, cmd); err != nil {
		return err
	}

	m.logger.Info("command retry scheduled",
		"command_id", cmd.ID,
		"attempt", cmd.AttemptCount,
		"max_retries", cmd.MaxRetries,
		"delay", delay,
		"error_code", cmd.LastErrorCode,
	)
	m.record(ctx, cmd, audit.ActionCommandRetried, cmd.LastErrorCode, "", nil)
	m.notify(protocol.EventCommandRetrying, protocol.SeverityWarning, cmd, map[string]any{
		"attempt":    cmd.AttemptCount,
		"delay_ms":   delay.Milliseconds(),
		"error_code": cmd.LastErrorCode,
	})

	id := cmd.ID
	m.afterFunc(m.retryTimers, id, delay, func() { m.retryNow(id) })
	return nil
}

func (m *Manager) retryNow(id string) {
	m.clearTimer(m.retryTimers, id)
	ctx := m.ctx
	if ctx.Err() != nil {
		return
	}

	var next []string
	err := m.withCommand(ctx, id, func(cmd *store.Command) error {
		if cmd.Status != protocol.StatusRetrying {
			return nil
		}
		if !m.admit.inflight(cmd.DeviceID, cmd.ID) {
			var err error
			next, _, err = m.enqueueLocked(ctx, cmd)
			return err
		}
		var err error
		next, _, err = m.dispatchLocked(ctx, cmd)
		return err
	})
	if err != nil {
		m.logger.Debug("retry skipped", "command_id", id, "error", err)
	}
	m.dispatchAdmitted(ctx, next)
}

// HandleCancelResult publishes the agent's answer to a cancel_request. The
// command was already finalized when the cancel was issued.
func (m *Manager) HandleCancelResult(ctx context.Context, deviceID string, cr *protocol.CancelResult) error {
	cmd, err := m.store.GetCommand(ctx, cr.CommandID)
	if err != nil {
		return err
	}
	if err := checkDevice(cmd, deviceID); err != nil {
		return err
	}
	m.logger.Info("cancel result",
		"command_id", cr.CommandID,
		"device_id", deviceID,
		"status", cr.Status,
	)
	m.notify(protocol.EventCancelResult, protocol.SeverityInfo, cmd, map[string]any{
		"status":  string(cr.Status),
		"message": cr.Message,
	})
	return nil
}

func checkDevice(cmd *store.Command, deviceID string) error {
	if deviceID != "" && cmd.DeviceID != deviceID {
		return fmt.Errorf("%w: command %s belongs to %s, not %s", ErrDeviceMismatch, cmd.ID, cmd.DeviceID, deviceID)
	}
	return nil
}

// clip returns at most n bytes of s without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
