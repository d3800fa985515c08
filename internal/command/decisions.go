// ABOUTME: Operator-driven transitions: confirmation, denial, expiry and cancel.
// ABOUTME: Every decision is audited separately.

package command

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/2389/opsrelay/internal/actions"
	"github.com/2389/opsrelay/internal/audit"
	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/store"
)

// Decision answers a confirmation request.
type Decision struct {
	CommandID string `json:"command_id"`
	// ConfirmID must match the outstanding request when set.
	ConfirmID string `json:"confirm_id"`
	Approved  bool   `json:"approved"`
	By        string `json:"by"`
	Reason    string `json:"reason,omitempty"`
}

// requestConfirmLocked holds cmd in awaiting_confirm and publishes the
// confirmation request.
func (m *Manager) requestConfirmLocked(ctx context.Context, cmd *store.Command, timeout time.Duration, spec actions.Spec) error {
	expires := m.now().UTC().Add(timeout)
	cmd.ConfirmID = uuid.New().String()
	cmd.ConfirmExpiresAt = &expires
	cmd.Status = protocol.StatusAwaitingConfirm
	if err := m.store.UpdateCommand(ctx, cmd); err != nil {
		return err
	}

	req := &protocol.ConfirmRequest{
		Envelope:  protocol.NewEnvelope(protocol.TypeConfirmRequest, protocol.PartyCoordinator, protocol.PartyClient, cmd.TraceID),
		CommandID: cmd.ID,
		ConfirmID: cmd.ConfirmID,
		Action:    cmd.Action,
		Params:    cmd.Params,
		RiskLevel: spec.Risk,
		Summary:   fmt.Sprintf("%s on %s", cmd.Action, cmd.DeviceID),
		ExpiresAt: expires,
	}
	m.logger.Info("confirmation requested",
		"command_id", cmd.ID,
		"confirm_id", cmd.ConfirmID,
		"risk", spec.Risk,
		"expires_at", expires,
	)
	m.notify(protocol.EventConfirmRequest, protocol.SeverityWarning, cmd, map[string]any{
		"confirm_id": req.ConfirmID,
		"action":     req.Action,
		"params":     req.Params,
		"risk_level": string(req.RiskLevel),
		"summary":    req.Summary,
		"expires_at": req.ExpiresAt,
		"trace_id":   req.TraceID,
	})

	m.armConfirmTimer(cmd.ID, cmd.ConfirmID, timeout)
	return nil
}

func (m *Manager) armConfirmTimer(id, confirmID string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.afterFunc(m.confirmTimers, id, d, func() { m.expireConfirm(id, confirmID) })
}

// Confirm approves or denies a command held in awaiting_confirm. Approval
// queues it for dispatch; denial finalizes it as cancelled.
func (m *Manager) Confirm(ctx context.Context, d Decision) (*store.Command, error) {
	return m.confirm(ctx, d, nil)
}

// confirm applies d. A non-nil check runs first against the held command.
func (m *Manager) confirm(ctx context.Context, d Decision, check func(cmd *store.Command) error) (*store.Command, error) {
	var next []string
	err := m.withCommand(ctx, d.CommandID, func(cmd *store.Command) error {
		if check != nil {
			if err := check(cmd); err != nil {
				return err
			}
		}
		if cmd.Status != protocol.StatusAwaitingConfirm {
			return fmt.Errorf("%w: %s is %s", ErrNotAwaitingConfirm, cmd.ID, cmd.Status)
		}
		if d.ConfirmID != "" && d.ConfirmID != cmd.ConfirmID {
			return ErrConfirmMismatch
		}

		m.stopTimers(cmd.ID)
		now := m.now().UTC()
		cmd.ConfirmedBy = d.By
		cmd.ConfirmedAt = &now

		if !d.Approved {
			cmd.LastErrorCode = protocol.CodeConfirmDenied
			cmd.LastErrorMessage = d.Reason
			m.logger.Info("command denied", "command_id", cmd.ID, "by", d.By)
			var err error
			next, err = m.finalizeLocked(ctx, cmd, protocol.StatusCancelled, audit.ActionCommandDenied, "", nil)
			return err
		}

		cmd.Status = protocol.StatusPending
		if err := m.store.UpdateCommand(ctx, cmd); err != nil {
			return err
		}
		m.logger.Info("command confirmed", "command_id", cmd.ID, "by", d.By)
		m.record(ctx, cmd, audit.ActionCommandConfirmed, "approved", "", nil)

		var err error
		next, _, err = m.enqueueLocked(ctx, cmd)
		return err
	})
	m.dispatchAdmitted(ctx, next)
	if err != nil {
		return nil, err
	}
	return m.store.GetCommand(ctx, d.CommandID)
}

// HandleConfirmResponse applies a confirm_response received from a device.
// Only devices listed in ConfirmDevices may answer, and never for a command
// that targets themselves.
func (m *Manager) HandleConfirmResponse(ctx context.Context, deviceID string, resp *protocol.ConfirmResponse) error {
	if deviceID == "" || !slices.Contains(m.opts.ConfirmDevices, deviceID) {
		m.logger.Warn("confirm_response from unauthorized device",
			"command_id", resp.CommandID,
			"device_id", deviceID,
		)
		return fmt.Errorf("%w: %q", ErrNotApprover, deviceID)
	}
	_, err := m.confirm(ctx, Decision{
		CommandID: resp.CommandID,
		ConfirmID: resp.ConfirmID,
		Approved:  resp.Approved,
		By:        "device:" + deviceID,
		Reason:    resp.Reason,
	}, func(cmd *store.Command) error {
		if cmd.DeviceID == deviceID {
			return fmt.Errorf("%w: %s targets %s", ErrSelfConfirm, cmd.ID, deviceID)
		}
		return nil
	})
	return err
}

func (m *Manager) expireConfirm(id, confirmID string) {
	m.clearTimer(m.confirmTimers, id)
	ctx := m.ctx
	if ctx.Err() != nil {
		return
	}

	var next []string
	err := m.withCommand(ctx, id, func(cmd *store.Command) error {
		if cmd.Status != protocol.StatusAwaitingConfirm || cmd.ConfirmID != confirmID {
			return nil
		}
		cmd.LastErrorCode = protocol.CodeConfirmTimeout
		cmd.LastErrorMessage = "confirmation window expired"
		m.logger.Warn("confirmation expired", "command_id", id, "confirm_id", confirmID)
		var err error
		next, err = m.finalizeLocked(ctx, cmd, protocol.StatusCancelled, audit.ActionCommandCancelled, "", nil)
		return err
	})
	if err != nil {
		m.logger.Debug("confirm expiry skipped", "command_id", id, "error", err)
	}
	m.dispatchAdmitted(ctx, next)
}

// Cancel finalizes a command as cancelled. A command that may be executing
// also gets a cancel_request sent to its agent.
func (m *Manager) Cancel(ctx context.Context, id, by, reason string) (*store.Command, error) {
	var next []string
	err := m.withCommand(ctx, id, func(cmd *store.Command) error {
		switch cmd.Status {
		case protocol.StatusSent, protocol.StatusRunning, protocol.StatusRetrying:
			delivered := m.registry.Send(cmd.DeviceID, &protocol.CancelRequest{
				Envelope:  protocol.NewEnvelope(protocol.TypeCancelRequest, protocol.PartyCoordinator, protocol.PartyAgent, cmd.TraceID),
				CommandID: cmd.ID,
				Reason:    reason,
			})
			if !delivered {
				m.logger.Warn("cancel_request not delivered", "command_id", cmd.ID, "device_id", cmd.DeviceID)
			}
		}

		cmd.LastErrorCode = protocol.CodeCancelled
		cmd.LastErrorMessage = reason
		if by != "" {
			m.logger.Info("command cancelled", "command_id", cmd.ID, "by", by)
		}
		var err error
		next, err = m.finalizeLocked(ctx, cmd, protocol.StatusCancelled, audit.ActionCommandCancelled, "", nil)
		return err
	})
	m.dispatchAdmitted(ctx, next)
	if err != nil {
		return nil, err
	}
	return m.store.GetCommand(ctx, id)
}
