// ABOUTME: Startup recovery, reconnect-driven redispatch and result deadlines.
// ABOUTME: Rebuilds admission slots and timers from the store, and reaps lost commands.

package command

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/opsrelay/internal/audit"
	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/store"
)

// listPage is the page size used when scanning open commands.
const listPage = 1000

// Recover rebuilds in-memory state after a restart. Dispatched commands take
// back their admission slots and get a fresh result deadline, held
// confirmations get timers for their remaining window, and retrying commands
// get a fresh retry timer. Pending commands wait for their device to connect.
func (m *Manager) Recover(ctx context.Context) error {
	cmds, err := m.listAll(ctx, store.CommandFilter{
		Statuses: []protocol.CommandStatus{
			protocol.StatusSent,
			protocol.StatusRunning,
			protocol.StatusRetrying,
			protocol.StatusAwaitingConfirm,
		},
	})
	if err != nil {
		return fmt.Errorf("listing open commands: %w", err)
	}

	var held, confirms, retries int
	now := m.now()
	for _, cmd := range cmds {
		switch cmd.Status {
		case protocol.StatusAwaitingConfirm:
			remaining := m.opts.ConfirmTimeout
			if cmd.ConfirmExpiresAt != nil {
				remaining = cmd.ConfirmExpiresAt.Sub(now)
			}
			m.armConfirmTimer(cmd.ID, cmd.ConfirmID, remaining)
			confirms++
		case protocol.StatusRetrying:
			m.admit.hold(cmd.DeviceID, slotOf(cmd))
			id := cmd.ID
			m.afterFunc(m.retryTimers, id, m.opts.RetryBase, func() { m.retryNow(id) })
			retries++
		default:
			m.admit.hold(cmd.DeviceID, slotOf(cmd))
			m.armDeadline(cmd)
			held++
		}
	}

	m.logger.Info("recovered open commands",
		"in_flight", held,
		"awaiting_confirm", confirms,
		"retrying", retries,
	)
	return nil
}

// OnDeviceOnline dispatches commands left pending for deviceID while it was
// offline, oldest first. It does nothing unless RedispatchOnConnect is set.
func (m *Manager) OnDeviceOnline(ctx context.Context, deviceID string) error {
	if !m.opts.RedispatchOnConnect {
		return nil
	}
	cmds, err := m.listAll(ctx, store.CommandFilter{
		DeviceID: deviceID,
		Statuses: []protocol.CommandStatus{protocol.StatusPending, protocol.StatusRetrying},
	})
	if err != nil {
		return fmt.Errorf("listing pending commands: %w", err)
	}

	for _, c := range cmds {
		if m.admit.tracked(deviceID, c.ID) || m.hasTimer(m.retryTimers, c.ID) {
			continue
		}
		var next []string
		err := m.withCommand(ctx, c.ID, func(cmd *store.Command) error {
			if cmd.Status != protocol.StatusPending && cmd.Status != protocol.StatusRetrying {
				return nil
			}
			var err error
			next, _, err = m.enqueueLocked(ctx, cmd)
			return err
		})
		if err != nil {
			m.logger.Warn("redispatch failed", "command_id", c.ID, "error", err)
		}
		m.dispatchAdmitted(ctx, next)
	}
	return nil
}

// listAll reads every command matching f, one page at a time.
func (m *Manager) listAll(ctx context.Context, f store.CommandFilter) ([]*store.Command, error) {
	f.Limit = listPage
	var out []*store.Command
	for {
		page, err := m.store.ListCommands(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < listPage {
			return out, nil
		}
		f.Offset += len(page)
	}
}

// armDeadline starts the result deadline for the attempt cmd just sent.
func (m *Manager) armDeadline(cmd *store.Command) {
	id, attempt := cmd.ID, cmd.AttemptCount
	d := time.Duration(cmd.TimeoutMS)*time.Millisecond + m.opts.DispatchGrace
	m.afterFunc(m.deadlineTimers, id, d, func() { m.expireDispatch(id, attempt) })
}

// expireDispatch finalizes a command whose agent never reported a result for
// attempt, which frees its admission slot for the commands queued behind it.
func (m *Manager) expireDispatch(id string, attempt int) {
	m.clearTimer(m.deadlineTimers, id)
	ctx := m.ctx
	if ctx.Err() != nil {
		return
	}

	var next []string
	err := m.withCommand(ctx, id, func(cmd *store.Command) error {
		switch cmd.Status {
		case protocol.StatusSent, protocol.StatusRunning, protocol.StatusRetrying:
		default:
			return nil
		}
		if cmd.AttemptCount != attempt || m.hasTimer(m.retryTimers, id) {
			return nil
		}

		// The agent may still be alive with the process stuck.
		m.registry.Send(cmd.DeviceID, &protocol.CancelRequest{
			Envelope:  protocol.NewEnvelope(protocol.TypeCancelRequest, protocol.PartyCoordinator, protocol.PartyAgent, cmd.TraceID),
			CommandID: cmd.ID,
			Reason:    "result deadline passed",
		})

		cmd.LastErrorCode = protocol.CodeAgentCrashed
		cmd.LastErrorMessage = fmt.Sprintf("no result for attempt %d within %v of dispatch",
			attempt, time.Duration(cmd.TimeoutMS)*time.Millisecond+m.opts.DispatchGrace)
		m.logger.Warn("result deadline passed",
			"command_id", id,
			"device_id", cmd.DeviceID,
			"attempt", attempt,
		)
		var err error
		next, err = m.finalizeLocked(ctx, cmd, protocol.StatusAgentCrashed, audit.ActionCommandCompleted, "", nil)
		return err
	})
	if err != nil {
		m.logger.Debug("result deadline skipped", "command_id", id, "error", err)
	}
	m.dispatchAdmitted(ctx, next)
}
