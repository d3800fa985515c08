// Package command implements the coordinator's command lifecycle.
//
// # Overview
//
// The Manager owns every state change of a Command after it is created:
//
//	mgr := command.NewManager(command.Deps{...}, command.DefaultOptions())
//
// Key operations:
//
//   - Create(ctx, req): persist a command, deduplicated by
//     (session_id, idempotency_key), then confirm, queue or dispatch it
//   - Confirm(ctx, decision): approve or deny a command held for confirmation
//   - Cancel(ctx, id, by, reason): finalize a command as cancelled
//   - Status(ctx, id): read the current state
//   - HandleProgress / HandleResult / HandleCancelResult: apply agent messages
//
// # States
//
//	pending ──dispatch──▶ sent ──running──▶ running
//	pending ──needs confirm──▶ awaiting_confirm ──approved──▶ sent
//	awaiting_confirm ──denied──▶ cancelled
//	running ──retrying──▶ retrying ──running──▶ running
//	{sent, running, retrying, awaiting_confirm} ──result──▶ final
//	{sent, running, retrying} ──no result by deadline──▶ agent_crashed
//	any non-final ──cancel──▶ cancelled
//
// Final states are success, error, timeout, cancelled, terminated and
// agent_crashed. Any mutation of a final command fails with
// ErrConflictFinalState and leaves the stored row untouched.
//
// # Serialization
//
// Every mutation of one command runs under a lock keyed by its id, so
// concurrent progress and result deliveries cannot lose updates. Commands
// queued behind a concurrency scope are dispatched only after the lock of the
// command that freed the slot has been released.
//
// # Concurrency scope
//
// Admission is tracked per target device. Scope none is never held back.
// Scope project admits one in-flight command per project key. Scope global
// admits a command only when nothing scoped is in flight on the device, and a
// waiting global command holds back later scoped commands until it runs.
//
// Exclusivity never crosses devices: a global command on one device does not
// wait for scoped commands on another, and the same project key on two
// devices is two independent slots.
//
// # Lost commands
//
// Every dispatch arms a deadline of the command's timeout plus
// Options.DispatchGrace. A result must arrive for that attempt before it
// fires; otherwise the command is finalized as agent_crashed and its slot is
// released. Results carry the attempt they answer, and a result for any
// other attempt is dropped with ErrStaleResult.
package command
