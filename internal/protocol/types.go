// ABOUTME: Enumerations shared by coordinator and agent: parties, message types, statuses.
// ABOUTME: Includes helpers for classifying final command states.

package protocol

// Version is the protocol_version every envelope must carry.
const Version = "2.0"

// Party identifies a message endpoint.
type Party string

const (
	PartyCoordinator Party = "coordinator"
	PartyAgent       Party = "agent"
	PartyClient      Party = "client"
)

// Valid reports whether p is a known party.
func (p Party) Valid() bool {
	switch p {
	case PartyCoordinator, PartyAgent, PartyClient:
		return true
	}
	return false
}

// MessageType is the discriminator in the envelope's "type" field.
type MessageType string

const (
	TypeCommand         MessageType = "command"
	TypeProgress        MessageType = "progress"
	TypeResult          MessageType = "result"
	TypeEvent           MessageType = "event"
	TypeConfirmRequest  MessageType = "confirm_request"
	TypeConfirmResponse MessageType = "confirm_response"
	TypeCancelRequest   MessageType = "cancel_request"
	TypeCancelResult    MessageType = "cancel_result"

	// Sideband frames.
	TypeHeartbeat    MessageType = "heartbeat"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeError        MessageType = "error"
)

// CommandStatus is the lifecycle state of a command.
type CommandStatus string

const (
	StatusPending         CommandStatus = "pending"
	StatusSent            CommandStatus = "sent"
	StatusRunning         CommandStatus = "running"
	StatusAwaitingConfirm CommandStatus = "awaiting_confirm"
	StatusRetrying        CommandStatus = "retrying"
	StatusSuccess         CommandStatus = "success"
	StatusError           CommandStatus = "error"
	StatusTimeout         CommandStatus = "timeout"
	StatusCancelled       CommandStatus = "cancelled"
	StatusTerminated      CommandStatus = "terminated"
	StatusAgentCrashed    CommandStatus = "agent_crashed"
)

// IsFinal reports whether the status can no longer change.
func (s CommandStatus) IsFinal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusCancelled, StatusTerminated, StatusAgentCrashed:
		return true
	}
	return false
}

// Valid reports whether s is a known command status.
func (s CommandStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusRunning, StatusAwaitingConfirm, StatusRetrying:
		return true
	}
	return s.IsFinal()
}

// ProgressStatus is the status snapshot an agent reports in a progress message.
type ProgressStatus string

const (
	ProgressQueued          ProgressStatus = "queued"
	ProgressSent            ProgressStatus = "sent"
	ProgressRunning         ProgressStatus = "running"
	ProgressRetrying        ProgressStatus = "retrying"
	ProgressAwaitingConfirm ProgressStatus = "awaiting_confirm"
	ProgressCancelling      ProgressStatus = "cancelling"
)

func (s ProgressStatus) valid() bool {
	switch s {
	case ProgressQueued, ProgressSent, ProgressRunning, ProgressRetrying, ProgressAwaitingConfirm, ProgressCancelling:
		return true
	}
	return false
}

// ResultStatus is the terminal status an agent reports in a result message.
type ResultStatus = CommandStatus

// CancelStatus is the outcome of a cancel_request.
type CancelStatus string

const (
	CancelCancelled       CancelStatus = "cancelled"
	CancelNotFound        CancelStatus = "not_found"
	CancelAlreadyFinished CancelStatus = "already_finished"
	CancelDenied          CancelStatus = "denied"
)

func (s CancelStatus) valid() bool {
	switch s {
	case CancelCancelled, CancelNotFound, CancelAlreadyFinished, CancelDenied:
		return true
	}
	return false
}

// ConfirmPolicy decides whether a command waits for human confirmation.
type ConfirmPolicy string

const (
	ConfirmNever      ConfirmPolicy = "never"
	ConfirmOnMutation ConfirmPolicy = "on_mutation"
	ConfirmAlways     ConfirmPolicy = "always"
)

// Valid reports whether p is a known policy.
func (p ConfirmPolicy) Valid() bool {
	switch p {
	case ConfirmNever, ConfirmOnMutation, ConfirmAlways:
		return true
	}
	return false
}

// ConcurrencyScope is the exclusivity domain a command must respect.
type ConcurrencyScope string

const (
	ScopeNone    ConcurrencyScope = "none"
	ScopeProject ConcurrencyScope = "project"
	ScopeGlobal  ConcurrencyScope = "global"
)

// Valid reports whether s is a known scope.
func (s ConcurrencyScope) Valid() bool {
	switch s {
	case ScopeNone, ScopeProject, ScopeGlobal:
		return true
	}
	return false
}

// RiskLevel grades a confirmation request.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Event names published by agents and the coordinator.
const (
	EventAgentOnline      = "agent_online"
	EventAgentOffline     = "agent_offline"
	EventHeartbeatTimeout = "heartbeat_timeout"
	EventProcessCrashed   = "process_crashed"
	EventCommandQueued    = "command_queued"
	EventCommandRetrying  = "command_retrying"
	EventCommandProgress  = "command_progress"
	EventCommandResult    = "command_result"
	EventConfirmRequest   = "confirm_request"
	EventCancelResult     = "cancel_result"
	EventMacroRunFinished = "macro_run_finished"
	EventKeyDisplaced     = "connection_displaced"
)

// Error codes carried by results.
const (
	CodeUnknownAction    = "UNKNOWN_ACTION"
	CodeNotImplemented   = "NOT_IMPLEMENTED"
	CodeMissingParam     = "MISSING_PARAM"
	CodeTimeout          = "TIMEOUT"
	CodeCancelled        = "CANCELLED"
	CodeNonZeroExit      = "NON_ZERO_EXIT"
	CodeExecutionError   = "EXECUTION_ERROR"
	CodeSpawnError       = "SPAWN_ERROR"
	CodeReadonly         = "READONLY_MODE"
	CodeGitError         = "GIT_ERROR"
	CodeGitAddFailed     = "GIT_ADD_FAILED"
	CodeReadError        = "READ_ERROR"
	CodeWriteError       = "WRITE_ERROR"
	CodeKillFailed       = "KILL_FAILED"
	CodeProcessListError = "PROCESS_LIST_ERROR"
	CodePathDenied       = "PATH_DENIED"
	CodeAgentOffline     = "AGENT_OFFLINE"
	CodeAgentCrashed     = "AGENT_CRASHED"
	CodeConfirmTimeout   = "CONFIRM_TIMEOUT"
	CodeConfirmDenied    = "CONFIRM_DENIED"
)
