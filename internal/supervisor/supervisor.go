// ABOUTME: Process table for the agent: spawn with timeout, kill, kill-all, lookup.
// ABOUTME: Every table access is serialized; each spawn yields exactly one Outcome.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMaxOutput is the per-stream output cap in bytes.
	DefaultMaxOutput = 512_000

	// TruncationMarker is appended to captured output that hit the cap.
	TruncationMarker = "\n... [output truncated at 512KB]"

	// pipeGrace bounds how long Wait lingers on pipes held open by orphaned
	// grandchildren after the main process is gone.
	pipeGrace = 2 * time.Second
)

// ErrAlreadyRunning is returned when a command id already has a live process.
var ErrAlreadyRunning = errors.New("command already has a running process")

// SpawnError reports a process that could not be started.
type SpawnError struct {
	CommandID string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning process for %s: %v", e.CommandID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// KillReason records why a process was killed.
type KillReason string

const (
	ReasonTimeout   KillReason = "timeout"
	ReasonCancelled KillReason = "cancelled"
	ReasonShutdown  KillReason = "shutdown"
)

// Spec describes a process to run.
type Spec struct {
	CommandID string
	Path      string
	Args      []string
	Dir       string
	Env       []string // nil inherits the agent's environment
	Timeout   time.Duration
	MaxOutput int // per stream; zero means DefaultMaxOutput

	// OnStdout and OnStderr receive output as it arrives. The slice is only
	// valid for the duration of the call.
	OnStdout func(p []byte)
	OnStderr func(p []byte)
}

// Outcome is the terminal result of one spawn.
type Outcome struct {
	// ExitCode is nil when the process was killed or died from a signal.
	ExitCode        *int
	Killed          bool
	Reason          KillReason
	Signaled        bool
	StdoutTruncated bool
	StderrTruncated bool
	StdoutBytes     int64
	StderrBytes     int64
	Duration        time.Duration
}

// Truncated reports whether either stream hit its cap.
func (o Outcome) Truncated() bool {
	return o.StdoutTruncated || o.StderrTruncated
}

// Info describes a tracked process.
type Info struct {
	CommandID string
	PID       int
	StartedAt time.Time
}

type managed struct {
	commandID string
	cmd       *exec.Cmd
	startedAt time.Time
	killed    bool
	reason    KillReason
}

// Supervisor owns the agent's process table.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*managed
	logger *slog.Logger
}

// New creates an empty supervisor.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		procs:  make(map[string]*managed),
		logger: logger.With("component", "supervisor"),
	}
}

// Spawn starts the process and blocks until it exits. Cancelling ctx kills
// the process with ReasonCancelled. The returned error is non-nil only when
// the process never started.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (Outcome, error) {
	if spec.CommandID == "" {
		return Outcome{}, &SpawnError{Err: errors.New("command id is required")}
	}
	limit := spec.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.WaitDelay = pipeGrace
	setProcessGroup(cmd)

	stdout := &cappedWriter{limit: limit, onChunk: spec.OnStdout}
	stderr := &cappedWriter{limit: limit, onChunk: spec.OnStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	m := &managed{commandID: spec.CommandID, cmd: cmd}

	s.mu.Lock()
	if _, exists := s.procs[spec.CommandID]; exists {
		s.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, spec.CommandID)
	}
	m.startedAt = time.Now()
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return Outcome{}, &SpawnError{CommandID: spec.CommandID, Err: err}
	}
	s.procs[spec.CommandID] = m
	s.mu.Unlock()

	s.logger.Debug("process started",
		"command_id", spec.CommandID,
		"pid", cmd.Process.Pid,
		"path", spec.Path,
		"timeout", spec.Timeout,
	)

	var timer *time.Timer
	if spec.Timeout > 0 {
		timer = time.AfterFunc(spec.Timeout, func() {
			s.kill(spec.CommandID, ReasonTimeout)
		})
	}

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.kill(spec.CommandID, ReasonCancelled)
		case <-stopWatch:
		}
	}()

	waitErr := cmd.Wait()
	close(stopWatch)
	if timer != nil {
		timer.Stop()
	}

	s.mu.Lock()
	if s.procs[spec.CommandID] == m {
		delete(s.procs, spec.CommandID)
	}
	killed, reason := m.killed, m.reason
	s.mu.Unlock()

	out := Outcome{
		Killed:          killed,
		Reason:          reason,
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		StdoutBytes:     stdout.total,
		StderrBytes:     stderr.total,
		Duration:        time.Since(m.startedAt),
	}

	var exitErr *exec.ExitError
	switch {
	case killed:
	case waitErr == nil || errors.As(waitErr, &exitErr) || errors.Is(waitErr, exec.ErrWaitDelay):
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			out.ExitCode = &code
		} else {
			out.Signaled = true
		}
	default:
		s.logger.Warn("waiting for process failed", "command_id", spec.CommandID, "error", waitErr)
		if cmd.ProcessState != nil {
			if code := cmd.ProcessState.ExitCode(); code >= 0 {
				out.ExitCode = &code
			}
		}
	}

	s.logger.Debug("process exited",
		"command_id", spec.CommandID,
		"killed", out.Killed,
		"reason", out.Reason,
		"duration", out.Duration,
	)
	return out, nil
}

// Kill terminates the process tree for commandID. It returns false when the
// id is not tracked or a kill is already under way.
func (s *Supervisor) Kill(commandID string) bool {
	return s.kill(commandID, ReasonCancelled)
}

func (s *Supervisor) kill(commandID string, reason KillReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.procs[commandID]
	if !ok || m.killed {
		return false
	}
	m.killed = true
	m.reason = reason

	if err := killTree(m.cmd.Process); err != nil {
		s.logger.Warn("kill failed", "command_id", commandID, "reason", reason, "error", err)
	} else {
		s.logger.Info("process killed", "command_id", commandID, "reason", reason)
	}
	return true
}

// KillAll terminates every tracked process and returns how many kills were
// issued. Individual failures are logged and skipped.
func (s *Supervisor) KillAll() int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if s.kill(id, ReasonShutdown) {
			n++
		}
	}
	return n
}

// IsRunning reports whether commandID has a tracked process.
func (s *Supervisor) IsRunning(commandID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[commandID]
	return ok
}

// Running returns the number of tracked processes.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// List returns the tracked processes ordered by start time.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.procs))
	for _, m := range s.procs {
		out = append(out, Info{CommandID: m.commandID, PID: m.cmd.Process.Pid, StartedAt: m.startedAt})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// cappedWriter forwards at most limit bytes to onChunk and counts the rest.
// os/exec drives each stream from a single goroutine.
type cappedWriter struct {
	limit     int
	written   int
	total     int64
	truncated bool
	onChunk   func([]byte)
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	w.total += int64(len(p))
	room := w.limit - w.written
	if room <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return len(p), nil
	}
	chunk := p
	if len(chunk) > room {
		chunk = chunk[:room]
		w.truncated = true
	}
	w.written += len(chunk)
	if w.onChunk != nil && len(chunk) > 0 {
		w.onChunk(chunk)
	}
	return len(p), nil
}
