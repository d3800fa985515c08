// ABOUTME: Action registry: catalog checks, readonly refusal, timeout clamping.
// ABOUTME: Tracks running commands so they can be cancelled or queried by id.

package executor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/2389/opsrelay/internal/actions"
	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/supervisor"
)

var errCancelled = errors.New("cancelled by request")

// Request is one action invocation.
type Request struct {
	CommandID string
	Action    string
	Params    map[string]any
	// Timeout is the requested timeout; zero asks for the action maximum.
	Timeout time.Duration
	// OnOutput receives process output as it is produced. The slice is owned
	// by the callee.
	OnOutput func(p []byte)
}

// Result is the terminal outcome of a Request.
type Result struct {
	Status       protocol.CommandStatus
	ExitCode     *int
	Killed       bool
	Output       string
	OutputBytes  int64
	Truncated    bool
	ErrorCode    string
	ErrorMessage string
	Data         map[string]any
	// Crashed is set when the process died from a signal it did not expect.
	Crashed bool
}

// OutputHash returns the hex BLAKE3 digest of Output, or "" when empty.
func (r Result) OutputHash() string {
	if r.Output == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(r.Output))
	return hex.EncodeToString(sum[:])
}

// Call is what a Handler sees: the request plus the resolved timeout.
type Call struct {
	Request
	Timeout  time.Duration
	registry *Registry
}

// Handler performs one action.
type Handler func(ctx context.Context, c *Call) Result

// Options configures a Registry.
type Options struct {
	Readonly bool
	// AllowedRoots restricts file actions and working directories. Empty
	// allows any path.
	AllowedRoots []string
	// MaxOutput caps captured output per stream.
	MaxOutput int
}

// Registry maps action names to handlers.
type Registry struct {
	catalog *actions.Catalog
	sup     *supervisor.Supervisor
	opts    Options
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	runMu   sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New creates a registry with every built-in handler registered.
func New(catalog *actions.Catalog, sup *supervisor.Supervisor, opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = supervisor.DefaultMaxOutput
	}
	r := &Registry{
		catalog:  catalog,
		sup:      sup,
		opts:     opts,
		logger:   logger.With("component", "executor"),
		handlers: make(map[string]Handler),
		running:  make(map[string]context.CancelCauseFunc),
	}
	r.registerBuiltins()
	return r
}

// Register installs or replaces the handler for action.
func (r *Registry) Register(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
}

func (r *Registry) handler(action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[action]
	return h, ok
}

// Execute runs req to completion and returns exactly one Result.
func (r *Registry) Execute(ctx context.Context, req Request) Result {
	spec, err := r.catalog.Lookup(req.Action)
	if err != nil {
		return fail(protocol.CodeUnknownAction, "Unknown action: %s", req.Action)
	}
	if r.opts.Readonly && !spec.AllowedInReadonly {
		return fail(protocol.CodeReadonly, "Action %s is not allowed in readonly mode", req.Action)
	}
	h, ok := r.handler(req.Action)
	if !ok {
		return fail(protocol.CodeNotImplemented, "Action %s not implemented yet", req.Action)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !r.track(req.CommandID, cancel) {
		return fail(protocol.CodeExecutionError, "Command %s is already running", req.CommandID)
	}
	defer r.untrack(req.CommandID)

	call := &Call{Request: req, Timeout: spec.ClampTimeout(req.Timeout), registry: r}
	r.logger.Debug("executing action",
		"command_id", req.CommandID,
		"action", req.Action,
		"timeout", call.Timeout,
	)
	res := h(ctx, call)
	if res.Status == "" {
		res.Status = protocol.StatusError
	}
	if res.OutputBytes == 0 {
		res.OutputBytes = int64(len(res.Output))
	}
	return res
}

func (r *Registry) track(id string, cancel context.CancelCauseFunc) bool {
	if id == "" {
		return true
	}
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if _, exists := r.running[id]; exists {
		return false
	}
	r.running[id] = cancel
	return true
}

func (r *Registry) untrack(id string) {
	if id == "" {
		return
	}
	r.runMu.Lock()
	delete(r.running, id)
	r.runMu.Unlock()
}

// Cancel stops the command with id. It reports false when the id is not
// running, so a cancel that races completion is answered not_found.
func (r *Registry) Cancel(id string) bool {
	r.runMu.Lock()
	cancel, ok := r.running[id]
	r.runMu.Unlock()
	if !ok {
		return false
	}
	cancel(errCancelled)
	return true
}

// IsRunning reports whether id is executing.
func (r *Registry) IsRunning(id string) bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	_, ok := r.running[id]
	return ok
}

// Running returns the number of executing commands.
func (r *Registry) Running() int {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return len(r.running)
}

// Shutdown kills every supervised process.
func (r *Registry) Shutdown() int {
	return r.sup.KillAll()
}

func exitCode(n int) *int { return &n }

func ok(output string) Result {
	return Result{Status: protocol.StatusSuccess, ExitCode: exitCode(0), Output: output}
}

func okData(output string, data map[string]any) Result {
	res := ok(output)
	res.Data = data
	return res
}

func fail(code, format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	return Result{
		Status:       protocol.StatusError,
		ExitCode:     exitCode(1),
		Output:       msg,
		ErrorCode:    code,
		ErrorMessage: msg,
	}
}

func missing(name string) Result {
	return fail(protocol.CodeMissingParam, "Missing %q parameter", name)
}
