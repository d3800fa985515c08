// ABOUTME: Tests for macro run execution over a SQLite store.
// ABOUTME: Uses a recording command creator to control step outcomes.

package macro

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opsrelay/internal/command"
	"github.com/2389/opsrelay/internal/events"
	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/store"
)

type fakeCommands struct {
	mu      sync.Mutex
	reqs    []command.CreateRequest
	failOn  string
	offline string
}

func (f *fakeCommands) Create(_ context.Context, req command.CreateRequest) (*command.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if req.Action == f.failOn {
		return nil, errors.New("unknown action")
	}
	cmd := &store.Command{ID: "cmd-" + req.IdempotencyKey, Status: protocol.StatusSent}
	if req.Action == f.offline {
		cmd.Status = protocol.StatusError
		cmd.LastErrorCode = protocol.CodeAgentOffline
		cmd.LastErrorMessage = "device dev-1 is offline"
	}
	return &command.CreateResult{Command: cmd, Created: true}, nil
}

type recordingSink struct {
	mu  sync.Mutex
	got []events.Notification
}

func (s *recordingSink) Publish(n events.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
}

func setup(t *testing.T, steps ...store.MacroStep) (*store.SQLiteStore, *store.Macro) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "macro.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	m := &store.Macro{Name: "deploy", UserID: "user-1", Steps: steps}
	require.NoError(t, s.CreateMacro(context.Background(), m))
	return s, m
}

func runRequest(macroID string) RunRequest {
	return RunRequest{MacroID: macroID, SessionID: "sess-1", UserID: "user-1", DeviceID: "dev-1"}
}

func TestRun_AllStepsQueued(t *testing.T) {
	s, m := setup(t,
		store.MacroStep{Action: "git_pull", Params: map[string]any{"cwd": "/srv/app", "branch": "main"}},
		store.MacroStep{Action: "run_build"},
		store.MacroStep{Action: "run_tests"},
	)
	cmds := &fakeCommands{}
	sink := &recordingSink{}
	r := NewRunner(s, s, cmds, nil, sink, nil)

	req := runRequest(m.ID)
	req.Params = map[string]any{"branch": "release"}
	run, err := r.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, store.MacroRunSuccess, run.Status)
	assert.Equal(t, "All 3 steps queued", run.Summary)
	assert.Equal(t, 3, run.CurrentStep)
	require.NotNil(t, run.CompletedAt)

	require.Len(t, cmds.reqs, 3)
	for i, req := range cmds.reqs {
		assert.Equal(t, StepKey(run.ID, i), req.IdempotencyKey)
		assert.Equal(t, run.ID, req.MacroRunID)
		assert.Equal(t, "dev-1", req.DeviceID)
	}
	assert.Equal(t, "release", cmds.reqs[0].Params["branch"])
	assert.Equal(t, "/srv/app", cmds.reqs[0].Params["cwd"])
	assert.Equal(t, "main", m.Steps[0].Params["branch"], "stored step params must not be mutated")

	stored, err := r.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MacroRunSuccess, stored.Status)
	assert.Len(t, stored.CommandIDs, 3)

	require.Len(t, sink.got, 1)
	assert.Equal(t, protocol.EventMacroRunFinished, sink.got[0].Name)
}

func TestRun_FirstFailureHalts(t *testing.T) {
	s, m := setup(t,
		store.MacroStep{Action: "git_pull"},
		store.MacroStep{Action: "bogus"},
		store.MacroStep{Action: "run_tests"},
	)
	cmds := &fakeCommands{failOn: "bogus"}
	r := NewRunner(s, s, cmds, nil, nil, nil)

	run, err := r.Run(context.Background(), runRequest(m.ID))
	require.NoError(t, err)

	assert.Equal(t, store.MacroRunError, run.Status)
	assert.Equal(t, "Failed at step 1: unknown action", run.Summary)
	assert.Equal(t, 1, run.CurrentStep)
	assert.Len(t, cmds.reqs, 2)
}

func TestRun_FinalErrorStepHalts(t *testing.T) {
	s, m := setup(t,
		store.MacroStep{Action: "git_pull"},
		store.MacroStep{Action: "run_build"},
	)
	cmds := &fakeCommands{offline: "git_pull"}
	r := NewRunner(s, s, cmds, nil, nil, nil)

	run, err := r.Run(context.Background(), runRequest(m.ID))
	require.NoError(t, err)

	assert.Equal(t, store.MacroRunError, run.Status)
	assert.Contains(t, run.Summary, "Failed at step 0: AGENT_OFFLINE")
	assert.Len(t, cmds.reqs, 1)
}

func TestStart_RunsInBackground(t *testing.T) {
	s, m := setup(t, store.MacroStep{Action: "git_status"})
	r := NewRunner(s, s, &fakeCommands{}, nil, nil, nil)

	run, err := r.Start(context.Background(), runRequest(m.ID))
	require.NoError(t, err)
	assert.Equal(t, store.MacroRunRunning, run.Status)

	r.Wait()
	stored, err := r.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MacroRunSuccess, stored.Status)
}

func TestRun_Validation(t *testing.T) {
	s, _ := setup(t)
	r := NewRunner(s, s, &fakeCommands{}, nil, nil, nil)

	_, err := r.Run(context.Background(), RunRequest{MacroID: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = r.Run(context.Background(), runRequest("missing"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStepKey(t *testing.T) {
	assert.Equal(t, "macro-run-1-step-0", StepKey("run-1", 0))
}
