package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opsrelay/internal/protocol"
)

func TestMacro_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &Macro{
		Name:   "deploy",
		UserID: "u1",
		Steps: []MacroStep{
			{Action: "git_pull", Params: map[string]any{"cwd": "/srv/app"}},
			{Action: "run_build", TimeoutMS: 60000, ConcurrencyScope: protocol.ScopeProject, ProjectKey: "app"},
		},
	}
	require.NoError(t, s.CreateMacro(ctx, m))

	got, err := s.GetMacro(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "git_pull", got.Steps[0].Action)
	assert.Equal(t, "/srv/app", got.Steps[0].Params["cwd"])
	assert.Equal(t, int64(60000), got.Steps[1].TimeoutMS)

	_, err = s.GetMacro(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMacroRun_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &MacroRun{
		MacroID:    "m1",
		SessionID:  "s1",
		UserID:     "u1",
		DeviceID:   "d1",
		Status:     MacroRunRunning,
		TotalSteps: 2,
	}
	require.NoError(t, s.CreateMacroRun(ctx, run))

	done := time.Now().UTC()
	run.Status = MacroRunSuccess
	run.CurrentStep = 2
	run.CommandIDs = []string{"c1", "c2"}
	run.Summary = "All 2 steps queued"
	run.CompletedAt = &done
	require.NoError(t, s.UpdateMacroRun(ctx, run))

	got, err := s.GetMacroRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, MacroRunSuccess, got.Status)
	assert.Equal(t, []string{"c1", "c2"}, got.CommandIDs)
	assert.Equal(t, "All 2 steps queued", got.Summary)
	require.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, s.UpdateMacroRun(ctx, &MacroRun{ID: "missing", Status: MacroRunError}), ErrNotFound)
}
