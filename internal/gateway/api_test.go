// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Exercises routes through the gateway mux with an in-memory store

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opsrelay/internal/auth"
	"github.com/2389/opsrelay/internal/config"
	"github.com/2389/opsrelay/internal/protocol"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// newTestGateway builds a gateway without starting its listeners.
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *Gateway {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func withJWT(cfg *config.Config) {
	cfg.Auth.Disabled = false
	cfg.Auth.JWTSecret = testJWTSecret
}

// do sends a request through the gateway mux and returns the recorder.
func do(t *testing.T, gw *Gateway, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

func createBody(key, action string) map[string]any {
	return map[string]any{
		"session_id":      "session-1",
		"device_id":       "offline-device",
		"action":          action,
		"params":          map[string]any{"command": "uptime"},
		"idempotency_key": key,
	}
}

func createCommand(t *testing.T, gw *Gateway, key, action string) CommandResponse {
	t.Helper()
	rec := do(t, gw, http.MethodPost, "/api/commands", createBody(key, action), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CreateCommandResponse](t, rec).Command
}

func TestCreateCommand(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodPost, "/api/commands", createBody("key-1", "run_command"), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[CreateCommandResponse](t, rec)
	assert.True(t, first.Created)
	assert.Equal(t, protocol.StatusPending, first.Command.Status)
	assert.Equal(t, "run_command", first.Command.Action)
	assert.Equal(t, "offline-device", first.Command.DeviceID)
	assert.NotEmpty(t, first.Command.TraceID)
	assert.Contains(t, first.Warning, protocol.CodeAgentOffline)
	assert.Equal(t, "anonymous", first.Command.UserID)

	// Same session and key resolve to the same command.
	rec = do(t, gw, http.MethodPost, "/api/commands", createBody("key-1", "run_command"), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decode[CreateCommandResponse](t, rec)
	assert.False(t, second.Created)
	assert.Equal(t, first.Command.ID, second.Command.ID)

	rec = do(t, gw, http.MethodGet, "/api/commands/"+first.Command.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[CommandResponse](t, rec)
	assert.Equal(t, first.Command.ID, got.ID)
	assert.Equal(t, "key-1", got.IdempotencyKey)
}

func TestCreateCommand_BadRequests(t *testing.T) {
	gw := newTestGateway(t)

	tests := []struct {
		name    string
		body    any
		wantErr string
	}{
		{"missing fields", map[string]any{"action": "run_command"}, "missing"},
		{"unknown action", createBody("key-x", "launch_rockets"), "unknown action"},
		{"unknown field", map[string]any{"session_id": "s", "bogus": true}, "invalid JSON body"},
		{"bad confirm policy", func() map[string]any {
			b := createBody("key-y", "run_command")
			b["confirm_policy"] = "sometimes"
			return b
		}(), "confirm_policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, gw, http.MethodPost, "/api/commands", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, errorMessage(t, rec), tt.wantErr)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/commands", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCommand_NotFound(t *testing.T) {
	gw := newTestGateway(t)

	for _, path := range []string{
		"/api/commands/missing",
		"/api/commands/missing/progress",
		"/api/commands/missing/events",
	} {
		rec := do(t, gw, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestCancelCommand(t *testing.T) {
	gw := newTestGateway(t)
	cmd := createCommand(t, gw, "key-cancel", "run_command")

	rec := do(t, gw, http.MethodPost, "/api/commands/"+cmd.ID+"/cancel", CancelRequest{Reason: "changed my mind"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[CommandResponse](t, rec)
	assert.Equal(t, protocol.StatusCancelled, got.Status)
	assert.Equal(t, protocol.CodeCancelled, got.ErrorCode)
	assert.Equal(t, "changed my mind", got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	// A final command cannot change again.
	rec = do(t, gw, http.MethodPost, "/api/commands/"+cmd.ID+"/cancel", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/commands/missing/cancel", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmCommand(t *testing.T) {
	gw := newTestGateway(t)

	// kill_process always needs confirmation.
	cmd := createCommand(t, gw, "key-kill", "kill_process")
	require.Equal(t, protocol.StatusAwaitingConfirm, cmd.Status)
	require.NotEmpty(t, cmd.ConfirmID)
	assert.NotNil(t, cmd.ConfirmExpiresAt)

	path := "/api/commands/" + cmd.ID + "/confirm"

	rec := do(t, gw, http.MethodPost, path, map[string]any{"approved": true}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, gw, http.MethodPost, path, ConfirmRequest{ConfirmID: "wrong", Approved: true}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, gw, http.MethodPost, path, ConfirmRequest{ConfirmID: cmd.ConfirmID, Approved: false, Reason: "too risky"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[CommandResponse](t, rec)
	assert.Equal(t, protocol.StatusCancelled, got.Status)
	assert.Equal(t, protocol.CodeConfirmDenied, got.ErrorCode)
	assert.Equal(t, "anonymous", got.ConfirmedBy)

	rec = do(t, gw, http.MethodPost, path, ConfirmRequest{ConfirmID: cmd.ConfirmID, Approved: true}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConfirmCommand_Approve(t *testing.T) {
	gw := newTestGateway(t)
	cmd := createCommand(t, gw, "key-approve", "kill_process")

	rec := do(t, gw, http.MethodPost, "/api/commands/"+cmd.ID+"/confirm", ConfirmRequest{ConfirmID: cmd.ConfirmID, Approved: true}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[CommandResponse](t, rec)
	// The device is offline, so the approved command waits.
	assert.Equal(t, protocol.StatusPending, got.Status)
	assert.NotNil(t, got.ConfirmedAt)

	// A command that is not awaiting confirmation rejects decisions.
	plain := createCommand(t, gw, "key-plain", "run_command")
	rec = do(t, gw, http.MethodPost, "/api/commands/"+plain.ID+"/confirm", ConfirmRequest{ConfirmID: "x", Approved: true}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCommandProgress_Empty(t *testing.T) {
	gw := newTestGateway(t)
	cmd := createCommand(t, gw, "key-progress", "run_command")

	rec := do(t, gw, http.MethodGet, "/api/commands/"+cmd.ID+"/progress?limit=10", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]ProgressResponse](t, rec)
	assert.Empty(t, body["progress"])

	rec = do(t, gw, http.MethodGet, "/api/commands/"+cmd.ID+"/progress?limit=ten", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandEvents_FinalCommand(t *testing.T) {
	gw := newTestGateway(t)
	cmd := createCommand(t, gw, "key-final", "run_command")
	rec := do(t, gw, http.MethodPost, "/api/commands/"+cmd.ID+"/cancel", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, gw, http.MethodGet, "/api/commands/"+cmd.ID+"/events", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: status\n"), body)
	assert.Contains(t, body, `"status":"cancelled"`)
}

func TestCommandEvents_StreamsUntilResult(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	cmd := createCommand(t, gw, "key-stream", "run_command")

	client := &http.Client{Timeout: waitTimeout}
	resp, err := client.Get(srv.URL + "/api/commands/" + cmd.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: status\n", line)

	_, err = gw.commands.Cancel(context.Background(), cmd.ID, "tester", "")
	require.NoError(t, err)

	var names []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, strings.TrimSpace(name))
		}
	}
	require.NotEmpty(t, names)
	assert.Equal(t, protocol.EventCommandResult, names[len(names)-1])
}

func TestEventsFirehose(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?device_id=offline-device", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: connected\n", line)

	createCommand(t, gw, "key-firehose", "run_command")

	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: "+protocol.EventCommandQueued) {
			return
		}
	}
}

func TestDevices(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodPost, "/api/devices", RegisterDeviceRequest{Fingerprint: "SHA256:abc", Name: "build box"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[DeviceResponse](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Registered)
	assert.False(t, created.Online)

	rec = do(t, gw, http.MethodPost, "/api/devices", RegisterDeviceRequest{Fingerprint: "SHA256:abc"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/devices", RegisterDeviceRequest{Name: "no fingerprint"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, gw, http.MethodGet, "/api/devices/"+created.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[DeviceResponse](t, rec)
	assert.Equal(t, "build box", got.Name)
	assert.Equal(t, "SHA256:abc", got.Fingerprint)

	rec = do(t, gw, http.MethodGet, "/api/devices/unknown", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, gw, http.MethodGet, "/api/devices", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"devices":[]}`, rec.Body.String())
}

func TestMacros(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodPost, "/api/macros", CreateMacroRequest{Name: "empty"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/macros", map[string]any{
		"name": "deploy",
		"steps": []map[string]any{
			{"action": "git_pull"},
			{"action": "run_build", "timeout_ms": 60000},
		},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	m := decode[MacroResponse](t, rec)
	assert.Len(t, m.Steps, 2)

	rec = do(t, gw, http.MethodGet, "/api/macros/"+m.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/macros/"+m.ID+"/runs", StartMacroRunRequest{DeviceID: "offline-device"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "session_id is required")

	rec = do(t, gw, http.MethodPost, "/api/macros/missing/runs", StartMacroRunRequest{SessionID: "s", DeviceID: "d"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/macros/"+m.ID+"/runs", StartMacroRunRequest{SessionID: "session-m", DeviceID: "offline-device"}, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	run := decode[MacroRunResponse](t, rec)
	assert.Equal(t, 2, run.TotalSteps)

	var final MacroRunResponse
	require.Eventually(t, func() bool {
		rec := do(t, gw, http.MethodGet, "/api/macro-runs/"+run.ID, nil, "")
		if rec.Code != http.StatusOK {
			return false
		}
		final = decode[MacroRunResponse](t, rec)
		return final.CompletedAt != nil
	}, waitTimeout, 10*time.Millisecond)
	assert.Len(t, final.CommandIDs, 2)
	assert.Equal(t, 2, final.CurrentStep)

	rec = do(t, gw, http.MethodGet, "/api/macro-runs/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAudit(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/api/audit/verify", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":true,"checked":0}`, rec.Body.String())

	cmd := createCommand(t, gw, "key-audit", "run_command")
	rec = do(t, gw, http.MethodPost, "/api/commands/"+cmd.ID+"/cancel", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, gw, http.MethodGet, "/api/audit?command_id="+cmd.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[map[string][]AuditEntryResponse](t, rec)["entries"]
	require.NotEmpty(t, entries)
	var actions []string
	for _, e := range entries {
		assert.Equal(t, cmd.ID, e.CommandID)
		assert.NotEmpty(t, e.EntryHash)
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "command.created")
	assert.Contains(t, actions, "command.cancelled")

	rec = do(t, gw, http.MethodGet, "/api/audit/verify", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[map[string]any](t, rec)
	assert.Equal(t, true, v["valid"])

	rec = do(t, gw, http.MethodGet, "/api/audit?since=yesterday", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, gw, http.MethodGet, "/api/audit/verify?start=0", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIAuth(t *testing.T) {
	gw := newTestGateway(t, withJWT)
	require.NotNil(t, gw.tokens)

	token := func(roles ...string) string {
		tok, err := gw.tokens.Generate("alice", roles, time.Hour)
		require.NoError(t, err)
		return tok
	}
	viewer := token()
	operator := token(auth.RoleOperator)
	admin := token(auth.RoleAdmin)

	rec := do(t, gw, http.MethodGet, "/api/commands/missing", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, gw, http.MethodGet, "/api/commands/missing", nil, "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, gw, http.MethodGet, "/api/commands/missing", nil, viewer)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/commands", createBody("key-auth", "run_command"), viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/commands", createBody("key-auth", "run_command"), operator)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", decode[CreateCommandResponse](t, rec).Command.UserID)

	rec = do(t, gw, http.MethodPost, "/api/devices", RegisterDeviceRequest{Fingerprint: "fp"}, operator)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/devices", RegisterDeviceRequest{Fingerprint: "fp"}, admin)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Health stays public.
	rec = do(t, gw, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteSession(t *testing.T) {
	gw := newTestGateway(t)

	cmd := createCommand(t, gw, "key-session", "run_command")

	rec := do(t, gw, http.MethodDelete, "/api/sessions/session-1", nil, "")
	require.Equal(t, http.StatusConflict, rec.Code, "pending command keeps the session open")

	rec = do(t, gw, http.MethodPost, "/api/commands/"+cmd.ID+"/cancel", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, gw, http.MethodDelete, "/api/sessions/session-1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), body["deleted"])

	rec = do(t, gw, http.MethodGet, "/api/commands/"+cmd.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, gw, http.MethodGet, "/api/audit", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var actions []string
	for _, e := range decode[map[string][]AuditEntryResponse](t, rec)["entries"] {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "command.created", "audit rows outlive the session")
	assert.Contains(t, actions, "session.deleted")

	rec = do(t, gw, http.MethodGet, "/api/audit/verify", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["valid"])

	rec = do(t, gw, http.MethodDelete, "/api/sessions/unknown", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, rec)["deleted"])
}
