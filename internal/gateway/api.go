// ABOUTME: HTTP API for submitting, confirming, cancelling and inspecting commands
// ABOUTME: Also serves devices, macros, the audit log and SSE notification streams

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/opsrelay/internal/audit"
	"github.com/2389/opsrelay/internal/auth"
	"github.com/2389/opsrelay/internal/command"
	"github.com/2389/opsrelay/internal/events"
	"github.com/2389/opsrelay/internal/macro"
	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/store"
)

var errEmptyBody = errors.New("request body is required")

const (
	maxRequestBody = 1 << 20
	defaultLimit   = 100
)

// ConfirmRequest is the JSON body for POST /api/commands/{id}/confirm.
type ConfirmRequest struct {
	ConfirmID string `json:"confirm_id"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

// CancelRequest is the JSON body for POST /api/commands/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RegisterDeviceRequest is the JSON body for POST /api/devices.
type RegisterDeviceRequest struct {
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name"`
}

// CreateMacroRequest is the JSON body for POST /api/macros.
type CreateMacroRequest struct {
	Name  string            `json:"name"`
	Steps []store.MacroStep `json:"steps"`
}

// StartMacroRunRequest is the JSON body for POST /api/macros/{id}/runs.
type StartMacroRunRequest struct {
	SessionID string         `json:"session_id"`
	DeviceID  string         `json:"device_id"`
	Params    map[string]any `json:"params,omitempty"`
}

// registerAPIRoutes mounts the API on mux. Reads need any authenticated
// principal, mutations need the operator role and device registration
// needs admin.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	authn := auth.NoAuthMiddleware()
	if g.tokens != nil {
		authn = auth.HTTPAuthMiddleware(g.tokens, g.logger)
	}
	read := func(h http.HandlerFunc) http.Handler { return authn(h) }
	operate := func(h http.HandlerFunc) http.Handler {
		return authn(auth.RequireRole(auth.RoleOperator)(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return authn(auth.RequireRole(auth.RoleAdmin)(h))
	}

	mux.Handle("POST /api/commands", operate(g.handleCreateCommand))
	mux.Handle("GET /api/commands/{id}", read(g.handleGetCommand))
	mux.Handle("GET /api/commands/{id}/progress", read(g.handleCommandProgress))
	mux.Handle("GET /api/commands/{id}/events", read(g.handleCommandEvents))
	mux.Handle("POST /api/commands/{id}/confirm", operate(g.handleConfirm))
	mux.Handle("POST /api/commands/{id}/cancel", operate(g.handleCancel))
	mux.Handle("DELETE /api/sessions/{id}", admin(g.handleDeleteSession))

	mux.Handle("GET /api/devices", read(g.handleListDevices))
	mux.Handle("GET /api/devices/{id}", read(g.handleGetDevice))
	mux.Handle("POST /api/devices", admin(g.handleRegisterDevice))

	mux.Handle("POST /api/macros", operate(g.handleCreateMacro))
	mux.Handle("GET /api/macros/{id}", read(g.handleGetMacro))
	mux.Handle("POST /api/macros/{id}/runs", operate(g.handleStartMacroRun))
	mux.Handle("GET /api/macro-runs/{id}", read(g.handleGetMacroRun))

	mux.Handle("GET /api/audit", read(g.handleListAudit))
	mux.Handle("GET /api/audit/verify", read(g.handleVerifyAudit))

	mux.Handle("GET /api/events", read(g.handleEvents))
}

func (g *Gateway) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req command.CreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p := auth.FromContext(r.Context()); p != nil {
		req.UserID = p.ID
	}

	res, err := g.commands.Create(r.Context(), req)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	g.writeJSON(w, status, CreateCommandResponse{
		Command: commandResponse(res.Command),
		Created: res.Created,
		Warning: res.Warning,
	})
}

func (g *Gateway) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := g.commands.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, commandResponse(cmd))
}

func (g *Gateway) handleCommandProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := g.commands.Status(r.Context(), id); err != nil {
		g.sendAPIError(w, err)
		return
	}
	entries, err := g.store.ListProgress(r.Context(), id, limit)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"progress": progressResponses(entries)})
}

// handleCommandEvents streams notifications for one command as SSE. The
// first event is a status snapshot; the stream ends after command_result.
func (g *Gateway) handleCommandEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading the snapshot so no transition falls between.
	topic := events.CommandTopic(id)
	notifications, subID := g.broadcaster.Subscribe(r.Context(), topic)
	defer g.broadcaster.Unsubscribe(topic, subID)

	cmd, err := g.commands.Status(r.Context(), id)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}

	setSSEHeaders(w)
	g.writeSSEEvent(w, "status", commandResponse(cmd))
	flusher.Flush()
	if cmd.Status.IsFinal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			g.writeSSEEvent(w, n.Name, n)
			flusher.Flush()
			if n.Name == protocol.EventCommandResult {
				return
			}
		}
	}
}

// handleEvents streams every notification, or one device's when device_id
// is given.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	topic := events.Firehose
	if deviceID := r.URL.Query().Get("device_id"); deviceID != "" {
		topic = events.DeviceTopic(deviceID)
	}
	notifications, subID := g.broadcaster.Subscribe(r.Context(), topic)
	defer g.broadcaster.Unsubscribe(topic, subID)

	setSSEHeaders(w)
	g.writeSSEEvent(w, "connected", map[string]string{"topic": topic})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			g.writeSSEEvent(w, n.Name, n)
			flusher.Flush()
		}
	}
}

func (g *Gateway) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConfirmID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "confirm_id is required")
		return
	}

	cmd, err := g.commands.Confirm(r.Context(), command.Decision{
		CommandID: r.PathValue("id"),
		ConfirmID: req.ConfirmID,
		Approved:  req.Approved,
		By:        principalID(r),
		Reason:    req.Reason,
	})
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, commandResponse(cmd))
}

func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	cmd, err := g.commands.Cancel(r.Context(), r.PathValue("id"), principalID(r), req.Reason)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, commandResponse(cmd))
}

// handleDeleteSession removes a session's commands and progress. Sessions
// with open commands are refused; cancel those first.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	open, err := g.store.ListCommands(r.Context(), store.CommandFilter{
		SessionID: sessionID,
		Statuses:  openStatuses,
		Limit:     1,
	})
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	if len(open) > 0 {
		g.sendJSONError(w, http.StatusConflict, "session has open commands")
		return
	}

	n, err := g.store.DeleteSession(r.Context(), sessionID)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}

	if _, err := g.audit.Append(r.Context(), &store.AuditEntry{
		Action:    audit.ActionSessionDeleted,
		UserID:    principalID(r),
		SessionID: sessionID,
		Result:    strconv.FormatInt(n, 10),
	}); err != nil {
		g.logger.Error("failed to audit session delete", "session_id", sessionID, "error", err)
	}

	g.writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "deleted": n})
}

var openStatuses = []protocol.CommandStatus{
	protocol.StatusPending,
	protocol.StatusSent,
	protocol.StatusRunning,
	protocol.StatusAwaitingConfirm,
	protocol.StatusRetrying,
}

func (g *Gateway) handleListDevices(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"devices": g.agents.List()})
}

// handleGetDevice reports a device by registered id, falling back to a live
// connection for unregistered fingerprints.
func (g *Gateway) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := g.store.GetDevice(r.Context(), id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.sendAPIError(w, err)
		return
	}
	conn, online := g.agents.Get(id)
	if d == nil && !online {
		g.sendJSONError(w, http.StatusNotFound, "device not found")
		return
	}
	if !online {
		conn = nil
	}
	g.writeJSON(w, http.StatusOK, deviceResponse(d, conn))
}

func (g *Gateway) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Fingerprint == "" {
		g.sendJSONError(w, http.StatusBadRequest, "fingerprint is required")
		return
	}

	d := &store.Device{Fingerprint: req.Fingerprint, Name: req.Name}
	if err := g.store.RegisterDevice(r.Context(), d); err != nil {
		if errors.Is(err, store.ErrDuplicateDevice) {
			g.sendJSONError(w, http.StatusConflict, err.Error())
			return
		}
		g.sendAPIError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, deviceResponse(d, nil))
}

func (g *Gateway) handleCreateMacro(w http.ResponseWriter, r *http.Request) {
	var req CreateMacroRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" || len(req.Steps) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "name and at least one step are required")
		return
	}
	for i, step := range req.Steps {
		if step.Action == "" {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("step %d: action is required", i))
			return
		}
	}

	m := &store.Macro{Name: req.Name, UserID: principalID(r), Steps: req.Steps}
	if err := g.store.CreateMacro(r.Context(), m); err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, macroResponse(m))
}

func (g *Gateway) handleGetMacro(w http.ResponseWriter, r *http.Request) {
	m, err := g.store.GetMacro(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, macroResponse(m))
}

func (g *Gateway) handleStartMacroRun(w http.ResponseWriter, r *http.Request) {
	var req StartMacroRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := g.macros.Start(r.Context(), macro.RunRequest{
		MacroID:   r.PathValue("id"),
		SessionID: req.SessionID,
		UserID:    principalID(r),
		DeviceID:  req.DeviceID,
		Params:    req.Params,
	})
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, macroRunResponse(run))
}

func (g *Gateway) handleGetMacroRun(w http.ResponseWriter, r *http.Request) {
	run, err := g.macros.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, macroRunResponse(run))
}

func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.AuditFilter{
		CommandID: q.Get("command_id"),
		DeviceID:  q.Get("device_id"),
		Action:    q.Get("action"),
		Limit:     limit,
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &since
	}

	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"entries": auditResponses(entries)})
}

// handleVerifyAudit checks count entries from start. Without parameters the
// whole chain is verified.
func (g *Gateway) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	start, err := queryInt(r, "start", 1)
	if err != nil || start < 1 {
		g.sendJSONError(w, http.StatusBadRequest, "start must be a positive integer")
		return
	}
	count, err := queryInt(r, "count", 0)
	if err != nil || count < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "count must be a non-negative integer")
		return
	}
	if count == 0 {
		last, err := g.store.LastAuditEntry(r.Context())
		switch {
		case errors.Is(err, store.ErrNotFound):
			g.writeJSON(w, http.StatusOK, map[string]any{"valid": true, "checked": 0})
			return
		case err != nil:
			g.sendAPIError(w, err)
			return
		}
		count = int(last.ID) - start + 1
		if count < 1 {
			count = 1
		}
	}

	v, err := g.audit.Verify(r.Context(), int64(start), count)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, v)
}

func macroResponse(m *store.Macro) MacroResponse {
	return MacroResponse{ID: m.ID, Name: m.Name, UserID: m.UserID, Steps: m.Steps, CreatedAt: m.CreatedAt}
}

func principalID(r *http.Request) string {
	if p := auth.FromContext(r.Context()); p != nil {
		return p.ID
	}
	return ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

// sendAPIError maps domain errors onto HTTP status codes.
func (g *Gateway) sendAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, command.ErrConflictFinalState),
		errors.Is(err, command.ErrNotAwaitingConfirm),
		errors.Is(err, command.ErrConfirmMismatch):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, command.ErrInvalidRequest),
		errors.Is(err, command.ErrUnknownAction),
		errors.Is(err, macro.ErrInvalidRequest):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, command.ErrAgentOffline):
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		g.logger.Error("api request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
