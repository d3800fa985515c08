// ABOUTME: AgentControl gRPC service: one bidirectional stream per connected device
// ABOUTME: Validates, verifies and routes agent messages to the lifecycle manager

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/2389/opsrelay/internal/agent"
	"github.com/2389/opsrelay/internal/auth"
	"github.com/2389/opsrelay/internal/events"
	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/store"
)

// agentControlServer implements the AgentControl gRPC service.
type agentControlServer struct {
	gateway *Gateway
	logger  *slog.Logger
}

func newAgentControlServer(gw *Gateway, logger *slog.Logger) *agentControlServer {
	return &agentControlServer{gateway: gw, logger: logger}
}

// session is the coordinator's state for one accepted stream.
type session struct {
	conn       *agent.Connection
	stream     protocol.AgentStreamServer
	registered bool
	verifier   *auth.EnvelopeVerifier
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// AgentStream serves one agent connection. The interceptor has already
// authenticated the fingerprint. Protocol flow:
//  1. Coordinator resolves the device and sends the connection id header
//  2. Agent sends heartbeat, progress, result, cancel_result and event frames
//  3. Coordinator sends command, cancel_request, heartbeat_ack and error frames
func (s *agentControlServer) AgentStream(stream protocol.AgentStreamServer) error {
	ctx := stream.Context()
	principal := auth.FromContext(ctx)
	if principal == nil || principal.Kind != auth.KindDevice {
		return status.Error(codes.Unauthenticated, "device identity required")
	}
	fingerprint := principal.ID

	deviceID, registered, err := s.gateway.resolveDevice(ctx, fingerprint)
	if err != nil {
		s.logger.Error("resolving device", "fingerprint", fingerprint, "error", err)
		return status.Error(codes.Internal, "resolving device")
	}

	conn := agent.NewConnection(agent.ConnectionParams{
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		Stream:      stream,
		Logger:      s.logger.With("device_id", deviceID),
	})
	if err := stream.SendHeader(metadata.Pairs(protocol.ConnectionHeader, conn.ID)); err != nil {
		return status.Errorf(codes.Internal, "sending headers: %v", err)
	}

	sess := &session{
		conn:       conn,
		stream:     stream,
		registered: registered,
		limiter:    rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		logger:     s.logger.With("device_id", deviceID, "connection_id", conn.ID),
	}
	if s.gateway.config.Auth.RequireSignedEnvelopes {
		if v, ok := s.gateway.keys.EnvelopeVerifier(fingerprint); ok {
			sess.verifier = v
		}
	}

	s.connect(ctx, sess)
	defer s.disconnect(sess)

	errc := make(chan error, 1)
	go func() { errc <- s.receive(ctx, sess) }()

	select {
	case <-conn.Done():
		// Displaced, reaped or shutting down. Returning ends the stream.
		sess.logger.Info("closing agent stream", "reason", conn.CloseReason())
		return status.Error(codes.Aborted, conn.CloseReason())
	case err := <-errc:
		return err
	}
}

func (s *agentControlServer) connect(ctx context.Context, sess *session) {
	gw := s.gateway
	conn := sess.conn

	if old := gw.agents.OnConnect(conn); old != nil {
		gw.broadcaster.Publish(events.Notification{
			Name:     protocol.EventKeyDisplaced,
			Severity: string(protocol.SeverityWarning),
			DeviceID: conn.DeviceID,
			Data: map[string]any{
				"old_connection_id": old.ID,
				"new_connection_id": conn.ID,
			},
		})
	}
	gw.touchDevice(ctx, sess, conn.ConnectedAt)
	gw.broadcaster.Publish(events.Notification{
		Name:     protocol.EventAgentOnline,
		Severity: string(protocol.SeverityInfo),
		DeviceID: conn.DeviceID,
		Data: map[string]any{
			"connection_id": conn.ID,
			"fingerprint":   conn.Fingerprint,
		},
	})

	if err := gw.commands.OnDeviceOnline(ctx, conn.DeviceID); err != nil {
		sess.logger.Warn("redispatching pending commands", "error", err)
	}
}

func (s *agentControlServer) disconnect(sess *session) {
	conn := sess.conn
	if !s.gateway.agents.OnDisconnect(conn) {
		return
	}
	s.gateway.broadcaster.Publish(events.Notification{
		Name:     protocol.EventAgentOffline,
		Severity: string(protocol.SeverityWarning),
		DeviceID: conn.DeviceID,
		Data: map[string]any{
			"connection_id": conn.ID,
			"reason":        conn.CloseReason(),
		},
	})
}

// receive processes frames in arrival order until the stream ends.
func (s *agentControlServer) receive(ctx context.Context, sess *session) error {
	for {
		frame, err := sess.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				sess.logger.Info("agent disconnected (EOF)")
				return nil
			}
			if status.Code(err) == codes.Canceled {
				sess.logger.Info("agent stream cancelled")
				return nil
			}
			sess.logger.Error("receiving frame", "error", err)
			return status.Errorf(codes.Internal, "receiving frame: %v", err)
		}

		if err := sess.limiter.Wait(ctx); err != nil {
			return nil
		}
		sess.conn.Touch(time.Now())

		msg, err := protocol.Decode(frame.Data)
		if err != nil {
			s.reject(sess, err)
			continue
		}
		if sess.verifier != nil {
			if err := sess.verifier.Verify(msg.Header()); err != nil {
				sess.logger.Warn("envelope verification failed", "type", msg.Header().Type, "id", msg.Header().ID, "error", err)
				s.replyError(sess, msg.Header().ID, protocol.FieldError{Field: "signature", Message: err.Error()})
				continue
			}
		}
		s.dispatch(ctx, sess, msg)
	}
}

// reject answers a malformed frame with the fields that failed. Frames of a
// type this build does not know are only logged.
func (s *agentControlServer) reject(sess *session, err error) {
	if errors.Is(err, protocol.ErrUnknownType) {
		sess.logger.Warn("ignoring frame of unknown type", "error", err)
		return
	}
	var verr *protocol.ValidationError
	if errors.As(err, &verr) {
		sess.logger.Warn("dropping invalid frame", "error", err)
		s.replyError(sess, verr.ID, verr.Fields...)
		return
	}
	sess.logger.Warn("dropping frame", "error", err)
	s.replyError(sess, "", protocol.FieldError{Field: "type", Message: err.Error()})
}

func (s *agentControlServer) replyError(sess *session, refID string, fields ...protocol.FieldError) {
	frame := &protocol.ErrorFrame{
		Envelope: protocol.NewEnvelope(protocol.TypeError, protocol.PartyCoordinator, protocol.PartyAgent, ""),
		RefID:    refID,
		Errors:   fields,
	}
	if err := sess.conn.Send(frame); err != nil {
		sess.logger.Debug("sending error frame", "error", err)
	}
}

func (s *agentControlServer) dispatch(ctx context.Context, sess *session, msg protocol.Message) {
	gw := s.gateway
	deviceID := sess.conn.DeviceID

	var err error
	switch m := msg.(type) {
	case *protocol.Heartbeat:
		s.handleHeartbeat(ctx, sess, m)
	case *protocol.Progress:
		err = gw.commands.HandleProgress(ctx, deviceID, m)
	case *protocol.Result:
		err = gw.commands.HandleResult(ctx, deviceID, m)
	case *protocol.CancelResult:
		err = gw.commands.HandleCancelResult(ctx, deviceID, m)
	case *protocol.ConfirmResponse:
		err = gw.commands.HandleConfirmResponse(ctx, deviceID, m)
	case *protocol.Event:
		gw.broadcaster.Publish(events.Notification{
			Name:      m.Event,
			Severity:  string(m.Severity),
			CommandID: m.CommandID,
			DeviceID:  deviceID,
			Data:      m.Data,
		})
	case *protocol.ErrorFrame:
		sess.logger.Warn("agent rejected a message", "ref_id", m.RefID, "errors", m.Errors)
	default:
		sess.logger.Warn("unexpected message from agent", "type", msg.Header().Type, "id", msg.Header().ID)
	}
	if err != nil {
		sess.logger.Warn("handling agent message",
			"type", msg.Header().Type,
			"id", msg.Header().ID,
			"error", err,
		)
	}
}

func (s *agentControlServer) handleHeartbeat(ctx context.Context, sess *session, hb *protocol.Heartbeat) {
	now := time.Now()
	sess.logger.Debug("received heartbeat", "running", hb.Running)
	s.gateway.touchDevice(ctx, sess, now)

	ack := &protocol.HeartbeatAck{
		Envelope: protocol.NewEnvelope(protocol.TypeHeartbeatAck, protocol.PartyCoordinator, protocol.PartyAgent, hb.TraceID),
		TS:       now.UnixMilli(),
	}
	if err := sess.conn.Send(ack); err != nil {
		sess.logger.Debug("sending heartbeat ack", "error", err)
	}
}

// resolveDevice maps a fingerprint to its registered device id. Unregistered
// fingerprints are their own device id.
func (g *Gateway) resolveDevice(ctx context.Context, fingerprint string) (string, bool, error) {
	d, err := g.store.GetDeviceByFingerprint(ctx, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return fingerprint, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return d.ID, true, nil
}

func (g *Gateway) touchDevice(ctx context.Context, sess *session, at time.Time) {
	if !sess.registered {
		return
	}
	if err := g.store.TouchDevice(ctx, sess.conn.DeviceID, at); err != nil {
		sess.logger.Warn("updating device last seen", "error", err)
	}
}
