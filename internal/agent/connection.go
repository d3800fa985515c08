// ABOUTME: Represents one connected agent stream on the coordinator.
// ABOUTME: Serializes writes and exposes a Done channel for forced closure.

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/opsrelay/internal/protocol"
)

// ErrConnectionClosed is returned when sending on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// FrameSender is the outbound half of an agent stream.
type FrameSender interface {
	Send(*protocol.Frame) error
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	DeviceID    string
	Fingerprint string
	Stream      FrameSender
	Logger      *slog.Logger
}

// Connection represents a connected agent with its gRPC stream.
type Connection struct {
	ID          string
	DeviceID    string
	Fingerprint string
	ConnectedAt time.Time

	stream    FrameSender
	sendMu    sync.Mutex
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value // string
	lastSeen  atomic.Int64 // unix nanos
	logger    *slog.Logger
}

// NewConnection creates a new Connection for a connected agent.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	c := &Connection{
		ID:          uuid.New().String(),
		DeviceID:    p.DeviceID,
		Fingerprint: p.Fingerprint,
		ConnectedAt: now,
		stream:      p.Stream,
		done:        make(chan struct{}),
		logger:      logger,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Send encodes msg and writes it to the stream.
func (c *Connection) Send(msg protocol.Message) error {
	frame, err := protocol.NewFrame(msg)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := c.stream.Send(frame); err != nil {
		return fmt.Errorf("sending %s to %s: %w", msg.Header().Type, c.DeviceID, err)
	}
	return nil
}

// Close marks the connection closed and signals Done. Only the first reason
// is kept. Close does not wait for an in-flight Send.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		c.closed.Store(true)
		close(c.done)
		c.logger.Debug("connection closed", "device_id", c.DeviceID, "connection_id", c.ID, "reason", reason)
	})
}

// Detach closes the connection and waits for any in-flight Send to finish,
// after which the underlying stream is no longer touched.
func (c *Connection) Detach(reason string) {
	c.Close(reason)
	c.sendMu.Lock()
	c.sendMu.Unlock() //nolint:staticcheck // barrier for in-flight sends
}

// Done is closed when the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseReason returns why the connection was closed, empty while open.
func (c *Connection) CloseReason() string {
	r, _ := c.reason.Load().(string)
	return r
}

// Touch records activity from the agent.
func (c *Connection) Touch(at time.Time) {
	c.lastSeen.Store(at.UnixNano())
}

// LastSeen returns the time of the last recorded activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}
