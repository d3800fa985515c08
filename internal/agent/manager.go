// ABOUTME: Device connection registry: one live connection per device identity.
// ABOUTME: Newest connection wins; stale disconnects never remove a newer holder.

package agent

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/opsrelay/internal/protocol"
)

// ErrAgentOffline indicates the target device has no live connection.
var ErrAgentOffline = errors.New("agent offline")

// Close reasons.
const (
	ReasonDisplaced        = "displaced"
	ReasonDisconnected     = "disconnected"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonShutdown         = "shutdown"
)

// Info describes a live connection.
type Info struct {
	DeviceID     string    `json:"device_id"`
	ConnectionID string    `json:"connection_id"`
	Fingerprint  string    `json:"fingerprint"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Manager maps device identities to their live connection.
type Manager struct {
	conns  map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conns:  make(map[string]*Connection),
		logger: logger,
	}
}

// OnConnect installs conn as the holder for its device. A previous holder is
// closed with ReasonDisplaced and returned.
func (m *Manager) OnConnect(conn *Connection) *Connection {
	m.mu.Lock()
	old := m.conns[conn.DeviceID]
	m.conns[conn.DeviceID] = conn
	total := len(m.conns)
	m.mu.Unlock()

	if old != nil && old != conn {
		old.Close(ReasonDisplaced)
		m.logger.Warn("connection displaced",
			"device_id", conn.DeviceID,
			"old_connection_id", old.ID,
			"new_connection_id", conn.ID,
		)
	} else {
		old = nil
	}

	m.logger.Info("=== AGENT CONNECTED ===",
		"device_id", conn.DeviceID,
		"connection_id", conn.ID,
		"total_agents", total,
	)
	return old
}

// OnDisconnect removes conn if it is still the holder for its device and
// reports whether it was removed.
func (m *Manager) OnDisconnect(conn *Connection) bool {
	m.mu.Lock()
	current, ok := m.conns[conn.DeviceID]
	removed := ok && current == conn
	if removed {
		delete(m.conns, conn.DeviceID)
	}
	total := len(m.conns)
	m.mu.Unlock()

	conn.Close(ReasonDisconnected)

	if removed {
		m.logger.Info("=== AGENT DISCONNECTED ===",
			"device_id", conn.DeviceID,
			"connection_id", conn.ID,
			"total_agents", total,
		)
	} else {
		m.logger.Debug("stale disconnect ignored",
			"device_id", conn.DeviceID,
			"connection_id", conn.ID,
		)
	}
	return removed
}

// Get returns the live connection for deviceID.
func (m *Manager) Get(deviceID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[deviceID]
	return c, ok
}

// IsOnline reports whether deviceID has a live connection.
func (m *Manager) IsOnline(deviceID string) bool {
	_, ok := m.Get(deviceID)
	return ok
}

// Send delivers msg to deviceID. It returns false when the device is offline
// or the write fails; nothing is queued for later.
func (m *Manager) Send(deviceID string, msg protocol.Message) bool {
	conn, ok := m.Get(deviceID)
	if !ok {
		m.logger.Debug("send to offline device", "device_id", deviceID, "type", msg.Header().Type)
		return false
	}
	if err := conn.Send(msg); err != nil {
		m.logger.Warn("send failed", "device_id", deviceID, "type", msg.Header().Type, "error", err)
		return false
	}
	return true
}

// List returns every live connection sorted by device id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, Info{
			DeviceID:     c.DeviceID,
			ConnectionID: c.ID,
			Fingerprint:  c.Fingerprint,
			ConnectedAt:  c.ConnectedAt,
			LastSeen:     c.LastSeen(),
		})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// ReapIdle closes connections silent for longer than timeout and returns
// them. The stream handlers observe Done and disconnect normally.
func (m *Manager) ReapIdle(now time.Time, timeout time.Duration) []*Connection {
	m.mu.RLock()
	var idle []*Connection
	for _, c := range m.conns {
		if now.Sub(c.LastSeen()) > timeout {
			idle = append(idle, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range idle {
		m.logger.Warn("heartbeat timeout", "device_id", c.DeviceID, "last_seen", c.LastSeen())
		c.Close(ReasonHeartbeatTimeout)
	}
	return idle
}

// CloseAll closes every live connection.
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.Close(reason)
	}
}
