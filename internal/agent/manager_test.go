// ABOUTME: Tests for the device connection registry and Connection.
// ABOUTME: Covers newest-wins replacement, stale disconnects, sends and reaping.

package agent

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opsrelay/internal/protocol"
)

// fakeStream records frames written by a Connection.
type fakeStream struct {
	mu     sync.Mutex
	frames []*protocol.Frame
	err    error
}

func (f *fakeStream) Send(frame *protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeStream) sent() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, 0, len(f.frames))
	for _, fr := range f.frames {
		msg, err := protocol.Decode(fr.Data)
		if err != nil {
			panic(err)
		}
		out = append(out, msg)
	}
	return out
}

func newConn(deviceID string, stream FrameSender) *Connection {
	return NewConnection(ConnectionParams{
		DeviceID:    deviceID,
		Fingerprint: "fp-" + deviceID,
		Stream:      stream,
		Logger:      slog.Default(),
	})
}

func ack() *protocol.HeartbeatAck {
	return &protocol.HeartbeatAck{
		Envelope: protocol.NewEnvelope(protocol.TypeHeartbeatAck, protocol.PartyCoordinator, protocol.PartyAgent, ""),
		TS:       time.Now().UnixMilli(),
	}
}

func TestConnectionSend(t *testing.T) {
	t.Run("writes encoded frame", func(t *testing.T) {
		stream := &fakeStream{}
		conn := newConn("dev-1", stream)

		require.NoError(t, conn.Send(ack()))

		msgs := stream.sent()
		require.Len(t, msgs, 1)
		assert.Equal(t, protocol.TypeHeartbeatAck, msgs[0].Header().Type)
	})

	t.Run("fails after close", func(t *testing.T) {
		stream := &fakeStream{}
		conn := newConn("dev-1", stream)
		conn.Close("test")

		err := conn.Send(ack())
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.Empty(t, stream.sent())
	})

	t.Run("wraps stream error", func(t *testing.T) {
		boom := errors.New("boom")
		conn := newConn("dev-1", &fakeStream{err: boom})

		err := conn.Send(ack())
		assert.ErrorIs(t, err, boom)
	})
}

func TestConnectionClose(t *testing.T) {
	conn := newConn("dev-1", &fakeStream{})
	assert.Empty(t, conn.CloseReason())

	conn.Close("first")
	conn.Close("second")

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done should be closed")
	}
	assert.Equal(t, "first", conn.CloseReason())

	// Detach on an already closed connection must not block.
	conn.Detach("third")
	assert.Equal(t, "first", conn.CloseReason())
}

func TestManagerOnConnect(t *testing.T) {
	t.Run("registers connection", func(t *testing.T) {
		mgr := NewManager(slog.Default())
		conn := newConn("dev-1", &fakeStream{})

		displaced := mgr.OnConnect(conn)

		assert.Nil(t, displaced)
		assert.True(t, mgr.IsOnline("dev-1"))
		got, ok := mgr.Get("dev-1")
		require.True(t, ok)
		assert.Same(t, conn, got)
	})

	t.Run("newest connection wins", func(t *testing.T) {
		mgr := NewManager(slog.Default())
		first := newConn("dev-1", &fakeStream{})
		second := newConn("dev-1", &fakeStream{})

		mgr.OnConnect(first)
		displaced := mgr.OnConnect(second)

		require.NotNil(t, displaced)
		assert.Same(t, first, displaced)
		assert.Equal(t, ReasonDisplaced, first.CloseReason())
		assert.Empty(t, second.CloseReason())

		got, _ := mgr.Get("dev-1")
		assert.Same(t, second, got)
	})

	t.Run("reconnecting the same connection is not a displacement", func(t *testing.T) {
		mgr := NewManager(slog.Default())
		conn := newConn("dev-1", &fakeStream{})

		mgr.OnConnect(conn)
		assert.Nil(t, mgr.OnConnect(conn))
		assert.Empty(t, conn.CloseReason())
	})
}

func TestManagerOnDisconnect(t *testing.T) {
	t.Run("removes current holder", func(t *testing.T) {
		mgr := NewManager(slog.Default())
		conn := newConn("dev-1", &fakeStream{})
		mgr.OnConnect(conn)

		assert.True(t, mgr.OnDisconnect(conn))
		assert.False(t, mgr.IsOnline("dev-1"))
	})

	t.Run("stale disconnect keeps newer holder", func(t *testing.T) {
		mgr := NewManager(slog.Default())
		first := newConn("dev-1", &fakeStream{})
		second := newConn("dev-1", &fakeStream{})
		mgr.OnConnect(first)
		mgr.OnConnect(second)

		assert.False(t, mgr.OnDisconnect(first))

		got, ok := mgr.Get("dev-1")
		require.True(t, ok)
		assert.Same(t, second, got)
	})

	t.Run("unknown connection", func(t *testing.T) {
		mgr := NewManager(slog.Default())
		assert.False(t, mgr.OnDisconnect(newConn("ghost", &fakeStream{})))
	})
}

func TestManagerSend(t *testing.T) {
	t.Run("offline device", func(t *testing.T) {
		mgr := NewManager(slog.Default())
		assert.False(t, mgr.Send("nope", ack()))
	})

	t.Run("delivers to holder", func(t *testing.T) {
		mgr := NewManager(slog.Default())
		stream := &fakeStream{}
		mgr.OnConnect(newConn("dev-1", stream))

		assert.True(t, mgr.Send("dev-1", ack()))
		assert.Len(t, stream.sent(), 1)
	})

	t.Run("write failure reports false", func(t *testing.T) {
		mgr := NewManager(slog.Default())
		mgr.OnConnect(newConn("dev-1", &fakeStream{err: errors.New("broken pipe")}))

		assert.False(t, mgr.Send("dev-1", ack()))
	})

	t.Run("displaced connection receives nothing", func(t *testing.T) {
		mgr := NewManager(slog.Default())
		oldStream := &fakeStream{}
		newStream := &fakeStream{}
		mgr.OnConnect(newConn("dev-1", oldStream))
		mgr.OnConnect(newConn("dev-1", newStream))

		assert.True(t, mgr.Send("dev-1", ack()))
		assert.Empty(t, oldStream.sent())
		assert.Len(t, newStream.sent(), 1)
	})
}

func TestManagerList(t *testing.T) {
	mgr := NewManager(slog.Default())
	mgr.OnConnect(newConn("dev-b", &fakeStream{}))
	mgr.OnConnect(newConn("dev-a", &fakeStream{}))

	list := mgr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "dev-a", list[0].DeviceID)
	assert.Equal(t, "dev-b", list[1].DeviceID)
	assert.Equal(t, "fp-dev-a", list[0].Fingerprint)
}

func TestManagerReapIdle(t *testing.T) {
	mgr := NewManager(slog.Default())
	stale := newConn("stale", &fakeStream{})
	fresh := newConn("fresh", &fakeStream{})
	mgr.OnConnect(stale)
	mgr.OnConnect(fresh)

	now := time.Now()
	stale.Touch(now.Add(-2 * time.Minute))
	fresh.Touch(now)

	reaped := mgr.ReapIdle(now, 30*time.Second)

	require.Len(t, reaped, 1)
	assert.Same(t, stale, reaped[0])
	assert.Equal(t, ReasonHeartbeatTimeout, stale.CloseReason())
	assert.Empty(t, fresh.CloseReason())
}

func TestManagerCloseAll(t *testing.T) {
	mgr := NewManager(slog.Default())
	a := newConn("a", &fakeStream{})
	b := newConn("b", &fakeStream{})
	mgr.OnConnect(a)
	mgr.OnConnect(b)

	mgr.CloseAll(ReasonShutdown)

	assert.Equal(t, ReasonShutdown, a.CloseReason())
	assert.Equal(t, ReasonShutdown, b.CloseReason())
}

func TestManagerConcurrentConnect(t *testing.T) {
	mgr := NewManager(slog.Default())
	var wg sync.WaitGroup
	conns := make([]*Connection, 20)
	for i := range conns {
		conns[i] = newConn("dev-1", &fakeStream{})
	}
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			mgr.OnConnect(c)
		}(c)
	}
	wg.Wait()

	holder, ok := mgr.Get("dev-1")
	require.True(t, ok)
	open := 0
	for _, c := range conns {
		if c.CloseReason() == "" {
			open++
			assert.Same(t, holder, c)
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly one open connection, got %d", open)
	}
}
