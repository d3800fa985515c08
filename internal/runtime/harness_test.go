// ABOUTME: Test harness: an in-memory coordinator over bufconn and a fake executor.
// ABOUTME: Tests drive the coordinator side and read decoded agent messages.

package runtime

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/opsrelay/internal/executor"
	"github.com/2389/opsrelay/internal/protocol"
)

const waitTimeout = 5 * time.Second

// serverConn is the coordinator's view of one accepted agent stream.
type serverConn struct {
	t      *testing.T
	stream protocol.AgentStreamServer
	recv   chan protocol.Message
	kill   chan struct{}
	once   sync.Once
}

func (c *serverConn) send(msg protocol.Message) {
	c.t.Helper()
	frame, err := protocol.NewFrame(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.stream.Send(frame))
}

func (c *serverConn) sendRaw(data []byte) {
	c.t.Helper()
	require.NoError(c.t, c.stream.Send(&protocol.Frame{Data: data}))
}

// drop ends the stream from the coordinator side.
func (c *serverConn) drop() {
	c.once.Do(func() { close(c.kill) })
}

// expect returns the next agent message of type T, skipping others.
func expect[T protocol.Message](t *testing.T, c *serverConn) T {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-c.recv:
			if m, ok := msg.(T); ok {
				return m
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// untilResult collects progress messages until the result for commandID.
func untilResult(t *testing.T, c *serverConn, commandID string) ([]*protocol.Progress, *protocol.Result) {
	t.Helper()
	var progress []*protocol.Progress
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-c.recv:
			switch m := msg.(type) {
			case *protocol.Progress:
				if m.CommandID == commandID {
					progress = append(progress, m)
				}
			case *protocol.Result:
				if m.CommandID == commandID {
					return progress, m
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for result of %s", commandID)
			return nil, nil
		}
	}
}

type fakeCoordinator struct {
	t     *testing.T
	conns chan *serverConn
}

func (f *fakeCoordinator) AgentStream(stream protocol.AgentStreamServer) error {
	if err := stream.SendHeader(metadata.Pairs(protocol.ConnectionHeader, uuid.NewString())); err != nil {
		return err
	}
	c := &serverConn{
		t:      f.t,
		stream: stream,
		recv:   make(chan protocol.Message, 256),
		kill:   make(chan struct{}),
	}
	f.conns <- c

	errc := make(chan error, 1)
	go func() {
		for {
			frame, err := stream.Recv()
			if err != nil {
				errc <- err
				return
			}
			msg, err := protocol.Decode(frame.Data)
			if err != nil {
				continue
			}
			select {
			case c.recv <- msg:
			case <-stream.Context().Done():
				return
			}
		}
	}()

	select {
	case <-c.kill:
		return status.Error(codes.Unavailable, "dropped by coordinator")
	case err := <-errc:
		if err == io.EOF {
			return nil
		}
		return err
	}
}

// accept waits for the agent's next connection.
func (f *fakeCoordinator) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the agent to connect")
		return nil
	}
}

// newBufconn serves a coordinator in memory and returns a client conn to it.
func newBufconn(t *testing.T, srv protocol.AgentControlServer, opts ...grpc.ServerOption) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(opts...)
	protocol.RegisterAgentControlServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

// fakeExec runs a scripted function per command and tracks cancellation.
type fakeExec struct {
	run func(ctx context.Context, req executor.Request) executor.Result

	mu      sync.Mutex
	calls   []executor.Request
	running map[string]context.CancelFunc
}

func newFakeExec(run func(ctx context.Context, req executor.Request) executor.Result) *fakeExec {
	return &fakeExec{run: run, running: make(map[string]context.CancelFunc)}
}

func (f *fakeExec) Execute(ctx context.Context, req executor.Request) executor.Result {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.running[req.CommandID] = cancel
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.running, req.CommandID)
		f.mu.Unlock()
		cancel()
	}()
	return f.run(ctx, req)
}

func (f *fakeExec) Cancel(id string) bool {
	f.mu.Lock()
	cancel, ok := f.running[id]
	f.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (f *fakeExec) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}

func (f *fakeExec) Calls() []executor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Request(nil), f.calls...)
}

func succeed(output string) func(context.Context, executor.Request) executor.Result {
	return func(_ context.Context, req executor.Request) executor.Result {
		if req.OnOutput != nil && output != "" {
			req.OnOutput([]byte(output))
		}
		code := 0
		return executor.Result{
			Status:      protocol.StatusSuccess,
			ExitCode:    &code,
			Output:      output,
			OutputBytes: int64(len(output)),
		}
	}
}

// testOptions keeps timers short enough for tests.
func testOptions() Options {
	return Options{
		HeartbeatInterval:   time.Hour,
		ReconnectBase:       10 * time.Millisecond,
		ReconnectMax:        50 * time.Millisecond,
		IdempotencyCapacity: 100,
		ChunkSize:           64,
		PreviewSize:         32,
		ChunkFlushInterval:  time.Hour,
	}
}

// startRuntime runs a Runtime against coord until the test ends.
func startRuntime(t *testing.T, coord *fakeCoordinator, exec Executor, opts Options) (*Runtime, context.CancelFunc) {
	t.Helper()
	cc := newBufconn(t, coord)
	rt := New(GRPCDialer(cc, "test-device", nil), exec, nil, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(waitTimeout):
			t.Error("runtime did not stop")
		}
	})
	return rt, cancel
}

func newCoordinator(t *testing.T) *fakeCoordinator {
	return &fakeCoordinator{t: t, conns: make(chan *serverConn, 8)}
}

func command(id, key, action string) *protocol.Command {
	return &protocol.Command{
		Envelope:       protocol.NewEnvelope(protocol.TypeCommand, protocol.PartyCoordinator, protocol.PartyAgent, ""),
		CommandID:      id,
		Action:         action,
		TimeoutMS:      5000,
		IdempotencyKey: key,
	}
}

// generateKey returns an SSH signer and its authorized_keys line.
func generateKey(t *testing.T) (ssh.Signer, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer, string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
}
