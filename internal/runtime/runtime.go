// ABOUTME: Agent connection state machine: connect, serve, back off, reconnect.
// ABOUTME: Reader and writer loops share one errgroup per connection.

package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/opsrelay/internal/backoff"
	"github.com/2389/opsrelay/internal/dedupe"
	"github.com/2389/opsrelay/internal/executor"
	"github.com/2389/opsrelay/internal/protocol"
)

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const outboxSize = 256

// Options tunes the runtime. Zero fields take the defaults below.
type Options struct {
	HeartbeatInterval   time.Duration
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration
	IdempotencyCapacity int
	ChunkSize           int
	PreviewSize         int
	// ChunkFlushInterval bounds how long streamed output waits for a full
	// chunk before it is sent anyway.
	ChunkFlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 3 * time.Second
	}
	if o.ReconnectMax < o.ReconnectBase {
		o.ReconnectMax = max(30*time.Second, o.ReconnectBase)
	}
	if o.IdempotencyCapacity <= 0 {
		o.IdempotencyCapacity = 10000
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 64000
	}
	if o.PreviewSize <= 0 {
		o.PreviewSize = 4000
	}
	if o.ChunkFlushInterval <= 0 {
		o.ChunkFlushInterval = 250 * time.Millisecond
	}
	return o
}

// Stream is the agent's side of one coordinator connection.
type Stream interface {
	Send(*protocol.Frame) error
	Recv() (*protocol.Frame, error)
	CloseSend() error
}

// Dialer opens a stream. It returns only after the coordinator accepted it.
type Dialer func(ctx context.Context) (Stream, error)

// Executor runs actions.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) executor.Result
	Cancel(commandID string) bool
	Running() int
}

// Runtime is the agent's connection loop.
type Runtime struct {
	opts   Options
	dial   Dialer
	exec   Executor
	signer protocol.Signer
	logger *slog.Logger

	seen    *dedupe.Cache
	state   atomic.Int32
	attempt int

	outbox  chan protocol.Message
	carryMu sync.Mutex
	carry   []protocol.Message

	dropped  atomic.Int64
	commands sync.WaitGroup
}

// New creates a runtime. signer may be nil.
func New(dial Dialer, exec Executor, signer protocol.Signer, opts Options, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Runtime{
		opts:   opts,
		dial:   dial,
		exec:   exec,
		signer: signer,
		logger: logger.With("component", "runtime"),
		seen:   dedupe.NewBounded(opts.IdempotencyCapacity),
		outbox: make(chan protocol.Message, outboxSize),
	}
}

// State returns the current connection state.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

func (r *Runtime) setState(s State) {
	if prev := State(r.state.Swap(int32(s))); prev != s {
		r.logger.Debug("state change", "from", prev, "to", s)
	}
}

// DroppedProgress returns how many best-effort progress messages were
// discarded because the outbox was full.
func (r *Runtime) DroppedProgress() int64 {
	return r.dropped.Load()
}

// Run connects and serves until ctx is cancelled. It waits for in-flight
// commands to report before returning.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.seen.Close()
	defer r.commands.Wait()

	for {
		r.setState(StateConnecting)
		err := r.session(ctx)
		r.setState(StateDisconnected)
		if ctx.Err() != nil {
			r.logger.Info("runtime stopped")
			return nil
		}

		delay := backoff.Delay(r.attempt, r.opts.ReconnectBase, r.opts.ReconnectMax)
		r.attempt++
		r.logger.Warn("disconnected from coordinator",
			"error", err,
			"retry_in", delay,
			"attempt", r.attempt,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("runtime stopped")
			return nil
		case <-timer.C:
		}
	}
}

// session serves one connection until it fails.
func (r *Runtime) session(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := r.dial(streamCtx)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	r.attempt = 0
	r.setState(StateConnected)
	r.logger.Info("=== CONNECTED TO COORDINATOR ===")

	g, gctx := errgroup.WithContext(streamCtx)
	g.Go(func() error {
		// Recv only unblocks when the stream's context ends.
		<-gctx.Done()
		cancel()
		return gctx.Err()
	})
	g.Go(func() error { return r.readLoop(ctx, stream) })
	g.Go(func() error { return r.writeLoop(gctx, stream) })

	err = g.Wait()
	if errors.Is(err, io.EOF) {
		err = errors.New("coordinator closed the stream")
	}
	return err
}

func (r *Runtime) readLoop(runCtx context.Context, stream Stream) error {
	for {
		frame, err := stream.Recv()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(frame.Data)
		if err != nil {
			r.rejectFrame(err)
			continue
		}
		r.dispatch(runCtx, msg)
	}
}

func (r *Runtime) dispatch(runCtx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Command:
		r.handleCommand(runCtx, m)
	case *protocol.CancelRequest:
		r.handleCancel(runCtx, m)
	case *protocol.HeartbeatAck:
		r.logger.Debug("heartbeat acknowledged", "coordinator_ts", m.TS)
	case *protocol.ErrorFrame:
		r.logger.Warn("coordinator rejected a message", "ref_id", m.RefID, "errors", m.Errors)
	default:
		r.logger.Debug("ignoring message", "type", msg.Header().Type, "id", msg.Header().ID)
	}
}

// rejectFrame tells the coordinator which fields of a frame were invalid.
func (r *Runtime) rejectFrame(err error) {
	var verr *protocol.ValidationError
	if !errors.As(err, &verr) {
		r.logger.Debug("ignoring frame", "error", err)
		return
	}
	r.logger.Warn("dropping invalid frame", "error", err)
	r.send(context.Background(), &protocol.ErrorFrame{
		Envelope: r.envelope(protocol.TypeError, ""),
		RefID:    verr.ID,
		Errors:   verr.Fields,
	}, true)
}

func (r *Runtime) writeLoop(ctx context.Context, stream Stream) error {
	if err := r.flushCarry(stream); err != nil {
		return err
	}

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = stream.CloseSend()
			return ctx.Err()
		case <-ticker.C:
			hb := &protocol.Heartbeat{
				Envelope: r.envelope(protocol.TypeHeartbeat, ""),
				Running:  r.exec.Running(),
			}
			if err := r.write(stream, hb); err != nil {
				return err
			}
		case msg := <-r.outbox:
			if err := r.write(stream, msg); err != nil {
				r.keep(msg)
				return err
			}
		}
	}
}

// keep holds a message whose send failed for the next connection.
func (r *Runtime) keep(msg protocol.Message) {
	r.carryMu.Lock()
	r.carry = append(r.carry, msg)
	r.carryMu.Unlock()
}

func (r *Runtime) flushCarry(stream Stream) error {
	r.carryMu.Lock()
	defer r.carryMu.Unlock()
	for len(r.carry) > 0 {
		if err := r.write(stream, r.carry[0]); err != nil {
			return err
		}
		r.carry = r.carry[1:]
	}
	r.carry = nil
	return nil
}

func (r *Runtime) write(stream Stream, msg protocol.Message) error {
	if r.signer != nil && msg.Header().Signature == "" {
		if err := r.signer.Sign(msg.Header()); err != nil {
			return fmt.Errorf("signing %s: %w", msg.Header().Type, err)
		}
	}
	frame, err := protocol.NewFrame(msg)
	if err != nil {
		r.logger.Error("dropping unencodable message", "type", msg.Header().Type, "error", err)
		return nil
	}
	if err := stream.Send(frame); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Header().Type, err)
	}
	return nil
}

// send queues msg for the writer. Best-effort messages are dropped when the
// outbox is full; the rest wait until ctx ends.
func (r *Runtime) send(ctx context.Context, msg protocol.Message, bestEffort bool) {
	if bestEffort {
		select {
		case r.outbox <- msg:
		default:
			r.dropped.Add(1)
		}
		return
	}
	select {
	case r.outbox <- msg:
	case <-ctx.Done():
		r.logger.Warn("dropping message at shutdown", "type", msg.Header().Type, "id", msg.Header().ID)
	}
}

func (r *Runtime) envelope(t protocol.MessageType, traceID string) protocol.Envelope {
	return protocol.NewEnvelope(t, protocol.PartyAgent, protocol.PartyCoordinator, traceID)
}
