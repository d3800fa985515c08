// ABOUTME: Command execution on the agent: dedup, progress, chunked output, result.
// ABOUTME: Also answers cancel requests against the executor's running set.

package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389/opsrelay/internal/executor"
	"github.com/2389/opsrelay/internal/protocol"
)

func (r *Runtime) handleCommand(ctx context.Context, cmd *protocol.Command) {
	if r.seen.CheckAndMark(cmd.IdempotencyKey) {
		r.logger.Info("duplicate idempotency key, skipping",
			"command_id", cmd.CommandID,
			"idempotency_key", cmd.IdempotencyKey,
		)
		return
	}

	r.logger.Info("executing command",
		"command_id", cmd.CommandID,
		"action", cmd.Action,
		"attempt", cmd.Attempt,
		"timeout_ms", cmd.TimeoutMS,
	)

	r.commands.Add(1)
	go func() {
		defer r.commands.Done()
		r.execute(ctx, cmd)
	}()
}

func (r *Runtime) execute(ctx context.Context, cmd *protocol.Command) {
	r.send(ctx, &protocol.Progress{
		Envelope:  r.envelope(protocol.TypeProgress, cmd.TraceID),
		CommandID: cmd.CommandID,
		Status:    protocol.ProgressRunning,
		Message:   "Executing...",
	}, false)

	chunks := newChunker(r, ctx, cmd)
	start := time.Now()
	res := r.exec.Execute(ctx, executor.Request{
		CommandID: cmd.CommandID,
		Action:    cmd.Action,
		Params:    cmd.Params,
		Timeout:   time.Duration(cmd.TimeoutMS) * time.Millisecond,
		OnOutput:  chunks.write,
	})
	duration := time.Since(start)
	chunks.finish()

	if res.Crashed {
		r.send(ctx, &protocol.Event{
			Envelope:  r.envelope(protocol.TypeEvent, cmd.TraceID),
			Event:     protocol.EventProcessCrashed,
			Severity:  protocol.SeverityError,
			CommandID: cmd.CommandID,
			Data:      map[string]any{"action": cmd.Action, "message": res.ErrorMessage},
		}, true)
	}

	r.logger.Info("command finished",
		"command_id", cmd.CommandID,
		"status", res.Status,
		"error_code", res.ErrorCode,
		"duration", duration,
	)
	r.send(ctx, r.resultMessage(cmd, res, duration), false)
}

func (r *Runtime) resultMessage(cmd *protocol.Command, res executor.Result, duration time.Duration) *protocol.Result {
	preview := clip(res.Output, r.opts.PreviewSize)
	return &protocol.Result{
		Envelope:        r.envelope(protocol.TypeResult, cmd.TraceID),
		CommandID:       cmd.CommandID,
		Attempt:         cmd.Attempt,
		Status:          res.Status,
		ExitCode:        res.ExitCode,
		Killed:          res.Killed,
		OutputPreview:   preview,
		OutputBytes:     res.OutputBytes,
		OutputTruncated: res.Truncated || len(preview) < len(res.Output),
		OutputHash:      res.OutputHash(),
		ErrorCode:       res.ErrorCode,
		ErrorMessage:    res.ErrorMessage,
		DurationMS:      duration.Milliseconds(),
		Data:            res.Data,
	}
}

func (r *Runtime) handleCancel(ctx context.Context, req *protocol.CancelRequest) {
	killed := r.exec.Cancel(req.CommandID)
	status, message := protocol.CancelNotFound, "Command not found or already finished"
	if killed {
		status, message = protocol.CancelCancelled, "Process terminated"
	}
	r.logger.Info("cancel request", "command_id", req.CommandID, "status", status)
	r.send(ctx, &protocol.CancelResult{
		Envelope:  r.envelope(protocol.TypeCancelResult, req.TraceID),
		CommandID: req.CommandID,
		Status:    status,
		Message:   message,
	}, false)
}

// clip cuts s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// chunker turns streamed output into progress messages carrying at most
// ChunkSize bytes each, with increasing chunk indexes.
type chunker struct {
	r   *Runtime
	ctx context.Context
	cmd *protocol.Command

	mu        sync.Mutex
	buf       []byte
	index     int
	lastFlush time.Time
}

func newChunker(r *Runtime, ctx context.Context, cmd *protocol.Command) *chunker {
	return &chunker{r: r, ctx: ctx, cmd: cmd, lastFlush: time.Now()}
}

func (c *chunker) write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, p...)
	size := c.r.opts.ChunkSize
	for len(c.buf) >= size {
		n := completePrefix(c.buf[:size])
		if n == 0 {
			n = size
		}
		c.emit(c.buf[:n], false)
		c.buf = c.buf[n:]
	}
	if len(c.buf) > 0 && time.Since(c.lastFlush) >= c.r.opts.ChunkFlushInterval {
		if n := completePrefix(c.buf); n > 0 {
			c.emit(c.buf[:n], false)
			c.buf = c.buf[n:]
		}
	}
}

// completePrefix returns the length of b without a trailing partial rune.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// finish sends whatever is buffered as the final chunk. Nothing is sent for
// a command that produced no output.
func (c *chunker) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index == 0 && len(c.buf) == 0 {
		return
	}
	c.emit(c.buf, true)
	c.buf = nil
}

func (c *chunker) emit(data []byte, final bool) {
	index := c.index
	c.index++
	c.lastFlush = time.Now()
	c.r.send(c.ctx, &protocol.Progress{
		Envelope:    c.r.envelope(protocol.TypeProgress, c.cmd.TraceID),
		CommandID:   c.cmd.CommandID,
		Status:      protocol.ProgressRunning,
		OutputChunk: string(data),
		ChunkIndex:  &index,
		ChunkFinal:  final,
		Message:     fmt.Sprintf("output chunk %d", index),
	}, !final)
}
