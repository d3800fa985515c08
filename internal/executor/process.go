// ABOUTME: Process-backed actions: run_command and the git family.
// ABOUTME: Output is streamed while it arrives and collected for the result.

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"sync"

	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/supervisor"
)

// collector captures both streams and forwards each write to the request's
// output callback in arrival order.
type collector struct {
	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer
	emit   func([]byte)
}

func (c *collector) write(buf *bytes.Buffer, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf.Write(p)
	if c.emit != nil {
		c.emit(bytes.Clone(p))
	}
}

func (c *collector) onStdout(p []byte) { c.write(&c.stdout, p) }
func (c *collector) onStderr(p []byte) { c.write(&c.stderr, p) }

func (c *collector) output(truncated bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stdout.String()
	if c.stderr.Len() > 0 {
		out += "\n[stderr]\n" + c.stderr.String()
	}
	if truncated {
		out += supervisor.TruncationMarker
	}
	return out
}

// processRun describes one supervised invocation inside an action.
type processRun struct {
	id   string
	path string
	args []string
	dir  string
	// failCode is reported for a non-zero exit.
	failCode string
}

func (c *Call) spawn(ctx context.Context, run processRun) Result {
	col := &collector{emit: c.OnOutput}
	outcome, err := c.registry.sup.Spawn(ctx, supervisor.Spec{
		CommandID: run.id,
		Path:      run.path,
		Args:      run.args,
		Dir:       run.dir,
		Timeout:   c.Timeout,
		MaxOutput: c.registry.opts.MaxOutput,
		OnStdout:  col.onStdout,
		OnStderr:  col.onStderr,
	})
	if err != nil {
		var spawnErr *supervisor.SpawnError
		if errors.As(err, &spawnErr) {
			return fail(protocol.CodeSpawnError, "%v", spawnErr.Err)
		}
		return fail(protocol.CodeExecutionError, "%v", err)
	}

	res := Result{
		Output:      col.output(outcome.Truncated()),
		OutputBytes: outcome.StdoutBytes + outcome.StderrBytes,
		Truncated:   outcome.Truncated(),
		Killed:      outcome.Killed,
		ExitCode:    outcome.ExitCode,
	}
	switch {
	case outcome.Killed:
		res.ExitCode = nil
		switch outcome.Reason {
		case supervisor.ReasonTimeout:
			res.Status = protocol.StatusTimeout
			res.ErrorCode = protocol.CodeTimeout
			res.ErrorMessage = fmt.Sprintf("Process killed after %v timeout", c.Timeout)
		case supervisor.ReasonShutdown:
			res.Status = protocol.StatusTerminated
			res.ErrorCode = protocol.CodeCancelled
			res.ErrorMessage = "Process killed during agent shutdown"
		default:
			res.Status = protocol.StatusCancelled
			res.ErrorCode = protocol.CodeCancelled
			res.ErrorMessage = "Process killed on cancel request"
		}
		if res.Output == "" {
			res.Output = res.ErrorMessage
		}
	case outcome.ExitCode == nil:
		res.Status = protocol.StatusError
		res.ErrorCode = protocol.CodeExecutionError
		res.ErrorMessage = "Process terminated by signal"
		res.Crashed = true
	case *outcome.ExitCode == 0:
		res.Status = protocol.StatusSuccess
	default:
		res.Status = protocol.StatusError
		res.ErrorCode = run.failCode
		res.ErrorMessage = fmt.Sprintf("exit status %d", *outcome.ExitCode)
	}
	return res
}

// shell returns the interpreter used for run_command.
func shell(command string) (string, []string) {
	if goruntime.GOOS == "windows" {
		return "cmd", []string{"/C", command}
	}
	return "/bin/sh", []string{"-c", command}
}

func (c *Call) workDir() (string, *Result) {
	dir, ok := stringParam(c.Params, "cwd")
	if !ok {
		return "", nil
	}
	resolved, err := c.registry.resolvePath(dir)
	if err != nil {
		res := fail(protocol.CodePathDenied, "%v", err)
		return "", &res
	}
	return resolved, nil
}

func runCommand(ctx context.Context, c *Call) Result {
	command, ok := stringParam(c.Params, "command")
	if !ok {
		return missing("command")
	}
	dir, denied := c.workDir()
	if denied != nil {
		return *denied
	}
	path, args := shell(command)
	return c.spawn(ctx, processRun{
		id:       c.CommandID,
		path:     path,
		args:     args,
		dir:      dir,
		failCode: protocol.CodeNonZeroExit,
	})
}

func gitStatus(ctx context.Context, c *Call) Result {
	dir, denied := c.workDir()
	if denied != nil {
		return *denied
	}
	return c.spawn(ctx, processRun{
		id:       c.CommandID,
		path:     "git",
		args:     []string{"status", "--porcelain", "-b"},
		dir:      dir,
		failCode: protocol.CodeGitError,
	})
}

func gitPull(ctx context.Context, c *Call) Result {
	dir, denied := c.workDir()
	if denied != nil {
		return *denied
	}
	remote, ok := stringParam(c.Params, "remote")
	if !ok {
		remote = "origin"
	}
	args := []string{"pull", remote}
	if branch, ok := stringParam(c.Params, "branch"); ok {
		args = append(args, branch)
	}
	return c.spawn(ctx, processRun{
		id:       c.CommandID,
		path:     "git",
		args:     args,
		dir:      dir,
		failCode: protocol.CodeGitError,
	})
}

func gitCommit(ctx context.Context, c *Call) Result {
	dir, denied := c.workDir()
	if denied != nil {
		return *denied
	}
	message, ok := stringParam(c.Params, "message")
	if !ok {
		message = "Auto-commit from opsrelay"
	}

	if boolParam(c.Params, "add_all", true) {
		add := c.spawn(ctx, processRun{
			id:       c.CommandID + ":add",
			path:     "git",
			args:     []string{"add", "-A"},
			dir:      dir,
			failCode: protocol.CodeGitAddFailed,
		})
		if add.Status != protocol.StatusSuccess {
			add.Output = "git add failed: " + add.Output
			return add
		}
	}

	// The message travels as a single argv entry, so no shell quoting.
	return c.spawn(ctx, processRun{
		id:       c.CommandID,
		path:     "git",
		args:     []string{"commit", "-m", message},
		dir:      dir,
		failCode: protocol.CodeGitError,
	})
}
