// ABOUTME: Tests for the action registry and its built-in handlers
// ABOUTME: Process tests use /bin/sh and are skipped on Windows

package executor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opsrelay/internal/actions"
	"github.com/2389/opsrelay/internal/protocol"
	"github.com/2389/opsrelay/internal/supervisor"
)

func newRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r := New(actions.Default(), supervisor.New(nil), opts, nil)
	t.Cleanup(func() { r.Shutdown() })
	return r
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExecuteRejections(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		action string
		code   string
	}{
		{"unknown action", Options{}, "format_disk", protocol.CodeUnknownAction},
		{"catalogued but not implemented", Options{}, "capture_screenshot", protocol.CodeNotImplemented},
		{"readonly refuses mutation", Options{Readonly: true}, "run_command", protocol.CodeReadonly},
		{"readonly refuses write", Options{Readonly: true}, "write_file", protocol.CodeReadonly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRegistry(t, tt.opts)
			res := r.Execute(context.Background(), Request{CommandID: "c1", Action: tt.action})
			assert.Equal(t, protocol.StatusError, res.Status)
			assert.Equal(t, tt.code, res.ErrorCode)
			assert.NotEmpty(t, res.ErrorMessage)
			assert.Equal(t, 0, r.Running())
		})
	}
}

func TestReadonlyAllowsReads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	r := newRegistry(t, Options{Readonly: true})
	res := r.Execute(context.Background(), Request{CommandID: "c1", Action: "read_file", Params: map[string]any{"path": path}})
	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "hello", res.Output)
}

func TestRunCommandSuccessStreamsOutput(t *testing.T) {
	skipOnWindows(t)
	r := newRegistry(t, Options{})

	var mu sync.Mutex
	var streamed strings.Builder
	res := r.Execute(context.Background(), Request{
		CommandID: "c1",
		Action:    "run_command",
		Params:    map[string]any{"command": "echo hello"},
		OnOutput: func(p []byte) {
			mu.Lock()
			streamed.Write(p)
			mu.Unlock()
		},
	})

	require.Equal(t, protocol.StatusSuccess, res.Status, res.Output)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, "hello\n", res.Output)
	assert.Equal(t, int64(6), res.OutputBytes)
	assert.NotEmpty(t, res.OutputHash())
	mu.Lock()
	assert.Equal(t, "hello\n", streamed.String())
	mu.Unlock()
}

func TestRunCommandNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	r := newRegistry(t, Options{})

	res := r.Execute(context.Background(), Request{
		CommandID: "c1",
		Action:    "run_command",
		Params:    map[string]any{"command": "echo out; echo oops >&2; exit 3"},
	})
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.Equal(t, protocol.CodeNonZeroExit, res.ErrorCode)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
	assert.Contains(t, res.Output, "out\n")
	assert.Contains(t, res.Output, "[stderr]\noops")
}

func TestRunCommandTimeout(t *testing.T) {
	skipOnWindows(t)
	sup := supervisor.New(nil)
	r := New(actions.Default(), sup, Options{}, nil)

	res := r.Execute(context.Background(), Request{
		CommandID: "c1",
		Action:    "run_command",
		Params:    map[string]any{"command": "sleep 5"},
		Timeout:   300 * time.Millisecond,
	})
	assert.Equal(t, protocol.StatusTimeout, res.Status)
	assert.Equal(t, protocol.CodeTimeout, res.ErrorCode)
	assert.Nil(t, res.ExitCode)
	assert.True(t, res.Killed)
	assert.False(t, sup.IsRunning("c1"))
	assert.False(t, r.IsRunning("c1"))
}

func TestRunCommandCancel(t *testing.T) {
	skipOnWindows(t)
	r := newRegistry(t, Options{})

	done := make(chan Result, 1)
	go func() {
		done <- r.Execute(context.Background(), Request{
			CommandID: "c1",
			Action:    "run_command",
			Params:    map[string]any{"command": "sleep 5"},
		})
	}()

	require.Eventually(t, func() bool { return r.sup.IsRunning("c1") }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, r.Cancel("c1"))

	select {
	case res := <-done:
		assert.Equal(t, protocol.StatusCancelled, res.Status)
		assert.Equal(t, protocol.CodeCancelled, res.ErrorCode)
		assert.Nil(t, res.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled command did not finish")
	}
	assert.False(t, r.Cancel("c1"), "second cancel finds nothing")
}

func TestRunCommandTruncatesOutput(t *testing.T) {
	skipOnWindows(t)
	r := newRegistry(t, Options{MaxOutput: 16})

	res := r.Execute(context.Background(), Request{
		CommandID: "c1",
		Action:    "run_command",
		Params:    map[string]any{"command": "printf '%040d' 0"},
	})
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.True(t, res.Truncated)
	assert.Equal(t, int64(40), res.OutputBytes)
	assert.True(t, strings.HasSuffix(res.Output, supervisor.TruncationMarker))
	assert.Equal(t, strings.Repeat("0", 16), strings.TrimSuffix(res.Output, supervisor.TruncationMarker))
}

func TestMissingParams(t *testing.T) {
	r := newRegistry(t, Options{})
	for _, action := range []string{"run_command", "read_file", "read_log", "write_file", "get_env_var", "kill_process", "network_check", "get_task_status", "cancel_task"} {
		t.Run(action, func(t *testing.T) {
			res := r.Execute(context.Background(), Request{CommandID: "c-" + action, Action: action})
			assert.Equal(t, protocol.CodeMissingParam, res.ErrorCode)
		})
	}
}

func TestDuplicateCommandIDRejected(t *testing.T) {
	r := newRegistry(t, Options{})
	release := make(chan struct{})
	r.Register("get_env_var", func(ctx context.Context, c *Call) Result {
		<-release
		return ok("")
	})

	go r.Execute(context.Background(), Request{CommandID: "dup", Action: "get_env_var"})
	require.Eventually(t, func() bool { return r.IsRunning("dup") }, time.Second, 5*time.Millisecond)

	res := r.Execute(context.Background(), Request{CommandID: "dup", Action: "get_env_var"})
	assert.Equal(t, protocol.CodeExecutionError, res.ErrorCode)
	close(release)
}

func TestTimeoutIsClamped(t *testing.T) {
	r := newRegistry(t, Options{})
	var got time.Duration
	r.Register("get_env_var", func(_ context.Context, c *Call) Result {
		got = c.Timeout
		return ok("")
	})

	r.Execute(context.Background(), Request{CommandID: "c1", Action: "get_env_var", Timeout: time.Hour})
	assert.Equal(t, 10*time.Second, got)

	r.Execute(context.Background(), Request{CommandID: "c2", Action: "get_env_var", Timeout: 2 * time.Second})
	assert.Equal(t, 2*time.Second, got)
}

func TestFileActions(t *testing.T) {
	dir := t.TempDir()
	r := newRegistry(t, Options{AllowedRoots: []string{dir}})
	ctx := context.Background()
	path := filepath.Join(dir, "sub", "notes.txt")

	res := r.Execute(ctx, Request{CommandID: "w", Action: "write_file", Params: map[string]any{
		"path":    path,
		"content": "one\ntwo\nthree\n",
	}})
	require.Equal(t, protocol.StatusSuccess, res.Status, res.Output)
	assert.Equal(t, 14, res.Data["bytes"])

	res = r.Execute(ctx, Request{CommandID: "r", Action: "read_file", Params: map[string]any{"path": path}})
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "one\ntwo\nthree\n", res.Output)

	res = r.Execute(ctx, Request{CommandID: "l", Action: "read_log", Params: map[string]any{"path": path, "lines": float64(2)}})
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "two\nthree", res.Output)

	res = r.Execute(ctx, Request{CommandID: "ls", Action: "list_files", Params: map[string]any{"path": dir, "recursive": true}})
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "d sub/\n  f notes.txt", res.Output)

	res = r.Execute(ctx, Request{CommandID: "x", Action: "read_file", Params: map[string]any{"path": filepath.Join(dir, "missing")}})
	assert.Equal(t, protocol.CodeReadError, res.ErrorCode)
}

func TestReadFileTruncates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 100)), 0o644))

	r := newRegistry(t, Options{MaxOutput: 10})
	res := r.Execute(context.Background(), Request{CommandID: "r", Action: "read_file", Params: map[string]any{"path": path}})
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.True(t, res.Truncated)
	assert.Equal(t, int64(100), res.OutputBytes)
	assert.True(t, strings.HasPrefix(res.Output, strings.Repeat("x", 10)+"\n... [output truncated"))
}

func TestPathOutsideRootsDenied(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	r := newRegistry(t, Options{AllowedRoots: []string{root}})

	for _, p := range []string{filepath.Join(other, "x"), filepath.Join(root, "..", "escape")} {
		res := r.Execute(context.Background(), Request{CommandID: "w", Action: "write_file", Params: map[string]any{"path": p, "content": "x"}})
		assert.Equal(t, protocol.CodePathDenied, res.ErrorCode, p)
	}
	_, err := os.Stat(filepath.Join(other, "x"))
	assert.True(t, os.IsNotExist(err))
}

func TestGetEnvVar(t *testing.T) {
	t.Setenv("OPSRELAY_EXECUTOR_TEST", "present")
	r := newRegistry(t, Options{})

	res := r.Execute(context.Background(), Request{CommandID: "e", Action: "get_env_var", Params: map[string]any{"name": "OPSRELAY_EXECUTOR_TEST"}})
	assert.Equal(t, "present", res.Output)
	assert.Equal(t, true, res.Data["set"])
}

func TestTaskStatusAndCancel(t *testing.T) {
	r := newRegistry(t, Options{})
	release := make(chan struct{})
	r.Register("get_system_stats", func(ctx context.Context, c *Call) Result {
		select {
		case <-release:
			return ok("done")
		case <-ctx.Done():
			return fail(protocol.CodeCancelled, "cancelled")
		}
	})

	done := make(chan Result, 1)
	go func() {
		done <- r.Execute(context.Background(), Request{CommandID: "long", Action: "get_system_stats"})
	}()
	require.Eventually(t, func() bool { return r.IsRunning("long") }, time.Second, 5*time.Millisecond)

	res := r.Execute(context.Background(), Request{CommandID: "s", Action: "get_task_status", Params: map[string]any{"task_id": "long"}})
	assert.Equal(t, "running", res.Data["status"])

	res = r.Execute(context.Background(), Request{CommandID: "k", Action: "cancel_task", Params: map[string]any{"task_id": "long"}})
	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, protocol.CodeCancelled, (<-done).ErrorCode)

	res = r.Execute(context.Background(), Request{CommandID: "k2", Action: "cancel_task", Params: map[string]any{"task_id": "long"}})
	assert.Equal(t, protocol.CodeKillFailed, res.ErrorCode)

	res = r.Execute(context.Background(), Request{CommandID: "s2", Action: "get_task_status", Params: map[string]any{"task_id": "long"}})
	assert.Equal(t, "not_running", res.Data["status"])
}

func TestKillProcessRefusesInit(t *testing.T) {
	r := newRegistry(t, Options{})
	res := r.Execute(context.Background(), Request{CommandID: "k", Action: "kill_process", Params: map[string]any{"pid": float64(1)}})
	assert.Equal(t, protocol.CodeKillFailed, res.ErrorCode)
}

func TestNetworkCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	r := newRegistry(t, Options{})
	res := r.Execute(context.Background(), Request{CommandID: "n", Action: "network_check", Params: map[string]any{
		"host": "127.0.0.1",
		"port": strconv.Itoa(port),
	}})
	require.Equal(t, protocol.StatusSuccess, res.Status, res.Output)
	assert.Equal(t, true, res.Data["reachable"])
}

func TestSystemStatsAndProcesses(t *testing.T) {
	r := newRegistry(t, Options{})

	res := r.Execute(context.Background(), Request{CommandID: "s", Action: "get_system_stats"})
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, runtime.GOOS, res.Data["platform"])
	assert.Contains(t, res.Output, `"cpu_count"`)

	res = r.Execute(context.Background(), Request{CommandID: "p", Action: "get_processes", Params: map[string]any{"limit": float64(5)}})
	require.Equal(t, protocol.StatusSuccess, res.Status, res.Output)
	assert.LessOrEqual(t, res.Data["shown"], 5)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(res.Output), "PID"))
}

func TestParams(t *testing.T) {
	params := map[string]any{
		"f":     float64(3),
		"frac":  1.5,
		"s":     "42",
		"blank": "  ",
		"b":     "true",
	}
	n, ok := intParam(params, "f")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	_, ok = intParam(params, "frac")
	assert.False(t, ok)
	n, ok = intParam(params, "s")
	assert.True(t, ok)
	assert.Equal(t, 42, n)
	_, ok = stringParam(params, "blank")
	assert.False(t, ok)
	assert.True(t, boolParam(params, "b", false))
	assert.True(t, boolParam(params, "absent", true))
}
