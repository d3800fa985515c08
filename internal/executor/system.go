// ABOUTME: Host actions: system stats, process list and kill, network check,
// ABOUTME: environment lookup, and task status/cancel against the registry.

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	goruntime "runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	ps "github.com/mitchellh/go-ps"

	"github.com/2389/opsrelay/internal/protocol"
)

const (
	defaultProcessLimit = 50
	defaultCheckPort    = 443
	maxDialTimeout      = 10 * time.Second
)

func (r *Registry) registerBuiltins() {
	for name, h := range map[string]Handler{
		"run_command":      runCommand,
		"git_status":       gitStatus,
		"git_pull":         gitPull,
		"git_commit":       gitCommit,
		"read_file":        readFile,
		"read_log":         readLog,
		"write_file":       writeFile,
		"list_files":       listFiles,
		"get_env_var":      getEnvVar,
		"get_system_stats": getSystemStats,
		"get_processes":    getProcesses,
		"kill_process":     killProcess,
		"network_check":    networkCheck,
		"get_task_status":  getTaskStatus,
		"cancel_task":      cancelTask,
	} {
		r.handlers[name] = h
	}
}

func jsonResult(data map[string]any) Result {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fail(protocol.CodeExecutionError, "encoding result: %v", err)
	}
	return okData(string(out), data)
}

func getSystemStats(_ context.Context, _ *Call) Result {
	hostname, _ := os.Hostname()
	data := map[string]any{
		"platform":   goruntime.GOOS,
		"arch":       goruntime.GOARCH,
		"hostname":   hostname,
		"cpu_count":  goruntime.NumCPU(),
		"go_version": goruntime.Version(),
	}
	if mem, ok := readMemory(); ok {
		used := mem.total - mem.free
		percent := 0
		if mem.total > 0 {
			percent = int(used * 100 / mem.total)
		}
		data["memory"] = map[string]any{
			"total_bytes":  mem.total,
			"free_bytes":   mem.free,
			"used_bytes":   used,
			"percent_used": percent,
			"total":        humanize.IBytes(mem.total),
			"used":         humanize.IBytes(used),
		}
		data["uptime_seconds"] = mem.uptime
		data["load_average"] = mem.load
	}
	return jsonResult(data)
}

func getProcesses(_ context.Context, c *Call) Result {
	procs, err := ps.Processes()
	if err != nil {
		return fail(protocol.CodeProcessListError, "Listing processes failed: %v", err)
	}
	limit, ok := intParam(c.Params, "limit")
	if !ok || limit <= 0 {
		limit = defaultProcessLimit
	}
	filter, _ := stringParam(c.Params, "name")

	slices.SortFunc(procs, func(a, b ps.Process) int { return a.Pid() - b.Pid() })

	var b strings.Builder
	fmt.Fprintf(&b, "%8s %8s  %s\n", "PID", "PPID", "NAME")
	shown := 0
	for _, p := range procs {
		if filter != "" && !strings.Contains(strings.ToLower(p.Executable()), strings.ToLower(filter)) {
			continue
		}
		if shown == limit {
			break
		}
		fmt.Fprintf(&b, "%8d %8d  %s\n", p.Pid(), p.PPid(), p.Executable())
		shown++
	}
	return okData(b.String(), map[string]any{"total": len(procs), "shown": shown})
}

func killProcess(_ context.Context, c *Call) Result {
	pid, ok := intParam(c.Params, "pid")
	if !ok {
		return missing("pid")
	}
	if pid <= 1 || pid == os.Getpid() {
		return fail(protocol.CodeKillFailed, "Refusing to kill pid %d", pid)
	}
	if err := killPID(pid); err != nil {
		return fail(protocol.CodeKillFailed, "Failed to kill %d: %v", pid, err)
	}
	return okData(fmt.Sprintf("Process %d killed", pid), map[string]any{"pid": pid})
}

func networkCheck(ctx context.Context, c *Call) Result {
	host, ok := stringParam(c.Params, "host")
	if !ok {
		return missing("host")
	}
	port, ok := intParam(c.Params, "port")
	if !ok || port <= 0 || port > 65535 {
		port = defaultCheckPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: min(c.Timeout, maxDialTimeout)}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	latency := time.Since(start)
	if err != nil {
		res := fail(protocol.CodeExecutionError, "%s unreachable: %v", addr, err)
		res.Data = map[string]any{"address": addr, "reachable": false}
		return res
	}
	conn.Close()
	return okData(
		fmt.Sprintf("%s reachable in %v", addr, latency.Round(time.Millisecond)),
		map[string]any{"address": addr, "reachable": true, "latency_ms": latency.Milliseconds()},
	)
}

func getEnvVar(_ context.Context, c *Call) Result {
	name, ok := stringParam(c.Params, "name")
	if !ok {
		return missing("name")
	}
	value, set := os.LookupEnv(name)
	return okData(value, map[string]any{"name": name, "set": set})
}

func taskID(c *Call) (string, bool) {
	if id, ok := stringParam(c.Params, "task_id"); ok {
		return id, true
	}
	return stringParam(c.Params, "command_id")
}

func getTaskStatus(_ context.Context, c *Call) Result {
	id, ok := taskID(c)
	if !ok {
		return missing("task_id")
	}
	status := "not_running"
	if c.registry.IsRunning(id) {
		status = "running"
	}
	return jsonResult(map[string]any{"task_id": id, "status": status})
}

func cancelTask(_ context.Context, c *Call) Result {
	id, ok := taskID(c)
	if !ok {
		return missing("task_id")
	}
	if id == c.CommandID {
		return fail(protocol.CodeKillFailed, "A task cannot cancel itself")
	}
	if !c.registry.Cancel(id) {
		return fail(protocol.CodeKillFailed, "Task %s is not running", id)
	}
	return okData(fmt.Sprintf("Task %s cancelled", id), map[string]any{"task_id": id})
}
