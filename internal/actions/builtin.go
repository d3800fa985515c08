// ABOUTME: Built-in action table with per-action limits and confirmation rules.

package actions

import (
	"time"

	"github.com/2389/opsrelay/internal/protocol"
)

const (
	none    = protocol.ScopeNone
	project = protocol.ScopeProject
	global  = protocol.ScopeGlobal
)

func read(name string, timeout time.Duration) Spec {
	return Spec{Name: name, AllowedInReadonly: true, MaxTimeout: timeout, Scope: none, Risk: protocol.RiskLow}
}

func mutate(name string, timeout time.Duration, scope protocol.ConcurrencyScope, risk protocol.RiskLevel, confirm bool) Spec {
	return Spec{Name: name, MutatesState: true, RequiresConfirm: confirm, MaxTimeout: timeout, Scope: scope, Risk: risk}
}

var builtin = []Spec{
	mutate("run_command", 10*time.Minute, project, protocol.RiskMedium, false),
	read("cancel_task", 30*time.Second),
	read("get_task_status", 10*time.Second),
	read("get_processes", 30*time.Second),
	mutate("kill_process", 30*time.Second, global, protocol.RiskHigh, true),
	read("get_system_stats", 15*time.Second),
	read("network_check", 15*time.Second),
	mutate("git_pull", 5*time.Minute, project, protocol.RiskMedium, false),
	read("git_status", 30*time.Second),
	mutate("git_commit", time.Minute, project, protocol.RiskHigh, true),
	mutate("run_build", 15*time.Minute, project, protocol.RiskMedium, false),
	mutate("run_tests", 15*time.Minute, project, protocol.RiskLow, false),
	mutate("start_dev_server", 2*time.Minute, project, protocol.RiskMedium, false),
	mutate("stop_dev_server", 30*time.Second, project, protocol.RiskMedium, false),
	read("read_file", 30*time.Second),
	read("read_log", 30*time.Second),
	mutate("write_file", time.Minute, none, protocol.RiskHigh, true),
	read("list_files", 30*time.Second),
	read("get_env_var", 10*time.Second),
	mutate("set_env_var", 10*time.Second, global, protocol.RiskHigh, true),
	read("clipboard_get", 5*time.Second),
	mutate("clipboard_set", 5*time.Second, none, protocol.RiskLow, false),
	read("capture_screenshot", 30*time.Second),
	read("list_windows", 10*time.Second),
	mutate("deploy_vercel", 10*time.Minute, project, protocol.RiskCritical, true),
	mutate("deploy_supabase", 10*time.Minute, project, protocol.RiskCritical, true),
	mutate("open_desktop_session", time.Minute, global, protocol.RiskHigh, true),
	mutate("close_desktop_session", 30*time.Second, global, protocol.RiskMedium, false),
}
