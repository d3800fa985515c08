// ABOUTME: Process kill for the kill_process action on Unix systems.
// ABOUTME: Sends SIGKILL to the target pid.

//go:build !windows

package executor

import "golang.org/x/sys/unix"

func killPID(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}
