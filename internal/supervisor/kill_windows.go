//go:build windows

// ABOUTME: Windows process-tree kill through taskkill /T /F.
// ABOUTME: Falls back to killing the direct child when taskkill fails.

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func killTree(p *os.Process) error {
	if p == nil {
		return errors.New("process not started")
	}
	if err := exec.Command("taskkill", "/pid", strconv.Itoa(p.Pid), "/t", "/f").Run(); err != nil {
		return p.Kill()
	}
	return nil
}
