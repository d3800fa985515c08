// ABOUTME: Process kill for the kill_process action on Windows.
// ABOUTME: Opens the process with terminate rights and terminates it.

//go:build windows

package executor

import "golang.org/x/sys/windows"

func killPID(pid int) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.TerminateProcess(h, 1)
}
