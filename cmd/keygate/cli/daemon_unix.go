//go:build !windows

package cli

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr configures the child process to run in a new session,
// detached from the parent's terminal.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// isProcessRunning reports whether a process with the given PID is alive.
// Signal 0 is the existence check; nothing is delivered.
func isProcessRunning(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// stopProcess sends SIGTERM so the server drains connections before exiting.
func stopProcess(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
