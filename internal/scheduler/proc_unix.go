//go:build !windows

package scheduler

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureProcAttr puts the child in its own process group so termination
// signals reach the agent and any helpers it spawned.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalTerminate sends SIGTERM to the child's process group.
func signalTerminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		// Fall back to the process itself if the group is gone.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

// forceKill sends SIGKILL to the child's process group.
func forceKill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

// processAlive reports whether a pid refers to a live process. EPERM means
// the process exists but belongs to another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
