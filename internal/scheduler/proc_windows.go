//go:build windows

package scheduler

import (
	"os"
	"os/exec"
)

func configureProcAttr(cmd *exec.Cmd) {}

// signalTerminate has no cooperative equivalent on Windows; the grace
// window degrades to an immediate kill.
func signalTerminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func forceKill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// processAlive conservatively reports false so recovery marks orphaned
// sessions failed rather than leaving them unsupervised.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return false
}
