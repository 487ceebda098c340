//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// setupProcessAttributes puts the child into a new process group that can be signaled as a whole
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// sendTerminationSignal sends SIGTERM to the process group (negative PID)
func sendTerminationSignal(proc *os.Process) error {
	err := syscall.Kill(-proc.Pid, syscall.SIGTERM)
	if err == syscall.ESRCH {
		return proc.Signal(syscall.SIGTERM)
	}
	return err
}
