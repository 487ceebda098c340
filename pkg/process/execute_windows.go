//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}

// sendTerminationSignal delivers CTRL_BREAK to the child's process group.
// A child without a shared console cannot receive it and is killed instead.
func sendTerminationSignal(proc *os.Process) error {
	if err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(proc.Pid)); err != nil {
		return proc.Kill()
	}
	return nil
}
