//go:build !windows

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsRunning reports whether a process with this PID exists. A process owned
// by another user counts as running.
func IsRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errInvalidPID(pid)
	}

	err := unix.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, unix.EPERM):
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	default:
		return false, err
	}
}
