//go:build windows

package process

import (
	"errors"

	"golang.org/x/sys/windows"
)

const stillActive = 259

func IsRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errInvalidPID(pid)
	}

	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return false, nil
		}
		return false, err
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false, err
	}
	return exitCode == stillActive, nil
}
