package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-scanmaster/pkg/errors"
)

// ValidateExecutionConfig checks the configuration and resolves the executable path.
// Bare names are looked up in PATH; a missing executable is a launch error.
func ValidateExecutionConfig(config ExecutionConfig) (string, error) {
	if config.ExecutablePath == "" {
		return "", errors.NewValidationError("executable path is required", nil)
	}

	executablePath, err := resolveExecutable(config.ExecutablePath)
	if err != nil {
		return "", err
	}

	if config.WorkingDirectory != "" {
		if info, err := os.Stat(config.WorkingDirectory); err != nil {
			return "", errors.NewValidationError("working directory not accessible: "+config.WorkingDirectory, err)
		} else if !info.IsDir() {
			return "", errors.NewValidationError("working directory is not a directory: "+config.WorkingDirectory, nil)
		}
	}

	for _, env := range config.Environment {
		if !strings.Contains(env, "=") {
			return "", errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
	}

	return executablePath, nil
}

func resolveExecutable(path string) (string, error) {
	if !strings.ContainsRune(path, filepath.Separator) && !strings.ContainsRune(path, '/') {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", errors.NewLaunchError("executable not found: "+path, err).WithContext("executable_path", path)
		}
		return resolved, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", errors.NewLaunchError("executable not found: "+path, err).WithContext("executable_path", path)
	}
	if info.IsDir() {
		return "", errors.NewLaunchError("executable is a directory: "+path, nil).WithContext("executable_path", path)
	}
	return path, nil
}

func errInvalidPID(pid int) error {
	return errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
}
