package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/core-tools/hsu-scanmaster/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateExecutionConfig(t *testing.T) {
	dir := t.TempDir()
	executable, err := os.Executable()
	require.NoError(t, err)

	file := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	tests := []struct {
		name      string
		config    ExecutionConfig
		checkErr  func(error) bool
		shouldErr bool
	}{
		{
			name:   "absolute executable",
			config: ExecutionConfig{ExecutablePath: executable, WorkingDirectory: dir, Environment: []string{"A=1"}},
		},
		{
			name:      "empty executable",
			config:    ExecutionConfig{},
			checkErr:  errors.IsValidationError,
			shouldErr: true,
		},
		{
			name:      "missing absolute executable",
			config:    ExecutionConfig{ExecutablePath: filepath.Join(dir, "nope")},
			checkErr:  errors.IsLaunchError,
			shouldErr: true,
		},
		{
			name:      "executable is a directory",
			config:    ExecutionConfig{ExecutablePath: dir},
			checkErr:  errors.IsLaunchError,
			shouldErr: true,
		},
		{
			name:      "bare name not in PATH",
			config:    ExecutionConfig{ExecutablePath: "scanmaster-no-such-binary"},
			checkErr:  errors.IsLaunchError,
			shouldErr: true,
		},
		{
			name:      "missing working directory",
			config:    ExecutionConfig{ExecutablePath: executable, WorkingDirectory: filepath.Join(dir, "gone")},
			checkErr:  errors.IsValidationError,
			shouldErr: true,
		},
		{
			name:      "working directory is a file",
			config:    ExecutionConfig{ExecutablePath: executable, WorkingDirectory: file},
			checkErr:  errors.IsValidationError,
			shouldErr: true,
		},
		{
			name:      "malformed environment",
			config:    ExecutionConfig{ExecutablePath: executable, Environment: []string{"NOEQUALS"}},
			checkErr:  errors.IsValidationError,
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := ValidateExecutionConfig(tt.config)
			if tt.shouldErr {
				require.Error(t, err)
				assert.True(t, tt.checkErr(err), "unexpected error type: %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.config.ExecutablePath, resolved)
		})
	}
}

func TestIsRunning(t *testing.T) {
	running, err := IsRunning(os.Getpid())
	require.NoError(t, err)
	assert.True(t, running)

	_, err = IsRunning(0)
	assert.True(t, errors.IsValidationError(err))

	_, err = IsRunning(-5)
	assert.Error(t, err)
}
