package runfile

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-scanmaster/pkg/errors"
	"github.com/core-tools/hsu-scanmaster/pkg/logging"
)

func newTestManager(t *testing.T, config Config) *Manager {
	t.Helper()
	if config.BaseDirectory == "" {
		config.BaseDirectory = filepath.Join(t.TempDir(), "run")
	}
	manager := NewManager(config, logging.NewNopLogger())
	t.Cleanup(func() { manager.Close() })
	return manager
}

func TestNewManager_Defaults(t *testing.T) {
	manager := NewManager(Config{}, logging.NewNopLogger())

	assert.Equal(t, DefaultAppName, manager.config.AppName)
	assert.Equal(t, UserService, manager.config.ServiceContext)
	assert.True(t, strings.HasSuffix(manager.RunDirectory(), DefaultAppName))
}

func TestManager_Paths(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		checkFn func(t *testing.T, m *Manager)
	}{
		{
			name:   "explicit base directory",
			config: Config{BaseDirectory: "/tmp/scan-run"},
			checkFn: func(t *testing.T, m *Manager) {
				assert.Equal(t, filepath.Join("/tmp/scan-run", "scanner.pid"), m.PIDFilePath())
				assert.Equal(t, filepath.Join("/tmp/scan-run", "transcripts", "abc.log"), m.TranscriptPath("abc"))
			},
		},
		{
			name:   "system service",
			config: Config{ServiceContext: SystemService, AppName: "scan-test"},
			checkFn: func(t *testing.T, m *Manager) {
				assert.Contains(t, m.PIDFilePath(), "scan-test")
				assert.True(t, strings.HasSuffix(m.PIDFilePath(), PIDFileName))
			},
		},
		{
			name:   "session service",
			config: Config{ServiceContext: SessionService, AppName: "scan-test"},
			checkFn: func(t *testing.T, m *Manager) {
				assert.Contains(t, m.TranscriptPath("s1"), filepath.Join("scan-test", "transcripts", "s1.log"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checkFn(t, NewManager(tt.config, logging.NewNopLogger()))
		})
	}
}

func TestManager_PIDFileLifecycle(t *testing.T) {
	manager := newTestManager(t, Config{})

	require.NoError(t, manager.WritePIDFile(4242))

	content, err := os.ReadFile(manager.PIDFilePath())
	require.NoError(t, err)
	assert.Equal(t, "4242\n", string(content))

	pid, err := manager.ReadPIDFile()
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, manager.RemovePIDFile())
	assert.NoFileExists(t, manager.PIDFilePath())
	require.NoError(t, manager.RemovePIDFile())

	_, err = manager.ReadPIDFile()
	assert.True(t, errors.IsIOError(err))
}

func TestManager_ReadPIDFileInvalidContent(t *testing.T) {
	manager := newTestManager(t, Config{})
	require.NoError(t, os.MkdirAll(manager.RunDirectory(), 0755))
	require.NoError(t, os.WriteFile(manager.PIDFilePath(), []byte("not-a-pid\n"), 0644))

	_, err := manager.ReadPIDFile()

	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestManager_WritePIDFileIntoFile(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	manager := newTestManager(t, Config{BaseDirectory: blocker})

	err := manager.WritePIDFile(1)

	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestManager_RecordsSession(t *testing.T) {
	manager := newTestManager(t, Config{})

	manager.SessionStarted("session-1", 1234)
	assert.FileExists(t, manager.PIDFilePath())

	manager.Line("session-1", "line1")
	manager.Line("session-1", "[GUI_WAIT_300] rate limited")
	manager.Line("session-1", "hidden")
	manager.Line("unknown", "ignored")
	manager.SessionEnded("session-1", 0)

	assert.NoFileExists(t, manager.PIDFilePath())

	content, err := os.ReadFile(manager.TranscriptPath("session-1"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[0], " line1"))
	assert.True(t, strings.HasSuffix(lines[1], " [GUI_WAIT_300] rate limited"))
	assert.True(t, strings.HasSuffix(lines[2], " hidden"))

	stamp := strings.SplitN(lines[0], " ", 2)[0]
	_, err = time.Parse(time.RFC3339Nano, stamp)
	assert.NoError(t, err)

	// lines after the end are dropped
	manager.Line("session-1", "late")
	content, err = os.ReadFile(manager.TranscriptPath("session-1"))
	require.NoError(t, err)
	assert.NotContains(t, string(content), "late")
}

func TestManager_DisabledFiles(t *testing.T) {
	manager := newTestManager(t, Config{DisablePIDFile: true, DisableTranscript: true})

	manager.SessionStarted("s", 1)
	manager.Line("s", "line")
	manager.SessionEnded("s", 0)

	assert.NoFileExists(t, manager.PIDFilePath())
	assert.NoFileExists(t, manager.TranscriptPath("s"))
}

func TestManager_CloseReleasesOpenTranscripts(t *testing.T) {
	manager := newTestManager(t, Config{DisablePIDFile: true})

	manager.SessionStarted("a", 1)
	manager.SessionStarted("b", 2)

	assert.NoError(t, manager.Close())
	assert.NoError(t, manager.Close())
	manager.Line("a", "after close")
}

func TestTranscript_WriteAfterClose(t *testing.T) {
	transcript, err := OpenTranscript(filepath.Join(t.TempDir(), "nested", "t.log"))
	require.NoError(t, err)

	require.NoError(t, transcript.WriteLine("one"))
	require.NoError(t, transcript.Close())
	require.NoError(t, transcript.Close())

	err = transcript.WriteLine("two")
	assert.True(t, errors.IsIOError(err))
}

func TestHelperLeftoverScanner(t *testing.T) {
	if os.Getenv("SCANMASTER_HELPER_SLEEP") != "1" {
		return
	}
	time.Sleep(time.Minute)
	os.Exit(0)
}

func startHelper(t *testing.T, sleep bool) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperLeftoverScanner$")
	if sleep {
		cmd.Env = append(os.Environ(), "SCANMASTER_HELPER_SLEEP=1")
	}
	require.NoError(t, cmd.Start())
	return cmd
}

func TestManager_CheckLeftover(t *testing.T) {
	t.Run("no PID file", func(t *testing.T) {
		manager := newTestManager(t, Config{})
		pid, err := manager.CheckLeftover()
		require.NoError(t, err)
		assert.Zero(t, pid)
	})

	t.Run("garbage is removed", func(t *testing.T) {
		manager := newTestManager(t, Config{})
		require.NoError(t, os.MkdirAll(manager.RunDirectory(), 0755))
		require.NoError(t, os.WriteFile(manager.PIDFilePath(), []byte("garbage"), 0644))

		pid, err := manager.CheckLeftover()
		require.NoError(t, err)
		assert.Zero(t, pid)
		assert.NoFileExists(t, manager.PIDFilePath())
	})

	t.Run("dead process is stale", func(t *testing.T) {
		manager := newTestManager(t, Config{})
		cmd := startHelper(t, false)
		require.NoError(t, cmd.Wait())
		require.NoError(t, manager.WritePIDFile(cmd.Process.Pid))

		pid, err := manager.CheckLeftover()
		require.NoError(t, err)
		assert.Zero(t, pid)
		assert.NoFileExists(t, manager.PIDFilePath())
	})

	t.Run("live process is reported and killed", func(t *testing.T) {
		manager := newTestManager(t, Config{})
		cmd := startHelper(t, true)
		waited := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(waited)
		}()
		require.NoError(t, manager.WritePIDFile(cmd.Process.Pid))

		pid, err := manager.CheckLeftover()
		require.NoError(t, err)
		assert.Equal(t, cmd.Process.Pid, pid)
		assert.FileExists(t, manager.PIDFilePath())

		require.NoError(t, manager.TerminateLeftover(pid))
		assert.NoFileExists(t, manager.PIDFilePath())

		select {
		case <-waited:
		case <-time.After(5 * time.Second):
			t.Fatal("leftover scanner still running")
		}
	})

	t.Run("disabled PID file", func(t *testing.T) {
		manager := newTestManager(t, Config{DisablePIDFile: true})
		pid, err := manager.CheckLeftover()
		require.NoError(t, err)
		assert.Zero(t, pid)
	})
}
