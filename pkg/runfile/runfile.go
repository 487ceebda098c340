package runfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/core-tools/hsu-scanmaster/pkg/errors"
	"github.com/core-tools/hsu-scanmaster/pkg/logging"
	"github.com/core-tools/hsu-scanmaster/pkg/process"
)

const (
	DefaultAppName = "hsu-scanmaster"
	PIDFileName    = "scanner.pid"
)

// Config selects where run files go and which ones are written
type Config struct {
	// Base directory for run files. If empty, uses OS-appropriate default
	BaseDirectory string `yaml:"base_directory,omitempty"`

	ServiceContext ServiceContext `yaml:"service_context,omitempty"`

	AppName string `yaml:"app_name,omitempty"`

	// Disable individual files; both are written by default
	DisablePIDFile    bool `yaml:"disable_pid_file,omitempty"`
	DisableTranscript bool `yaml:"disable_transcript,omitempty"`
}

// ServiceContext defines the context in which the supervisor runs
type ServiceContext string

const (
	// SystemService runs as a system service (daemon)
	SystemService ServiceContext = "system"

	// UserService runs as a user service
	UserService ServiceContext = "user"

	// SessionService is cleaned up on logout
	SessionService ServiceContext = "session"
)

// Manager owns the PID file of the running scanner and the per-session
// transcripts. It is a supervisor.SessionRecorder; file errors are logged
// and never reach the scan.
type Manager struct {
	config Config
	logger logging.Logger

	mu          sync.Mutex
	transcripts map[string]*Transcript
}

func NewManager(config Config, logger logging.Logger) *Manager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}

	return &Manager{
		config:      config,
		logger:      logger,
		transcripts: make(map[string]*Transcript),
	}
}

// RunDirectory is the directory holding every run file
func (m *Manager) RunDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}
	return filepath.Join(m.getBaseDirectory(), m.config.AppName)
}

func (m *Manager) PIDFilePath() string {
	return filepath.Join(m.RunDirectory(), PIDFileName)
}

func (m *Manager) TranscriptPath(sessionID string) string {
	return filepath.Join(m.RunDirectory(), "transcripts", sessionID+".log")
}

// WritePIDFile records the scanner PID
func (m *Manager) WritePIDFile(pid int) error {
	pidFilePath := m.PIDFilePath()
	m.logger.Debugf("Writing PID file, pid: %d, path: %s", pid, pidFilePath)

	if err := ensureDirectory(filepath.Dir(pidFilePath)); err != nil {
		m.logger.Errorf("PID file directory validation failed, path: %s, error: %v", pidFilePath, err)
		return err
	}

	if err := os.WriteFile(pidFilePath, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		m.logger.Errorf("Failed to write PID file, pid: %d, path: %s, error: %v", pid, pidFilePath, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", pidFilePath).WithContext("pid", pid)
	}

	m.logger.Infof("PID file written, pid: %d, path: %s", pid, pidFilePath)
	return nil
}

// ReadPIDFile returns the PID of the scanner that is, or was last, running
func (m *Manager) ReadPIDFile() (int, error) {
	pidFilePath := m.PIDFilePath()

	content, err := os.ReadFile(pidFilePath)
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", pidFilePath)
	}

	pidStr := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID in PID file", err).WithContext("pid_file", pidFilePath).WithContext("content", pidStr)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file; a missing file is not an error
func (m *Manager) RemovePIDFile() error {
	pidFilePath := m.PIDFilePath()
	if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) {
		m.logger.Warnf("Failed to remove PID file, path: %s, error: %v", pidFilePath, err)
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", pidFilePath)
	}
	m.logger.Debugf("PID file removed, path: %s", pidFilePath)
	return nil
}

// CheckLeftover returns the PID of a scanner left running by an earlier
// supervisor, or 0. A PID file naming a dead process or holding garbage is removed.
func (m *Manager) CheckLeftover() (int, error) {
	if m.config.DisablePIDFile {
		return 0, nil
	}
	if _, err := os.Stat(m.PIDFilePath()); os.IsNotExist(err) {
		return 0, nil
	}

	pid, err := m.ReadPIDFile()
	if err != nil {
		if errors.IsValidationError(err) {
			m.logger.Warnf("Removing unreadable PID file, error: %v", err)
			return 0, m.RemovePIDFile()
		}
		return 0, err
	}

	running, err := process.IsRunning(pid)
	if err != nil {
		return 0, err
	}
	if !running {
		m.logger.Infof("Removing stale PID file, pid: %d", pid)
		return 0, m.RemovePIDFile()
	}

	m.logger.Warnf("Scanner from an earlier run is still alive, pid: %d", pid)
	return pid, nil
}

// TerminateLeftover kills the process recorded by CheckLeftover and removes the PID file
func (m *Manager) TerminateLeftover(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return errors.NewInternalError("failed to open leftover scanner", err).WithContext("pid", pid)
	}
	if err := proc.Kill(); err != nil {
		if running, _ := process.IsRunning(pid); running {
			return errors.NewInternalError("failed to kill leftover scanner", err).WithContext("pid", pid)
		}
	}
	m.logger.Infof("Leftover scanner killed, pid: %d", pid)
	return m.RemovePIDFile()
}

// ===== SESSION RECORDER =====

func (m *Manager) SessionStarted(sessionID string, pid int) {
	if !m.config.DisablePIDFile {
		_ = m.WritePIDFile(pid)
	}
	if m.config.DisableTranscript {
		return
	}

	transcript, err := OpenTranscript(m.TranscriptPath(sessionID))
	if err != nil {
		m.logger.Errorf("Failed to open transcript, session: %s, error: %v", sessionID, err)
		return
	}

	m.mu.Lock()
	m.transcripts[sessionID] = transcript
	m.mu.Unlock()
	m.logger.Infof("Recording transcript, session: %s, path: %s", sessionID, transcript.Path())
}

func (m *Manager) Line(sessionID string, line string) {
	m.mu.Lock()
	transcript := m.transcripts[sessionID]
	m.mu.Unlock()

	if transcript == nil {
		return
	}
	if err := transcript.WriteLine(line); err != nil {
		m.logger.Warnf("Transcript write failed, session: %s, error: %v", sessionID, err)
	}
}

func (m *Manager) SessionEnded(sessionID string, exitCode int) {
	m.mu.Lock()
	transcript := m.transcripts[sessionID]
	delete(m.transcripts, sessionID)
	m.mu.Unlock()

	if transcript != nil {
		if err := transcript.Close(); err != nil {
			m.logger.Warnf("Transcript close failed, session: %s, error: %v", sessionID, err)
		}
	}
	if !m.config.DisablePIDFile {
		_ = m.RemovePIDFile()
	}
	m.logger.Debugf("Run files released, session: %s, exit code: %d", sessionID, exitCode)
}

// Close releases transcripts left open by sessions that never ended
func (m *Manager) Close() error {
	m.mu.Lock()
	transcripts := m.transcripts
	m.transcripts = make(map[string]*Transcript)
	m.mu.Unlock()

	collection := &errors.ErrorCollection{}
	for _, transcript := range transcripts {
		collection.Add(transcript.Close())
	}
	return collection.ToError()
}

// ===== DIRECTORIES =====

func (m *Manager) getBaseDirectory() string {
	switch m.config.ServiceContext {
	case SystemService:
		return getSystemServiceDirectory()
	case SessionService:
		return getSessionServiceDirectory()
	default:
		return getUserServiceDirectory()
	}
}

func getSystemServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return programData
	case "darwin":
		return "/var/run"
	default:
		// Modern standard is /run, with fallback to /var/run
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func getUserServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
				localAppData = filepath.Join(userProfile, "AppData", "Local")
			} else {
				localAppData = "C:\\Users\\Default\\AppData\\Local"
			}
		}
		return localAppData
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support")
	default:
		if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
			return stateHome
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, ".local", "state")
	}
}

func getSessionServiceDirectory() string {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return os.TempDir()
	}
	sessionDir := fmt.Sprintf("/run/user/%d", os.Getuid())
	if _, err := os.Stat(sessionDir); err == nil {
		return sessionDir
	}
	return os.TempDir()
}

// ensureDirectory creates dir if needed and checks that it is writable
func ensureDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access run file directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create run file directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("run file path is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewIOError("run file directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(testFile)
	return nil
}
