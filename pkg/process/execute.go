package process

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/core-tools/hsu-scanmaster/pkg/errors"
	"github.com/core-tools/hsu-scanmaster/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string   `yaml:"executable_path"`
	Args             []string `yaml:"args,omitempty"`
	Environment      []string `yaml:"environment,omitempty"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
}

// Session owns one spawned process and the read side of its merged output
type Session struct {
	cmd       *exec.Cmd
	output    *os.File
	startedAt time.Time
	logger    logging.Logger

	waitOnce sync.Once
	done     chan struct{}
	exitCode int
	waitErr  error
}

// Launch spawns the executable with stdout and stderr merged into a single pipe.
// The process runs in its own process group so Terminate reaches its children too.
func Launch(ctx context.Context, execution ExecutionConfig, logger logging.Logger) (*Session, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil)
	}

	executablePath, err := ValidateExecutionConfig(execution)
	if err != nil {
		logger.Errorf("Execution configuration validation failed, error: %v", err)
		return nil, err
	}

	env := os.Environ()
	env = append(env, execution.Environment...)

	cmd := exec.Command(executablePath, execution.Args...)
	cmd.Dir = execution.WorkingDirectory
	cmd.Env = env

	setupProcessAttributes(cmd)

	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, errors.NewLaunchError("failed to create output pipe", err).WithContext("executable_path", executablePath)
	}
	cmd.Stdout = writer
	cmd.Stderr = writer

	logger.Debugf("Executing process, executable path: '%s', args: %v, working directory: '%s'",
		executablePath, execution.Args, execution.WorkingDirectory)

	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return nil, errors.NewLaunchError("failed to start the process", err).WithContext("executable_path", executablePath)
	}

	// The child holds its own copy; ours must go so the reader sees EOF on exit.
	writer.Close()

	logger.Infof("Successfully executed process, PID: %d", cmd.Process.Pid)

	return &Session{
		cmd:       cmd,
		output:    reader,
		startedAt: time.Now(),
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

func (s *Session) PID() int {
	return s.cmd.Process.Pid
}

func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// Lines returns a reader over the merged output. It must be consumed by a single goroutine.
func (s *Session) Lines() *LineReader {
	return newLineReader(s.output)
}

// Terminate asks the process to exit without waiting for it
func (s *Session) Terminate() error {
	if s.Exited() {
		return nil
	}
	pid := s.PID()
	s.logger.Infof("Sending termination signal to PID %d", pid)
	if err := sendTerminationSignal(s.cmd.Process); err != nil {
		if s.Exited() {
			return nil
		}
		return errors.NewInternalError("failed to send termination signal", err).WithContext("pid", pid)
	}
	return nil
}

// Kill forcibly stops the process
func (s *Session) Kill() error {
	if s.Exited() {
		return nil
	}
	if err := s.cmd.Process.Kill(); err != nil && !s.Exited() {
		return errors.NewInternalError("failed to kill process", err).WithContext("pid", s.PID())
	}
	return nil
}

// Wait blocks until the process has exited and returns its exit code.
// A process ended by a signal reports -1. Safe to call concurrently and repeatedly.
func (s *Session) Wait() (int, error) {
	s.waitOnce.Do(func() {
		go s.reap()
	})
	<-s.done
	return s.exitCode, s.waitErr
}

// Done is closed once the process has been reaped
func (s *Session) Done() <-chan struct{} {
	s.waitOnce.Do(func() {
		go s.reap()
	})
	return s.done
}

func (s *Session) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close releases the read side of the output pipe
func (s *Session) Close() error {
	return s.output.Close()
}

func (s *Session) reap() {
	defer close(s.done)

	err := s.cmd.Wait()
	state := s.cmd.ProcessState
	if state == nil {
		s.exitCode = -1
		s.waitErr = errors.NewRuntimeError("process wait failed", err).WithContext("pid", s.PID())
		return
	}

	s.exitCode = state.ExitCode()
	if err != nil && s.exitCode == 0 {
		s.waitErr = errors.NewRuntimeError("process wait failed", err).WithContext("pid", s.PID())
	}
	s.logger.Infof("Process PID %d exited with status: %v", s.PID(), state)
}
