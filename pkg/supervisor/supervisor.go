package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-scanmaster/pkg/classify"
	"github.com/core-tools/hsu-scanmaster/pkg/errors"
	"github.com/core-tools/hsu-scanmaster/pkg/logging"
	"github.com/core-tools/hsu-scanmaster/pkg/process"
)

// outputDrainTimeout bounds how long the read loop may outlive the scanner
// when a detached grandchild keeps the output pipe open
const outputDrainTimeout = 2 * time.Second

// scan is the per-Start record owned by the Supervisor
type scan struct {
	id       string
	timer    *ElapsedTimer
	stopOnce sync.Once
	stopped  chan struct{}
}

func (sc *scan) requestStop() {
	sc.stopOnce.Do(func() {
		close(sc.stopped)
	})
}

// Supervisor runs at most one scanner at a time and publishes its output and
// status as an ordered event stream
type Supervisor struct {
	options Options
	logger  logging.Logger
	broker  *broker
	machine *StateMachine

	mu      sync.Mutex
	current *scan
	closed  bool
	wg      sync.WaitGroup
}

func New(options Options, logger logging.Logger) *Supervisor {
	options = options.withDefaults()

	s := &Supervisor{
		options: options,
		logger:  logger,
		broker:  newBroker(),
	}
	s.machine = NewStateMachine(StateMachineOptions{
		Classifier: classify.NewClassifier(options.Markers),
		Timing:     options.Timing,
		Scheduler:  options.Scheduler,
		Publish:    s.broker.publish,
		OnTerminal: s.onTerminal,
	}, logger)
	return s
}

// Start validates the request, opens a session and launches the scanner in the
// background. Launch and runtime failures arrive as events.
func (s *Supervisor) Start(request ScanRequest) error {
	if err := request.Validate(); err != nil {
		s.logger.Warnf("Scan request rejected, error: %v", err)
		return err
	}
	if request.Mode == "" {
		request.Mode = ModeNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.NewInternalError("supervisor is closed", nil)
	}

	id := uuid.NewString()
	if err := s.machine.Begin(id); err != nil {
		return err
	}

	sc := &scan{
		id:      id,
		stopped: make(chan struct{}),
	}
	sc.timer = NewElapsedTimer(s.options.Timing.TickInterval, func(elapsed time.Duration) {
		s.broker.publish(Event{Type: EventElapsedTick, SessionID: id, Time: time.Now(), Elapsed: elapsed})
	})
	sc.timer.Start()
	s.current = sc

	s.logger.Infof("Starting scan, session: %s, csv: %s, mode: %s", id, request.CSVPath, request.Mode)

	s.wg.Add(1)
	go s.run(sc, request)
	return nil
}

// Stop ends the current scan as stopped. It is a no-op without one.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	sc := s.current
	s.mu.Unlock()

	if sc == nil {
		return
	}
	if !s.machine.Stop() {
		return
	}
	s.logger.Infof("Stop requested, session: %s", sc.id)
	sc.requestStop()
	sc.timer.Stop()
}

// Subscribe returns the event stream and a cancel func; the channel closes on cancel or Close
func (s *Supervisor) Subscribe() (<-chan Event, func()) {
	return s.broker.subscribe()
}

func (s *Supervisor) Status() Status {
	return s.machine.Status()
}

func (s *Supervisor) Snapshot() Snapshot {
	return s.machine.Snapshot()
}

// Elapsed is the wall time of the current or last scan
func (s *Supervisor) Elapsed() time.Duration {
	s.mu.Lock()
	sc := s.current
	s.mu.Unlock()

	if sc == nil {
		return 0
	}
	return sc.timer.Elapsed()
}

// Wait blocks until the background work of every started scan has finished
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Close stops the current scan and waits for it. Subscriber channels close
// after the events already published to them are received.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Stop()
	s.Wait()
	s.broker.close()
}

func (s *Supervisor) onTerminal(sessionID string, status Status) {
	s.mu.Lock()
	sc := s.current
	s.mu.Unlock()

	if sc != nil && sc.id == sessionID {
		sc.timer.Stop()
	}
}

func (s *Supervisor) run(sc *scan, request ScanRequest) {
	defer s.wg.Done()
	defer sc.timer.Stop()

	execution, err := s.buildExecution(request)
	if err != nil {
		s.logger.Errorf("Scanner launch rejected, session: %s, error: %v", sc.id, err)
		s.machine.LaunchFailed(err)
		return
	}

	session, err := process.Launch(context.Background(), execution, s.logger)
	if err != nil {
		s.logger.Errorf("Scanner launch failed, session: %s, error: %v", sc.id, err)
		s.machine.LaunchFailed(err)
		return
	}

	s.options.Recorder.SessionStarted(sc.id, session.PID())

	finished := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		s.watch(sc, session, finished)
	}()

	lines := session.Lines()
	for lines.Scan() {
		line := lines.Text()
		s.options.Recorder.Line(sc.id, line)
		s.machine.HandleLine(line)
	}
	if err := lines.Err(); err != nil {
		s.machine.StreamFailed(err)
		// an unreadable pipe would block the scanner on its next write
		if termErr := session.Terminate(); termErr != nil {
			s.logger.Warnf("Failed to terminate scanner after read failure, session: %s, error: %v", sc.id, termErr)
		}
	}

	exitCode, waitErr := session.Wait()
	close(finished)
	<-watcherDone

	if err := session.Close(); err != nil {
		s.logger.Debugf("Output pipe close, session: %s, error: %v", sc.id, err)
	}

	s.machine.ProcessExited(exitCode, waitErr)
	s.options.Recorder.SessionEnded(sc.id, exitCode)
}

// watch terminates the scanner on Stop, kills it after the graceful timeout,
// and unblocks the reader if the pipe outlives the process
func (s *Supervisor) watch(sc *scan, session *process.Session, finished <-chan struct{}) {
	var killAfter, drainAfter <-chan time.Time
	stopped := sc.stopped
	exited := session.Done()

	for {
		select {
		case <-finished:
			return
		case <-stopped:
			stopped = nil
			if err := session.Terminate(); err != nil {
				s.logger.Warnf("Failed to terminate scanner, session: %s, error: %v", sc.id, err)
			}
			if exited != nil {
				killAfter = time.After(s.options.Scanner.GracefulTimeout)
			}
		case <-killAfter:
			killAfter = nil
			s.logger.Warnf("Scanner did not exit within %v, killing, session: %s", s.options.Scanner.GracefulTimeout, sc.id)
			if err := session.Kill(); err != nil {
				s.logger.Errorf("Failed to kill scanner, session: %s, error: %v", sc.id, err)
			}
		case <-exited:
			exited = nil
			killAfter = nil
			drainAfter = time.After(outputDrainTimeout)
		case <-drainAfter:
			drainAfter = nil
			s.logger.Warnf("Scanner output still open %v after exit, closing, session: %s", outputDrainTimeout, sc.id)
			if err := session.Close(); err != nil {
				s.logger.Debugf("Output pipe close, session: %s, error: %v", sc.id, err)
			}
		}
	}
}

func (s *Supervisor) buildExecution(request ScanRequest) (process.ExecutionConfig, error) {
	scanner := s.options.Scanner

	args := make([]string, 0, len(scanner.Args)+5)
	if scanner.Script != "" {
		script := scanner.Script
		if !filepath.IsAbs(script) && scanner.WorkingDirectory != "" {
			script = filepath.Join(scanner.WorkingDirectory, script)
		}
		if info, err := os.Stat(script); err != nil || info.IsDir() {
			return process.ExecutionConfig{}, errors.NewLaunchError("scanner script not found: "+scanner.Script, err).
				WithContext("script", scanner.Script)
		}
		args = append(args, scanner.Script)
	}
	args = append(args, scanner.Args...)
	args = append(args, request.Args()...)

	return process.ExecutionConfig{
		ExecutablePath:   scanner.Executable,
		Args:             args,
		Environment:      scanner.Environment,
		WorkingDirectory: scanner.WorkingDirectory,
	}, nil
}
