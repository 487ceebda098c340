package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-scanmaster/pkg/classify"
	"github.com/core-tools/hsu-scanmaster/pkg/errors"
	"github.com/core-tools/hsu-scanmaster/pkg/logging"
)

// Timing holds the fixed delays of the state machine and the elapsed timer
type Timing struct {
	PauseDuration  time.Duration `yaml:"pause_duration"`
	HitRevertDelay time.Duration `yaml:"hit_revert_delay"`
	TickInterval   time.Duration `yaml:"tick_interval"`
}

func DefaultTiming() Timing {
	return Timing{
		PauseDuration:  300 * time.Second,
		HitRevertDelay: 5 * time.Second,
		TickInterval:   500 * time.Millisecond,
	}
}

// Snapshot is a consistent copy of the state machine
type Snapshot struct {
	SessionID       string
	Status          Status
	Active          bool
	Paused          bool
	Suppressed      bool
	PauseWindow     *PauseWindow
	Hits            int
	Pauses          int
	ForwardedLines  int
	SuppressedLines int
	LastError       error
}

type StateMachineOptions struct {
	Classifier classify.Classifier
	Timing     Timing
	Scheduler  Scheduler
	Publish    func(Event)
	// OnTerminal runs outside the lock when a session first reaches a terminal status
	OnTerminal func(sessionID string, status Status)
	Now        func() time.Time
}

// callbackToken binds a scheduled callback to the session and the arming it was issued for
type callbackToken struct {
	sessionID  string
	generation uint64
}

// StateMachine owns the scan status. The read loop, the timer callbacks and
// Stop all go through its mutex.
type StateMachine struct {
	options StateMachineOptions
	logger  logging.Logger

	mu sync.Mutex

	status        Status
	sessionID     string
	active        bool
	stopRequested bool

	paused      bool
	suppressed  bool
	pauseWindow *PauseWindow

	resumeTimer      Timer
	resumeGeneration uint64
	revertTimer      Timer
	revertGeneration uint64

	hits            int
	pauses          int
	forwardedLines  int
	suppressedLines int
	streamErr       error
	lastErr         error

	terminalPending bool
}

func NewStateMachine(options StateMachineOptions, logger logging.Logger) *StateMachine {
	if options.Scheduler == nil {
		options.Scheduler = NewTimeScheduler()
	}
	if options.Publish == nil {
		options.Publish = func(Event) {}
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &StateMachine{
		options: options,
		logger:  logger,
		status:  StatusIdle,
	}
}

// unlock releases the mutex and fires the terminal hook if a transition armed it
func (m *StateMachine) unlock() {
	fire := m.terminalPending
	sessionID, status := m.sessionID, m.status
	m.terminalPending = false
	m.mu.Unlock()

	if fire && m.options.OnTerminal != nil {
		m.options.OnTerminal(sessionID, status)
	}
}

// Begin opens a session: Idle (or a previous terminal status) -> Running
func (m *StateMachine) Begin(sessionID string) error {
	m.mu.Lock()
	defer m.unlock()

	if m.active {
		return errors.NewConflictError("scan in progress", nil).WithContext("session_id", m.sessionID)
	}

	m.sessionID = sessionID
	m.active = true
	m.stopRequested = false
	m.paused = false
	m.suppressed = false
	m.pauseWindow = nil
	m.hits = 0
	m.pauses = 0
	m.forwardedLines = 0
	m.suppressedLines = 0
	m.streamErr = nil
	m.lastErr = nil

	m.logger.Infof("Scan session started, session: %s", sessionID)
	m.setStatus(StatusRunning, nil)
	return nil
}

// HandleLine classifies one output line and applies its effect
func (m *StateMachine) HandleLine(line string) classify.Result {
	result := m.options.Classifier.Classify(line)

	m.mu.Lock()
	defer m.unlock()

	if !m.active || m.stopRequested {
		return result
	}

	if result.Kind == classify.KindRateLimitWait {
		if m.status.IsTerminal() {
			m.logger.Debugf("Ignoring rate limit marker after terminal status, session: %s, status: %s", m.sessionID, m.status)
			return result
		}
		m.enterPause()
		return result
	}

	if m.suppressed {
		m.suppressedLines++
		switch result.Kind {
		case classify.KindHitDetected:
			m.hits++
			m.logger.Infof("Hit reported during rate limit wait, session: %s", m.sessionID)
		case classify.KindCompleted:
			m.clearPause()
			if !m.status.IsTerminal() {
				m.setStatus(StatusCompleted, nil)
			}
		}
		return result
	}

	m.forwardedLines++
	m.emit(Event{Type: EventLogLine, Line: line})

	switch result.Kind {
	case classify.KindHitDetected:
		m.hits++
		if !m.status.IsTerminal() {
			m.setStatus(StatusHitDetected, nil)
			m.scheduleRevert()
		}
	case classify.KindCompleted:
		if !m.status.IsTerminal() {
			m.setStatus(StatusCompleted, nil)
		}
	}
	return result
}

// Stop ends the session as Stopped. It reports false when no session is open.
func (m *StateMachine) Stop() bool {
	m.mu.Lock()
	defer m.unlock()

	if !m.active {
		return false
	}
	if m.stopRequested {
		return true
	}

	m.stopRequested = true
	if m.paused {
		m.logger.Infof("Stop during rate limit wait, cancelling resume, session: %s", m.sessionID)
	}
	m.cancelTimers()
	m.clearPause()

	if !m.status.IsTerminal() {
		m.setStatus(StatusStopped, nil)
	}
	return true
}

// LaunchFailed closes the session as Error when the scanner could not be spawned
func (m *StateMachine) LaunchFailed(err error) {
	m.mu.Lock()
	defer m.unlock()

	if !m.active {
		return
	}

	m.cancelTimers()
	m.clearPause()

	if !m.stopRequested {
		m.emit(Event{Type: EventLogLine, Line: fmt.Sprintf("scanner launch failed: %v", err)})
	}
	if !m.status.IsTerminal() {
		m.setStatus(StatusError, err)
	}
	m.closeSession()
}

// StreamFailed records a read failure; the session still ends on process exit
func (m *StateMachine) StreamFailed(err error) {
	m.mu.Lock()
	defer m.unlock()

	if !m.active {
		return
	}

	m.streamErr = errors.NewStreamError("scanner output read failed", err).WithContext("session_id", m.sessionID)
	m.logger.Errorf("Scanner output read failed, session: %s, error: %v", m.sessionID, err)
	if !m.stopRequested && !m.suppressed {
		m.emit(Event{Type: EventLogLine, Line: fmt.Sprintf("scanner output read failed: %v", err)})
	}
}

// ProcessExited closes the session from the exit code
func (m *StateMachine) ProcessExited(exitCode int, waitErr error) {
	m.mu.Lock()
	defer m.unlock()

	if !m.active {
		return
	}

	m.cancelTimers()
	m.clearPause()

	switch {
	case m.status.IsTerminal():
		if exitCode != 0 && m.status == StatusCompleted {
			m.logger.Warnf("Scanner exited with code %d after reporting completion, session: %s", exitCode, m.sessionID)
		}
	case waitErr != nil:
		m.setStatus(StatusError, waitErr)
	case exitCode != 0:
		m.setStatus(StatusError, errors.NewRuntimeError(fmt.Sprintf("scanner exited with code %d", exitCode), nil).
			WithContext("session_id", m.sessionID).WithContext("exit_code", exitCode))
	case m.streamErr != nil:
		m.setStatus(StatusError, m.streamErr)
	default:
		m.setStatus(StatusCompleted, nil)
	}

	m.logger.Infof("Scan session ended, session: %s, exit code: %d, status: %s", m.sessionID, exitCode, m.status)
	m.closeSession()
}

func (m *StateMachine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsCurrent reports whether sessionID is the open session
func (m *StateMachine) IsCurrent(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active && !m.stopRequested && m.sessionID == sessionID
}

func (m *StateMachine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var window *PauseWindow
	if m.pauseWindow != nil {
		w := *m.pauseWindow
		window = &w
	}
	return Snapshot{
		SessionID:       m.sessionID,
		Status:          m.status,
		Active:          m.active,
		Paused:          m.paused,
		Suppressed:      m.suppressed,
		PauseWindow:     window,
		Hits:            m.hits,
		Pauses:          m.pauses,
		ForwardedLines:  m.forwardedLines,
		SuppressedLines: m.suppressedLines,
		LastError:       m.lastErr,
	}
}

// ===== INTERNAL, CALLED WITH THE LOCK HELD =====

func (m *StateMachine) emit(event Event) {
	event.SessionID = m.sessionID
	event.Time = m.options.Now()
	m.options.Publish(event)
}

func (m *StateMachine) setStatus(status Status, cause error) {
	if m.status == status {
		return
	}
	previous := m.status
	m.status = status
	if cause != nil {
		m.lastErr = cause
	}
	if status.IsTerminal() && !previous.IsTerminal() {
		m.terminalPending = true
	}

	m.logger.Infof("Status changed, session: %s, %s -> %s", m.sessionID, previous, status)
	m.emit(Event{Type: EventStatusChanged, Status: status, Cause: cause})
}

func (m *StateMachine) enterPause() {
	if m.resumeTimer != nil {
		m.resumeTimer.Stop()
	}
	m.stopRevertTimer()

	m.paused = true
	m.suppressed = true
	m.pauses++
	m.pauseWindow = &PauseWindow{
		TriggeredAt: m.options.Now(),
		Duration:    m.options.Timing.PauseDuration,
	}

	m.resumeGeneration++
	token := callbackToken{sessionID: m.sessionID, generation: m.resumeGeneration}
	m.resumeTimer = m.options.Scheduler.AfterFunc(m.options.Timing.PauseDuration, func() {
		m.resume(token)
	})

	m.logger.Infof("Rate limit wait, suppressing output for %v, session: %s", m.options.Timing.PauseDuration, m.sessionID)
	m.setStatus(StatusPaused, nil)
}

func (m *StateMachine) resume(token callbackToken) {
	m.mu.Lock()
	defer m.unlock()

	if !m.active || m.stopRequested || token.sessionID != m.sessionID || token.generation != m.resumeGeneration || !m.paused {
		m.logger.Debugf("Stale resume ignored, session: %s", token.sessionID)
		return
	}

	m.resumeTimer = nil
	m.clearPause()
	m.logger.Infof("Rate limit wait over, session: %s", m.sessionID)
	if m.status == StatusPaused {
		m.setStatus(StatusRunning, nil)
	}
}

func (m *StateMachine) scheduleRevert() {
	m.stopRevertTimer()

	m.revertGeneration++
	token := callbackToken{sessionID: m.sessionID, generation: m.revertGeneration}
	m.revertTimer = m.options.Scheduler.AfterFunc(m.options.Timing.HitRevertDelay, func() {
		m.revert(token)
	})
}

// revert only overwrites a status that is still the hit it was scheduled for
func (m *StateMachine) revert(token callbackToken) {
	m.mu.Lock()
	defer m.unlock()

	if !m.active || token.sessionID != m.sessionID || token.generation != m.revertGeneration {
		return
	}
	m.revertTimer = nil
	if m.status != StatusHitDetected {
		return
	}
	m.setStatus(StatusRunning, nil)
}

func (m *StateMachine) stopRevertTimer() {
	if m.revertTimer != nil {
		m.revertTimer.Stop()
		m.revertTimer = nil
	}
}

func (m *StateMachine) cancelTimers() {
	if m.resumeTimer != nil {
		m.resumeTimer.Stop()
		m.resumeTimer = nil
	}
	m.stopRevertTimer()
	// stale callbacks already in flight see a new generation
	m.resumeGeneration++
	m.revertGeneration++
}

func (m *StateMachine) clearPause() {
	m.paused = false
	m.suppressed = false
	m.pauseWindow = nil
}

func (m *StateMachine) closeSession() {
	m.active = false
}
