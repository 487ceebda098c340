package supervisor

import (
	"time"

	"github.com/core-tools/hsu-scanmaster/pkg/classify"
)

const DefaultGracefulTimeout = 10 * time.Second

// ScannerConfig is how the scanner child is invoked. The request arguments
// (--csv, --mode) are appended after Script and Args.
type ScannerConfig struct {
	Executable       string        `yaml:"executable"`
	Script           string        `yaml:"script,omitempty"`
	Args             []string      `yaml:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	GracefulTimeout  time.Duration `yaml:"graceful_timeout,omitempty"`
}

// SessionRecorder receives the raw lifecycle of every scan, including lines
// that are never forwarded to subscribers. Calls come from the scan goroutine.
type SessionRecorder interface {
	SessionStarted(sessionID string, pid int)
	Line(sessionID string, line string)
	SessionEnded(sessionID string, exitCode int)
}

type Options struct {
	Scanner   ScannerConfig
	Markers   classify.Markers
	Timing    Timing
	Scheduler Scheduler
	Recorder  SessionRecorder
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted(string, int) {}
func (nopRecorder) Line(string, string)        {}
func (nopRecorder) SessionEnded(string, int)   {}

func (o Options) withDefaults() Options {
	if o.Markers == (classify.Markers{}) {
		o.Markers = classify.DefaultMarkers()
	}

	defaults := DefaultTiming()
	if o.Timing.PauseDuration <= 0 {
		o.Timing.PauseDuration = defaults.PauseDuration
	}
	if o.Timing.HitRevertDelay <= 0 {
		o.Timing.HitRevertDelay = defaults.HitRevertDelay
	}
	if o.Timing.TickInterval <= 0 {
		o.Timing.TickInterval = defaults.TickInterval
	}

	if o.Scanner.GracefulTimeout <= 0 {
		o.Scanner.GracefulTimeout = DefaultGracefulTimeout
	}
	if o.Scheduler == nil {
		o.Scheduler = NewTimeScheduler()
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	return o
}
