package supervisor

import (
	"os"
	"time"

	"github.com/core-tools/hsu-scanmaster/pkg/errors"
)

// Status is the coarse state of the supervised scan
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusHitDetected Status = "hit_detected"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusStopped     Status = "stopped"
)

// IsTerminal reports whether no further automatic transition can leave s
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusStopped:
		return true
	default:
		return false
	}
}

// Mode selects how the scanner reaches the target site
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeTor    Mode = "tor"
	ModeAuto   Mode = "auto"
)

func ParseMode(value string) (Mode, error) {
	switch Mode(value) {
	case ModeNormal, ModeTor, ModeAuto:
		return Mode(value), nil
	case "":
		return ModeNormal, nil
	default:
		return "", errors.NewValidationError("unknown scan mode: "+value, nil).WithContext("mode", value)
	}
}

// ScanRequest describes one scan
type ScanRequest struct {
	CSVPath string
	Mode    Mode
}

// Validate checks the request without touching any process
func (r ScanRequest) Validate() error {
	if _, err := ParseMode(string(r.Mode)); err != nil {
		return err
	}
	if r.CSVPath == "" {
		return errors.NewValidationError("csv path is required", nil)
	}
	info, err := os.Stat(r.CSVPath)
	if err != nil {
		return errors.NewValidationError("csv file not found: "+r.CSVPath, err).WithContext("csv_path", r.CSVPath)
	}
	if info.IsDir() {
		return errors.NewValidationError("csv path is a directory: "+r.CSVPath, nil).WithContext("csv_path", r.CSVPath)
	}
	return nil
}

// Args is the scanner argument suffix for this request
func (r ScanRequest) Args() []string {
	mode := r.Mode
	if mode == "" {
		mode = ModeNormal
	}
	return []string{"--csv", r.CSVPath, "--mode", string(mode)}
}

// PauseWindow is an active rate-limit wait
type PauseWindow struct {
	TriggeredAt time.Time
	Duration    time.Duration
}

// EndsAt is when the resume is scheduled
func (w PauseWindow) EndsAt() time.Time {
	return w.TriggeredAt.Add(w.Duration)
}
