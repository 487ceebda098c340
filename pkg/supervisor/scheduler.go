package supervisor

import "time"

// Timer is a pending scheduled callback
type Timer interface {
	// Stop prevents the callback from running; false if it already ran or was stopped
	Stop() bool
}

// Scheduler runs callbacks after a delay on its own goroutine
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type timeScheduler struct{}

// NewTimeScheduler returns the Scheduler backed by time.AfterFunc
func NewTimeScheduler() Scheduler {
	return timeScheduler{}
}

func (timeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
