package supervisor

import (
	"sync"
	"time"
)

// ElapsedTimer measures wall time since Start and emits a tick every interval.
// Ticks continue during a rate-limit wait.
type ElapsedTimer struct {
	interval time.Duration
	onTick   func(time.Duration)
	now      func() time.Time

	mu      sync.Mutex
	origin  time.Time
	frozen  time.Duration
	running bool
	stop    chan struct{}
	exited  chan struct{}
}

func NewElapsedTimer(interval time.Duration, onTick func(time.Duration)) *ElapsedTimer {
	if interval <= 0 {
		interval = DefaultTiming().TickInterval
	}
	if onTick == nil {
		onTick = func(time.Duration) {}
	}
	return &ElapsedTimer{
		interval: interval,
		onTick:   onTick,
		now:      time.Now,
	}
}

// Start resets the origin and begins ticking; a running timer is restarted
func (t *ElapsedTimer) Start() {
	t.Stop()

	t.mu.Lock()
	t.origin = t.now()
	t.frozen = 0
	t.running = true
	stop := make(chan struct{})
	exited := make(chan struct{})
	t.stop = stop
	t.exited = exited
	t.mu.Unlock()

	go t.loop(stop, exited)
}

// Stop halts ticking and freezes Elapsed. It returns after the tick goroutine
// has exited and is a no-op when not running.
func (t *ElapsedTimer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.frozen = t.now().Sub(t.origin)
	stop, exited := t.stop, t.exited
	t.stop, t.exited = nil, nil
	t.mu.Unlock()

	close(stop)
	<-exited
}

// Elapsed is the live duration while running and the frozen one after Stop
func (t *ElapsedTimer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return t.now().Sub(t.origin)
	}
	return t.frozen
}

func (t *ElapsedTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *ElapsedTimer) loop(stop <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			if !t.running {
				t.mu.Unlock()
				return
			}
			elapsed := t.now().Sub(t.origin)
			t.mu.Unlock()

			select {
			case <-stop:
				return
			default:
			}
			t.onTick(elapsed)
		}
	}
}
