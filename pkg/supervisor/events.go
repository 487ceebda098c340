package supervisor

import (
	"sync"
	"time"
)

// EventType identifies an event on the supervisor stream
type EventType string

const (
	EventLogLine       EventType = "log_line"
	EventStatusChanged EventType = "status_changed"
	EventElapsedTick   EventType = "elapsed_tick"
)

// Event is one message of the outbound stream. Only the fields of its type are set.
type Event struct {
	Type      EventType
	SessionID string
	Time      time.Time

	Line    string        // EventLogLine
	Status  Status        // EventStatusChanged
	Cause   error         // EventStatusChanged to StatusError
	Elapsed time.Duration // EventElapsedTick
}

// broker fans events out to subscribers. Every subscriber has its own
// unbounded queue drained by a pump goroutine, so publish never blocks.
type broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

type subscriber struct {
	mu      sync.Mutex
	queue   []Event
	notify  chan struct{}
	done    chan struct{}
	closing chan struct{}
	out     chan Event
	once    sync.Once
	endOnce sync.Once
	exited  chan struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[int]*subscriber)}
}

func (b *broker) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		sub.push(event)
	}
}

// subscribe returns a channel closed after cancel or broker close
func (b *broker) subscribe() (<-chan Event, func()) {
	sub := &subscriber{
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		out:     make(chan Event),
		exited:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		close(sub.exited)
		return sub.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.pump()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.stop()
	}
	return sub.out, cancel
}

// close detaches every subscriber. Each channel closes once the events
// already queued for it are received; cancel still releases it at once.
func (b *broker) close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.finish()
	}
}

func (s *subscriber) push(event Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		close(s.done)
	})
	<-s.exited
}

func (s *subscriber) finish() {
	s.endOnce.Do(func() {
		close(s.closing)
	})
}

func (s *subscriber) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

func (s *subscriber) pump() {
	defer close(s.exited)
	defer close(s.out)

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, event := range batch {
			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		case <-s.closing:
			if !s.pending() {
				return
			}
		}
	}
}
