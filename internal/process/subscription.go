package process

import (
	"sync/atomic"
	"time"
)

// EventKind discriminates Event.
type EventKind int

const (
	EventOutput EventKind = iota
	EventState
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventOutput:
		return "output"
	case EventState:
		return "state"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is something that happened to a process. Data is set for output
// events, From/To for state events and ExitCode for the exit event.
type Event struct {
	Kind     EventKind
	Data     []byte
	From     State
	To       State
	ExitCode int
	Time     time.Time
}

const (
	subscriptionBuffer = 256
	sendTimeout        = 100 * time.Millisecond
)

// Subscription receives a process's events in emission order. The channel
// is closed after the exit event or when Close is called.
type Subscription struct {
	ch      chan Event
	m       *Manager
	closed  bool
	dropped atomic.Int64
}

// Events returns the event channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the subscriber
// did not keep up.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close stops delivery and closes the channel. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.m.pubMu.Lock()
	defer s.m.pubMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.m.subs, s)
	close(s.ch)
}

// Subscribe registers a new subscriber. Subscribing to a terminated
// process yields a channel holding only the exit event.
func (m *Manager) Subscribe() *Subscription {
	s := &Subscription{ch: make(chan Event, subscriptionBuffer), m: m}

	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	select {
	case <-m.done:
		m.mu.Lock()
		code := m.metrics.ExitCode
		m.mu.Unlock()
		s.ch <- Event{Kind: EventExit, ExitCode: code, Time: m.clock.Now()}
		s.closed = true
		close(s.ch)
		return s
	default:
	}
	m.subs[s] = struct{}{}
	return s
}

func (m *Manager) publish(ev Event) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	for s := range m.subs {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		timer := time.NewTimer(sendTimeout)
		select {
		case s.ch <- ev:
		case <-timer.C:
			s.dropped.Add(1)
		}
		timer.Stop()
	}
}

// closeSubscriptions closes every subscription and marks the manager done,
// both under pubMu so a concurrent Subscribe cannot miss the exit.
func (m *Manager) closeSubscriptions() {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	defer close(m.done)
	for s := range m.subs {
		s.closed = true
		close(s.ch)
	}
	m.subs = make(map[*Subscription]struct{})
}
