package orchestrator

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// emitTimeout is how long Emit waits on a full subscriber before dropping.
const emitTimeout = 100 * time.Millisecond

// EventBus fans orchestrator events out to any number of subscribers.
// Each subscriber has its own buffered channel; a subscriber that stays full
// for emitTimeout misses that event.
type EventBus struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[*EventSubscription]struct{}
	closed bool

	droppedCount atomic.Uint64
}

// EventSubscription is one consumer of an EventBus.
type EventSubscription struct {
	bus  *EventBus
	ch   chan Event
	once sync.Once
}

// NewEventBus creates an EventBus that logs drops to log.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		log:  log,
		subs: make(map[*EventSubscription]struct{}),
	}
}

// Subscribe registers a consumer with the given channel capacity.
// Subscribing to a closed bus returns an already closed subscription.
func (b *EventBus) Subscribe(buffer int) *EventSubscription {
	if buffer < 0 {
		buffer = 0
	}
	s := &EventSubscription{bus: b, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Emit delivers event to every subscriber.
// If a subscriber is full, it tries with a timeout before dropping the event for it.
func (b *EventBus) Emit(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		select {
		case s.ch <- event:
			continue
		default:
		}

		timer := time.NewTimer(emitTimeout)
		select {
		case s.ch <- event:
			timer.Stop()
		case <-timer.C:
			count := b.droppedCount.Add(1)
			if count%10 == 1 {
				b.log.Warn("event subscriber full, dropped event", "type", event.Type, "dropped", count)
			}
		}
	}
}

// DroppedCount returns the total number of per-subscriber drops.
func (b *EventBus) DroppedCount() uint64 {
	return b.droppedCount.Load()
}

// Close closes every subscription. Later Emit calls are ignored.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.once.Do(func() { close(s.ch) })
	}
	b.subs = nil
}

// Events returns the subscription's channel. It is closed by Close on either
// the subscription or the bus.
func (s *EventSubscription) Events() <-chan Event {
	return s.ch
}

// Close removes the subscription from the bus.
func (s *EventSubscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s)
	s.once.Do(func() { close(s.ch) })
}
