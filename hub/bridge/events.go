package bridge

import (
	"sync"
	"time"
)

// Event types published by the bridge.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventReconnecting = "reconnecting"
	EventError        = "error"
	EventFallback     = "fallback"
)

// Event is a bridge lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Attempt   int       `json:"attempt,omitempty"`
	Permanent bool      `json:"permanent,omitempty"` // fallback only: the bridge is disabled for good
	Err       string    `json:"error,omitempty"`
}

// eventBus fans events out to subscribers. Delivery is at-most-once with no
// replay: a subscriber only sees events published after it subscribed, and a
// full subscriber buffer drops the event for that subscriber.
type eventBus struct {
	mu     sync.RWMutex
	subs   map[chan Event]map[string]bool // channel -> subscribed types (nil = all)
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[chan Event]map[string]bool)}
}

func (b *eventBus) subscribe(types ...string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	if len(types) == 0 {
		b.subs[ch] = nil
	} else {
		filter := make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
		b.subs[ch] = filter
	}
	return ch
}

func (b *eventBus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *eventBus) publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
