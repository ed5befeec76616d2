package session

import "sync"

const eventBuffer = 32

type EventType string

const (
	EventStarted         EventType = "started"
	EventBlink           EventType = "blink"
	EventLiveness        EventType = "liveness"
	EventLivenessExpired EventType = "liveness_expired"
	EventNoFace          EventType = "no_face"
	EventOutcome         EventType = "outcome"
	EventCancelled       EventType = "cancelled"
	EventFailed          EventType = "failed"
)

// Event is published to subscribers of a channel.
type Event struct {
	Type    EventType `json:"type"`
	Handle  string    `json:"handle"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// broadcaster fans events out to listeners without ever blocking the sender.
type broadcaster struct {
	listeners []chan Event
	closed    bool
	mu        sync.RWMutex
}

func (b *broadcaster) AddListener() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, eventBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.listeners = append(b.listeners, ch)
	return ch
}

func (b *broadcaster) RemoveListener(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (b *broadcaster) SendEvent(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// closeAll closes every listener; used when the channel shuts down.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.listeners {
		close(ch)
	}
	b.listeners = nil
	b.closed = true
}
