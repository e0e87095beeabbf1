package events

import (
	"log/slog"
	"sync"
)

// Log is the append-only, newest-first sequence of session events. It grows
// unbounded for the lifetime of a session and is cleared when a session
// becomes active and again when it ends.
//
// Log is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	events  []Event
	subs    map[int]chan Event
	nextSub int
}

// NewLog creates an empty Log.
func NewLog() *Log {
	return &Log{subs: make(map[int]chan Event)}
}

// Append head-inserts e: after Append, e is at index 0 of [Log.Snapshot].
// Subscribers are notified; a subscriber whose buffer is full misses the
// event rather than blocking the session.
func (l *Log) Append(e Event) {
	l.mu.Lock()
	l.events = append([]Event{e}, l.events...)
	for id, ch := range l.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("events: slow log subscriber missed event", "subscriber", id, "type", e.Type)
		}
	}
	l.mu.Unlock()
}

// Snapshot returns a copy of the log, newest first.
func (l *Log) Snapshot() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of logged events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Clear discards all logged events.
func (l *Log) Clear() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

// Subscribe registers an observer that receives every event appended after
// the call, on a channel buffered to size buffer. The returned cancel
// function unregisters the observer and closes its channel.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}
