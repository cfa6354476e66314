// Package event provides the daemon's runtime observability: a bounded
// in-memory ring of structured events mirrored to the log via zerolog.
//
// The ring is consumed by the HTTP control plane (recent-events listing and
// the websocket tail). It sits outside the routing path: appending an event
// never blocks routing, and a slow tail subscriber is dropped rather than
// back-pressuring the writer.
package event

import (
	"sync"

	"github.com/openclaw/bridge/internal/envelope"
)

// Level classifies an event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one structured runtime event.
type Event struct {
	TS      string         `json:"ts"`
	Level   Level          `json:"level"`
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Ring is a bounded append-only event buffer with drop-oldest semantics.
// All methods are safe for concurrent use; appends are O(1).
type Ring struct {
	mu      sync.Mutex
	buf     []Event
	max     int
	start   int // index of oldest element when full
	subs    map[int]chan Event
	nextSub int
}

// NewRing creates a ring holding at most max events.
func NewRing(max int) *Ring {
	if max <= 0 {
		max = 1
	}
	return &Ring{
		buf:  make([]Event, 0, max),
		max:  max,
		subs: make(map[int]chan Event),
	}
}

// Append records an event, evicting the oldest when the ring is full, and
// fans it out to subscribers. A subscriber whose buffer is full misses the
// event; the append itself never blocks.
func (r *Ring) Append(e Event) {
	r.mu.Lock()
	if len(r.buf) < r.max {
		r.buf = append(r.buf, e)
	} else {
		r.buf[r.start] = e
		r.start = (r.start + 1) % r.max
	}
	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
	r.mu.Unlock()
}

// Len returns the number of events currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Snapshot returns up to limit most recent events, oldest first.
// limit <= 0 returns everything.
func (r *Ring) Snapshot(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.buf)
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Subscribe registers a live tail with the given buffer depth and returns
// the event channel plus a cancel function. Cancel closes the channel.
func (r *Ring) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// newEvent stamps an event with the wire-format timestamp.
func newEvent(level Level, eventType, msg string, details map[string]any) Event {
	return Event{
		TS:      envelope.Now(),
		Level:   level,
		Type:    eventType,
		Message: msg,
		Details: details,
	}
}
