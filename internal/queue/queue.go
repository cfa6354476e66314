// Package queue implements the per-recipient offline queues.
//
// Each registered client that is offline when an envelope is routed to it
// gets a lazily-created bounded FIFO. The queue holds at most the
// configured limit; enqueueing past the limit drops the oldest envelope.
// Drops are visible as warn events but silent to producers: the sender
// still gets a successful "sent" ack with queued=true.
//
// Queues exist only in process memory. There is no persistence across
// daemon restarts.
package queue

import (
	"sync"

	"github.com/openclaw/bridge/internal/envelope"
	"github.com/openclaw/bridge/internal/event"
)

// Store is the singleton queue store, keyed by recipient id.
type Store struct {
	mu     sync.Mutex
	limit  int
	queues map[string][]*envelope.Envelope
	rec    *event.Recorder
}

// NewStore creates a store with the given per-recipient limit.
func NewStore(limit int, rec *event.Recorder) *Store {
	if limit <= 0 {
		limit = 1
	}
	return &Store{
		limit:  limit,
		queues: make(map[string][]*envelope.Envelope),
		rec:    rec,
	}
}

// Enqueue appends an envelope to the recipient's queue, dropping the
// oldest entry when the queue is at its limit. Returns true when a drop
// occurred.
func (s *Store) Enqueue(recipient string, env *envelope.Envelope) bool {
	s.mu.Lock()
	q := s.queues[recipient]
	dropped := false
	var oldest *envelope.Envelope
	if len(q) >= s.limit {
		oldest = q[0]
		q = q[1:]
		dropped = true
	}
	s.queues[recipient] = append(q, env)
	s.mu.Unlock()

	if dropped && s.rec != nil {
		s.rec.Warn("queue_overflow", "queue full, dropped oldest envelope", map[string]any{
			"client":  recipient,
			"dropped": oldest.ID,
			"limit":   s.limit,
		})
	}
	return dropped
}

// Drain removes and returns every queued envelope for the recipient in
// FIFO order. Returns nil when nothing is queued.
func (s *Store) Drain(recipient string) []*envelope.Envelope {
	s.mu.Lock()
	q := s.queues[recipient]
	delete(s.queues, recipient)
	s.mu.Unlock()
	return q
}

// Depth returns the current queue length for the recipient.
func (s *Store) Depth(recipient string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[recipient])
}

// Depths returns the depth of every non-empty queue, for the status
// snapshot.
func (s *Store) Depths() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.queues))
	for id, q := range s.queues {
		out[id] = len(q)
	}
	return out
}
