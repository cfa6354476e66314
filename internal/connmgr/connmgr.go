// Package connmgr tracks live authenticated connections grouped by client
// id. A single client id may hold multiple concurrent connections; the
// router fans out to every one of them.
//
// The manager never owns connection lifetime; the stream listener does.
// It only holds references for routing and for the status snapshot, and it
// prunes a client's set when its last connection unregisters.
package connmgr

import (
	"sync"

	"github.com/openclaw/bridge/internal/envelope"
)

// Conn is what the manager needs from a live connection: the ability to
// deliver an envelope as an inbound "message" frame. The stream listener's
// connection type implements it.
type Conn interface {
	Deliver(env *envelope.Envelope) error
}

// Manager is the connection registry. All methods are safe for concurrent
// use; one mutex over the outer map is enough at the expected fanout.
type Manager struct {
	mu    sync.Mutex
	conns map[string]map[Conn]struct{}
}

// New creates an empty manager.
func New() *Manager {
	return &Manager{conns: make(map[string]map[Conn]struct{})}
}

// Register adds a connection to the set for clientID.
func (m *Manager) Register(clientID string, c Conn) {
	m.mu.Lock()
	set := m.conns[clientID]
	if set == nil {
		set = make(map[Conn]struct{})
		m.conns[clientID] = set
	}
	set[c] = struct{}{}
	m.mu.Unlock()
}

// Unregister removes a connection and prunes the empty set.
func (m *Manager) Unregister(clientID string, c Conn) {
	m.mu.Lock()
	if set, ok := m.conns[clientID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(m.conns, clientID)
		}
	}
	m.mu.Unlock()
}

// ConnectionsFor returns a snapshot of the live connections for clientID.
// The slice is safe to iterate without holding any lock.
func (m *Manager) ConnectionsFor(clientID string) []Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.conns[clientID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Counts returns clientID → number of live connections.
func (m *Manager) Counts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int, len(m.conns))
	for id, set := range m.conns {
		out[id] = len(set)
	}
	return out
}
