// Package router decides, for each validated envelope, between fanout to
// the recipient's live connections and the offline queue.
//
// The router owns the one ordering-sensitive section of the daemon: the
// deliver-or-queue decision and the register-and-drain step on recipient
// auth are serialized under a single mutex, so an envelope can never be
// stranded in a queue that was just drained, and drained envelopes are
// always written to a freshly authed connection before anything routed
// after the auth moment. Actual socket writes happen outside the mutex;
// ordering toward one connection is preserved by that connection's own
// write lock, which the stream listener holds across the drain.
package router

import (
	"sync"

	"github.com/openclaw/bridge/internal/connmgr"
	"github.com/openclaw/bridge/internal/envelope"
	"github.com/openclaw/bridge/internal/event"
	"github.com/openclaw/bridge/internal/queue"
)

// Result reports what happened to a routed envelope. Exactly one of
// "delivered to at least one connection" or "queued" holds; deliveredTo=0
// with queued=false is never produced.
type Result struct {
	DeliveredTo int  `json:"deliveredTo"`
	Queued      bool `json:"queued"`
}

// Router routes envelopes over the connection manager and the queue store.
type Router struct {
	mu    sync.Mutex // serializes the deliver-or-queue decision with Attach/Detach
	conns *connmgr.Manager
	queue *queue.Store
	rec   *event.Recorder
}

// New creates a router.
func New(conns *connmgr.Manager, q *queue.Store, rec *event.Recorder) *Router {
	return &Router{conns: conns, queue: q, rec: rec}
}

// Route delivers the envelope to every live connection of the recipient,
// or enqueues it when none exist.
//
// Write failures to individual connections are warned and skipped; they
// neither abort the fanout nor roll anything back. Delivery means "written
// to the recipient's stream"; there is no recipient-side ack. When every
// write fails, the recipient counts as offline and the envelope is queued.
func (r *Router) Route(env *envelope.Envelope) Result {
	r.mu.Lock()
	targets := r.conns.ConnectionsFor(env.To)
	if len(targets) == 0 {
		r.queue.Enqueue(env.To, env)
		r.mu.Unlock()

		r.rec.Warn("envelope_queued", "recipient offline, envelope queued", map[string]any{
			"id":   env.ID,
			"from": env.From,
			"to":   env.To,
		})
		return Result{DeliveredTo: 0, Queued: true}
	}
	r.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Deliver(env); err != nil {
			r.rec.Warn("delivery_failed", "write to recipient connection failed", map[string]any{
				"id":    env.ID,
				"to":    env.To,
				"error": err.Error(),
			})
			continue
		}
		delivered++
	}

	// Every write failed: the snapshot's connections were dying or dead, so
	// the recipient is effectively offline. Queue rather than report an
	// envelope that was neither delivered nor queued.
	if delivered == 0 {
		r.mu.Lock()
		r.queue.Enqueue(env.To, env)
		r.mu.Unlock()

		r.rec.Warn("envelope_queued", "all recipient connections failed, envelope queued", map[string]any{
			"id":   env.ID,
			"from": env.From,
			"to":   env.To,
		})
		return Result{DeliveredTo: 0, Queued: true}
	}

	r.rec.Info("envelope_routed", "envelope delivered", map[string]any{
		"id":          env.ID,
		"from":        env.From,
		"to":          env.To,
		"deliveredTo": delivered,
	})
	return Result{DeliveredTo: delivered, Queued: false}
}

// Attach registers a freshly authenticated connection and atomically
// drains the recipient's queue. The caller must hold the connection's
// write lock across Attach and the writes of the returned envelopes, so
// that deliveries routed after registration cannot overtake the drain.
func (r *Router) Attach(clientID string, c connmgr.Conn) []*envelope.Envelope {
	r.mu.Lock()
	drained := r.queue.Drain(clientID)
	r.conns.Register(clientID, c)
	r.mu.Unlock()
	return drained
}

// Detach unregisters a connection on close.
func (r *Router) Detach(clientID string, c connmgr.Conn) {
	r.mu.Lock()
	r.conns.Unregister(clientID, c)
	r.mu.Unlock()
}
