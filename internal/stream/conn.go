package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/openclaw/bridge/internal/envelope"
	"github.com/openclaw/bridge/internal/registry"
)

// writeDeadline bounds every frame write so a backpressured recipient
// stalls only its own connection, never the router's fanout to others. A
// missed deadline counts as a delivery write error.
const writeDeadline = 5 * time.Second

// Conn is one accepted stream connection.
//
// State machine: a connection is unauthenticated while client is nil and
// authenticated once it points at a registry entry. The transition happens
// at most once, on the first successful auth frame; auth failure destroys
// the connection instead.
type Conn struct {
	srv *Server
	nc  net.Conn

	// writeMu serializes all frame writes on this connection. It is held
	// across the register-and-drain step on auth so queued envelopes are
	// flushed before any freshly routed delivery can interleave.
	writeMu sync.Mutex

	client      *registry.Client // nil until authenticated
	connectedAt time.Time

	// lastStamp enforces per-connection monotonic server timestamps even
	// if the wall clock steps backwards. Only touched by the read loop.
	lastStamp time.Time
}

func newConn(srv *Server, nc net.Conn) *Conn {
	return &Conn{srv: srv, nc: nc, connectedAt: time.Now()}
}

// stamp returns the server-assigned time for the current frame, clamped to
// never precede the previous stamp on this connection.
func (c *Conn) stamp() time.Time {
	now := time.Now()
	if now.Before(c.lastStamp) {
		now = c.lastStamp
	}
	c.lastStamp = now
	return now
}

// serve runs the connection's read loop until EOF, a socket error, or a
// fatal protocol violation. Cleanup (unregister, events) happens here.
func (c *Conn) serve() {
	defer c.nc.Close()
	defer c.finish()

	maxFrame := c.srv.maxFrame
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		n, err := c.nc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := buf[:idx]
				buf = append(buf[:0], buf[idx+1:]...)
				if !c.handleLine(line, maxFrame) {
					return
				}
			}

			// The parse buffer is bounded at twice the frame limit; a
			// client that streams that much without a newline is destroyed
			// to bound memory.
			if len(buf) > 2*maxFrame {
				c.writeFrame(errorFrame{Action: ActionError, Error: ErrBufferExceeded})
				c.srv.rec.Warn("buffer_exceeded", "connection parse buffer over limit", map[string]any{
					"client": c.clientID(),
					"bytes":  len(buf),
				})
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				c.srv.rec.Warn("socket_error", "connection read failed", map[string]any{
					"client": c.clientID(),
					"error":  err.Error(),
				})
			}
			return
		}
	}
}

// finish unregisters an authenticated connection and records its lifetime.
func (c *Conn) finish() {
	c.srv.forget(c)
	if c.client == nil {
		return
	}
	c.srv.router.Detach(c.client.ID, c)
	c.srv.rec.Info("client_disconnected", "client connection closed", map[string]any{
		"client":   c.client.ID,
		"lifetime": time.Since(c.connectedAt).Round(time.Millisecond).String(),
	})
}

// handleLine processes one frame line. Returns false when the connection
// must be destroyed.
func (c *Conn) handleLine(line []byte, maxFrame int) bool {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 {
		return true
	}
	// A frame of exactly the limit is accepted; one byte over is rejected.
	if len(line) > maxFrame {
		c.writeFrame(errorFrame{Action: ActionError, Error: ErrMessageTooLarge})
		return true
	}

	var frame inboundFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		c.writeFrame(errorFrame{Action: ActionError, Error: ErrInvalidJSON})
		return true
	}

	if c.client == nil {
		return c.handleUnauth(&frame)
	}
	return c.handleAuthed(&frame)
}

// handleUnauth accepts exactly one action: auth. Everything else gets an
// auth_required error and is dropped; the connection stays open.
func (c *Conn) handleUnauth(frame *inboundFrame) bool {
	if frame.Action != ActionAuth {
		c.writeFrame(errorFrame{Action: ActionError, Error: ErrAuthRequired})
		return true
	}

	if !c.srv.registry.VerifyKey(frame.ClientID, frame.APIKey) {
		c.writeFrame(authFailedFrame{Action: ActionAuthFailed})
		c.srv.rec.Warn("auth_failed", "client authentication rejected", map[string]any{
			"client": frame.ClientID,
		})
		return false
	}

	client, _ := c.srv.registry.Lookup(frame.ClientID)
	c.client = client

	// Register and drain atomically with respect to routing, holding the
	// write lock so nothing routed after auth_ok can overtake the drain.
	c.writeMu.Lock()
	drained := c.srv.router.Attach(client.ID, c)
	c.writeFrameLocked(authOKFrame{
		Action:   ActionAuthOK,
		ClientID: client.ID,
		Queued:   len(drained),
		TS:       envelope.Stamp(c.stamp()),
	})
	for _, env := range drained {
		c.writeFrameLocked(messageFrame{Action: ActionMessage, Envelope: env})
	}
	c.writeMu.Unlock()

	c.srv.rec.Info("client_authenticated", "client authenticated", map[string]any{
		"client": client.ID,
		"queued": len(drained),
	})
	return true
}

// handleAuthed dispatches the authenticated actions.
func (c *Conn) handleAuthed(frame *inboundFrame) bool {
	switch frame.Action {
	case ActionPing:
		c.writeFrame(pongFrame{Action: ActionPong, TS: envelope.Stamp(c.stamp())})
	case ActionWhoami:
		c.writeFrame(whoamiFrame{
			Action:    ActionWhoami,
			ClientID:  c.client.ID,
			CanSendTo: c.client.CanSendTo(),
			TS:        envelope.Stamp(c.stamp()),
		})
	case ActionSend:
		c.handleSend(frame)
	default:
		c.writeFrame(errorFrame{Action: ActionError, Error: ErrUnknownAction})
	}
	return true
}

// handleSend validates the target and the sender's allowlist, then routes.
// The envelope's sender is always the authenticated identity of this
// connection, never taken from client input.
func (c *Conn) handleSend(frame *inboundFrame) {
	if frame.To == "" {
		c.writeFrame(errorFrame{Action: ActionError, Error: ErrMissingTo})
		return
	}
	if _, ok := c.srv.registry.Lookup(frame.To); !ok {
		c.writeFrame(errorFrame{Action: ActionError, Error: ErrUnknownTarget})
		return
	}
	if !c.client.MayRoute(frame.To) {
		c.writeFrame(errorFrame{Action: ActionError, Error: ErrRouteNotAllowed})
		return
	}

	env := envelope.New(frame.ID, c.client.ID, frame.To, frame.Type, frame.Payload, frame.CorrelationID, c.stamp())
	res := c.srv.router.Route(env)
	c.writeFrame(sentFrame{
		Action:      ActionSent,
		ID:          env.ID,
		DeliveredTo: res.DeliveredTo,
		Queued:      res.Queued,
		TS:          env.TS,
	})
}

// Deliver writes an inbound message frame carrying the envelope. It
// implements connmgr.Conn so the router can fan out to this connection.
func (c *Conn) Deliver(env *envelope.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(messageFrame{Action: ActionMessage, Envelope: env})
}

// writeFrame marshals and writes one frame under the write lock.
func (c *Conn) writeFrame(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.writeFrameLocked(v)
}

// writeFrameLocked writes one newline-terminated frame. Caller holds
// writeMu.
func (c *Conn) writeFrameLocked(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeDeadline))
	if _, err := c.nc.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// clientID labels events for a possibly unauthenticated connection.
func (c *Conn) clientID() string {
	if c.client == nil {
		return ""
	}
	return c.client.ID
}
