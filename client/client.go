// Package client provides the Go client for the bridge stream protocol.
//
// It handles the connection lifecycle against the daemon's unix socket:
// dial, authenticate, keep a background read loop that separates inbound
// message frames from request replies, and expose the protocol actions
// (ping, whoami, send) as plain methods.
//
// Replies are matched to requests by order: the daemon guarantees that a
// connection's acknowledgements come back in the order the requests were
// issued, so the client serializes requests and pairs each with the next
// non-message frame. Inbound message frames can interleave freely and are
// handed to the OnMessage callback.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/openclaw/bridge/internal/envelope"
)

// DefaultTimeout bounds how long a request waits for its reply.
const DefaultTimeout = 10 * time.Second

// Options configures a bridge client connection.
type Options struct {
	SocketPath string
	ClientID   string
	Key        string // plaintext client secret

	// OnMessage receives every inbound envelope, including envelopes
	// drained from the offline queue right after authentication. May be
	// nil, in which case inbound envelopes are discarded.
	OnMessage func(env *envelope.Envelope)

	// Timeout for each request/reply exchange. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Identity is the daemon's answer to whoami.
type Identity struct {
	ClientID  string   `json:"clientId"`
	CanSendTo []string `json:"canSendTo"`
}

// SendRequest describes one outgoing envelope.
type SendRequest struct {
	To            string
	Type          string // defaults to "message" server-side
	Payload       any    // marshaled to JSON; nil sends null
	ID            string // optional client-supplied envelope id
	CorrelationID string
}

// SendResult is the daemon's acknowledgement of a send.
type SendResult struct {
	ID          string `json:"id"`
	DeliveredTo int    `json:"deliveredTo"`
	Queued      bool   `json:"queued"`
	TS          string `json:"ts"`
}

// ProtocolError is an error frame returned by the daemon.
type ProtocolError struct {
	Code string
}

func (e *ProtocolError) Error() string {
	return "bridge: " + e.Code
}

// reply is one non-message frame captured by the read loop.
type reply struct {
	action string
	data   []byte
}

// Client is a connected, authenticated bridge client. All methods are safe
// for concurrent use; requests are serialized on the wire.
type Client struct {
	opts    Options
	conn    net.Conn
	replies chan reply
	done    chan struct{}

	writeMu sync.Mutex // serializes frame writes
	reqMu   sync.Mutex // one outstanding request at a time

	queuedAtAuth int

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the daemon, authenticates, and starts the read loop.
// Authentication failure closes the connection and returns an error.
func Dial(opts Options) (*Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	conn, err := net.Dial("unix", opts.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bridge at %s: %w", opts.SocketPath, err)
	}

	c := &Client{
		opts:    opts,
		conn:    conn,
		replies: make(chan reply, 8),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	if err := c.authenticate(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) authenticate() error {
	rep, err := c.request(map[string]any{
		"action":   "auth",
		"clientId": c.opts.ClientID,
		"apiKey":   c.opts.Key,
	})
	if err != nil {
		return fmt.Errorf("auth exchange failed: %w", err)
	}

	switch rep.action {
	case "auth_ok":
		var ok struct {
			Queued int `json:"queued"`
		}
		if err := json.Unmarshal(rep.data, &ok); err != nil {
			return fmt.Errorf("bad auth_ok frame: %w", err)
		}
		c.queuedAtAuth = ok.Queued
		return nil
	case "auth_failed":
		return fmt.Errorf("bridge rejected credentials for %q", c.opts.ClientID)
	default:
		return fmt.Errorf("unexpected reply to auth: %s", rep.action)
	}
}

// Done is closed when the connection's read loop exits, either after
// Close or when the daemon drops the connection.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// QueuedAtAuth returns how many envelopes were queued for this client at
// the moment of authentication; they were delivered through OnMessage
// immediately after auth_ok.
func (c *Client) QueuedAtAuth() int {
	return c.queuedAtAuth
}

// Ping round-trips a ping frame and returns the server timestamp.
func (c *Client) Ping() (string, error) {
	rep, err := c.roundTrip("pong", map[string]any{"action": "ping"})
	if err != nil {
		return "", err
	}
	var pong struct {
		TS string `json:"ts"`
	}
	if err := json.Unmarshal(rep.data, &pong); err != nil {
		return "", fmt.Errorf("bad pong frame: %w", err)
	}
	return pong.TS, nil
}

// Whoami returns the authenticated identity and its allowlist.
func (c *Client) Whoami() (Identity, error) {
	rep, err := c.roundTrip("whoami", map[string]any{"action": "whoami"})
	if err != nil {
		return Identity{}, err
	}
	var id Identity
	if err := json.Unmarshal(rep.data, &id); err != nil {
		return Identity{}, fmt.Errorf("bad whoami frame: %w", err)
	}
	return id, nil
}

// Send routes one envelope and returns the daemon's acknowledgement.
func (c *Client) Send(req SendRequest) (SendResult, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	frame := map[string]any{
		"action":  "send",
		"to":      req.To,
		"payload": json.RawMessage(payload),
	}
	if req.Type != "" {
		frame["type"] = req.Type
	}
	if req.ID != "" {
		frame["id"] = req.ID
	}
	if req.CorrelationID != "" {
		frame["correlationId"] = req.CorrelationID
	}

	rep, err := c.roundTrip("sent", frame)
	if err != nil {
		return SendResult{}, err
	}
	var res SendResult
	if err := json.Unmarshal(rep.data, &res); err != nil {
		return SendResult{}, fmt.Errorf("bad sent frame: %w", err)
	}
	return res, nil
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// roundTrip sends a request and requires a reply of the given action,
// translating error frames into *ProtocolError.
func (c *Client) roundTrip(want string, frame map[string]any) (reply, error) {
	rep, err := c.request(frame)
	if err != nil {
		return reply{}, err
	}
	if rep.action == "error" {
		var ef struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(rep.data, &ef); err != nil {
			return reply{}, fmt.Errorf("bad error frame: %w", err)
		}
		return reply{}, &ProtocolError{Code: ef.Error}
	}
	if rep.action != want {
		return reply{}, fmt.Errorf("unexpected reply %q, want %q", rep.action, want)
	}
	return rep, nil
}

// request writes one frame and waits for the next non-message frame.
func (c *Client) request(frame map[string]any) (reply, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		return reply{}, err
	}

	select {
	case rep, ok := <-c.replies:
		if !ok {
			return reply{}, fmt.Errorf("connection closed")
		}
		return rep, nil
	case <-time.After(c.opts.Timeout):
		return reply{}, fmt.Errorf("timed out waiting for reply")
	}
}

func (c *Client) writeFrame(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readLoop splits the stream into frames, dispatching message frames to
// OnMessage and everything else to the reply channel.
func (c *Client) readLoop() {
	defer close(c.replies)
	defer close(c.done)

	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) dispatch(line []byte) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return
	}

	if head.Action == "message" {
		if c.opts.OnMessage == nil {
			return
		}
		var msg struct {
			Envelope *envelope.Envelope `json:"envelope"`
		}
		if err := json.Unmarshal(line, &msg); err != nil || msg.Envelope == nil {
			return
		}
		c.opts.OnMessage(msg.Envelope)
		return
	}

	data := make([]byte, len(line))
	copy(data, line)
	select {
	case c.replies <- reply{action: head.Action, data: data}:
	default:
		// No request is waiting; drop the frame rather than block the loop.
	}
}
