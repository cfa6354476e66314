// Package stream implements the bridge's local stream listener and the
// per-connection protocol state machine.
//
// The wire protocol is newline-delimited JSON over a unix stream socket.
// Each frame is one JSON object with an "action" field. A connection
// starts unauthenticated; exactly one successful auth frame transitions it
// to authenticated, after which ping, whoami, and send are accepted. The
// daemon produces all outbound frames; clients produce all inbound ones.
//
// Trust is derived from filesystem permissions on the socket plus the
// per-client key check; there is no transport crypto on the wire.
package stream

import (
	"encoding/json"

	"github.com/openclaw/bridge/internal/envelope"
)

// Inbound actions.
const (
	ActionAuth   = "auth"
	ActionPing   = "ping"
	ActionWhoami = "whoami"
	ActionSend   = "send"
)

// Outbound actions.
const (
	ActionAuthOK     = "auth_ok"
	ActionAuthFailed = "auth_failed"
	ActionPong       = "pong"
	ActionSent       = "sent"
	ActionMessage    = "message"
	ActionError      = "error"
)

// Protocol error codes carried by error frames.
const (
	ErrAuthRequired    = "auth_required"
	ErrMissingTo       = "missing_to"
	ErrUnknownTarget   = "unknown_target"
	ErrRouteNotAllowed = "route_not_allowed"
	ErrUnknownAction   = "unknown_action"
	ErrInvalidJSON     = "invalid_json"
	ErrMessageTooLarge = "message_too_large"
	ErrBufferExceeded  = "buffer_exceeded"
)

// inboundFrame is the superset of all client frames. Which fields matter
// depends on the action.
type inboundFrame struct {
	Action        string          `json:"action"`
	ClientID      string          `json:"clientId"`
	APIKey        string          `json:"apiKey"`
	To            string          `json:"to"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
}

type errorFrame struct {
	Action string `json:"action"`
	Error  string `json:"error"`
}

type authOKFrame struct {
	Action   string `json:"action"`
	ClientID string `json:"clientId"`
	Queued   int    `json:"queued"` // queue depth drained right after this frame
	TS       string `json:"ts"`
}

type authFailedFrame struct {
	Action string `json:"action"`
}

type pongFrame struct {
	Action string `json:"action"`
	TS     string `json:"ts"`
}

type whoamiFrame struct {
	Action    string   `json:"action"`
	ClientID  string   `json:"clientId"`
	CanSendTo []string `json:"canSendTo"`
	TS        string   `json:"ts"`
}

type sentFrame struct {
	Action      string `json:"action"`
	ID          string `json:"id"`
	DeliveredTo int    `json:"deliveredTo"`
	Queued      bool   `json:"queued"`
	TS          string `json:"ts"`
}

type messageFrame struct {
	Action   string             `json:"action"`
	Envelope *envelope.Envelope `json:"envelope"`
}
