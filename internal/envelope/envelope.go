// Package envelope defines the unit of routing inside the bridge daemon.
//
// Every message accepted from a client (or injected by an operator through
// the HTTP control plane) is wrapped in an Envelope before it reaches the
// router. The envelope carries the authenticated sender, the target client,
// an opaque type tag, the raw JSON payload, and an optional correlation
// identifier that the bridge passes through untouched so clients can build
// their own request/response flows on top of it.
//
// Envelopes are immutable once constructed: the sender identity and the
// server-assigned timestamp are fixed at ingress and are never taken from
// client input.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TimeFormat is the wire format for all server-assigned timestamps:
// ISO-8601 with millisecond precision, always UTC.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the unit of routed data.
//
// JSON field names are part of the wire protocol: an envelope appears
// verbatim inside outbound "message" frames and in /api/send responses.
type Envelope struct {
	ID            string          `json:"id"`                      // unique envelope id (UUID unless client-supplied)
	From          string          `json:"from"`                    // authenticated sender id, server-assigned
	To            string          `json:"to"`                      // registered recipient id
	Type          string          `json:"type"`                    // opaque type tag ("command", "response", "message", ...)
	Payload       json.RawMessage `json:"payload"`                 // any JSON value, including null
	CorrelationID string          `json:"correlationId,omitempty"` // opaque, carried through untouched
	TS            string          `json:"ts"`                      // server-assigned ISO-8601 UTC timestamp
}

// New constructs an envelope at ingress.
//
// id and correlationID may be empty; an empty id is replaced with a fresh
// UUID. The daemon does not dedupe client-supplied ids: two sends with the
// same id produce two envelopes with that id. A nil payload marshals as
// JSON null.
func New(id, from, to, msgType string, payload json.RawMessage, correlationID string, ts time.Time) *Envelope {
	if id == "" {
		id = uuid.New().String()
	}
	if msgType == "" {
		msgType = "message"
	}
	return &Envelope{
		ID:            id,
		From:          from,
		To:            to,
		Type:          msgType,
		Payload:       payload,
		CorrelationID: correlationID,
		TS:            Stamp(ts),
	}
}

// Stamp formats a server timestamp for the wire.
func Stamp(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Now returns the current time formatted for the wire.
func Now() string {
	return Stamp(time.Now())
}

// ToJSON serializes the envelope for delivery.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an envelope received over the wire.
func FromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return &env, err
}
