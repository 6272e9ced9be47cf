// Package wire defines the JSON contracts exchanged with the sync server:
// the websocket envelope, the typed update/ephemeral/error event payloads,
// ACK shapes, and the REST bootstrap types.
package wire

import (
	"encoding/json"
	"fmt"
)

// Server -> client event names delivered inside an Envelope.
const (
	// EventConnected signals that the server accepted the connection's
	// authentication (ticket or fallback handshake).
	EventConnected = "connected"
	// EventAuthError signals that authentication was rejected.
	EventAuthError = "auth-error"
	// EventUpdate carries a durable, sequenced state delta.
	EventUpdate = "update"
	// EventEphemeral carries a best-effort, non-persisted status signal.
	EventEphemeral = "ephemeral"
	// EventError carries a server-signaled error payload.
	EventError = "error"
)

// Client -> server event names.
const (
	// EventAuth is the fallback authentication handshake sent when no
	// connection ticket was available at open time.
	EventAuth = "auth"
)

// Envelope is the wire unit exchanged over the websocket connection.
//
// Envelopes are ephemeral and never persisted. A non-empty AckID links a
// request to its acknowledgement: the sender includes AckID with Data set,
// and the responder echoes the same AckID with Ack set.
type Envelope struct {
	// Event is the event name tag.
	Event string `json:"event"`
	// Data is the opaque payload, when present.
	Data json.RawMessage `json:"data,omitempty"`
	// AckID is the correlation id, when this envelope is part of a
	// request/acknowledgement exchange.
	AckID string `json:"ackId,omitempty"`
	// Ack is the acknowledgement payload. It is non-nil only on responses.
	Ack json.RawMessage `json:"ack,omitempty"`
}

// NewEnvelope builds an envelope with a JSON-encoded payload.
func NewEnvelope(event string, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	env.Data = raw
	return env, nil
}

// IsAck reports whether the envelope carries an acknowledgement for a
// previously sent correlation id. Ack-carrying envelopes must be resolved
// against the pending-request map and never dispatched as regular events.
func (e Envelope) IsAck() bool {
	return e.AckID != "" && e.Ack != nil
}

// AuthPayload is the fallback handshake payload for the "auth" event.
type AuthPayload struct {
	// Token is the bearer credential.
	Token string `json:"token"`
	// ClientType identifies the connection scope (e.g. "user-scoped").
	ClientType string `json:"clientType"`
}

// AuthErrorPayload is the payload of an "auth-error" event.
type AuthErrorPayload struct {
	// Message describes why authentication failed.
	Message string `json:"message,omitempty"`
}
