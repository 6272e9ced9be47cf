package wire

import (
	"encoding/json"
	"fmt"
)

// ErrorCodeSessionReviveFailed is the recoverable error code signaling that
// the server failed to revive a session on the CLI side. Clients surface it
// to the user instead of treating it as a transport failure.
const ErrorCodeSessionReviveFailed = "session-revive-failed"

// ErrorEvent is the payload of a server "error" event.
type ErrorEvent struct {
	// Code classifies the error.
	Code string `json:"code"`
	// SessionID identifies the affected session, when relevant.
	SessionID string `json:"sessionId,omitempty"`
	// Message is a human-readable annotation.
	Message string `json:"message,omitempty"`
}

// ParseErrorEvent parses and validates an error event payload.
func ParseErrorEvent(v any) (*ErrorEvent, error) {
	raw, err := rawJSON(v)
	if err != nil {
		return nil, err
	}
	var event ErrorEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("decode error event: %w", err)
	}
	if event.Code == "" {
		return nil, fmt.Errorf("error event missing code")
	}
	return &event, nil
}
