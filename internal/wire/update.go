package wire

import (
	"encoding/json"
	"fmt"
)

// Update body discriminant values (`body.t`).
const (
	UpdateNewSession     = "new-session"
	UpdateUpdateSession  = "update-session"
	UpdateDeleteSession  = "delete-session"
	UpdateNewMessage     = "new-message"
	UpdateNewMachine     = "new-machine"
	UpdateUpdateMachine  = "update-machine"
	UpdateUpdateAccount  = "update-account"
	UpdateNewArtifact    = "new-artifact"
	UpdateUpdateArtifact = "update-artifact"
	UpdateDeleteArtifact = "delete-artifact"
)

// UpdateEvent is the persisted "update" event envelope.
//
// The server emits these to keep clients in sync. Seq is assigned by the
// server and is strictly increasing per connection epoch; Body is a
// discriminated JSON object with a `t` field.
type UpdateEvent struct {
	// ID is the unique update id.
	ID string `json:"id"`
	// Seq is the user-scoped update sequence number.
	Seq int64 `json:"seq"`
	// Body is the typed update payload.
	Body json.RawMessage `json:"body"`
	// CreatedAt is a wall-clock timestamp in milliseconds since epoch.
	CreatedAt int64 `json:"createdAt"`
}

// BodyTag returns the discriminant of the update body.
func (e *UpdateEvent) BodyTag() (string, error) {
	var tag struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(e.Body, &tag); err != nil {
		return "", fmt.Errorf("decode body tag: %w", err)
	}
	if tag.T == "" {
		return "", fmt.Errorf("update body missing t")
	}
	return tag.T, nil
}

// ParseUpdateEvent parses and validates an update event payload.
//
// The payload may be raw JSON bytes or an already-decoded value (the
// transport hands decoded maps to handlers).
func ParseUpdateEvent(v any) (*UpdateEvent, error) {
	raw, err := rawJSON(v)
	if err != nil {
		return nil, err
	}
	var event UpdateEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("decode update event: %w", err)
	}
	if event.Seq < 0 {
		return nil, fmt.Errorf("update event has negative seq %d", event.Seq)
	}
	if len(event.Body) == 0 {
		return nil, fmt.Errorf("update event missing body")
	}
	if _, err := event.BodyTag(); err != nil {
		return nil, err
	}
	return &event, nil
}

// UpdateBodyNewSession is the body for `t == "new-session"`.
type UpdateBodyNewSession struct {
	// T must be "new-session".
	T string `json:"t"`
	// Session is the created session object.
	Session Session `json:"session"`
}

// UpdateBodyUpdateSession is the body for `t == "update-session"`.
//
// Metadata and AgentState carry independent versions; a nil field means the
// corresponding session field is untouched by this update.
type UpdateBodyUpdateSession struct {
	// T must be "update-session".
	T string `json:"t"`
	// ID is the session id.
	ID string `json:"id"`
	// Metadata is the updated encrypted metadata.
	Metadata *VersionedString `json:"metadata,omitempty"`
	// AgentState is the updated encrypted agent state.
	AgentState *VersionedString `json:"agentState,omitempty"`
}

// UpdateBodyDeleteSession is the body for `t == "delete-session"`.
type UpdateBodyDeleteSession struct {
	// T must be "delete-session".
	T string `json:"t"`
	// SessionID is the id of the deleted session.
	SessionID string `json:"sessionId"`
}

// UpdateBodyNewMessage is the body for `t == "new-message"`.
type UpdateBodyNewMessage struct {
	// T must be "new-message".
	T string `json:"t"`
	// SID is the session id.
	SID string `json:"sid"`
	// Message is the message payload.
	Message Message `json:"message"`
}

// UpdateBodyNewMachine is the body for `t == "new-machine"`.
type UpdateBodyNewMachine struct {
	// T must be "new-machine".
	T string `json:"t"`
	// Machine is the created machine object.
	Machine Machine `json:"machine"`
}

// UpdateBodyUpdateMachine is the body for `t == "update-machine"`.
//
// Metadata and DaemonState are versioned independently, analogous to
// session metadata/agent-state.
type UpdateBodyUpdateMachine struct {
	// T must be "update-machine".
	T string `json:"t"`
	// MachineID is the machine id.
	MachineID string `json:"machineId"`
	// Metadata is the updated encrypted metadata.
	Metadata *VersionedString `json:"metadata,omitempty"`
	// DaemonState is the updated encrypted daemon state.
	DaemonState *VersionedString `json:"daemonState,omitempty"`
	// Activity carries an optional liveness change.
	Activity *MachineActivity `json:"activity,omitempty"`
}

// MachineActivity is the liveness portion of a machine update.
type MachineActivity struct {
	// Active reports whether the daemon is attached.
	Active bool `json:"active"`
	// ActiveAt is the last-activity timestamp in ms since epoch.
	ActiveAt int64 `json:"activeAt"`
}

// UpdateBodyUpdateAccount is the body for `t == "update-account"`.
type UpdateBodyUpdateAccount struct {
	// T must be "update-account".
	T string `json:"t"`
	// ID is the account id.
	ID string `json:"id"`
	// Account is the updated profile projection.
	Account AccountProfile `json:"account"`
}

// UpdateBodyNewArtifact is the body for `t == "new-artifact"`.
type UpdateBodyNewArtifact struct {
	// T must be "new-artifact".
	T string `json:"t"`
	// Artifact is the created artifact object.
	Artifact Artifact `json:"artifact"`
}

// UpdateBodyUpdateArtifact is the body for `t == "update-artifact"`.
type UpdateBodyUpdateArtifact struct {
	// T must be "update-artifact".
	T string `json:"t"`
	// ID is the artifact id.
	ID string `json:"id"`
	// Header is the updated encrypted header.
	Header *VersionedString `json:"header,omitempty"`
	// Body is the updated encrypted body.
	Body *VersionedString `json:"body,omitempty"`
}

// UpdateBodyDeleteArtifact is the body for `t == "delete-artifact"`.
type UpdateBodyDeleteArtifact struct {
	// T must be "delete-artifact".
	T string `json:"t"`
	// ArtifactID is the id of the deleted artifact.
	ArtifactID string `json:"artifactId"`
}

// rawJSON normalizes a handler payload into raw JSON bytes.
func rawJSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("nil payload")
	case json.RawMessage:
		return t, nil
	case []byte:
		return t, nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return raw, nil
	}
}
