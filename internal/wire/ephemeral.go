package wire

import (
	"encoding/json"
	"fmt"
)

// Ephemeral event discriminant values (`type`).
const (
	EphemeralActivity      = "activity"
	EphemeralUsage         = "usage"
	EphemeralMachineStatus = "machine-status"
	EphemeralFriendStatus  = "friend-status"
)

// EphemeralEvent is a best-effort, non-persisted status signal.
//
// Ephemeral events carry no ordering or delivery guarantee: they may arrive
// more than once or be dropped silently on disconnect.
type EphemeralEvent struct {
	// Type is the event discriminant.
	Type string `json:"type"`
	// Activity is set when Type == "activity".
	Activity *ActivityEphemeral `json:"activity,omitempty"`
	// Usage is set when Type == "usage".
	Usage *UsageEphemeral `json:"usage,omitempty"`
	// MachineStatus is set when Type == "machine-status".
	MachineStatus *MachineStatusEphemeral `json:"machineStatus,omitempty"`
	// FriendStatus is set when Type == "friend-status".
	FriendStatus *FriendStatusEphemeral `json:"friendStatus,omitempty"`
}

// ActivityEphemeral signals a session's activity/thinking state.
type ActivityEphemeral struct {
	// ID is the session id.
	ID string `json:"id"`
	// Active reports whether the session's agent is attached.
	Active bool `json:"active"`
	// ActiveAt is the last-activity timestamp in ms since epoch.
	ActiveAt int64 `json:"activeAt"`
	// Thinking reports whether the agent is mid-turn.
	Thinking bool `json:"thinking"`
}

// UsageEphemeral carries rolling usage counters for a session.
type UsageEphemeral struct {
	// ID is the session id.
	ID string `json:"id"`
	// Key identifies the usage bucket (e.g. a model name).
	Key string `json:"key"`
	// Tokens is the cumulative token count for the bucket.
	Tokens int64 `json:"tokens"`
	// Cost is the cumulative cost for the bucket, in micro-units.
	Cost int64 `json:"cost"`
	// Timestamp is the report time in ms since epoch.
	Timestamp int64 `json:"timestamp"`
}

// MachineStatusEphemeral signals a machine daemon going online or offline.
type MachineStatusEphemeral struct {
	// MachineID is the machine id.
	MachineID string `json:"machineId"`
	// Online reports whether the daemon is connected.
	Online bool `json:"online"`
	// Timestamp is the transition time in ms since epoch.
	Timestamp int64 `json:"timestamp"`
}

// FriendStatusEphemeral signals a friend going online or offline.
type FriendStatusEphemeral struct {
	// UserID is the friend's account id.
	UserID string `json:"userId"`
	// Online reports whether the friend is connected.
	Online bool `json:"online"`
	// LastSeen is the last-seen time in ms since epoch.
	LastSeen int64 `json:"lastSeen"`
}

// ParseEphemeralEvent parses and validates an ephemeral event payload.
func ParseEphemeralEvent(v any) (*EphemeralEvent, error) {
	raw, err := rawJSON(v)
	if err != nil {
		return nil, err
	}
	var event EphemeralEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("decode ephemeral event: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("ephemeral event missing type")
	}
	switch event.Type {
	case EphemeralActivity:
		if event.Activity == nil || event.Activity.ID == "" {
			return nil, fmt.Errorf("activity event missing session id")
		}
	case EphemeralUsage:
		if event.Usage == nil || event.Usage.ID == "" {
			return nil, fmt.Errorf("usage event missing session id")
		}
	case EphemeralMachineStatus:
		if event.MachineStatus == nil || event.MachineStatus.MachineID == "" {
			return nil, fmt.Errorf("machine-status event missing machine id")
		}
	case EphemeralFriendStatus:
		if event.FriendStatus == nil || event.FriendStatus.UserID == "" {
			return nil, fmt.Errorf("friend-status event missing user id")
		}
	}
	return &event, nil
}
