package wire

// ResultAck is the minimal ACK response shape used by correlated requests.
type ResultAck struct {
	// Result is one of "success", "error", or "version-mismatch".
	Result string `json:"result"`
	// Message is an optional error annotation.
	Message string `json:"message,omitempty"`
}

// VersionedAck is an ACK response with an updated version and optional value.
//
// Different events populate different value fields.
type VersionedAck struct {
	// Result is one of "success", "error", or "version-mismatch".
	Result string `json:"result"`
	// Version is the current or updated version.
	Version int64 `json:"version,omitempty"`
	// Message is an optional error annotation.
	Message string `json:"message,omitempty"`

	// Metadata is used by session/machine metadata updates.
	Metadata string `json:"metadata,omitempty"`
	// AgentState is used by session agentState updates.
	AgentState string `json:"agentState,omitempty"`
	// DaemonState is used by machine daemonState updates.
	DaemonState string `json:"daemonState,omitempty"`
}

// Ack result values.
const (
	AckSuccess         = "success"
	AckError           = "error"
	AckVersionMismatch = "version-mismatch"
)

// UpdateSessionMetadataRequest is the payload for the "update-metadata" event.
type UpdateSessionMetadataRequest struct {
	// SID is the session id.
	SID string `json:"sid"`
	// Metadata is the new encrypted metadata (base64-encoded).
	Metadata string `json:"metadata"`
	// ExpectedVersion is the version the client last observed.
	ExpectedVersion int64 `json:"expectedVersion"`
}

// UpdateSessionStateRequest is the payload for the "update-state" event.
type UpdateSessionStateRequest struct {
	// SID is the session id.
	SID string `json:"sid"`
	// AgentState is the new encrypted agent state (base64-encoded).
	AgentState string `json:"agentState"`
	// ExpectedVersion is the version the client last observed.
	ExpectedVersion int64 `json:"expectedVersion"`
}

// UpdateMachineMetadataRequest is the payload for the
// "machine-update-metadata" event.
type UpdateMachineMetadataRequest struct {
	// MachineID is the machine id.
	MachineID string `json:"machineId"`
	// Metadata is the new encrypted metadata (base64-encoded).
	Metadata string `json:"metadata"`
	// ExpectedVersion is the version the client last observed.
	ExpectedVersion int64 `json:"expectedVersion"`
}

// SessionMessagePayload is the payload for the "message" event.
type SessionMessagePayload struct {
	// SID is the session id.
	SID string `json:"sid"`
	// Message is the encrypted message payload (base64-encoded).
	Message string `json:"message"`
	// LocalID is the client idempotency key, when set.
	LocalID string `json:"localId,omitempty"`
}
