package wire

// EncryptedEnvelope is the ciphertext wrapper stored on the server and sent in
// updates.
type EncryptedEnvelope struct {
	// T is the envelope type (currently "encrypted").
	T string `json:"t"`
	// C is the ciphertext (base64-encoded).
	C string `json:"c"`
}

// VersionedString is a versioned string value used for optimistic concurrency.
type VersionedString struct {
	// Value is the string payload.
	Value string `json:"value"`
	// Version is the monotonic version.
	Version int64 `json:"version"`
}

// Session is a session object as the server represents it. Metadata and
// AgentState are encrypted payloads (base64-encoded).
type Session struct {
	// ID is the server-assigned session id.
	ID string `json:"id"`
	// Seq is the session's user-scoped sequence number.
	Seq int64 `json:"seq"`
	// Metadata is the encrypted session metadata.
	Metadata string `json:"metadata"`
	// MetadataVersion is the current metadata version.
	MetadataVersion int64 `json:"metadataVersion"`
	// AgentState is the encrypted agent state.
	AgentState string `json:"agentState"`
	// AgentStateVersion is the current agent state version.
	AgentStateVersion int64 `json:"agentStateVersion"`
	// DataEncryptionKey is the wrapped session data key when present
	// (base64-encoded box ciphertext).
	DataEncryptionKey *string `json:"dataEncryptionKey,omitempty"`
	// Active reports whether the session's CLI is currently attached.
	Active bool `json:"active"`
	// ActiveAt is the last-activity timestamp in ms since epoch.
	ActiveAt int64 `json:"activeAt"`
	// CreatedAt is the creation timestamp in ms since epoch.
	CreatedAt int64 `json:"createdAt"`
	// UpdatedAt is the last update timestamp in ms since epoch.
	UpdatedAt int64 `json:"updatedAt"`
}

// Machine is a machine (daemon host) object as the server represents it.
type Machine struct {
	// ID is the client-stable machine id.
	ID string `json:"id"`
	// Metadata is the encrypted machine metadata.
	Metadata string `json:"metadata"`
	// MetadataVersion is the current metadata version.
	MetadataVersion int64 `json:"metadataVersion"`
	// DaemonState is the encrypted daemon state.
	DaemonState string `json:"daemonState"`
	// DaemonStateVersion is the current daemon state version.
	DaemonStateVersion int64 `json:"daemonStateVersion"`
	// Active reports whether the machine's daemon is currently attached.
	Active bool `json:"active"`
	// ActiveAt is the last-activity timestamp in ms since epoch.
	ActiveAt int64 `json:"activeAt"`
	// CreatedAt is the creation timestamp in ms since epoch.
	CreatedAt int64 `json:"createdAt"`
	// UpdatedAt is the last update timestamp in ms since epoch.
	UpdatedAt int64 `json:"updatedAt"`
}

// Message is one durable session message.
type Message struct {
	// ID is the message id.
	ID string `json:"id"`
	// Seq is the session-scoped message sequence.
	Seq int64 `json:"seq"`
	// LocalID is the client idempotency key; null when absent.
	LocalID *string `json:"localId"`
	// Content is the encrypted message envelope.
	Content EncryptedEnvelope `json:"content"`
	// CreatedAt is the message creation time in ms since epoch.
	CreatedAt int64 `json:"createdAt"`
	// UpdatedAt is the message update time in ms since epoch.
	UpdatedAt int64 `json:"updatedAt"`
}

// Artifact is an artifact object as the server represents it. Header and Body
// are encrypted payloads (base64-encoded).
type Artifact struct {
	// ID is the artifact id.
	ID string `json:"id"`
	// Header is the encrypted artifact header.
	Header string `json:"header"`
	// HeaderVersion is the current header version.
	HeaderVersion int64 `json:"headerVersion"`
	// Body is the encrypted artifact body.
	Body string `json:"body"`
	// BodyVersion is the current body version.
	BodyVersion int64 `json:"bodyVersion"`
	// Seq is the artifact's user-scoped sequence number.
	Seq int64 `json:"seq"`
	// CreatedAt is the creation timestamp in ms since epoch.
	CreatedAt int64 `json:"createdAt"`
	// UpdatedAt is the last update timestamp in ms since epoch.
	UpdatedAt int64 `json:"updatedAt"`
}

// AccountProfile is the account/profile projection for the connected user.
type AccountProfile struct {
	// ID is the account id.
	ID string `json:"id"`
	// Timestamp is the profile's last-modified time in ms since epoch.
	Timestamp int64 `json:"timestamp"`
	// FirstName is the user's first name, when set.
	FirstName string `json:"firstName,omitempty"`
	// LastName is the user's last name, when set.
	LastName string `json:"lastName,omitempty"`
	// Username is the user's handle, when set.
	Username string `json:"username,omitempty"`
	// Avatar is an avatar URL, when set.
	Avatar string `json:"avatar,omitempty"`
}
