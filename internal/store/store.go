// Package store holds the local projections that the update dispatcher
// mutates: sessions, per-session messages, machines, the account profile,
// decrypted artifacts, and the non-persisted ephemeral projections.
//
// The store is a mutation target, not a source of truth: the server's
// update stream and bootstrap snapshots drive every change.
package store

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/bhandras/delight/sync/internal/wire"
)

// Artifact is the store's decrypted artifact projection. Header and Body are
// plaintext JSON; they are only populated after a successful decrypt.
type Artifact struct {
	// ID is the artifact id.
	ID string
	// Seq is the artifact's user-scoped sequence number.
	Seq int64
	// Header is the decrypted header JSON.
	Header json.RawMessage
	// HeaderVersion is the version of the decrypted header.
	HeaderVersion int64
	// Body is the decrypted body JSON.
	Body json.RawMessage
	// BodyVersion is the version of the decrypted body.
	BodyVersion int64
	// CreatedAt is the creation timestamp in ms since epoch.
	CreatedAt int64
	// UpdatedAt is the last update timestamp in ms since epoch.
	UpdatedAt int64
}

// Store is the in-memory state mutated by the dispatcher and read by the
// embedding application.
type Store struct {
	mu sync.RWMutex

	sessions  map[string]wire.Session
	messages  map[string][]wire.Message
	machines  map[string]wire.Machine
	artifacts map[string]Artifact
	account   *wire.AccountProfile

	activity      map[string]wire.ActivityEphemeral
	usage         map[string]map[string]wire.UsageEphemeral
	machineOnline map[string]wire.MachineStatusEphemeral
	friendOnline  map[string]wire.FriendStatusEphemeral

	synced bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:      make(map[string]wire.Session),
		messages:      make(map[string][]wire.Message),
		machines:      make(map[string]wire.Machine),
		artifacts:     make(map[string]Artifact),
		activity:      make(map[string]wire.ActivityEphemeral),
		usage:         make(map[string]map[string]wire.UsageEphemeral),
		machineOnline: make(map[string]wire.MachineStatusEphemeral),
		friendOnline:  make(map[string]wire.FriendStatusEphemeral),
	}
}

// Sessions

// UpsertSession inserts or replaces a session.
func (s *Store) UpsertSession(session wire.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

// Session returns a session by id.
func (s *Store) Session(id string) (wire.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Sessions returns all sessions ordered by creation time, then id.
func (s *Store) Sessions() []wire.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PatchSessionMetadata applies a versioned metadata value to a session.
// The patch is ignored when the session is unknown or the version is not
// newer than the stored one. Other session fields are left untouched.
func (s *Store) PatchSessionMetadata(id, value string, version int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || version <= session.MetadataVersion {
		return false
	}
	session.Metadata = value
	session.MetadataVersion = version
	s.sessions[id] = session
	return true
}

// PatchSessionAgentState applies a versioned agent-state value to a session,
// independent of the metadata field.
func (s *Store) PatchSessionAgentState(id, value string, version int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || version <= session.AgentStateVersion {
		return false
	}
	session.AgentState = value
	session.AgentStateVersion = version
	s.sessions[id] = session
	return true
}

// RemoveSession deletes a session and its message history.
func (s *Store) RemoveSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.messages, id)
	delete(s.activity, id)
	delete(s.usage, id)
}

// ReplaceSessions replaces the whole session collection (bootstrap).
func (s *Store) ReplaceSessions(sessions []wire.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]wire.Session, len(sessions))
	for _, session := range sessions {
		s.sessions[session.ID] = session
	}
}

// Messages

// AppendMessage appends a message to a session's history. Duplicate message
// ids are ignored so redelivered updates stay idempotent.
func (s *Store) AppendMessage(sessionID string, message wire.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.messages[sessionID] {
		if existing.ID == message.ID {
			return false
		}
	}
	s.messages[sessionID] = append(s.messages[sessionID], message)
	return true
}

// PrependMessages inserts older history (a fetched page) ahead of the
// messages already present, skipping duplicates.
func (s *Store) PrependMessages(sessionID string, page []wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.messages[sessionID]
	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}
	merged := make([]wire.Message, 0, len(page)+len(existing))
	for _, m := range page {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })
	s.messages[sessionID] = append(merged, existing...)
}

// Messages returns a session's message history in append order.
func (s *Store) Messages(sessionID string) []wire.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Message, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out
}

// Machines

// UpsertMachine inserts or replaces a machine.
func (s *Store) UpsertMachine(machine wire.Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[machine.ID] = machine
}

// Machine returns a machine by id.
func (s *Store) Machine(id string) (wire.Machine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	machine, ok := s.machines[id]
	return machine, ok
}

// Machines returns all machines ordered by id.
func (s *Store) Machines() []wire.Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Machine, 0, len(s.machines))
	for _, machine := range s.machines {
		out = append(out, machine)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PatchMachineMetadata applies a versioned metadata value to a machine.
func (s *Store) PatchMachineMetadata(id, value string, version int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	machine, ok := s.machines[id]
	if !ok || version <= machine.MetadataVersion {
		return false
	}
	machine.Metadata = value
	machine.MetadataVersion = version
	s.machines[id] = machine
	return true
}

// PatchMachineDaemonState applies a versioned daemon-state value to a
// machine, independent of the metadata field.
func (s *Store) PatchMachineDaemonState(id, value string, version int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	machine, ok := s.machines[id]
	if !ok || version <= machine.DaemonStateVersion {
		return false
	}
	machine.DaemonState = value
	machine.DaemonStateVersion = version
	s.machines[id] = machine
	return true
}

// PatchMachineActivity applies a liveness change to a machine.
func (s *Store) PatchMachineActivity(id string, active bool, activeAt int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	machine, ok := s.machines[id]
	if !ok {
		return false
	}
	machine.Active = active
	machine.ActiveAt = activeAt
	s.machines[id] = machine
	return true
}

// ReplaceMachines replaces the whole machine collection (bootstrap).
func (s *Store) ReplaceMachines(machines []wire.Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines = make(map[string]wire.Machine, len(machines))
	for _, machine := range machines {
		s.machines[machine.ID] = machine
	}
}

// Account

// SetAccount replaces the account profile projection.
func (s *Store) SetAccount(profile wire.AccountProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = &profile
}

// Account returns the account profile projection, if loaded.
func (s *Store) Account() (wire.AccountProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return wire.AccountProfile{}, false
	}
	return *s.account, true
}

// Artifacts

// UpsertArtifact inserts or replaces a decrypted artifact.
func (s *Store) UpsertArtifact(artifact Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifact.ID] = artifact
}

// Artifact returns a decrypted artifact by id.
func (s *Store) Artifact(id string) (Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[id]
	return artifact, ok
}

// Artifacts returns all artifacts ordered by id.
func (s *Store) Artifacts() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Artifact, 0, len(s.artifacts))
	for _, artifact := range s.artifacts {
		out = append(out, artifact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PatchArtifactHeader applies a decrypted header to an existing artifact.
// The patch is ignored when the artifact is unknown or the version is not
// newer; this is the guard that keeps a slow decrypt from clobbering a
// fresher value or resurrecting a removed artifact.
func (s *Store) PatchArtifactHeader(id string, header json.RawMessage, version int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[id]
	if !ok || version <= artifact.HeaderVersion {
		return false
	}
	artifact.Header = header
	artifact.HeaderVersion = version
	s.artifacts[id] = artifact
	return true
}

// PatchArtifactBody applies a decrypted body to an existing artifact, with
// the same late-decrypt guard as PatchArtifactHeader.
func (s *Store) PatchArtifactBody(id string, body json.RawMessage, version int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[id]
	if !ok || version <= artifact.BodyVersion {
		return false
	}
	artifact.Body = body
	artifact.BodyVersion = version
	s.artifacts[id] = artifact
	return true
}

// RemoveArtifact deletes an artifact.
func (s *Store) RemoveArtifact(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, id)
}

// Sync marker

// MarkSynced records that the update stream is caught up.
func (s *Store) MarkSynced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = true
}

// MarkPending records that local state may be stale (e.g. after a
// disconnect, before the catch-up refresh completes).
func (s *Store) MarkPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = false
}

// Synced reports whether the update stream is caught up.
func (s *Store) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}
