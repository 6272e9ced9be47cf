package store

import "github.com/bhandras/delight/sync/internal/wire"

// Ephemeral projections. These are transient overlays fed by the ephemeral
// event stream; they never survive a process restart and are not part of the
// durable collections above.

// SetSessionActivity records the latest activity snapshot for a session.
func (s *Store) SetSessionActivity(activity wire.ActivityEphemeral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity[activity.ID] = activity
}

// SessionActivity returns the latest activity snapshot for a session.
func (s *Store) SessionActivity(sessionID string) (wire.ActivityEphemeral, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	activity, ok := s.activity[sessionID]
	return activity, ok
}

// SetSessionUsage records a usage report for a session, keyed by the
// report's usage key so repeated reports overwrite in place.
func (s *Store) SetSessionUsage(usage wire.UsageEphemeral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.usage[usage.ID]
	if !ok {
		byKey = make(map[string]wire.UsageEphemeral)
		s.usage[usage.ID] = byKey
	}
	byKey[usage.Key] = usage
}

// SessionUsage returns all usage reports recorded for a session.
func (s *Store) SessionUsage(sessionID string) []wire.UsageEphemeral {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := s.usage[sessionID]
	out := make([]wire.UsageEphemeral, 0, len(byKey))
	for _, usage := range byKey {
		out = append(out, usage)
	}
	return out
}

// SetMachineStatus records the online status of a machine.
func (s *Store) SetMachineStatus(status wire.MachineStatusEphemeral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machineOnline[status.MachineID] = status
}

// MachineStatus returns the last reported online status of a machine.
func (s *Store) MachineStatus(machineID string) (wire.MachineStatusEphemeral, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.machineOnline[machineID]
	return status, ok
}

// SetFriendStatus records the online status of a friend.
func (s *Store) SetFriendStatus(status wire.FriendStatusEphemeral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friendOnline[status.UserID] = status
}

// FriendStatus returns the last reported online status of a friend.
func (s *Store) FriendStatus(userID string) (wire.FriendStatusEphemeral, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.friendOnline[userID]
	return status, ok
}
