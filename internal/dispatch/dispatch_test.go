package dispatch

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bhandras/delight/sync/internal/crypto"
	"github.com/bhandras/delight/sync/internal/socket"
	"github.com/bhandras/delight/sync/internal/store"
	"github.com/bhandras/delight/sync/internal/wire"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, *crypto.Cipher) {
	t.Helper()
	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	st := store.New()
	return New(st, cipher), st, cipher
}

func updateJSON(t *testing.T, id string, seq int64, body any) json.RawMessage {
	t.Helper()
	rawBody, err := json.Marshal(body)
	require.NoError(t, err)
	raw, err := json.Marshal(wire.UpdateEvent{ID: id, Seq: seq, Body: rawBody, CreatedAt: 1000})
	require.NoError(t, err)
	return raw
}

func TestNewAndUpdateSession(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	d.HandleUpdate(updateJSON(t, "u1", 1, wire.UpdateBodyNewSession{
		T: wire.UpdateNewSession,
		Session: wire.Session{
			ID: "s1", Metadata: "m1", MetadataVersion: 1,
			AgentState: "a1", AgentStateVersion: 1,
		},
	}))
	require.EqualValues(t, 1, d.LastSeq())

	d.HandleUpdate(updateJSON(t, "u2", 2, wire.UpdateBodyUpdateSession{
		T: wire.UpdateUpdateSession, ID: "s1",
		Metadata: &wire.VersionedString{Value: "m2", Version: 2},
	}))

	session, ok := st.Session("s1")
	require.True(t, ok)
	require.Equal(t, "m2", session.Metadata)
	require.Equal(t, "a1", session.AgentState)
	require.EqualValues(t, 2, d.LastSeq())
}

func TestSeqNeverRegresses(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	d.HandleUpdate(updateJSON(t, "u5", 5, wire.UpdateBodyNewSession{
		T: wire.UpdateNewSession, Session: wire.Session{ID: "s5"},
	}))
	require.EqualValues(t, 5, d.LastSeq())

	// A late update still applies, but the counter holds.
	d.HandleUpdate(updateJSON(t, "u3", 3, wire.UpdateBodyNewSession{
		T: wire.UpdateNewSession, Session: wire.Session{ID: "s3"},
	}))
	require.EqualValues(t, 5, d.LastSeq())
	_, ok := st.Session("s3")
	require.True(t, ok)
}

func TestMalformedUpdatesDropped(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	d.HandleUpdate(json.RawMessage(`not json`))
	d.HandleUpdate(json.RawMessage(`{"id":"u1","seq":-4,"body":{"t":"new-session"}}`))
	d.HandleUpdate(json.RawMessage(`{"id":"u1","seq":1}`))
	d.HandleUpdate(json.RawMessage(`{"id":"u1","seq":1,"body":{"nope":true}}`))

	require.EqualValues(t, -1, d.LastSeq())
	require.Empty(t, st.Sessions())

	// Unknown tags advance the counter but touch nothing.
	d.HandleUpdate(updateJSON(t, "u9", 9, map[string]any{"t": "future-thing"}))
	require.EqualValues(t, 9, d.LastSeq())
	require.Empty(t, st.Sessions())
}

func TestNewSessionUnwrapsDataKey(t *testing.T) {
	d, _, cipher := newTestDispatcher(t)

	master := bytes.Repeat([]byte{7}, 32)
	dataKey := bytes.Repeat([]byte{9}, 32)
	wrapped, err := crypto.EncryptDataEncryptionKey(dataKey, master)
	require.NoError(t, err)

	d.HandleUpdate(updateJSON(t, "u1", 1, wire.UpdateBodyNewSession{
		T: wire.UpdateNewSession,
		Session: wire.Session{
			ID:                "s1",
			DataEncryptionKey: &wrapped,
		},
	}))
	require.True(t, cipher.HasDataKey("s1"))
}

func TestNewMessage(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	body := wire.UpdateBodyNewMessage{
		T: wire.UpdateNewMessage, SID: "s1",
		Message: wire.Message{ID: "m1", Seq: 1, Content: wire.EncryptedEnvelope{T: "encrypted", C: "abc"}},
	}
	d.HandleUpdate(updateJSON(t, "u1", 1, body))
	// Redelivery is idempotent.
	d.HandleUpdate(updateJSON(t, "u1", 1, body))

	require.Len(t, st.Messages("s1"), 1)
}

func TestDeleteSession(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	st.UpsertSession(wire.Session{ID: "s1"})
	st.AppendMessage("s1", wire.Message{ID: "m1"})

	d.HandleUpdate(updateJSON(t, "u1", 1, wire.UpdateBodyDeleteSession{
		T: wire.UpdateDeleteSession, SessionID: "s1",
	}))
	_, ok := st.Session("s1")
	require.False(t, ok)
	require.Empty(t, st.Messages("s1"))
}

func TestMachineUpdates(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	d.HandleUpdate(updateJSON(t, "u1", 1, wire.UpdateBodyNewMachine{
		T: wire.UpdateNewMachine,
		Machine: wire.Machine{ID: "mc1", Metadata: "m1", MetadataVersion: 1},
	}))
	d.HandleUpdate(updateJSON(t, "u2", 2, wire.UpdateBodyUpdateMachine{
		T: wire.UpdateUpdateMachine, MachineID: "mc1",
		DaemonState: &wire.VersionedString{Value: "ds1", Version: 1},
		Activity:    &wire.MachineActivity{Active: true, ActiveAt: 500},
	}))

	machine, ok := st.Machine("mc1")
	require.True(t, ok)
	require.Equal(t, "m1", machine.Metadata)
	require.Equal(t, "ds1", machine.DaemonState)
	require.True(t, machine.Active)
}

func TestAccountUpdate(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	d.HandleUpdate(updateJSON(t, "u1", 1, wire.UpdateBodyUpdateAccount{
		T: wire.UpdateUpdateAccount, ID: "acc1",
		Account: wire.AccountProfile{ID: "acc1", Username: "alice"},
	}))
	profile, ok := st.Account()
	require.True(t, ok)
	require.Equal(t, "alice", profile.Username)
}

func TestArtifactLifecycle(t *testing.T) {
	d, st, cipher := newTestDispatcher(t)

	encHeader, err := cipher.Encrypt("a1", []byte(`{"name":"one"}`))
	require.NoError(t, err)
	encBody, err := cipher.Encrypt("a1", []byte(`{"v":1}`))
	require.NoError(t, err)

	d.HandleUpdate(updateJSON(t, "u1", 1, wire.UpdateBodyNewArtifact{
		T: wire.UpdateNewArtifact,
		Artifact: wire.Artifact{
			ID: "a1", Seq: 1,
			Header: encHeader, HeaderVersion: 1,
			Body: encBody, BodyVersion: 1,
		},
	}))
	d.WaitDecrypts()

	artifact, ok := st.Artifact("a1")
	require.True(t, ok)
	require.JSONEq(t, `{"name":"one"}`, string(artifact.Header))
	require.JSONEq(t, `{"v":1}`, string(artifact.Body))

	// Newer header applies.
	encHeader2, err := cipher.Encrypt("a1", []byte(`{"name":"two"}`))
	require.NoError(t, err)
	d.HandleUpdate(updateJSON(t, "u2", 2, wire.UpdateBodyUpdateArtifact{
		T: wire.UpdateUpdateArtifact, ID: "a1",
		Header: &wire.VersionedString{Value: encHeader2, Version: 2},
	}))
	d.WaitDecrypts()
	artifact, _ = st.Artifact("a1")
	require.JSONEq(t, `{"name":"two"}`, string(artifact.Header))

	// A stale version decrypts but does not clobber.
	d.HandleUpdate(updateJSON(t, "u3", 3, wire.UpdateBodyUpdateArtifact{
		T: wire.UpdateUpdateArtifact, ID: "a1",
		Header: &wire.VersionedString{Value: encHeader, Version: 1},
	}))
	d.WaitDecrypts()
	artifact, _ = st.Artifact("a1")
	require.JSONEq(t, `{"name":"two"}`, string(artifact.Header))

	// Deletion wins over an update that decrypts afterwards.
	d.HandleUpdate(updateJSON(t, "u4", 4, wire.UpdateBodyDeleteArtifact{
		T: wire.UpdateDeleteArtifact, ArtifactID: "a1",
	}))
	d.HandleUpdate(updateJSON(t, "u5", 5, wire.UpdateBodyUpdateArtifact{
		T: wire.UpdateUpdateArtifact, ID: "a1",
		Header: &wire.VersionedString{Value: encHeader2, Version: 9},
	}))
	d.WaitDecrypts()
	_, ok = st.Artifact("a1")
	require.False(t, ok)
}

func TestArtifactUndecryptableFailsOpen(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	d.HandleUpdate(updateJSON(t, "u1", 1, wire.UpdateBodyNewArtifact{
		T: wire.UpdateNewArtifact,
		Artifact: wire.Artifact{
			ID: "a1", Header: "!!!not-base64!!!", HeaderVersion: 1,
		},
	}))
	d.WaitDecrypts()

	// The artifact row exists; the header stayed unpopulated.
	artifact, ok := st.Artifact("a1")
	require.True(t, ok)
	require.Nil(t, artifact.Header)
	require.Zero(t, artifact.HeaderVersion)
}

func TestEphemeralRouting(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	st.UpsertMachine(wire.Machine{ID: "mc1"})

	raw, _ := json.Marshal(wire.EphemeralEvent{
		Type:     wire.EphemeralActivity,
		Activity: &wire.ActivityEphemeral{ID: "s1", Active: true, Thinking: true},
	})
	d.HandleEphemeral(raw)
	activity, ok := st.SessionActivity("s1")
	require.True(t, ok)
	require.True(t, activity.Thinking)

	raw, _ = json.Marshal(wire.EphemeralEvent{
		Type:          wire.EphemeralMachineStatus,
		MachineStatus: &wire.MachineStatusEphemeral{MachineID: "mc1", Online: true, Timestamp: 42},
	})
	d.HandleEphemeral(raw)
	machine, _ := st.Machine("mc1")
	require.True(t, machine.Active)
	require.EqualValues(t, 42, machine.ActiveAt)

	// Malformed and unknown events are dropped quietly.
	d.HandleEphemeral(json.RawMessage(`{"type":"activity"}`))
	d.HandleEphemeral(json.RawMessage(`{"type":"brand-new","x":1}`))
}

func TestErrorBroadcast(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	var got []wire.ErrorEvent
	remove := d.OnSessionReviveFailed(func(event wire.ErrorEvent) {
		got = append(got, event)
	})

	raw, _ := json.Marshal(wire.ErrorEvent{
		Code: wire.ErrorCodeSessionReviveFailed, SessionID: "s1", Message: "cli gone",
	})
	d.HandleError(raw)
	require.Len(t, got, 1)
	require.Equal(t, "s1", got[0].SessionID)

	// Other codes are logged, not broadcast.
	raw, _ = json.Marshal(wire.ErrorEvent{Code: "rate-limited"})
	d.HandleError(raw)
	require.Len(t, got, 1)

	remove()
	raw, _ = json.Marshal(wire.ErrorEvent{Code: wire.ErrorCodeSessionReviveFailed, SessionID: "s2"})
	d.HandleError(raw)
	require.Len(t, got, 1)
}

func TestAttachGuard(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	client := socket.NewClient(socket.Config{ServerURL: "http://127.0.0.1:1"})

	cleanup, err := d.Attach(client)
	require.NoError(t, err)

	_, err = d.Attach(client)
	require.Error(t, err)

	cleanup()
	cleanup() // idempotent

	cleanup2, err := d.Attach(client)
	require.NoError(t, err)
	cleanup2()
}

func TestUpdateStreamMarksSynced(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	require.False(t, st.Synced())

	// Malformed updates are dropped before the synced marker.
	d.HandleUpdate(json.RawMessage(`{"bogus":true}`))
	require.False(t, st.Synced())

	d.HandleUpdate(updateJSON(t, "u1", 1, wire.UpdateBodyNewSession{
		T: wire.UpdateNewSession, Session: wire.Session{ID: "s1"},
	}))
	require.True(t, st.Synced())

	// A flowing stream re-marks after a disconnect cleared it, even when
	// the update carries an unknown tag.
	st.MarkPending()
	d.HandleUpdate(updateJSON(t, "u2", 2, map[string]string{"t": "future-thing"}))
	require.True(t, st.Synced())
}
