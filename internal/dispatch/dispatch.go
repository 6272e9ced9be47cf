// Package dispatch routes inbound update, ephemeral, and error events into
// the local store. Routing is validate-then-apply: malformed events are
// logged and dropped without affecting the ones around them.
package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bhandras/delight/sync/internal/crypto"
	"github.com/bhandras/delight/sync/internal/socket"
	"github.com/bhandras/delight/sync/internal/store"
	"github.com/bhandras/delight/sync/internal/wire"
	"github.com/bhandras/delight/sync/pkg/logger"
)

// ReviveFailureListener observes session-revive-failed errors from the
// server so the embedding application can surface them.
type ReviveFailureListener func(event wire.ErrorEvent)

// Dispatcher applies the server's event streams to a store.
//
// Updates are applied in arrival order on the transport's read goroutine.
// Artifact content is the exception: its decryption runs detached, and the
// store's versioned patch guard keeps a slow decrypt from clobbering a
// fresher value or resurrecting a deleted artifact.
type Dispatcher struct {
	store  *store.Store
	cipher *crypto.Cipher

	mu       sync.Mutex
	lastSeq  int64
	attached bool

	listenerMu      sync.Mutex
	nextListenerID  int
	reviveListeners map[int]ReviveFailureListener

	// decrypts tracks the detached artifact decrypt goroutines so tests
	// and shutdown can wait for them.
	decrypts sync.WaitGroup
}

// New creates a dispatcher applying events to st, decrypting with cipher.
func New(st *store.Store, cipher *crypto.Cipher) *Dispatcher {
	return &Dispatcher{
		store:           st,
		cipher:          cipher,
		lastSeq:         -1,
		reviveListeners: make(map[int]ReviveFailureListener),
	}
}

// Attach registers the dispatcher's handlers on the socket client. It
// returns a cleanup function removing them. Attaching twice without
// cleaning up first is an error.
func (d *Dispatcher) Attach(client *socket.Client) (func(), error) {
	return d.AttachVia(client, nil)
}

// AttachVia is Attach with the handlers routed through run, letting the
// caller serialize event handling with its own work. A nil run applies
// events inline on the transport's read goroutine.
func (d *Dispatcher) AttachVia(client *socket.Client, run func(func())) (func(), error) {
	d.mu.Lock()
	if d.attached {
		d.mu.Unlock()
		return nil, fmt.Errorf("dispatcher already attached")
	}
	d.attached = true
	d.mu.Unlock()

	if run == nil {
		run = func(fn func()) { fn() }
	}
	via := func(handle func(json.RawMessage)) socket.MessageHandler {
		return func(data json.RawMessage) {
			run(func() { handle(data) })
		}
	}
	removers := []func(){
		client.On(wire.EventUpdate, via(d.HandleUpdate)),
		client.On(wire.EventEphemeral, via(d.HandleEphemeral)),
		client.On(wire.EventError, via(d.HandleError)),
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			for _, remove := range removers {
				remove()
			}
			d.decrypts.Wait()
			d.mu.Lock()
			d.attached = false
			d.mu.Unlock()
		})
	}
	return cleanup, nil
}

// LastSeq returns the highest update sequence number observed, or -1 when
// no update has arrived yet.
func (d *Dispatcher) LastSeq() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeq
}

// OnSessionReviveFailed registers a listener for session-revive-failed
// errors. The returned function removes it.
func (d *Dispatcher) OnSessionReviveFailed(fn ReviveFailureListener) func() {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	id := d.nextListenerID
	d.nextListenerID++
	d.reviveListeners[id] = fn
	return func() {
		d.listenerMu.Lock()
		defer d.listenerMu.Unlock()
		delete(d.reviveListeners, id)
	}
}

// HandleUpdate applies one update event.
func (d *Dispatcher) HandleUpdate(data json.RawMessage) {
	event, err := wire.ParseUpdateEvent(data)
	if err != nil {
		logger.Warnf("dispatch: dropping update: %v", err)
		return
	}

	d.mu.Lock()
	if event.Seq < d.lastSeq {
		// Out-of-order delivery. The body is still applied: the store's
		// per-field version guards decide staleness, the counter never
		// regresses.
		logger.Debugf("dispatch: update seq %d behind last %d", event.Seq, d.lastSeq)
	} else {
		d.lastSeq = event.Seq
	}
	d.mu.Unlock()

	tag, _ := event.BodyTag()
	switch tag {
	case wire.UpdateNewSession:
		d.applyNewSession(event.Body)
	case wire.UpdateUpdateSession:
		d.applyUpdateSession(event.Body)
	case wire.UpdateDeleteSession:
		d.applyDeleteSession(event.Body)
	case wire.UpdateNewMessage:
		d.applyNewMessage(event.Body)
	case wire.UpdateNewMachine:
		d.applyNewMachine(event.Body)
	case wire.UpdateUpdateMachine:
		d.applyUpdateMachine(event.Body)
	case wire.UpdateUpdateAccount:
		d.applyUpdateAccount(event.Body)
	case wire.UpdateNewArtifact:
		d.applyNewArtifact(event.Body)
	case wire.UpdateUpdateArtifact:
		d.applyUpdateArtifact(event.Body)
	case wire.UpdateDeleteArtifact:
		d.applyDeleteArtifact(event.Body)
	default:
		logger.Tracef("dispatch: ignoring unknown update tag %q", tag)
	}

	// A flowing update stream means the projections are current, even if a
	// bootstrap fetch failed earlier.
	d.store.MarkSynced()
}

// HandleEphemeral applies one ephemeral event.
func (d *Dispatcher) HandleEphemeral(data json.RawMessage) {
	event, err := wire.ParseEphemeralEvent(data)
	if err != nil {
		logger.Debugf("dispatch: dropping ephemeral: %v", err)
		return
	}
	switch event.Type {
	case wire.EphemeralActivity:
		d.store.SetSessionActivity(*event.Activity)
	case wire.EphemeralUsage:
		d.store.SetSessionUsage(*event.Usage)
	case wire.EphemeralMachineStatus:
		d.store.SetMachineStatus(*event.MachineStatus)
		d.store.PatchMachineActivity(event.MachineStatus.MachineID,
			event.MachineStatus.Online, event.MachineStatus.Timestamp)
	case wire.EphemeralFriendStatus:
		d.store.SetFriendStatus(*event.FriendStatus)
	default:
		logger.Tracef("dispatch: ignoring unknown ephemeral type %q", event.Type)
	}
}

// HandleError routes server error events. Recoverable codes are broadcast
// to their listeners; everything else is logged.
func (d *Dispatcher) HandleError(data json.RawMessage) {
	event, err := wire.ParseErrorEvent(data)
	if err != nil {
		logger.Debugf("dispatch: dropping error event: %v", err)
		return
	}
	if event.Code == wire.ErrorCodeSessionReviveFailed {
		logger.Warnf("dispatch: session revive failed for %s: %s", event.SessionID, event.Message)
		d.listenerMu.Lock()
		fns := make([]ReviveFailureListener, 0, len(d.reviveListeners))
		for _, fn := range d.reviveListeners {
			fns = append(fns, fn)
		}
		d.listenerMu.Unlock()
		for _, fn := range fns {
			fn(*event)
		}
		return
	}
	logger.Warnf("dispatch: server error %s: %s", event.Code, event.Message)
}

// WaitDecrypts blocks until all in-flight artifact decrypts have settled.
func (d *Dispatcher) WaitDecrypts() {
	d.decrypts.Wait()
}

func (d *Dispatcher) applyNewSession(body json.RawMessage) {
	var b wire.UpdateBodyNewSession
	if err := json.Unmarshal(body, &b); err != nil || b.Session.ID == "" {
		logger.Warnf("dispatch: bad new-session body: %v", err)
		return
	}
	if b.Session.DataEncryptionKey != nil {
		if err := d.cipher.UnwrapDataKey(b.Session.ID, *b.Session.DataEncryptionKey); err != nil {
			logger.Warnf("dispatch: data key unwrap for session %s: %v", b.Session.ID, err)
		}
	}
	d.store.UpsertSession(b.Session)
}

func (d *Dispatcher) applyUpdateSession(body json.RawMessage) {
	var b wire.UpdateBodyUpdateSession
	if err := json.Unmarshal(body, &b); err != nil || b.ID == "" {
		logger.Warnf("dispatch: bad update-session body: %v", err)
		return
	}
	if b.Metadata != nil {
		d.store.PatchSessionMetadata(b.ID, b.Metadata.Value, b.Metadata.Version)
	}
	if b.AgentState != nil {
		d.store.PatchSessionAgentState(b.ID, b.AgentState.Value, b.AgentState.Version)
	}
}

func (d *Dispatcher) applyDeleteSession(body json.RawMessage) {
	var b wire.UpdateBodyDeleteSession
	if err := json.Unmarshal(body, &b); err != nil || b.SessionID == "" {
		logger.Warnf("dispatch: bad delete-session body: %v", err)
		return
	}
	d.store.RemoveSession(b.SessionID)
}

func (d *Dispatcher) applyNewMessage(body json.RawMessage) {
	var b wire.UpdateBodyNewMessage
	if err := json.Unmarshal(body, &b); err != nil || b.SID == "" || b.Message.ID == "" {
		logger.Warnf("dispatch: bad new-message body: %v", err)
		return
	}
	d.store.AppendMessage(b.SID, b.Message)
}

func (d *Dispatcher) applyNewMachine(body json.RawMessage) {
	var b wire.UpdateBodyNewMachine
	if err := json.Unmarshal(body, &b); err != nil || b.Machine.ID == "" {
		logger.Warnf("dispatch: bad new-machine body: %v", err)
		return
	}
	d.store.UpsertMachine(b.Machine)
}

func (d *Dispatcher) applyUpdateMachine(body json.RawMessage) {
	var b wire.UpdateBodyUpdateMachine
	if err := json.Unmarshal(body, &b); err != nil || b.MachineID == "" {
		logger.Warnf("dispatch: bad update-machine body: %v", err)
		return
	}
	if b.Metadata != nil {
		d.store.PatchMachineMetadata(b.MachineID, b.Metadata.Value, b.Metadata.Version)
	}
	if b.DaemonState != nil {
		d.store.PatchMachineDaemonState(b.MachineID, b.DaemonState.Value, b.DaemonState.Version)
	}
	if b.Activity != nil {
		d.store.PatchMachineActivity(b.MachineID, b.Activity.Active, b.Activity.ActiveAt)
	}
}

func (d *Dispatcher) applyUpdateAccount(body json.RawMessage) {
	var b wire.UpdateBodyUpdateAccount
	if err := json.Unmarshal(body, &b); err != nil || b.Account.ID == "" {
		logger.Warnf("dispatch: bad update-account body: %v", err)
		return
	}
	d.store.SetAccount(b.Account)
}

func (d *Dispatcher) applyNewArtifact(body json.RawMessage) {
	var b wire.UpdateBodyNewArtifact
	if err := json.Unmarshal(body, &b); err != nil || b.Artifact.ID == "" {
		logger.Warnf("dispatch: bad new-artifact body: %v", err)
		return
	}
	a := b.Artifact
	d.store.UpsertArtifact(store.Artifact{
		ID:        a.ID,
		Seq:       a.Seq,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	})
	d.decryptArtifactField(a.ID, a.Header, a.HeaderVersion, d.store.PatchArtifactHeader)
	d.decryptArtifactField(a.ID, a.Body, a.BodyVersion, d.store.PatchArtifactBody)
}

func (d *Dispatcher) applyUpdateArtifact(body json.RawMessage) {
	var b wire.UpdateBodyUpdateArtifact
	if err := json.Unmarshal(body, &b); err != nil || b.ID == "" {
		logger.Warnf("dispatch: bad update-artifact body: %v", err)
		return
	}
	if b.Header != nil {
		d.decryptArtifactField(b.ID, b.Header.Value, b.Header.Version, d.store.PatchArtifactHeader)
	}
	if b.Body != nil {
		d.decryptArtifactField(b.ID, b.Body.Value, b.Body.Version, d.store.PatchArtifactBody)
	}
}

func (d *Dispatcher) applyDeleteArtifact(body json.RawMessage) {
	var b wire.UpdateBodyDeleteArtifact
	if err := json.Unmarshal(body, &b); err != nil || b.ArtifactID == "" {
		logger.Warnf("dispatch: bad delete-artifact body: %v", err)
		return
	}
	d.store.RemoveArtifact(b.ArtifactID)
}

// decryptArtifactField decrypts one versioned artifact field off the read
// path and applies it through the store's guarded patch.
func (d *Dispatcher) decryptArtifactField(id, ciphertext string, version int64, patch func(string, json.RawMessage, int64) bool) {
	if ciphertext == "" {
		return
	}
	d.decrypts.Add(1)
	go func() {
		defer d.decrypts.Done()
		plain, ok := d.cipher.Decrypt(id, ciphertext)
		if !ok {
			logger.Warnf("dispatch: artifact %s field v%d undecryptable", id, version)
			return
		}
		if !patch(id, plain, version) {
			logger.Tracef("dispatch: artifact %s v%d patch skipped", id, version)
		}
	}()
}
