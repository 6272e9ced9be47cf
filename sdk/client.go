// Package sdk is the embeddable sync client. It composes the websocket
// transport, the REST bootstrap client, the update dispatcher, and the
// local store behind one facade: open a Client, let it keep the store in
// sync, and read projections or send operations through its methods.
package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bhandras/delight/sync/internal/api"
	"github.com/bhandras/delight/sync/internal/crypto"
	"github.com/bhandras/delight/sync/internal/dispatch"
	"github.com/bhandras/delight/sync/internal/socket"
	"github.com/bhandras/delight/sync/internal/store"
	"github.com/bhandras/delight/sync/internal/wire"
	"github.com/bhandras/delight/sync/pkg/logger"
)

// Status re-exports the transport's connection state for embedders.
type Status = socket.Status

const (
	StatusDisconnected   = socket.StatusDisconnected
	StatusConnecting     = socket.StatusConnecting
	StatusAuthenticating = socket.StatusAuthenticating
	StatusConnected      = socket.StatusConnected
	StatusError          = socket.StatusError
)

// ErrVersionMismatch re-exports the optimistic-concurrency failure.
var ErrVersionMismatch = socket.ErrVersionMismatch

const (
	bootstrapTimeout = 30 * time.Second

	// defaultMessagePageSize bounds message history fetches.
	defaultMessagePageSize = 100
)

// Config carries the parameters for a Client.
type Config struct {
	// ServerURL is the http(s) base URL of the sync server.
	ServerURL string
	// Token is the bearer credential.
	Token string
	// MasterSecret is the 32-byte account encryption secret.
	MasterSecret []byte
	// ClientType identifies the connection scope. Defaults to
	// "user-scoped".
	ClientType string
	// RefreshToken exchanges an expired or rejected credential for a
	// fresh one. Optional.
	RefreshToken func(ctx context.Context) (string, error)
}

// Client keeps a local store synchronized with the server.
//
// All store reads are safe from any goroutine. The update stream, bootstrap
// loads, and reconnect refreshes are serialized internally, so projections
// never mix a half-applied snapshot with live updates.
type Client struct {
	cfg        Config
	api        *api.Client
	socket     *socket.Client
	store      *store.Store
	cipher     *crypto.Cipher
	dispatcher *dispatch.Dispatcher
	run        *runner

	detach    func()
	closeOnce sync.Once

	// listenerMu guards the reconnect listener set and the connect count.
	listenerMu    sync.Mutex
	connects      int
	nextListener  int
	onReconnected map[int]func()
}

// New creates a Client. It does not connect; call Connect to start.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("sdk: server URL required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("sdk: token required")
	}
	cipher, err := crypto.NewCipher(cfg.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("sdk: %w", err)
	}

	c := &Client{
		cfg:           cfg,
		cipher:        cipher,
		store:         store.New(),
		run:           newRunner(256),
		onReconnected: make(map[int]func()),
	}
	c.api = api.NewClient(cfg.ServerURL, cfg.Token)
	c.dispatcher = dispatch.New(c.store, cipher)

	refresh := cfg.RefreshToken
	if refresh != nil {
		// Keep the REST client's credential in step with refreshes
		// triggered by either surface.
		wrapped := func(ctx context.Context) (string, error) {
			token, err := cfg.RefreshToken(ctx)
			if err == nil && token != "" {
				c.api.SetToken(token)
			}
			return token, err
		}
		refresh = wrapped
		c.api.SetTokenRefresh(wrapped)
	}

	c.socket = socket.NewClient(socket.Config{
		ServerURL:    cfg.ServerURL,
		Token:        cfg.Token,
		ClientType:   cfg.ClientType,
		FetchTicket:  c.api.FetchTicket,
		RefreshToken: refresh,
	})

	detach, err := c.dispatcher.AttachVia(c.socket, c.run.do)
	if err != nil {
		c.run.stop()
		return nil, err
	}
	c.detach = detach

	c.socket.OnConnected(func() {
		c.listenerMu.Lock()
		c.connects++
		reconnect := c.connects > 1
		fns := make([]func(), 0, len(c.onReconnected))
		for _, fn := range c.onReconnected {
			fns = append(fns, fn)
		}
		c.listenerMu.Unlock()

		c.run.do(c.catchUp)
		if reconnect {
			for _, fn := range fns {
				fn()
			}
		}
	})
	c.socket.OnStatus(func(status socket.Status) {
		if status != socket.StatusConnected {
			c.store.MarkPending()
		}
	})
	return c, nil
}

// Connect starts the connection loop. Idempotent.
func (c *Client) Connect() {
	c.socket.Connect()
}

// Disconnect stops the connection loop without releasing the client.
// Idempotent; Connect restarts it.
func (c *Client) Disconnect() {
	c.socket.Disconnect()
}

// Close shuts the client down. It must not be used afterwards.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.socket.Disconnect()
		c.detach()
		c.run.stop()
	})
}

// UpdateToken replaces the credential on both the transport and the REST
// client. A changed token forces a full reconnect handshake.
func (c *Client) UpdateToken(token string) {
	c.api.SetToken(token)
	c.socket.UpdateToken(token)
}

// Status returns the transport's connection state.
func (c *Client) Status() Status {
	return c.socket.Status()
}

// OnStatus registers a connection state listener.
func (c *Client) OnStatus(fn func(Status)) func() {
	return c.socket.OnStatus(fn)
}

// OnReconnected registers fn to run after every successful reconnect. The
// first connection of the client's lifetime does not count. Returns a
// removal func.
func (c *Client) OnReconnected(fn func()) func() {
	c.listenerMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.onReconnected[id] = fn
	c.listenerMu.Unlock()
	return func() {
		c.listenerMu.Lock()
		delete(c.onReconnected, id)
		c.listenerMu.Unlock()
	}
}

// Send emits a raw event without waiting for an acknowledgement.
func (c *Client) Send(event string, data any) error {
	return c.socket.Send(event, data)
}

// EmitWithAck emits a raw event carrying an ack id and waits for the
// server's acknowledgement payload.
func (c *Client) EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error) {
	return c.socket.Request(ctx, event, data, 0)
}

// OnMessage registers a handler for a raw server event. The handler runs on
// the serialization goroutine, ordered with store updates. Returns a
// removal func.
func (c *Client) OnMessage(event string, fn func(data json.RawMessage)) func() {
	return c.socket.On(event, func(data json.RawMessage) {
		c.run.do(func() { fn(data) })
	})
}

// OnSessionReviveFailed registers a listener for session revive failures
// reported by the server.
func (c *Client) OnSessionReviveFailed(fn func(event wire.ErrorEvent)) func() {
	return c.dispatcher.OnSessionReviveFailed(fn)
}

// Synced reports whether the local store is caught up with the server.
func (c *Client) Synced() bool {
	return c.store.Synced()
}

// LastSeq returns the highest update sequence applied, or -1 before the
// first update.
func (c *Client) LastSeq() int64 {
	return c.dispatcher.LastSeq()
}

// Projections

// Sessions returns the local session projection.
func (c *Client) Sessions() []wire.Session {
	return c.store.Sessions()
}

// Session returns a session by id.
func (c *Client) Session(id string) (wire.Session, bool) {
	return c.store.Session(id)
}

// Machines returns the local machine projection.
func (c *Client) Machines() []wire.Machine {
	return c.store.Machines()
}

// Machine returns a machine by id.
func (c *Client) Machine(id string) (wire.Machine, bool) {
	return c.store.Machine(id)
}

// Account returns the account profile, if loaded.
func (c *Client) Account() (wire.AccountProfile, bool) {
	return c.store.Account()
}

// Messages returns a session's local message history.
func (c *Client) Messages(sessionID string) []wire.Message {
	return c.store.Messages(sessionID)
}

// Artifacts returns the decrypted artifact projection.
func (c *Client) Artifacts() []store.Artifact {
	return c.store.Artifacts()
}

// Artifact returns a decrypted artifact by id.
func (c *Client) Artifact(id string) (store.Artifact, bool) {
	return c.store.Artifact(id)
}

// SessionActivity returns a session's latest ephemeral activity snapshot.
func (c *Client) SessionActivity(sessionID string) (wire.ActivityEphemeral, bool) {
	return c.store.SessionActivity(sessionID)
}

// SessionUsage returns a session's accumulated usage reports.
func (c *Client) SessionUsage(sessionID string) []wire.UsageEphemeral {
	return c.store.SessionUsage(sessionID)
}

// MachineStatus returns a machine's last reported online status.
func (c *Client) MachineStatus(machineID string) (wire.MachineStatusEphemeral, bool) {
	return c.store.MachineStatus(machineID)
}

// FriendStatus returns a friend's last reported online status.
func (c *Client) FriendStatus(userID string) (wire.FriendStatusEphemeral, bool) {
	return c.store.FriendStatus(userID)
}

// Decryption helpers

// DecryptSessionMetadata returns a session's metadata as plaintext JSON.
func (c *Client) DecryptSessionMetadata(sessionID string) (json.RawMessage, bool) {
	session, ok := c.store.Session(sessionID)
	if !ok || session.Metadata == "" {
		return nil, false
	}
	return c.cipher.Decrypt(sessionID, session.Metadata)
}

// DecryptSessionAgentState returns a session's agent state as plaintext
// JSON.
func (c *Client) DecryptSessionAgentState(sessionID string) (json.RawMessage, bool) {
	session, ok := c.store.Session(sessionID)
	if !ok || session.AgentState == "" {
		return nil, false
	}
	return c.cipher.Decrypt(sessionID, session.AgentState)
}

// DecryptMachineMetadata returns a machine's metadata as plaintext JSON.
func (c *Client) DecryptMachineMetadata(machineID string) (json.RawMessage, bool) {
	machine, ok := c.store.Machine(machineID)
	if !ok || machine.Metadata == "" {
		return nil, false
	}
	return c.cipher.Decrypt(machineID, machine.Metadata)
}

// DecryptMessageContent returns a message's content as plaintext JSON. The
// session id selects the decryption key.
func (c *Client) DecryptMessageContent(sessionID string, message wire.Message) (json.RawMessage, bool) {
	return c.cipher.DecryptEnvelope(sessionID, message.Content.T, message.Content.C)
}

// Operations

// SendSessionMessage encrypts content and emits it as a session message.
// It returns the generated local id; the authoritative copy arrives back
// through the update stream.
func (c *Client) SendSessionMessage(sessionID string, content any) (string, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("sdk: encode message: %w", err)
	}
	encrypted, err := c.cipher.Encrypt(sessionID, raw)
	if err != nil {
		return "", fmt.Errorf("sdk: encrypt message: %w", err)
	}
	localID := uuid.NewString()
	if err := c.socket.SendSessionMessage(sessionID, encrypted, localID); err != nil {
		return "", err
	}
	return localID, nil
}

// UpdateSessionMetadata encrypts metadata and updates it with optimistic
// concurrency against the locally known version. On ErrVersionMismatch the
// store is refreshed with the server's current value; re-read and retry.
func (c *Client) UpdateSessionMetadata(ctx context.Context, sessionID string, metadata any) error {
	session, ok := c.store.Session(sessionID)
	if !ok {
		return fmt.Errorf("sdk: unknown session %s", sessionID)
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("sdk: encode metadata: %w", err)
	}
	encrypted, err := c.cipher.Encrypt(sessionID, raw)
	if err != nil {
		return fmt.Errorf("sdk: encrypt metadata: %w", err)
	}

	ack, err := c.socket.UpdateSessionMetadata(ctx, sessionID, encrypted, session.MetadataVersion)
	switch {
	case err == nil:
		c.store.PatchSessionMetadata(sessionID, encrypted, ack.Version)
		return nil
	case err == ErrVersionMismatch:
		if ack.Metadata != "" {
			c.store.PatchSessionMetadata(sessionID, ack.Metadata, ack.Version)
		}
		return err
	default:
		return err
	}
}

// UpdateSessionAgentState encrypts agent state and updates it with
// optimistic concurrency, independent of the metadata version.
func (c *Client) UpdateSessionAgentState(ctx context.Context, sessionID string, agentState any) error {
	session, ok := c.store.Session(sessionID)
	if !ok {
		return fmt.Errorf("sdk: unknown session %s", sessionID)
	}
	raw, err := json.Marshal(agentState)
	if err != nil {
		return fmt.Errorf("sdk: encode agent state: %w", err)
	}
	encrypted, err := c.cipher.Encrypt(sessionID, raw)
	if err != nil {
		return fmt.Errorf("sdk: encrypt agent state: %w", err)
	}

	ack, err := c.socket.UpdateSessionState(ctx, sessionID, encrypted, session.AgentStateVersion)
	switch {
	case err == nil:
		c.store.PatchSessionAgentState(sessionID, encrypted, ack.Version)
		return nil
	case err == ErrVersionMismatch:
		if ack.AgentState != "" {
			c.store.PatchSessionAgentState(sessionID, ack.AgentState, ack.Version)
		}
		return err
	default:
		return err
	}
}

// UpdateMachineMetadata encrypts machine metadata and updates it with
// optimistic concurrency.
func (c *Client) UpdateMachineMetadata(ctx context.Context, machineID string, metadata any) error {
	machine, ok := c.store.Machine(machineID)
	if !ok {
		return fmt.Errorf("sdk: unknown machine %s", machineID)
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("sdk: encode metadata: %w", err)
	}
	encrypted, err := c.cipher.Encrypt(machineID, raw)
	if err != nil {
		return fmt.Errorf("sdk: encrypt metadata: %w", err)
	}

	ack, err := c.socket.UpdateMachineMetadata(ctx, machineID, encrypted, machine.MetadataVersion)
	switch {
	case err == nil:
		c.store.PatchMachineMetadata(machineID, encrypted, ack.Version)
		return nil
	case err == ErrVersionMismatch:
		if ack.Metadata != "" {
			c.store.PatchMachineMetadata(machineID, ack.Metadata, ack.Version)
		}
		return err
	default:
		return err
	}
}

// LoadOlderMessages fetches one page of message history older than what is
// held locally and merges it into the store. It reports whether more pages
// remain. A limit of zero uses the default page size.
func (c *Client) LoadOlderMessages(ctx context.Context, sessionID string, limit int) (bool, error) {
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	var beforeSeq int64
	if local := c.store.Messages(sessionID); len(local) > 0 {
		beforeSeq = local[0].Seq
	}

	page, err := c.api.GetSessionMessages(ctx, sessionID, limit, beforeSeq)
	if err != nil {
		return false, err
	}
	c.store.PrependMessages(sessionID, page.Messages)
	return page.HasMore, nil
}

// catchUp reloads the bootstrap snapshots. It runs on the serialization
// goroutine after every successful (re)connect, so updates buffered during
// the reload apply on top of the fresh snapshot.
func (c *Client) catchUp() {
	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()
	result := api.Bootstrap(ctx, c.api, c.store)
	if err := result.Err(); err != nil {
		logger.Warnf("sdk: catch-up incomplete: %v", err)
		return
	}
	logger.Debugf("sdk: catch-up complete")
}
