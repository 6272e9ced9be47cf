// Package socket maintains the realtime websocket connection to the sync
// server: the connect/auth handshake, automatic reconnection with jittered
// exponential backoff, request/acknowledgement correlation, and fan-out of
// inbound events to registered handlers.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bhandras/delight/sync/internal/crypto"
	"github.com/bhandras/delight/sync/internal/wire"
	"github.com/bhandras/delight/sync/pkg/logger"
)

// Status is the connection state machine's current state.
type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusAuthenticating Status = "authenticating"
	StatusConnected      Status = "connected"
	StatusError          Status = "error"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultAuthTimeout      = 5 * time.Second
	defaultRequestTimeout   = 30 * time.Second

	// tokenExpiryWindow triggers a pre-dial refresh for credentials that
	// would expire mid-handshake anyway.
	tokenExpiryWindow = time.Minute
)

// MessageHandler receives the data payload of an inbound event.
type MessageHandler func(data json.RawMessage)

// StatusListener observes connection state transitions.
type StatusListener func(status Status)

// Config carries the parameters for a Client.
type Config struct {
	// ServerURL is the http(s) base URL of the sync server.
	ServerURL string
	// Token is the bearer credential.
	Token string
	// ClientType identifies the connection scope sent during the fallback
	// handshake. Defaults to "user-scoped".
	ClientType string

	// FetchTicket obtains a short-lived connection ticket before dialing.
	// Optional; a failed or absent fetch falls back to in-band auth.
	FetchTicket func(ctx context.Context) (string, error)
	// RefreshToken exchanges a rejected credential for a fresh one.
	// Optional; without it an auth rejection is terminal.
	RefreshToken func(ctx context.Context) (string, error)

	// HandshakeTimeout bounds the websocket dial and ticket fetch.
	HandshakeTimeout time.Duration
	// AuthTimeout bounds the wait for the server's connected event.
	AuthTimeout time.Duration
	// RequestTimeout is the default acknowledgement wait for Request.
	RequestTimeout time.Duration
	// InitialBackoff and MaxBackoff bound the reconnect delays.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client is a reconnecting websocket client for the /v1/updates endpoint.
//
// Handlers and listeners run on a dedicated notifier goroutine, one callback
// at a time and in delivery order; a slow handler delays subsequent events
// but never reorders them. Because callbacks never run on the connection
// loop itself, a handler may call Disconnect, Connect, or UpdateToken.
type Client struct {
	cfg Config

	notify notifier

	mu      sync.Mutex
	token   string
	status  Status
	conn    *websocket.Conn
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// writeMu serializes frame writes on the shared connection.
	writeMu sync.Mutex

	pending *pendingAcks

	listenerMu      sync.Mutex
	nextListenerID  int
	handlers        map[string]map[int]MessageHandler
	statusListeners map[int]StatusListener
	connListeners   map[int]func()
}

// NewClient creates a client in the disconnected state. Connect starts it.
func NewClient(cfg Config) *Client {
	if cfg.ClientType == "" {
		cfg.ClientType = "user-scoped"
	}
	return &Client{
		cfg:             cfg,
		token:           cfg.Token,
		status:          StatusDisconnected,
		pending:         newPendingAcks(),
		handlers:        make(map[string]map[int]MessageHandler),
		statusListeners: make(map[int]StatusListener),
		connListeners:   make(map[int]func()),
	}
}

// UpdatesURL rewrites a server base URL into the websocket endpoint URL,
// attaching the ticket as a query parameter when one is present.
func UpdatesURL(serverURL, ticket string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = "/v1/updates"
	if ticket != "" {
		q := u.Query()
		q.Set("ticket", ticket)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect starts the connection loop. It returns immediately; observe
// progress through OnStatus. Calling Connect while running is a no-op.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(ctx, done)
}

// Disconnect stops the connection loop, fails all pending requests, and
// settles in the disconnected state. Calling it while stopped is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	c.pending.drain(ErrConnectionClosed)
	c.setStatus(StatusDisconnected)
}

// UpdateToken replaces the credential. An unchanged token is a no-op; a
// changed one forces a full reconnect handshake with the new credential.
func (c *Client) UpdateToken(token string) {
	c.mu.Lock()
	if token == c.token {
		c.mu.Unlock()
		return
	}
	c.token = token
	running := c.running
	c.mu.Unlock()

	if running {
		logger.Infof("socket: credential changed, reconnecting")
		c.Disconnect()
		c.Connect()
	}
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// On registers a handler for an inbound event name. Multiple handlers per
// event are allowed; the returned function removes the registration.
func (c *Client) On(event string, fn MessageHandler) func() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	id := c.nextListenerID
	c.nextListenerID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]MessageHandler)
	}
	c.handlers[event][id] = fn
	return func() {
		c.listenerMu.Lock()
		defer c.listenerMu.Unlock()
		delete(c.handlers[event], id)
	}
}

// OnStatus registers a connection state listener.
func (c *Client) OnStatus(fn StatusListener) func() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	id := c.nextListenerID
	c.nextListenerID++
	c.statusListeners[id] = fn
	return func() {
		c.listenerMu.Lock()
		defer c.listenerMu.Unlock()
		delete(c.statusListeners, id)
	}
}

// OnConnected registers a listener invoked after every successful
// authentication, including reconnects. Callers use it to reload state
// that may have changed while the connection was down.
func (c *Client) OnConnected(fn func()) func() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	id := c.nextListenerID
	c.nextListenerID++
	c.connListeners[id] = fn
	return func() {
		c.listenerMu.Lock()
		defer c.listenerMu.Unlock()
		delete(c.connListeners, id)
	}
}

// Send emits a fire-and-forget event.
func (c *Client) Send(event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	status := c.status
	c.mu.Unlock()
	if conn == nil || status != StatusConnected {
		return ErrNotConnected
	}
	env, err := wire.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	return c.writeEnvelope(conn, env)
}

// Request emits an event carrying a fresh ack id and waits for the server's
// acknowledgement. A timeout of zero uses the configured default.
func (c *Client) Request(ctx context.Context, event string, data any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	status := c.status
	c.mu.Unlock()
	if conn == nil || status != StatusConnected {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	env, err := wire.NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	env.AckID = uuid.NewString()

	ch := c.pending.add(env.AckID)
	if err := c.writeEnvelope(conn, env); err != nil {
		c.pending.fail(env.AckID, err)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.payload, res.err
	case <-timer.C:
		// fail is a no-op if the ack raced us; reading the channel picks
		// up whichever resolution won.
		c.pending.fail(env.AckID, ErrAckTimeout)
		res := <-ch
		return res.payload, res.err
	case <-ctx.Done():
		c.pending.fail(env.AckID, ctx.Err())
		res := <-ch
		return res.payload, res.err
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	bo := newBackoff(c.cfg.InitialBackoff, c.cfg.MaxBackoff)
	for {
		err := c.connectOnce(ctx, bo)
		c.pending.drain(ErrConnectionClosed)
		if ctx.Err() != nil {
			return
		}
		// An unexpected drop of an established or authenticating
		// connection is observable immediately, not at the next attempt.
		// Auth failures have already transitioned to the error state.
		switch c.Status() {
		case StatusConnected, StatusAuthenticating:
			c.setStatus(StatusDisconnected)
		}
		if errors.Is(err, ErrAuthRejected) && !c.tryRefreshToken(ctx) {
			c.mu.Lock()
			c.running = false
			c.cancel = nil
			c.mu.Unlock()
			c.setStatus(StatusError)
			logger.Errorf("socket: authentication rejected, giving up")
			return
		}
		delay := bo.next()
		logger.Debugf("socket: connection lost (%v), retrying in %s", err, delay)
		if sleep(ctx, delay) != nil {
			return
		}
	}
}

// connectOnce runs one full connection lifecycle: ticket fetch, dial, auth
// handshake, then blocks until the connection drops or ctx is cancelled.
func (c *Client) connectOnce(ctx context.Context, bo *backoff) error {
	c.setStatus(StatusConnecting)

	// A credential about to expire is replaced before dialing so the
	// handshake does not burn a reconnect attempt on a known rejection.
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if c.cfg.RefreshToken != nil && token != "" && crypto.TokenExpiresWithin(token, tokenExpiryWindow) {
		logger.Infof("socket: credential expiring, refreshing before dial")
		if fresh, err := c.cfg.RefreshToken(ctx); err != nil {
			logger.Warnf("socket: pre-dial token refresh failed: %v", err)
		} else if fresh != "" {
			c.mu.Lock()
			c.token = fresh
			c.mu.Unlock()
		}
	}

	var ticket string
	if c.cfg.FetchTicket != nil {
		t, err := c.cfg.FetchTicket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warnf("socket: ticket fetch failed, using in-band auth: %v", err)
		} else {
			ticket = t
		}
	}

	wsURL, err := UpdatesURL(c.cfg.ServerURL, ticket)
	if err != nil {
		return err
	}

	handshake := c.cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshake}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	token = c.token
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	c.setStatus(StatusAuthenticating)

	authc := make(chan error, 1)
	readDone := make(chan error, 1)
	go c.readLoop(conn, authc, readDone)

	if ticket == "" {
		env, err := wire.NewEnvelope(wire.EventAuth, wire.AuthPayload{
			Token:      token,
			ClientType: c.cfg.ClientType,
		})
		if err != nil {
			return err
		}
		if err := c.writeEnvelope(conn, env); err != nil {
			return err
		}
	}

	authTimeout := c.cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = defaultAuthTimeout
	}
	authTimer := time.NewTimer(authTimeout)
	defer authTimer.Stop()
	select {
	case err := <-authc:
		if err != nil {
			c.setStatus(StatusError)
			c.writeClose(conn, websocket.ClosePolicyViolation, "auth rejected")
			return err
		}
	case err := <-readDone:
		if err == nil {
			err = ErrConnectionClosed
		}
		return err
	case <-authTimer.C:
		c.setStatus(StatusError)
		c.writeClose(conn, websocket.ClosePolicyViolation, "auth timeout")
		return fmt.Errorf("auth handshake timed out after %s", authTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	bo.reset()
	c.setStatus(StatusConnected)
	logger.Infof("socket: connected")
	c.notifyConnected()

	select {
	case err := <-readDone:
		return err
	case <-ctx.Done():
		conn.Close()
		<-readDone
		return ctx.Err()
	}
}

func (c *Client) readLoop(conn *websocket.Conn, authc chan<- error, done chan<- error) {
	authed := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			done <- err
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warnf("socket: dropping malformed frame: %v", err)
			continue
		}

		// Acknowledgements resolve their pending request and are never
		// fanned out as regular events.
		if env.IsAck() {
			if !c.pending.resolve(env.AckID, env.Ack) {
				logger.Debugf("socket: ack %s has no pending request", env.AckID)
			}
			continue
		}

		if !authed {
			switch env.Event {
			case wire.EventConnected:
				authed = true
				authc <- nil
				continue
			case wire.EventAuthError:
				var payload wire.AuthErrorPayload
				_ = json.Unmarshal(env.Data, &payload)
				logger.Warnf("socket: auth rejected: %s", payload.Message)
				authc <- ErrAuthRejected
				continue
			}
		}

		c.fanOut(env)
	}
}

func (c *Client) fanOut(env wire.Envelope) {
	c.listenerMu.Lock()
	fns := make([]MessageHandler, 0, len(c.handlers[env.Event]))
	for _, fn := range c.handlers[env.Event] {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()

	if len(fns) == 0 {
		logger.Tracef("socket: no handler for event %q", env.Event)
		return
	}
	c.notify.enqueue(func() {
		for _, fn := range fns {
			fn(env.Data)
		}
	})
}

// writeClose sends a close control frame so the server can distinguish a
// failed handshake from an ordinary drop. Errors are ignored; the deferred
// conn.Close tears the connection down regardless.
func (c *Client) writeClose(conn *websocket.Conn, code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (c *Client) writeEnvelope(conn *websocket.Conn, env wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()

	logger.Debugf("socket: status %s", status)
	c.listenerMu.Lock()
	fns := make([]StatusListener, 0, len(c.statusListeners))
	for _, fn := range c.statusListeners {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()
	c.notify.enqueue(func() {
		for _, fn := range fns {
			fn(status)
		}
	})
}

func (c *Client) notifyConnected() {
	c.listenerMu.Lock()
	fns := make([]func(), 0, len(c.connListeners))
	for _, fn := range c.connListeners {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()
	c.notify.enqueue(func() {
		for _, fn := range fns {
			fn()
		}
	})
}

// tryRefreshToken attempts to replace a rejected credential. It reports
// whether a different token was obtained, meaning a retry is worthwhile.
func (c *Client) tryRefreshToken(ctx context.Context) bool {
	fn := c.cfg.RefreshToken
	if fn == nil {
		return false
	}
	token, err := fn(ctx)
	if err != nil || token == "" {
		if err != nil {
			logger.Warnf("socket: token refresh failed: %v", err)
		}
		return false
	}
	c.mu.Lock()
	changed := token != c.token
	c.token = token
	c.mu.Unlock()
	return changed
}
