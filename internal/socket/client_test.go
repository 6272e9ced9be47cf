package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/bhandras/delight/sync/internal/wire"
)

// mockSyncServer accepts websocket upgrades on /v1/updates and runs the
// given script once per connection.
type mockSyncServer struct {
	srv      *httptest.Server
	upgrades atomic.Int32
}

func newMockSyncServer(t *testing.T, script func(conn *websocket.Conn, r *http.Request)) *mockSyncServer {
	t.Helper()
	s := &mockSyncServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/updates", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.upgrades.Add(1)
		defer conn.Close()
		script(conn, r)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *mockSyncServer) url() string { return s.srv.URL }

func sendEnvelope(conn *websocket.Conn, env wire.Envelope) error {
	return conn.WriteJSON(env)
}

func recvEnvelope(conn *websocket.Conn) (wire.Envelope, error) {
	var env wire.Envelope
	err := conn.ReadJSON(&env)
	return env, err
}

func sendConnected(conn *websocket.Conn) error {
	return sendEnvelope(conn, wire.Envelope{Event: wire.EventConnected})
}

// holdOpen blocks until the peer closes the connection.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func waitForStatus(t *testing.T, c *Client, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, want, c.Status())
}

func testConfig(serverURL string) Config {
	return Config{
		ServerURL:      serverURL,
		Token:          "tok-1",
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}
}

func TestUpdatesURL(t *testing.T) {
	u, err := UpdatesURL("http://example.com", "")
	require.NoError(t, err)
	require.Equal(t, "ws://example.com/v1/updates", u)

	u, err = UpdatesURL("https://example.com", "tick-1")
	require.NoError(t, err)
	require.Equal(t, "wss://example.com/v1/updates?ticket=tick-1", u)

	u, err = UpdatesURL("wss://example.com/base", "")
	require.NoError(t, err)
	require.Equal(t, "wss://example.com/v1/updates", u)

	_, err = UpdatesURL("ftp://example.com", "")
	require.Error(t, err)
}

func TestBackoffDelays(t *testing.T) {
	b := newBackoff(1*time.Second, 30*time.Second)
	bases := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, base := range bases {
		d := b.next()
		require.GreaterOrEqual(t, d, time.Duration(float64(base)*0.5), "attempt %d", i)
		require.LessOrEqual(t, d, time.Duration(float64(base)*1.5), "attempt %d", i)
	}

	b.reset()
	d := b.next()
	require.LessOrEqual(t, d, 1500*time.Millisecond)

	// The floor kicks in for tiny initial delays.
	tiny := newBackoff(1*time.Millisecond, 10*time.Millisecond)
	for i := 0; i < 5; i++ {
		require.GreaterOrEqual(t, tiny.next(), minBackoffDelay)
	}
}

func TestConnectWithTicket(t *testing.T) {
	var sawTicket atomic.Value
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		sawTicket.Store(r.URL.Query().Get("ticket"))
		sendConnected(conn)
		holdOpen(conn)
	})

	cfg := testConfig(server.url())
	cfg.FetchTicket = func(ctx context.Context) (string, error) {
		return "tick-1", nil
	}
	c := NewClient(cfg)
	c.Connect()
	defer c.Disconnect()

	waitForStatus(t, c, StatusConnected)
	require.Equal(t, "tick-1", sawTicket.Load())
}

func TestConnectFallbackAuth(t *testing.T) {
	authc := make(chan wire.AuthPayload, 1)
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		// No ticket: expect the in-band auth handshake.
		require.Empty(t, r.URL.Query().Get("ticket"))
		env, err := recvEnvelope(conn)
		if err != nil {
			return
		}
		require.Equal(t, wire.EventAuth, env.Event)
		var payload wire.AuthPayload
		require.NoError(t, json.Unmarshal(env.Data, &payload))
		authc <- payload
		sendConnected(conn)
		holdOpen(conn)
	})

	cfg := testConfig(server.url())
	cfg.FetchTicket = func(ctx context.Context) (string, error) {
		return "", context.DeadlineExceeded
	}
	c := NewClient(cfg)
	c.Connect()
	defer c.Disconnect()

	waitForStatus(t, c, StatusConnected)
	payload := <-authc
	require.Equal(t, "tok-1", payload.Token)
	require.Equal(t, "user-scoped", payload.ClientType)
}

func TestAuthRejectedIsTerminal(t *testing.T) {
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		env, err := recvEnvelope(conn)
		if err != nil {
			return
		}
		require.Equal(t, wire.EventAuth, env.Event)
		data, _ := json.Marshal(wire.AuthErrorPayload{Message: "bad token"})
		sendEnvelope(conn, wire.Envelope{Event: wire.EventAuthError, Data: data})
	})

	c := NewClient(testConfig(server.url()))
	c.Connect()
	waitForStatus(t, c, StatusError)
	require.EqualValues(t, 1, server.upgrades.Load())
}

func TestAuthRejectedRecoversViaRefresh(t *testing.T) {
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		env, err := recvEnvelope(conn)
		if err != nil {
			return
		}
		var payload wire.AuthPayload
		require.NoError(t, json.Unmarshal(env.Data, &payload))
		if payload.Token != "tok-fresh" {
			sendEnvelope(conn, wire.Envelope{Event: wire.EventAuthError})
			return
		}
		sendConnected(conn)
		holdOpen(conn)
	})

	cfg := testConfig(server.url())
	cfg.RefreshToken = func(ctx context.Context) (string, error) {
		return "tok-fresh", nil
	}
	c := NewClient(cfg)
	c.Connect()
	defer c.Disconnect()

	waitForStatus(t, c, StatusConnected)
	require.GreaterOrEqual(t, server.upgrades.Load(), int32(2))
}

func TestRequestResolvesAckBeforeHandlers(t *testing.T) {
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		recvEnvelope(conn) // auth
		sendConnected(conn)
		env, err := recvEnvelope(conn)
		if err != nil {
			return
		}
		require.NotEmpty(t, env.AckID)
		ack, _ := json.Marshal(wire.ResultAck{Result: wire.AckSuccess})
		sendEnvelope(conn, wire.Envelope{Event: env.Event, AckID: env.AckID, Ack: ack})
		holdOpen(conn)
	})

	c := NewClient(testConfig(server.url()))
	var handlerHits atomic.Int32
	c.On("ping", func(data json.RawMessage) {
		handlerHits.Add(1)
	})
	c.Connect()
	defer c.Disconnect()
	waitForStatus(t, c, StatusConnected)

	raw, err := c.Request(context.Background(), "ping", map[string]string{"k": "v"}, 2*time.Second)
	require.NoError(t, err)
	var ack wire.ResultAck
	require.NoError(t, json.Unmarshal(raw, &ack))
	require.Equal(t, wire.AckSuccess, ack.Result)

	// The ack envelope reused the request's event name; it must still be
	// routed to the pending request only, never to the generic handler.
	require.EqualValues(t, 0, handlerHits.Load())
	require.Zero(t, c.pending.len())
}

func TestRequestTimeout(t *testing.T) {
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		recvEnvelope(conn)
		sendConnected(conn)
		holdOpen(conn) // swallow the request, never ack
	})

	c := NewClient(testConfig(server.url()))
	c.Connect()
	defer c.Disconnect()
	waitForStatus(t, c, StatusConnected)

	_, err := c.Request(context.Background(), "ping", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrAckTimeout)
	require.Zero(t, c.pending.len())
}

func TestRequestNotConnected(t *testing.T) {
	c := NewClient(testConfig("http://127.0.0.1:1"))
	_, err := c.Request(context.Background(), "ping", nil, time.Second)
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, c.Send("ping", nil), ErrNotConnected)
}

func TestPendingDrainedOnConnectionLoss(t *testing.T) {
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		recvEnvelope(conn)
		sendConnected(conn)
		// First inbound request: drop the connection instead of acking.
		if _, err := recvEnvelope(conn); err == nil {
			conn.Close()
		}
	})

	c := NewClient(testConfig(server.url()))
	c.Connect()
	defer c.Disconnect()
	waitForStatus(t, c, StatusConnected)

	_, err := c.Request(context.Background(), "ping", nil, 5*time.Second)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestReconnectAfterDrop(t *testing.T) {
	var server *mockSyncServer
	server = newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		recvEnvelope(conn)
		sendConnected(conn)
		if server.upgrades.Load() == 1 {
			return // drop the first connection right after auth
		}
		holdOpen(conn)
	})

	c := NewClient(testConfig(server.url()))
	var connects atomic.Int32
	c.OnConnected(func() { connects.Add(1) })
	c.Connect()
	defer c.Disconnect()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && connects.Load() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, connects.Load(), int32(2))
	waitForStatus(t, c, StatusConnected)
}

func TestUpdateTokenTriggersReconnect(t *testing.T) {
	tokens := make(chan string, 4)
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		env, err := recvEnvelope(conn)
		if err != nil {
			return
		}
		var payload wire.AuthPayload
		json.Unmarshal(env.Data, &payload)
		tokens <- payload.Token
		sendConnected(conn)
		holdOpen(conn)
	})

	c := NewClient(testConfig(server.url()))
	c.Connect()
	defer c.Disconnect()
	waitForStatus(t, c, StatusConnected)
	require.Equal(t, "tok-1", <-tokens)

	// Unchanged token: no reconnect.
	c.UpdateToken("tok-1")
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, server.upgrades.Load())

	// Changed token: full reconnect with the new credential.
	c.UpdateToken("tok-2")
	waitForStatus(t, c, StatusConnected)
	require.Equal(t, "tok-2", <-tokens)
}

func TestPreDialRefreshOfExpiringToken(t *testing.T) {
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Second))}
	expiring, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)

	tokens := make(chan string, 2)
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		env, err := recvEnvelope(conn)
		if err != nil {
			return
		}
		var payload wire.AuthPayload
		json.Unmarshal(env.Data, &payload)
		tokens <- payload.Token
		sendConnected(conn)
		holdOpen(conn)
	})

	cfg := testConfig(server.url())
	cfg.Token = expiring
	var refreshes atomic.Int32
	cfg.RefreshToken = func(ctx context.Context) (string, error) {
		refreshes.Add(1)
		return "tok-fresh", nil
	}
	c := NewClient(cfg)
	c.Connect()
	defer c.Disconnect()

	waitForStatus(t, c, StatusConnected)
	require.Equal(t, "tok-fresh", <-tokens)
	require.EqualValues(t, 1, refreshes.Load())
}

func TestConnectDisconnectIdempotent(t *testing.T) {
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		recvEnvelope(conn)
		sendConnected(conn)
		holdOpen(conn)
	})

	c := NewClient(testConfig(server.url()))
	c.Connect()
	c.Connect()
	waitForStatus(t, c, StatusConnected)
	require.EqualValues(t, 1, server.upgrades.Load())

	c.Disconnect()
	c.Disconnect()
	require.Equal(t, StatusDisconnected, c.Status())
}

func TestHandlerFanOutAndUnregister(t *testing.T) {
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		recvEnvelope(conn)
		sendConnected(conn)
		sendEnvelope(conn, wire.Envelope{Event: "thing", Data: json.RawMessage(`{"n":1}`)})
		time.Sleep(100 * time.Millisecond)
		sendEnvelope(conn, wire.Envelope{Event: "thing", Data: json.RawMessage(`{"n":2}`)})
		holdOpen(conn)
	})

	c := NewClient(testConfig(server.url()))
	var first, second atomic.Int32
	remove := c.On("thing", func(data json.RawMessage) { first.Add(1) })
	c.On("thing", func(data json.RawMessage) { second.Add(1) })

	c.Connect()
	defer c.Disconnect()
	waitForStatus(t, c, StatusConnected)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && first.Load() < 1 {
		time.Sleep(5 * time.Millisecond)
	}
	require.EqualValues(t, 1, first.Load())
	remove()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && second.Load() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	require.EqualValues(t, 2, second.Load())
	require.EqualValues(t, 1, first.Load())
}

func TestVersionedRequestAcks(t *testing.T) {
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		recvEnvelope(conn)
		sendConnected(conn)
		for {
			env, err := recvEnvelope(conn)
			if err != nil {
				return
			}
			var req wire.UpdateSessionMetadataRequest
			json.Unmarshal(env.Data, &req)
			var ack wire.VersionedAck
			if req.ExpectedVersion == 1 {
				ack = wire.VersionedAck{Result: wire.AckSuccess, Version: 2}
			} else {
				ack = wire.VersionedAck{
					Result:   wire.AckVersionMismatch,
					Version:  5,
					Metadata: "server-side-value",
				}
			}
			raw, _ := json.Marshal(ack)
			sendEnvelope(conn, wire.Envelope{Event: env.Event, AckID: env.AckID, Ack: raw})
		}
	})

	c := NewClient(testConfig(server.url()))
	c.Connect()
	defer c.Disconnect()
	waitForStatus(t, c, StatusConnected)

	ack, err := c.UpdateSessionMetadata(context.Background(), "s1", "enc-meta", 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, ack.Version)

	ack, err = c.UpdateSessionMetadata(context.Background(), "s1", "enc-meta", 3)
	require.ErrorIs(t, err, ErrVersionMismatch)
	require.EqualValues(t, 5, ack.Version)
	require.Equal(t, "server-side-value", ack.Metadata)
}

func TestDisconnectFromConnectedListener(t *testing.T) {
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		recvEnvelope(conn)
		sendConnected(conn)
		holdOpen(conn)
	})

	c := NewClient(testConfig(server.url()))
	returned := make(chan struct{})
	c.OnConnected(func() {
		c.Disconnect()
		close(returned)
	})
	c.Connect()

	select {
	case <-returned:
	case <-time.After(3 * time.Second):
		t.Fatal("listener calling Disconnect never returned")
	}
	waitForStatus(t, c, StatusDisconnected)
}

func TestDisconnectFromMessageHandler(t *testing.T) {
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		recvEnvelope(conn)
		sendConnected(conn)
		sendEnvelope(conn, wire.Envelope{Event: "shutdown", Data: json.RawMessage(`{}`)})
		holdOpen(conn)
	})

	c := NewClient(testConfig(server.url()))
	returned := make(chan struct{})
	c.On("shutdown", func(json.RawMessage) {
		c.Disconnect()
		close(returned)
	})
	c.Connect()

	select {
	case <-returned:
	case <-time.After(3 * time.Second):
		t.Fatal("handler calling Disconnect never returned")
	}
	waitForStatus(t, c, StatusDisconnected)
}

func TestDropSurfacesDisconnectedBeforeRetry(t *testing.T) {
	drop := make(chan struct{})
	var server *mockSyncServer
	server = newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		recvEnvelope(conn)
		sendConnected(conn)
		if server.upgrades.Load() == 1 {
			<-drop
			return
		}
		holdOpen(conn)
	})

	cfg := testConfig(server.url())
	// A long backoff keeps the retry from masking the observable state.
	cfg.InitialBackoff = 2 * time.Second
	cfg.MaxBackoff = 2 * time.Second
	c := NewClient(cfg)
	c.Connect()
	defer c.Disconnect()

	waitForStatus(t, c, StatusConnected)
	close(drop)
	waitForStatus(t, c, StatusDisconnected)
	require.EqualValues(t, 1, server.upgrades.Load())
}

func TestAuthTimeoutSignalsError(t *testing.T) {
	closeErrs := make(chan error, 2)
	server := newMockSyncServer(t, func(conn *websocket.Conn, r *http.Request) {
		// Swallow the auth envelope and let the handshake time out.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeErrs <- err
				return
			}
		}
	})

	cfg := testConfig(server.url())
	cfg.AuthTimeout = 50 * time.Millisecond
	// Park the retry so the error state stays observable.
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	c := NewClient(cfg)
	sawError := make(chan struct{}, 1)
	c.OnStatus(func(s Status) {
		if s == StatusError {
			select {
			case sawError <- struct{}{}:
			default:
			}
		}
	})
	c.Connect()
	defer c.Disconnect()

	select {
	case <-sawError:
	case <-time.After(3 * time.Second):
		t.Fatal("auth timeout did not surface the error state")
	}
	select {
	case err := <-closeErrs:
		require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("no close frame received")
	}
}
