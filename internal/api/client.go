// Package api is the REST client for the sync server. It covers the ticket
// endpoint used by the websocket handshake and the bootstrap reads that
// seed local state before the update stream takes over.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bhandras/delight/sync/internal/wire"
	"github.com/bhandras/delight/sync/pkg/logger"
)

const (
	defaultRequestTimeout = 30 * time.Second
	ticketTimeout         = 10 * time.Second

	// refreshThrottle caps how often a 401 may trigger the token
	// refresh hook, so a burst of failing requests refreshes once.
	refreshThrottle = 30 * time.Second
)

// TokenRefreshFunc exchanges the current credential for a fresh one. It is
// invoked when the server rejects a request with 401.
type TokenRefreshFunc func(ctx context.Context) (string, error)

// Client is a bearer-authenticated REST client for the sync server.
type Client struct {
	mu          sync.Mutex
	serverURL   string
	token       string
	httpClient  *http.Client
	refresh     TokenRefreshFunc
	lastRefresh time.Time
}

// NewClient creates a REST client for the given server base URL and token.
func NewClient(serverURL, token string) *Client {
	return &Client{
		serverURL:  serverURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// SetTokenRefresh installs the hook invoked on 401 responses. The hook's
// result replaces the stored token and the failed request is retried once.
func (c *Client) SetTokenRefresh(fn TokenRefreshFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresh = fn
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// ServerURL returns the configured server base URL.
func (c *Client) ServerURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverURL
}

// FetchTicket requests a short-lived websocket ticket. Callers pass the
// result as a query parameter when dialing; an error here is non-fatal and
// the dialer falls back to in-band auth.
func (c *Client) FetchTicket(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ticketTimeout)
	defer cancel()

	body, err := c.doRequest(ctx, http.MethodPost, "/v1/websocket/ticket", nil)
	if err != nil {
		return "", err
	}
	var resp wire.TicketResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode ticket response: %w", err)
	}
	if resp.Ticket == "" {
		return "", fmt.Errorf("ticket response missing ticket")
	}
	return resp.Ticket, nil
}

// ListSessions fetches the caller's sessions.
func (c *Client) ListSessions(ctx context.Context) ([]wire.Session, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/sessions", nil)
	if err != nil {
		return nil, err
	}
	var resp wire.SessionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode sessions response: %w", err)
	}
	return resp.Sessions, nil
}

// ListMachines fetches the caller's machines.
func (c *Client) ListMachines(ctx context.Context) ([]wire.Machine, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/machines", nil)
	if err != nil {
		return nil, err
	}
	var resp wire.MachinesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode machines response: %w", err)
	}
	return resp.Machines, nil
}

// GetAccountProfile fetches the caller's account profile.
func (c *Client) GetAccountProfile(ctx context.Context) (wire.AccountProfile, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/account/profile", nil)
	if err != nil {
		return wire.AccountProfile{}, err
	}
	var profile wire.AccountProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return wire.AccountProfile{}, fmt.Errorf("decode account profile: %w", err)
	}
	return profile, nil
}

// GetSessionMessages fetches one page of a session's message history,
// newest first. beforeSeq of 0 starts from the tip.
func (c *Client) GetSessionMessages(ctx context.Context, sessionID string, limit int, beforeSeq int64) (wire.MessagesPageResponse, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	if beforeSeq > 0 {
		query.Set("beforeSeq", fmt.Sprintf("%d", beforeSeq))
	}
	path := fmt.Sprintf("/v1/sessions/%s/messages", url.PathEscape(sessionID))
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return wire.MessagesPageResponse{}, err
	}
	var resp wire.MessagesPageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return wire.MessagesPageResponse{}, fmt.Errorf("decode messages page: %w", err)
	}
	return resp, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	resp, status, err := c.doOnce(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized && c.tryRefreshToken(ctx) {
		resp, status, err = c.doOnce(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("request failed: %s %s: status %d: %s", method, path, status, string(resp))
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	c.mu.Lock()
	token := c.token
	baseURL := c.serverURL
	client := c.httpClient
	c.mu.Unlock()

	if baseURL == "" {
		return nil, 0, fmt.Errorf("server URL not set")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, 0, err
	}
	return respBody, httpResp.StatusCode, nil
}

// tryRefreshToken invokes the refresh hook if one is installed and the
// throttle window has elapsed. It returns true when a new token was stored.
func (c *Client) tryRefreshToken(ctx context.Context) bool {
	c.mu.Lock()
	fn := c.refresh
	if fn == nil || time.Since(c.lastRefresh) < refreshThrottle {
		c.mu.Unlock()
		return false
	}
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	token, err := fn(ctx)
	if err != nil {
		logger.Warnf("token refresh failed: %v", err)
		return false
	}
	if token == "" {
		return false
	}
	c.SetToken(token)
	logger.Debugf("credential refreshed after 401")
	return true
}
