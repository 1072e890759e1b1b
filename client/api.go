package folio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	loginPath   = "/auth/login"
	refreshPath = "/auth/refresh"
	logoutPath  = "/auth/logout"
	mePath      = "/auth/me"
)

// Request is an outbound request descriptor. Body is marshaled as JSON when
// non-nil.
type Request struct {
	Method string
	Path   string
	Body   any
	Header http.Header
}

// refreshResult is delivered to every caller suspended on an in-flight
// refresh. Channels are buffered so the drain never blocks on a waiter that
// has already given up.
type refreshResult struct {
	token string
	err   error
}

// Client is the session-aware request pipeline. It attaches the current
// bearer token to every outgoing call and transparently renews it on
// credential expiry: the first caller to observe a 401 performs the refresh,
// every other affected caller waits for that same refresh, and all of them
// replay their original request exactly once with the new token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    *SessionStore
	logger     zerolog.Logger

	// Single-flight refresh state. The enqueue-vs-initiate decision is made
	// under refreshMu, so two callers can never both start a refresh.
	refreshMu  sync.Mutex
	refreshing bool
	waiters    []chan refreshResult
}

// NewClient creates a request pipeline around the given session store.
// httpClient may be nil, in which case a client with a default timeout is
// used.
func NewClient(baseURL string, session *SessionStore, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		session:    session,
		logger:     logger,
	}
}

// Session exposes the session store for consumers that need snapshot reads.
func (c *Client) Session() *SessionStore {
	return c.session
}

// Do sends the request with the current access token and recovers from
// credential expiry. A 401 on anything other than the refresh endpoint
// triggers a single-flight token renewal, after which the request is
// re-dispatched once with the new token. The retried response is returned
// as-is: a second 401 propagates untouched rather than looping back into
// refresh.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	resp, err := c.dispatch(ctx, req, c.session.AccessToken())
	if err != nil {
		// Transport failures propagate to the caller; only authorization
		// failures are recovered here.
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || req.Path == refreshPath {
		return resp, nil
	}

	resp.Body.Close()

	token, err := c.renewToken(ctx)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().Str("method", req.Method).Str("path", req.Path).Msg("replaying request with renewed token")
	return c.dispatch(ctx, req, token)
}

// dispatch builds and sends the HTTP request, attaching the bearer token if
// one is given. It never consults or blocks on refresh state.
func (c *Client) dispatch(ctx context.Context, req Request, token string) (*http.Response, error) {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Request-Id", uuid.NewString())
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	return c.httpClient.Do(httpReq)
}

// renewToken performs the single-flight token refresh. If a refresh is
// already in flight the caller is enqueued and suspended until it settles;
// otherwise this caller initiates the refresh and drains the queue once it
// completes. On failure the session has already been cleared and every
// suspended caller receives the same error.
func (c *Client) renewToken(ctx context.Context) (string, error) {
	c.refreshMu.Lock()
	if c.refreshing {
		waiter := make(chan refreshResult, 1)
		c.waiters = append(c.waiters, waiter)
		c.refreshMu.Unlock()

		select {
		case res := <-waiter:
			return res.token, res.err
		case <-ctx.Done():
			// The refresh itself and the other waiters are unaffected; the
			// buffered channel still receives the result.
			return "", ctx.Err()
		}
	}
	c.refreshing = true
	c.refreshMu.Unlock()

	token, err := c.refreshOnce(ctx)

	c.refreshMu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.refreshMu.Unlock()

	for _, waiter := range waiters {
		waiter <- refreshResult{token: token, err: err}
	}

	return token, err
}

// refreshOnce calls the refresh endpoint with the stored refresh token. Any
// failure mode — transport error, rejected refresh, or a 2xx body without an
// access token — clears the session and reports a refresh failure; there is
// no partial-success state.
func (c *Client) refreshOnce(ctx context.Context) (string, error) {
	refreshToken := c.session.RefreshToken()
	if refreshToken == "" {
		c.session.Clear()
		return "", fmt.Errorf("%w: no refresh token in session", ErrRefreshFailed)
	}

	reqBody := map[string]string{"refresh_token": refreshToken}
	resp, err := c.dispatch(ctx, Request{Method: http.MethodPost, Path: refreshPath, Body: reqBody}, "")
	if err != nil {
		c.session.Clear()
		c.logger.Warn().Err(err).Msg("token refresh transport failure, session cleared")
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		c.session.Clear()
		c.logger.Warn().Int("status", resp.StatusCode).Msg("token refresh rejected, session cleared")
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, &APIError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		c.session.Clear()
		return "", fmt.Errorf("%w: malformed refresh response: %w", ErrRefreshFailed, err)
	}
	if tokens.AccessToken == "" {
		c.session.Clear()
		return "", fmt.Errorf("%w: refresh response missing access token", ErrRefreshFailed)
	}

	c.session.SetTokens(tokens.AccessToken, tokens.RefreshToken)
	c.logger.Info().Msg("access token renewed")
	return tokens.AccessToken, nil
}

// GetJSON issues a GET through the pipeline and decodes a 2xx JSON response
// into out. Non-2xx responses are returned as *APIError.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, Request{Method: http.MethodGet, Path: path}, out)
}

// PostJSON issues a POST through the pipeline and decodes a 2xx JSON response
// into out. out may be nil when the response body is irrelevant.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

func (c *Client) doJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
