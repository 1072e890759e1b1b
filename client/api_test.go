package folio

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *MockAPIServer) {
	t.Helper()

	server := NewMockAPIServer()
	t.Cleanup(server.Close)

	session := NewSessionStore(NewMemorySessionStorage(), zerolog.Nop())
	client := NewClient(server.BaseURL(), session, nil, zerolog.Nop())
	return client, server
}

func seedSession(client *Client, server *MockAPIServer) (accessToken string) {
	access, refresh := server.IssueTokens()
	client.Session().SetTokens(access, refresh)
	return access
}

// inFlightRefreshState reports the coordinator's single-flight state: whether
// a refresh is running and how many callers are queued behind it.
func inFlightRefreshState(c *Client) (refreshing bool, queued int) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshing, len(c.waiters)
}

func TestDispatchAttachesBearerToken(t *testing.T) {
	client, server := newTestClient(t)
	access := seedSession(client, server)

	resp, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/portfolios"})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{access}, server.BearerTokens("/api/portfolios"))
}

func TestDispatchWithoutTokenOmitsHeader(t *testing.T) {
	client, server := newTestClient(t)

	resp, err := client.dispatch(context.Background(), Request{Method: http.MethodGet, Path: "/api/public"}, "")
	require.NoError(t, err)
	resp.Body.Close()

	requests := server.Requests()
	require.Len(t, requests, 1)
	assert.Empty(t, requests[0].Authorization)
}

func TestExpiredTokenIsRenewedAndRequestReplayed(t *testing.T) {
	client, server := newTestClient(t)
	stale := seedSession(client, server)
	server.ExpireAccessToken()

	resp, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/assets"})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, server.RefreshCalls())

	tokens := server.BearerTokens("/api/assets")
	require.Len(t, tokens, 2)
	assert.Equal(t, stale, tokens[0])
	assert.Equal(t, server.AccessToken(), tokens[1])
	assert.Equal(t, server.AccessToken(), client.Session().AccessToken())
}

func TestSingleFlightRefreshWithReplayCompleteness(t *testing.T) {
	client, server := newTestClient(t)
	seedSession(client, server)
	server.ExpireAccessToken()
	release := server.HoldRefresh()
	defer release()

	const callers = 5
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			resp, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/quotes"})
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					err = fmt.Errorf("unexpected status %d", resp.StatusCode)
				}
			}
			results <- err
		}()
	}

	// All callers saw the 401: one initiated the refresh, the rest queued.
	require.Eventually(t, func() bool {
		refreshing, queued := inFlightRefreshState(client)
		return refreshing && queued == callers-1
	}, 2*time.Second, 5*time.Millisecond)

	release()

	for i := 0; i < callers; i++ {
		require.NoError(t, <-results)
	}

	assert.Equal(t, 1, server.RefreshCalls(), "exactly one refresh on the wire")

	// Every caller re-dispatched exactly once with the new token.
	newToken := server.AccessToken()
	replayed := 0
	for _, token := range server.BearerTokens("/api/quotes") {
		if token == newToken {
			replayed++
		}
	}
	assert.Equal(t, callers, replayed)
	assert.Len(t, server.BearerTokens("/api/quotes"), 2*callers)
}

func TestRefreshFailureFansOutAndClearsSession(t *testing.T) {
	client, server := newTestClient(t)
	seedSession(client, server)
	client.Session().SetUser(&User{ID: "u-1", Email: "user@example.com"})
	server.ExpireAccessToken()
	server.SetFailRefresh(true)
	release := server.HoldRefresh()
	defer release()

	const callers = 3
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/alerts"})
			results <- err
		}()
	}

	require.Eventually(t, func() bool {
		refreshing, queued := inFlightRefreshState(client)
		return refreshing && queued == callers-1
	}, 2*time.Second, 5*time.Millisecond)

	release()

	for i := 0; i < callers; i++ {
		err := <-results
		require.ErrorIs(t, err, ErrRefreshFailed)
	}

	// The rejected refresh must not trigger another refresh attempt.
	assert.Equal(t, 1, server.RefreshCalls())

	// Logout semantics: the session is fully cleared.
	snapshot := client.Session().Snapshot()
	assert.Empty(t, snapshot.AccessToken)
	assert.Empty(t, snapshot.RefreshToken)
	assert.Nil(t, snapshot.User)
	assert.False(t, snapshot.IsAuthenticated)
}

func TestRefreshEndpointNeverRecursesIntoRefresh(t *testing.T) {
	client, server := newTestClient(t)
	seedSession(client, server)

	// A direct call to the refresh endpoint that fails with 401 must surface
	// that response untouched.
	resp, err := client.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   refreshPath,
		Body:   map[string]string{"refresh_token": "bogus"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, server.RefreshCalls())
	assert.True(t, client.Session().IsAuthenticated(), "session untouched")
}

func TestRetriedRequestIsNotRetriedTwice(t *testing.T) {
	client, server := newTestClient(t)
	seedSession(client, server)
	server.DenyPath("/api/forbidden")

	resp, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/forbidden"})
	require.NoError(t, err)
	defer resp.Body.Close()

	// One renewal, one replay; the replay's 401 propagates untouched.
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, server.RefreshCalls())
	assert.Equal(t, 2, server.CountRequests(http.MethodGet, "/api/forbidden"))
}

func TestRefreshWithoutStoredRefreshTokenFails(t *testing.T) {
	client, _ := newTestClient(t)
	client.Session().SetTokens("stale-access", "")

	// No refresh token stored: renewal fails without a wire call and logs out.
	_, err := client.renewToken(context.Background())
	require.ErrorIs(t, err, ErrRefreshFailed)
	assert.False(t, client.Session().IsAuthenticated())
}

func TestQueuedCallerHonorsContextCancellation(t *testing.T) {
	client, server := newTestClient(t)
	seedSession(client, server)
	server.ExpireAccessToken()
	release := server.HoldRefresh()
	defer release()

	initiatorDone := make(chan error, 1)
	go func() {
		resp, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/goals"})
		if err == nil {
			resp.Body.Close()
		}
		initiatorDone <- err
	}()

	require.Eventually(t, func() bool {
		refreshing, _ := inFlightRefreshState(client)
		return refreshing
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		resp, err := client.Do(ctx, Request{Method: http.MethodGet, Path: "/api/goals"})
		if err == nil {
			resp.Body.Close()
		}
		waiterDone <- err
	}()

	require.Eventually(t, func() bool {
		_, queued := inFlightRefreshState(client)
		return queued == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-waiterDone, context.Canceled)

	// The refresh itself is unaffected by the departed waiter.
	release()
	require.NoError(t, <-initiatorDone)
	assert.Equal(t, 1, server.RefreshCalls())
}

func TestGetJSONReturnsAPIErrorOnFailureStatus(t *testing.T) {
	client, server := newTestClient(t)
	seedSession(client, server)
	server.DenyPath("/api/denied")

	var out map[string]any
	err := client.GetJSON(context.Background(), "/api/denied", &out)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.True(t, apiErr.IsAuthFailure())
}
