package folio

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// MockAPIServer provides an HTTP mock of the auth and REST endpoints for unit
// tests. It models token validity server-side: requests carrying a stale
// bearer get 401, the refresh endpoint rotates the token pair, and every
// request is captured for verification.
type MockAPIServer struct {
	server *httptest.Server

	mu           sync.Mutex
	requests     []MockRequest
	accessToken  string
	refreshToken string
	tokenSerial  int
	refreshCalls int
	failRefresh  bool
	refreshHold  chan struct{}
	mfaRequired  bool
	denied       map[string]bool
	email        string
	password     string
	user         User
}

// MockRequest tracks an incoming request for verification.
type MockRequest struct {
	Method        string
	Path          string
	Body          string
	Authorization string
}

// NewMockAPIServer creates a mock server with default credentials
// (user@example.com / hunter2) and no valid tokens issued yet.
func NewMockAPIServer() *MockAPIServer {
	mock := &MockAPIServer{
		denied:   make(map[string]bool),
		email:    "user@example.com",
		password: "hunter2",
		user:     User{ID: "u-1", Email: "user@example.com", Name: "Test User"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, mock.handleLogin)
	mux.HandleFunc(refreshPath, mock.handleRefresh)
	mux.HandleFunc(logoutPath, mock.handleLogout)
	mux.HandleFunc(mePath, mock.handleMe)
	mux.HandleFunc("/", mock.handleAPI)

	mock.server = httptest.NewServer(mux)
	return mock
}

// Close shuts down the mock server.
func (m *MockAPIServer) Close() {
	m.server.Close()
}

// BaseURL returns the mock server base URL.
func (m *MockAPIServer) BaseURL() string {
	return m.server.URL
}

// IssueTokens seeds a valid token pair server-side and returns it, as if a
// login had happened.
func (m *MockAPIServer) IssueTokens() (accessToken, refreshToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateTokensLocked()
}

// ExpireAccessToken invalidates the current access token while keeping the
// refresh token valid, so the next authenticated call gets 401 and a refresh
// succeeds.
func (m *MockAPIServer) ExpireAccessToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = ""
}

// SetFailRefresh makes the refresh endpoint reject all attempts.
func (m *MockAPIServer) SetFailRefresh(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRefresh = fail
}

// DenyPath makes a REST path return 401 even with a valid bearer, to
// exercise the retried-once invariant.
func (m *MockAPIServer) DenyPath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[path] = true
}

// RequireMFA makes login demand a multi-factor code.
func (m *MockAPIServer) RequireMFA(required bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mfaRequired = required
}

// HoldRefresh blocks the refresh handler until the returned release function
// is called. Used to widen the single-flight window deterministically.
func (m *MockAPIServer) HoldRefresh() (release func()) {
	hold := make(chan struct{})
	m.mu.Lock()
	m.refreshHold = hold
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { close(hold) })
	}
}

// RefreshCalls returns how many refresh attempts were observed on the wire.
func (m *MockAPIServer) RefreshCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls
}

// AccessToken returns the currently valid access token.
func (m *MockAPIServer) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken
}

// Requests returns all captured requests.
func (m *MockAPIServer) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

// CountRequests returns how many captured requests match method and path.
func (m *MockAPIServer) CountRequests(method, path string) int {
	count := 0
	for _, req := range m.Requests() {
		if req.Method == method && req.Path == path {
			count++
		}
	}
	return count
}

// BearerTokens returns the bearer token of every captured request to path, in
// arrival order.
func (m *MockAPIServer) BearerTokens(path string) []string {
	var tokens []string
	for _, req := range m.Requests() {
		if req.Path != path {
			continue
		}
		tokens = append(tokens, strings.TrimPrefix(req.Authorization, "Bearer "))
	}
	return tokens
}

// Private handlers

func (m *MockAPIServer) rotateTokensLocked() (string, string) {
	m.tokenSerial++
	m.accessToken = fmt.Sprintf("access-%d", m.tokenSerial)
	m.refreshToken = fmt.Sprintf("refresh-%d", m.tokenSerial)
	return m.accessToken, m.refreshToken
}

func (m *MockAPIServer) capture(r *http.Request) {
	body := ""
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		r.Body = io.NopCloser(strings.NewReader(body))
	}

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Body:          body,
		Authorization: r.Header.Get("Authorization"),
	})
	m.mu.Unlock()
}

func (m *MockAPIServer) authorized(r *http.Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken != "" && r.Header.Get("Authorization") == "Bearer "+m.accessToken
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (m *MockAPIServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	m.capture(r)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Email != m.email || req.Password != m.password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	if m.mfaRequired && req.MFACode == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"mfa_required": true})
		return
	}

	access, refresh := m.rotateTokensLocked()
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
	})
}

func (m *MockAPIServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	m.capture(r)

	m.mu.Lock()
	m.refreshCalls++
	hold := m.refreshHold
	fail := m.failRefresh
	validRefresh := m.refreshToken
	m.mu.Unlock()

	if hold != nil {
		<-hold
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	if fail || req.RefreshToken == "" || req.RefreshToken != validRefresh {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid refresh token"})
		return
	}

	m.mu.Lock()
	access, refresh := m.rotateTokensLocked()
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
	})
}

func (m *MockAPIServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	m.capture(r)
	w.WriteHeader(http.StatusNoContent)
}

func (m *MockAPIServer) handleMe(w http.ResponseWriter, r *http.Request) {
	m.capture(r)
	if !m.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	m.mu.Lock()
	user := m.user
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, user)
}

// handleAPI stands in for every REST resource the pipeline wraps. Valid
// bearer gets an empty success body, anything else gets 401.
func (m *MockAPIServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	m.capture(r)

	m.mu.Lock()
	denied := m.denied[r.URL.Path]
	m.mu.Unlock()

	if denied || !m.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
