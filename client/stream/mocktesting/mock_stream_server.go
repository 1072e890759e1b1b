// Package mocktesting provides a test websocket server that mimics the
// realtime price endpoint.
package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// MockStreamServer is a websocket server speaking the price feed protocol:
// it accepts connections on /ws/prices?token=..., records subscribe control
// messages, and lets tests push price (or arbitrary) frames to every
// connected client.
type MockStreamServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	conns         map[*websocket.Conn]bool
	connCount     int
	tokens        []string
	subscriptions [][]string
}

// NewMockStreamServer starts the mock server.
func NewMockStreamServer() *MockStreamServer {
	mock := &MockStreamServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/prices", mock.handleWebSocket)
	mock.server = httptest.NewServer(mux)
	return mock
}

// URL returns the ws:// endpoint clients should dial.
func (m *MockStreamServer) URL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1) + "/ws/prices"
}

// Close shuts the server down, dropping all connections.
func (m *MockStreamServer) Close() {
	m.DropConnections()
	m.server.Close()
}

// DropConnections closes every active connection without stopping the
// server, simulating an unexpected disconnect that clients can recover from.
func (m *MockStreamServer) DropConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.conns {
		conn.Close()
	}
	m.conns = make(map[*websocket.Conn]bool)
}

// ConnectionCount returns how many connections were ever accepted.
func (m *MockStreamServer) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connCount
}

// ActiveConnections returns how many connections are currently open.
func (m *MockStreamServer) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Tokens returns the token query parameter of each accepted connection, in
// arrival order.
func (m *MockStreamServer) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

// Subscriptions returns the symbol set of every subscribe message received,
// in arrival order.
func (m *MockStreamServer) Subscriptions() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]string, len(m.subscriptions))
	for i, symbols := range m.subscriptions {
		result[i] = append([]string(nil), symbols...)
	}
	return result
}

// SendPrice broadcasts a price event to all connected clients.
func (m *MockStreamServer) SendPrice(symbol string, price, change24hPercent float64) error {
	payload, err := json.Marshal(map[string]any{
		"type":               "price",
		"symbol":             symbol,
		"price":              price,
		"change_24h_percent": change24hPercent,
	})
	if err != nil {
		return err
	}
	return m.broadcast(payload)
}

// SendRaw broadcasts an arbitrary frame, for malformed-message tests.
func (m *MockStreamServer) SendRaw(data string) error {
	return m.broadcast([]byte(data))
}

func (m *MockStreamServer) broadcast(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.conns) == 0 {
		return fmt.Errorf("no connected clients")
	}
	for conn := range m.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("failed to send test message: %w", err)
		}
	}
	return nil
}

func (m *MockStreamServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conns[conn] = true
	m.connCount++
	m.tokens = append(m.tokens, token)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg struct {
			Action  string   `json:"action"`
			Symbols []string `json:"symbols"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Action == "subscribe" {
			m.mu.Lock()
			m.subscriptions = append(m.subscriptions, msg.Symbols)
			m.mu.Unlock()
		}
	}
}
