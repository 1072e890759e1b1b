// Package stream maintains a live, best-effort map of symbol to latest price
// snapshot over an unreliable persistent connection, transparently
// reconnecting on failure without caller intervention.
package stream

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const defaultReconnectDelay = 3 * time.Second

// PriceClient is a self-healing streaming price subscription. Disconnects
// schedule exactly one fixed-delay reconnect that resubscribes the full
// current symbol set; prices accumulate across reconnects. Retries are
// unconditional and indefinite until Close is called.
type PriceClient struct {
	streamURL      string
	reconnectDelay time.Duration
	logger         zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	state     ConnectionState
	symbols   []string
	token     string
	closed    bool
	reconnect *time.Timer

	prices  map[string]Quote
	updates chan PriceUpdate

	// Count of inbound messages discarded as malformed. Diagnostic only; one
	// bad message never fails the connection.
	discarded atomic.Uint64
}

// NewPriceClient creates a price client for the given streaming endpoint.
// streamURL may use ws(s):// or http(s):// schemes; http schemes are
// converted. A non-positive reconnectDelay selects the default.
func NewPriceClient(streamURL string, reconnectDelay time.Duration, logger zerolog.Logger) *PriceClient {
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}

	streamURL = strings.Replace(streamURL, "https://", "wss://", 1)
	streamURL = strings.Replace(streamURL, "http://", "ws://", 1)

	return &PriceClient{
		streamURL:      streamURL,
		reconnectDelay: reconnectDelay,
		logger:         logger,
		prices:         make(map[string]Quote),
		updates:        make(chan PriceUpdate, 100),
	}
}

// Open establishes the streaming connection and subscribes to the given
// symbol set. It is a guaranteed no-op when the token is absent or the symbol
// set is empty: no connection is attempted and no reconnect timer is armed.
// The symbol set and token are captured here; changing either means closing
// and opening again.
func (pc *PriceClient) Open(symbols []string, token string) error {
	if token == "" || len(symbols) == 0 {
		return nil
	}

	pc.mu.Lock()
	pc.closed = false
	if pc.reconnect != nil {
		pc.reconnect.Stop()
		pc.reconnect = nil
	}
	previous := pc.conn
	pc.conn = nil
	pc.symbols = append([]string(nil), symbols...)
	pc.token = token
	pc.state = StateConnecting
	pc.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	return pc.dial(symbols, token)
}

// Close tears the connection down and suppresses the reconnect that the
// resulting close event would otherwise schedule. Safe to call repeatedly.
func (pc *PriceClient) Close() error {
	pc.mu.Lock()
	pc.closed = true
	pc.state = StateClosed
	if pc.reconnect != nil {
		pc.reconnect.Stop()
		pc.reconnect = nil
	}
	conn := pc.conn
	pc.conn = nil
	pc.mu.Unlock()

	if conn == nil {
		return nil
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := conn.Close()
	pc.logger.Info().Msg("price stream closed")
	return err
}

// State returns the current connection state.
func (pc *PriceClient) State() ConnectionState {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.state
}

// Connected reports whether the stream is currently open.
func (pc *PriceClient) Connected() bool {
	return pc.State() == StateOpen
}

// Prices returns a copy of the accumulated price map.
func (pc *PriceClient) Prices() map[string]Quote {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	snapshot := make(map[string]Quote, len(pc.prices))
	for symbol, quote := range pc.prices {
		snapshot[symbol] = quote
	}
	return snapshot
}

// Quote returns the last known snapshot for one symbol.
func (pc *PriceClient) Quote(symbol string) (Quote, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	quote, ok := pc.prices[symbol]
	return quote, ok
}

// Updates returns the channel of applied price events. Delivery is best
// effort: events are dropped when the consumer lags, the price map stays
// authoritative.
func (pc *PriceClient) Updates() <-chan PriceUpdate {
	return pc.updates
}

// Discarded returns how many inbound messages were dropped as malformed.
func (pc *PriceClient) Discarded() uint64 {
	return pc.discarded.Load()
}

// dial connects, sends the subscription naming the full symbol set, and
// starts the reader. A failure anywhere funnels into the same close-driven
// reconnect path as a mid-stream disconnect.
func (pc *PriceClient) dial(symbols []string, token string) error {
	endpoint, err := pc.buildStreamURL(token)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		if resp != nil {
			pc.logger.Warn().Int("status", resp.StatusCode).Err(err).Msg("price stream dial failed")
		} else {
			pc.logger.Warn().Err(err).Msg("price stream dial failed")
		}
		pc.connectionLost(nil)
		return fmt.Errorf("failed to connect price stream: %w", err)
	}

	if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Symbols: symbols}); err != nil {
		conn.Close()
		pc.logger.Warn().Err(err).Msg("price stream subscribe failed")
		pc.connectionLost(nil)
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	pc.mu.Lock()
	if pc.closed {
		// Close raced the dial; drop the fresh connection.
		pc.mu.Unlock()
		conn.Close()
		return nil
	}
	pc.conn = conn
	pc.state = StateOpen
	pc.mu.Unlock()

	pc.logger.Info().Strs("symbols", symbols).Msg("price stream open")

	go pc.readLoop(conn)
	return nil
}

// buildStreamURL appends the access token as a query parameter.
func (pc *PriceClient) buildStreamURL(token string) (string, error) {
	u, err := url.Parse(pc.streamURL)
	if err != nil {
		return "", fmt.Errorf("invalid stream URL: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop reads until the connection dies, then reports the loss. It only
// reads; all state changes happen in handleMessage and connectionLost.
func (pc *PriceClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			pc.connectionLost(conn)
			return
		}
		pc.handleMessage(data)
	}
}

// handleMessage merges a price event into the map by symbol key; a message
// for one symbol never touches the entry of another. Anything that does not
// parse as a price event is discarded without side effects.
func (pc *PriceClient) handleMessage(data []byte) {
	var msg priceMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "price" || msg.Symbol == "" {
		pc.discarded.Add(1)
		pc.logger.Debug().Str("payload", string(data)).Msg("discarded malformed stream message")
		return
	}

	quote := Quote{Price: msg.Price, Change24hPercent: msg.Change24hPercent}

	pc.mu.Lock()
	pc.prices[msg.Symbol] = quote
	pc.mu.Unlock()

	select {
	case pc.updates <- PriceUpdate{Symbol: msg.Symbol, Quote: quote}:
	default:
	}
}

// connectionLost is the single funnel for every disconnect: read errors,
// server closes, and failed dials all end up here. It schedules exactly one
// reconnect unless the close was intentional or one is already pending.
func (pc *PriceClient) connectionLost(conn *websocket.Conn) {
	pc.mu.Lock()
	if conn != nil {
		if pc.conn != conn {
			// Stale reader from a connection that was already replaced or
			// intentionally closed.
			pc.mu.Unlock()
			return
		}
		pc.conn = nil
	}
	pc.state = StateClosed
	if pc.closed || pc.reconnect != nil {
		pc.mu.Unlock()
		return
	}
	pc.reconnect = time.AfterFunc(pc.reconnectDelay, pc.redial)
	delay := pc.reconnectDelay
	pc.mu.Unlock()

	pc.logger.Info().Dur("delay", delay).Msg("price stream lost, reconnect scheduled")
}

// redial reopens the connection with the full current symbol set. A failed
// attempt arms the next one; there is no retry limit.
func (pc *PriceClient) redial() {
	pc.mu.Lock()
	pc.reconnect = nil
	if pc.closed {
		pc.mu.Unlock()
		return
	}
	symbols := append([]string(nil), pc.symbols...)
	token := pc.token
	pc.state = StateConnecting
	pc.mu.Unlock()

	if err := pc.dial(symbols, token); err != nil {
		pc.logger.Warn().Err(err).Msg("reconnect attempt failed")
	}
}
