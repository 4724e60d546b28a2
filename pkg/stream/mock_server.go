package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MockExchange is an in-process WebSocket server speaking the module's
// stream protocol: it acks subscribe frames, publishes data frames on
// demand, and can misbehave in the ways the manager has to survive
// (handshake rejection, dropped connections, rejected symbols, silence).
type MockExchange struct {
	server *httptest.Server
	url    string

	mu          sync.RWMutex
	connections map[*websocket.Conn]bool
	subscribed  map[string]int
	rejected    map[string]bool

	rejectHandshake bool

	onConnect   func(*websocket.Conn)
	onSubscribe func(channel, symbol string)
}

// NewMockExchange starts the server. Callers own its lifetime and must
// call Close.
func NewMockExchange() *MockExchange {
	m := &MockExchange{
		connections: make(map[*websocket.Conn]bool),
		subscribed:  make(map[string]int),
		rejected:    make(map[string]bool),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	m.url = "ws" + strings.TrimPrefix(m.server.URL, "http")
	return m
}

// URL returns the ws:// address clients dial.
func (m *MockExchange) URL() string { return m.url }

// Close shuts the server down and drops every connection.
func (m *MockExchange) Close() {
	m.DropConnections()
	m.server.Close()
}

// RejectHandshake makes the server refuse WebSocket upgrades.
func (m *MockExchange) RejectHandshake(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectHandshake = reject
}

// RejectSymbol makes subscribe frames for symbol answer with an
// invalid-symbol error frame instead of an ack.
func (m *MockExchange) RejectSymbol(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[symbol] = true
}

// OnConnect registers a callback invoked per accepted connection.
func (m *MockExchange) OnConnect(fn func(*websocket.Conn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = fn
}

// OnSubscribe registers a callback invoked per acked subscription.
func (m *MockExchange) OnSubscribe(fn func(channel, symbol string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSubscribe = fn
}

// ConnectionCount returns the number of live connections.
func (m *MockExchange) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// SubscribeCount returns how many subscribe frames arrived for the given
// channel and symbol across all connections, which grows on every
// reconnect because the full set is re-sent.
func (m *MockExchange) SubscribeCount(channel, symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscribed[channel+":"+symbol]
}

// Publish broadcasts a data frame to every connection.
func (m *MockExchange) Publish(channel, symbol string, sequence int64, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.broadcast(wireFrame{
		Type:     "data",
		Channel:  channel,
		Symbol:   symbol,
		Sequence: sequence,
		Payload:  raw,
	})
	return nil
}

// SendPing broadcasts a protocol-level ping frame.
func (m *MockExchange) SendPing() {
	m.broadcast(wireFrame{Type: "ping"})
}

// SendError broadcasts an exchange error frame.
func (m *MockExchange) SendError(code, message, symbol string) {
	m.broadcast(wireFrame{Type: "error", Code: code, Message: message, Symbol: symbol})
}

// DropConnections closes every live connection without a close frame,
// simulating an abrupt network failure.
func (m *MockExchange) DropConnections() {
	m.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(m.connections))
	for c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[*websocket.Conn]bool)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (m *MockExchange) broadcast(f wireFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}

	m.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(m.connections))
	for c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			m.remove(c)
		}
	}
}

func (m *MockExchange) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	reject := m.rejectHandshake
	m.mu.RUnlock()
	if reject {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.connections[conn] = true
	onConnect := m.onConnect
	m.mu.Unlock()
	if onConnect != nil {
		onConnect(conn)
	}

	defer func() {
		m.remove(conn)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Action != "subscribe" {
			continue
		}

		m.mu.Lock()
		rejected := m.rejected[f.Symbol]
		if !rejected {
			m.subscribed[f.Channel+":"+f.Symbol]++
		}
		onSubscribe := m.onSubscribe
		m.mu.Unlock()

		var reply wireFrame
		if rejected {
			reply = wireFrame{Type: "error", Code: "10001", Message: "invalid symbol: " + f.Symbol, Symbol: f.Symbol}
		} else {
			reply = wireFrame{Type: "ack", Channel: f.Channel, Symbol: f.Symbol}
		}
		out, _ := json.Marshal(reply)
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
		if !rejected && onSubscribe != nil {
			onSubscribe(f.Channel, f.Symbol)
		}
	}
}

func (m *MockExchange) remove(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, conn)
}
