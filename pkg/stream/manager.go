// Package stream manages one logical WebSocket subscription: the connection
// lifecycle, resubscription after reconnects, heartbeat supervision,
// sequence-gap detection, and a pull-based bounded event buffer.
//
// A Manager owns a fixed set of subscriptions established at creation. Its
// control loop drives the connection state machine
//
//	Disconnected -> Connecting -> Subscribing -> Streaming
//	                    ^              |            |
//	                    +---- Reconnecting <--------+
//
// with every state able to reach Closed through caller cancellation.
// Transient failures (dial errors, heartbeat timeouts, socket errors,
// sequence gaps) never terminate the event stream; they trigger
// reconnection with exponential backoff. The stream becomes finite only on
// caller cancellation or an unrecoverable configuration error such as an
// invalid symbol rejected by the exchange.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	uberratelimit "go.uber.org/ratelimit"

	"github.com/veiloq/marketdata/pkg/errs"
	"github.com/veiloq/marketdata/pkg/logging"
	"github.com/veiloq/marketdata/pkg/market"
)

// ErrClosed is returned by Next once the manager is closed and the caller
// cancelled it; unrecoverable failures return the terminal *errs.Record
// instead.
var ErrClosed = errors.New("stream: manager closed")

// errResync is the internal trigger for a reconnect-and-resubscribe cycle
// after a gap on a RecoverResubscribe channel.
var errResync = errors.New("stream: sequence gap requires resubscribe")

// sustainedStreaming is how long a session must survive in Streaming before
// the backoff schedule resets to the minimum delay.
const sustainedStreaming = 60 * time.Second

// Config holds a Manager's construction parameters.
type Config struct {
	// URL is the WebSocket endpoint to dial.
	URL string

	// Subscriptions is the manager's fixed set, re-applied in full on every
	// reconnect.
	Subscriptions []Subscription

	// MinDelay/MaxDelay/JitterFraction shape the reconnect backoff.
	MinDelay       time.Duration
	MaxDelay       time.Duration
	JitterFraction float64

	// HeartbeatTimeout closes the connection when no frame (data or ping)
	// arrives for this long while streaming.
	HeartbeatTimeout time.Duration

	// BufferCapacity bounds the event buffer between the socket and the
	// caller; overflow drops the oldest unconsumed event.
	BufferCapacity int

	// SubscribeTimeout bounds the wait for subscription acknowledgements
	// and for snapshot fetches during gap recovery.
	SubscribeTimeout time.Duration

	// ControlRatePerSecond paces outbound control frames (subscribes) so a
	// large subscription set cannot trip exchange-side message limits.
	ControlRatePerSecond int

	// Snapshots fetches fresh order-book snapshots for RecoverSnapshot
	// channels. Required when any subscription declares RecoverSnapshot.
	Snapshots market.SnapshotFetcher

	Logger logging.Logger

	// Dialer overrides the default websocket dialer, used by tests.
	Dialer *websocket.Dialer

	// OnStateChange, when set, observes every state transition. Called
	// synchronously from the control loop; keep it fast.
	OnStateChange func(State)
}

// Metrics holds stream statistics.
type Metrics struct {
	Messages   int64
	Duplicates int64
	Gaps       int64
	Reconnects int64
}

// Manager runs one subscription set over one logical connection.
type Manager struct {
	cfg    Config
	id     string
	logger logging.Logger

	subs map[string]Subscription

	buf       *eventBuffer
	seq       *sequenceTracker
	sendLimit uberratelimit.Limiter

	state        atomic.Int32
	ctx          context.Context
	cancel       context.CancelFunc
	opened       atomic.Bool
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	connMu sync.Mutex
	conn   *websocket.Conn

	metricsMu sync.RWMutex
	metrics   Metrics
}

// NewManager validates cfg and builds a Manager in the Disconnected state.
// Call Open to start the control loop.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("stream: url is required")
	}
	if len(cfg.Subscriptions) == 0 {
		return nil, fmt.Errorf("stream: at least one subscription is required")
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Second
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 256
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 10 * time.Second
	}
	if cfg.ControlRatePerSecond <= 0 {
		cfg.ControlRatePerSecond = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}

	subs := make(map[string]Subscription, len(cfg.Subscriptions))
	for _, sub := range cfg.Subscriptions {
		if sub.Channel == "" {
			return nil, fmt.Errorf("stream: subscription channel is required")
		}
		if sub.Recovery == RecoverSnapshot && cfg.Snapshots == nil {
			return nil, fmt.Errorf("stream: subscription %s declares snapshot recovery but no snapshot fetcher is configured", sub.key())
		}
		subs[sub.key()] = sub
	}

	id := uuid.NewString()
	return &Manager{
		cfg:       cfg,
		id:        id,
		logger:    cfg.Logger.WithFields(logging.String("stream_id", id)),
		subs:      subs,
		buf:       newEventBuffer(cfg.BufferCapacity),
		seq:       newSequenceTracker(),
		sendLimit: uberratelimit.New(cfg.ControlRatePerSecond),
	}, nil
}

// ID returns the manager's unique identifier, used in logs and by the
// client facade to track open subscriptions.
func (m *Manager) ID() string {
	return m.id
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Metrics returns a snapshot of the stream statistics.
func (m *Manager) Metrics() Metrics {
	m.metricsMu.RLock()
	defer m.metricsMu.RUnlock()
	return m.metrics
}

// Open starts the control loop. Cancelling ctx has the same effect as
// calling Close: the manager transitions to Closed and the event sequence
// ends.
func (m *Manager) Open(ctx context.Context) error {
	if !m.opened.CompareAndSwap(false, true) {
		return fmt.Errorf("stream: manager already opened")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.run()
	go func() {
		defer m.wg.Done()
		<-m.ctx.Done()
		m.shutdown(nil)
	}()
	return nil
}

// Next blocks until the next event is available. It returns ErrClosed after
// caller cancellation, the terminal *errs.Record after an unrecoverable
// failure, or ctx's error if the passed context ends first.
func (m *Manager) Next(ctx context.Context) (Event, error) {
	return m.buf.next(ctx)
}

// Close cancels the subscription: it stops further reconnect attempts,
// closes the underlying socket if open, releases all buffered state, and
// waits for the control loop to exit. Safe to call multiple times.
func (m *Manager) Close() error {
	m.shutdown(nil)
	m.wg.Wait()
	return nil
}

// shutdown moves the manager to Closed exactly once. terminal is nil for
// caller cancellation.
func (m *Manager) shutdown(terminal *errs.Record) {
	m.shutdownOnce.Do(func() {
		m.setState(Closed)
		m.buf.close(terminal)
		m.closeConn()
		if m.cancel != nil {
			m.cancel()
		}
	})
}

// run is the control loop: one iteration per connection session.
func (m *Manager) run() {
	defer m.wg.Done()

	bo := newBackoff(m.cfg.MinDelay, m.cfg.MaxDelay, m.cfg.JitterFraction)

	for {
		if m.isDone() {
			return
		}

		m.setState(Connecting)
		conn, err := m.dial()
		if err != nil {
			if m.isDone() {
				return
			}
			m.logger.Warn("dial failed", logging.String("url", m.cfg.URL), logging.Error(err))
			if !m.backoffWait(bo) {
				return
			}
			continue
		}
		m.setConn(conn)

		m.setState(Subscribing)
		m.seq.reset()
		if err := m.establish(conn); err != nil {
			conn.Close()
			var rec *errs.Record
			if errors.As(err, &rec) && rec.Kind == errs.KindInvalidSymbol {
				// The exchange will reject this subscription forever;
				// reconnecting cannot help.
				m.logger.Error("subscription rejected", logging.Error(rec))
				m.shutdown(rec)
				return
			}
			if m.isDone() {
				return
			}
			m.logger.Warn("subscribe failed", logging.Error(err))
			if !m.backoffWait(bo) {
				return
			}
			continue
		}

		m.setState(Streaming)
		started := time.Now()
		readErr := m.readLoop(conn)
		conn.Close()

		if m.isDone() {
			return
		}
		if time.Since(started) >= sustainedStreaming {
			bo.reset()
		}
		m.addReconnect()
		m.logger.Warn("stream session ended, reconnecting",
			logging.Duration("session", time.Since(started)),
			logging.Error(readErr),
		)
		if !m.backoffWait(bo) {
			return
		}
	}
}

func (m *Manager) dial() (*websocket.Conn, error) {
	dialer := m.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	conn, _, err := dialer.DialContext(m.ctx, m.cfg.URL, nil)
	return conn, err
}

// establish sends the full subscription set and waits for every
// acknowledgement. Data frames arriving before the last ack are handled
// normally; partial subscription state from a prior session never carries
// over because the whole set is re-sent here.
func (m *Manager) establish(conn *websocket.Conn) error {
	for _, sub := range m.cfg.Subscriptions {
		m.sendLimit.Take()
		msg := wireFrame{Action: "subscribe", Channel: sub.Channel, Symbol: sub.Symbol}
		if err := conn.WriteJSON(msg); err != nil {
			return errs.Classify(errs.Signal{Err: err, Symbol: sub.Symbol})
		}
	}

	pending := make(map[string]struct{}, len(m.subs))
	for key := range m.subs {
		pending[key] = struct{}{}
	}

	deadline := time.Now().Add(m.cfg.SubscribeTimeout)
	for len(pending) > 0 {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errs.Classify(errs.Signal{Err: err, Timeout: time.Now().After(deadline)})
		}

		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warn("unparseable frame during subscribe", logging.Error(err))
			continue
		}

		switch f.Type {
		case "ack":
			delete(pending, frameKey(f))
		case "error":
			return errs.Classify(errs.Signal{
				ExchangeCode:    f.Code,
				ExchangeMessage: f.Message,
				Symbol:          f.Symbol,
			})
		case "ping":
			// Counts as liveness, nothing to ack at this layer.
		default:
			if err := m.handleData(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// readLoop pumps frames from the socket until a failure requires
// reconnection or the manager is done. It returns the triggering error.
func (m *Manager) readLoop(conn *websocket.Conn) error {
	heartbeat := m.cfg.HeartbeatTimeout

	conn.SetReadDeadline(time.Now().Add(heartbeat))
	conn.SetPingHandler(func(appData string) error {
		// Exchange pings count as liveness.
		conn.SetReadDeadline(time.Now().Add(heartbeat))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(heartbeat))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if m.isDone() {
				return nil
			}
			return errs.Classify(errs.Signal{Err: err, WSCloseCode: closeCode(err)})
		}

		m.addMessage()

		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			// Compatibility signal: the wire contract drifted. The frame is
			// skipped; one bad frame is not worth a reconnect storm.
			m.logger.Error("protocol error: unparseable frame", logging.Error(err))
			continue
		}

		switch f.Type {
		case "ping", "ack":
			continue
		case "error":
			rec := errs.Classify(errs.Signal{
				ExchangeCode:    f.Code,
				ExchangeMessage: f.Message,
				Symbol:          f.Symbol,
			})
			if rec.Kind == errs.KindInvalidSymbol {
				m.shutdown(rec)
				return nil
			}
			return rec
		default:
			if err := m.handleData(f); err != nil {
				return err
			}
		}
	}
}

// handleData applies sequence rules to a data frame and emits the outcome.
// A non-nil return forces a reconnect cycle.
func (m *Manager) handleData(f wireFrame) error {
	key := frameKey(f)

	// Channels without sequence numbers bypass gap detection entirely.
	if f.Sequence == 0 {
		m.emit(f)
		return nil
	}

	v, firstGap := m.seq.observe(key, f.Sequence)
	switch v {
	case seqAccept:
		m.emit(f)
		return nil

	case seqDuplicate:
		m.addDuplicate()
		return nil

	default: // seqGap
		if !firstGap {
			// Coalesced: one resync signal per detected gap.
			return nil
		}
		m.addGap()
		m.buf.push(Event{Type: EventResyncRequired, Channel: f.Channel, Symbol: f.Symbol})

		sub, known := m.subs[key]
		if known && sub.Recovery == RecoverSnapshot {
			if err := m.resyncSnapshot(sub, key); err != nil {
				m.logger.Warn("snapshot resync failed, falling back to reconnect",
					logging.String("channel", key), logging.Error(err))
				return errs.AsRecord(err)
			}
			return nil
		}
		return errResync
	}
}

// resyncSnapshot fetches a fresh snapshot through the collaborator REST
// layer and realigns the channel's sequence so delta application can
// resume. Socket reads pause for the duration; frames queued behind the
// fetch are then filtered by the realigned tracker.
func (m *Manager) resyncSnapshot(sub Subscription, key string) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.SubscribeTimeout)
	defer cancel()

	book, err := m.cfg.Snapshots.FetchSnapshot(ctx, sub.Channel, sub.Symbol)
	if err != nil {
		return err
	}

	m.seq.resolve(key, book.Sequence)
	m.buf.push(Event{
		Type:     EventSnapshot,
		Channel:  sub.Channel,
		Symbol:   sub.Symbol,
		Sequence: book.Sequence,
		Snapshot: book,
	})
	return nil
}

func (m *Manager) emit(f wireFrame) {
	m.buf.push(Event{
		Type:     EventData,
		Channel:  f.Channel,
		Symbol:   f.Symbol,
		Sequence: f.Sequence,
		Payload:  f.Payload,
	})
}

// backoffWait parks the control loop in Reconnecting for the next backoff
// delay. It returns false when the manager was closed while waiting.
func (m *Manager) backoffWait(bo *backoff) bool {
	m.setState(Reconnecting)
	delay := bo.next()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old == s {
		return
	}
	// Closed is terminal; a late control-loop transition must not undo it.
	if old == Closed && s != Closed {
		m.state.Store(int32(Closed))
		return
	}
	m.logger.Debug("state transition",
		logging.String("from", old.String()),
		logging.String("to", s.String()),
	)
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(s)
	}
}

func (m *Manager) setConn(conn *websocket.Conn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
}

func (m *Manager) closeConn() {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn != nil {
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed subscription"),
			time.Now().Add(time.Second))
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) isDone() bool {
	select {
	case <-m.ctx.Done():
		return true
	default:
		return State(m.state.Load()) == Closed
	}
}

func (m *Manager) addMessage()   { m.metricsMu.Lock(); m.metrics.Messages++; m.metricsMu.Unlock() }
func (m *Manager) addDuplicate() { m.metricsMu.Lock(); m.metrics.Duplicates++; m.metricsMu.Unlock() }
func (m *Manager) addGap()       { m.metricsMu.Lock(); m.metrics.Gaps++; m.metricsMu.Unlock() }
func (m *Manager) addReconnect() { m.metricsMu.Lock(); m.metrics.Reconnects++; m.metricsMu.Unlock() }

// wireFrame is the JSON envelope of both directions of the protocol:
// outbound subscribe actions and inbound data/control frames.
type wireFrame struct {
	Action   string          `json:"action,omitempty"`
	Type     string          `json:"type,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Symbol   string          `json:"symbol,omitempty"`
	Sequence int64           `json:"sequence,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
}

func frameKey(f wireFrame) string {
	return f.Channel + ":" + f.Symbol
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
