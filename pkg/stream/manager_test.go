package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/marketdata/pkg/errs"
	"github.com/veiloq/marketdata/pkg/logging"
	"github.com/veiloq/marketdata/pkg/market"
)

func testConfig(url string, subs ...Subscription) Config {
	return Config{
		URL:              url,
		Subscriptions:    subs,
		MinDelay:         10 * time.Millisecond,
		MaxDelay:         50 * time.Millisecond,
		JitterFraction:   0,
		HeartbeatTimeout: 5 * time.Second,
		BufferCapacity:   64,
		SubscribeTimeout: 2 * time.Second,
		Logger:           logging.NewNop(),
	}
}

func openManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	mgr, err := NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.Open(context.Background()))
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func waitForState(t *testing.T, mgr *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mgr.State() == want
	}, 5*time.Second, 5*time.Millisecond, "manager never reached state %s", want)
}

func TestManagerValidation(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)

	_, err = NewManager(Config{URL: "ws://x"})
	assert.Error(t, err, "a manager without subscriptions is useless")

	_, err = NewManager(Config{
		URL:           "ws://x",
		Subscriptions: []Subscription{{Channel: "orderbook", Symbol: "BTCUSDT", Recovery: RecoverSnapshot}},
	})
	assert.Error(t, err, "snapshot recovery requires a snapshot fetcher")
}

func TestManagerStreamsData(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()

	mgr := openManager(t, testConfig(srv.URL(), Subscription{Channel: "trades", Symbol: "BTCUSDT"}))
	waitForState(t, mgr, Streaming)
	assert.Equal(t, 1, srv.SubscribeCount("trades", "BTCUSDT"))

	require.NoError(t, srv.Publish("trades", "BTCUSDT", 0, map[string]string{"price": "64000.10"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventData, ev.Type)
	assert.Equal(t, "trades", ev.Channel)
	assert.Equal(t, "BTCUSDT", ev.Symbol)
	assert.Contains(t, string(ev.Payload), "64000.10")
}

func TestManagerReconnectsAndResubscribes(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()

	mgr := openManager(t, testConfig(srv.URL(),
		Subscription{Channel: "trades", Symbol: "BTCUSDT"},
		Subscription{Channel: "trades", Symbol: "ETHUSDT"},
	))
	waitForState(t, mgr, Streaming)

	srv.DropConnections()

	// The full subscription set is re-sent after the reconnect.
	require.Eventually(t, func() bool {
		return srv.SubscribeCount("trades", "BTCUSDT") >= 2 &&
			srv.SubscribeCount("trades", "ETHUSDT") >= 2
	}, 5*time.Second, 5*time.Millisecond)
	waitForState(t, mgr, Streaming)
	assert.GreaterOrEqual(t, mgr.Metrics().Reconnects, int64(1))

	// The revived stream still delivers.
	require.NoError(t, srv.Publish("trades", "ETHUSDT", 0, map[string]string{"price": "3100"}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", ev.Symbol)
}

func TestManagerSurvivesDialFailures(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()
	srv.RejectHandshake(true)

	mgr := openManager(t, testConfig(srv.URL(), Subscription{Channel: "trades", Symbol: "BTCUSDT"}))
	waitForState(t, mgr, Reconnecting)

	srv.RejectHandshake(false)
	waitForState(t, mgr, Streaming)
}

func TestManagerHeartbeatTimeoutReconnects(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()

	cfg := testConfig(srv.URL(), Subscription{Channel: "trades", Symbol: "BTCUSDT"})
	cfg.HeartbeatTimeout = 100 * time.Millisecond

	mgr := openManager(t, cfg)
	waitForState(t, mgr, Streaming)

	// The server keeps the socket open but goes silent; the read deadline
	// expires and the manager treats the session as dead.
	require.Eventually(t, func() bool {
		return srv.SubscribeCount("trades", "BTCUSDT") >= 2
	}, 5*time.Second, 5*time.Millisecond, "silent server must trigger a reconnect")
	assert.GreaterOrEqual(t, mgr.Metrics().Reconnects, int64(1))
}

func TestManagerPingsKeepSessionAlive(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()

	cfg := testConfig(srv.URL(), Subscription{Channel: "trades", Symbol: "BTCUSDT"})
	cfg.HeartbeatTimeout = 300 * time.Millisecond

	mgr := openManager(t, cfg)
	waitForState(t, mgr, Streaming)

	// No data flows at all, only pings well inside the heartbeat window.
	// Pings count as liveness, so the session must stay up.
	for i := 0; i < 15; i++ {
		srv.SendPing()
		time.Sleep(50 * time.Millisecond)
	}

	assert.Equal(t, Streaming, mgr.State())
	assert.Equal(t, 1, srv.SubscribeCount("trades", "BTCUSDT"))
	assert.Equal(t, int64(0), mgr.Metrics().Reconnects)
}

func TestManagerExchangeErrorTriggersReconnect(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()

	mgr := openManager(t, testConfig(srv.URL(), Subscription{Channel: "trades", Symbol: "BTCUSDT"}))
	waitForState(t, mgr, Streaming)

	// A mid-stream exchange error other than an invalid symbol ends the
	// session; the manager reconnects and resubscribes instead of ending
	// the event stream.
	srv.SendError("10500", "internal error", "")

	require.Eventually(t, func() bool {
		return srv.SubscribeCount("trades", "BTCUSDT") >= 2
	}, 5*time.Second, 5*time.Millisecond)
	waitForState(t, mgr, Streaming)
	assert.GreaterOrEqual(t, mgr.Metrics().Reconnects, int64(1))
}

func TestManagerInvalidSymbolIsTerminal(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()
	srv.RejectSymbol("NOPEUSDT")

	mgr := openManager(t, testConfig(srv.URL(), Subscription{Channel: "trades", Symbol: "NOPEUSDT"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := mgr.Next(ctx)
	require.Error(t, err)

	rec := errs.AsRecord(err)
	assert.Equal(t, errs.KindInvalidSymbol, rec.Kind)
	assert.Equal(t, "NOPEUSDT", rec.Symbol)
	assert.Equal(t, Closed, mgr.State())

	// No reconnect attempts follow a terminal rejection.
	subs := srv.SubscribeCount("trades", "NOPEUSDT")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, subs, srv.SubscribeCount("trades", "NOPEUSDT"))
}

func TestManagerGapTriggersResubscribe(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()

	mgr := openManager(t, testConfig(srv.URL(), Subscription{Channel: "trades", Symbol: "BTCUSDT"}))
	waitForState(t, mgr, Streaming)

	require.NoError(t, srv.Publish("trades", "BTCUSDT", 1, "a"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventData, ev.Type)

	// Jumping to 5 skips three messages.
	require.NoError(t, srv.Publish("trades", "BTCUSDT", 5, "b"))
	ev, err = mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventResyncRequired, ev.Type)
	assert.Equal(t, "trades", ev.Channel)

	// Stateless channels recover by reconnecting and resubscribing.
	require.Eventually(t, func() bool {
		return srv.SubscribeCount("trades", "BTCUSDT") >= 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, mgr.Metrics().Gaps, int64(1))
}

func TestManagerGapRecoversViaSnapshot(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()

	fetched := make(chan string, 1)
	cfg := testConfig(srv.URL(), Subscription{Channel: "orderbook", Symbol: "BTCUSDT", Recovery: RecoverSnapshot})
	cfg.Snapshots = market.SnapshotFunc(func(ctx context.Context, channel, symbol string) (*market.OrderBook, error) {
		fetched <- symbol
		return &market.OrderBook{Symbol: symbol, Sequence: 10}, nil
	})

	mgr := openManager(t, cfg)
	waitForState(t, mgr, Streaming)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, srv.Publish("orderbook", "BTCUSDT", 1, "a"))
	ev, err := mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventData, ev.Type)

	require.NoError(t, srv.Publish("orderbook", "BTCUSDT", 5, "b"))

	ev, err = mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventResyncRequired, ev.Type)

	ev, err = mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventSnapshot, ev.Type)
	require.NotNil(t, ev.Snapshot)
	assert.Equal(t, int64(10), ev.Snapshot.Sequence)
	assert.Equal(t, "BTCUSDT", <-fetched)

	// Recovery happened in place, without tearing the connection down.
	assert.Equal(t, 1, srv.SubscribeCount("orderbook", "BTCUSDT"))

	// Delta application resumes from the snapshot's sequence.
	require.NoError(t, srv.Publish("orderbook", "BTCUSDT", 11, "c"))
	ev, err = mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventData, ev.Type)
	assert.Equal(t, int64(11), ev.Sequence)
}

func TestManagerDropsDuplicates(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()

	mgr := openManager(t, testConfig(srv.URL(), Subscription{Channel: "trades", Symbol: "BTCUSDT"}))
	waitForState(t, mgr, Streaming)

	require.NoError(t, srv.Publish("trades", "BTCUSDT", 1, "a"))
	require.NoError(t, srv.Publish("trades", "BTCUSDT", 1, "a"))
	require.NoError(t, srv.Publish("trades", "BTCUSDT", 2, "b"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev, err := mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Sequence)
	ev, err = mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Sequence, "duplicate must be dropped, not delivered")

	require.Eventually(t, func() bool {
		return mgr.Metrics().Duplicates == 1
	}, time.Second, 5*time.Millisecond)
}

func TestManagerBufferOverflow(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()

	cfg := testConfig(srv.URL(), Subscription{Channel: "trades", Symbol: "BTCUSDT"})
	cfg.BufferCapacity = 2

	mgr := openManager(t, cfg)
	waitForState(t, mgr, Streaming)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, srv.Publish("trades", "BTCUSDT", i, "x"))
	}
	require.Eventually(t, func() bool {
		return mgr.Metrics().Messages == 5
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev, err := mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventBufferOverflow, ev.Type)
	assert.Equal(t, 3, ev.Dropped)

	ev, err = mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), ev.Sequence, "drop-oldest keeps the newest events")
}

func TestManagerCloseEndsStream(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()

	mgr := openManager(t, testConfig(srv.URL(), Subscription{Channel: "trades", Symbol: "BTCUSDT"}))
	waitForState(t, mgr, Streaming)

	require.NoError(t, mgr.Close())
	assert.Equal(t, Closed, mgr.State())

	_, err := mgr.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// Close is idempotent.
	require.NoError(t, mgr.Close())
}

func TestManagerContextCancellationCloses(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()

	mgr, err := NewManager(testConfig(srv.URL(), Subscription{Channel: "trades", Symbol: "BTCUSDT"}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, mgr.Open(ctx))
	waitForState(t, mgr, Streaming)

	cancel()
	waitForState(t, mgr, Closed)

	_, err = mgr.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManagerStateChangeCallback(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()

	seen := make(chan State, 16)
	cfg := testConfig(srv.URL(), Subscription{Channel: "trades", Symbol: "BTCUSDT"})
	cfg.OnStateChange = func(s State) { seen <- s }

	mgr := openManager(t, cfg)
	waitForState(t, mgr, Streaming)
	mgr.Close()

	var got []State
	timeout := time.After(time.Second)
	for len(got) < 4 {
		select {
		case s := <-seen:
			got = append(got, s)
		case <-timeout:
			t.Fatalf("observed transitions %v", got)
		}
	}
	assert.Equal(t, []State{Connecting, Subscribing, Streaming, Closed}, got[:4])
}

func TestManagerOpenTwiceFails(t *testing.T) {
	srv := NewMockExchange()
	defer srv.Close()

	mgr := openManager(t, testConfig(srv.URL(), Subscription{Channel: "trades", Symbol: "BTCUSDT"}))
	assert.Error(t, mgr.Open(context.Background()))
}
