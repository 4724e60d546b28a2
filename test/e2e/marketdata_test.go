package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/marketdata/pkg/client"
	"github.com/veiloq/marketdata/pkg/config"
	"github.com/veiloq/marketdata/pkg/errs"
	"github.com/veiloq/marketdata/pkg/logging"
	"github.com/veiloq/marketdata/pkg/rest"
	"github.com/veiloq/marketdata/pkg/stream"
)

// TestFullFlow drives the whole stack: YAML configuration, a client with a
// shared limiter, REST calls with retry, and a stream that survives a
// dropped connection and recovers an order-book gap through a REST
// snapshot.
func TestFullFlow(t *testing.T) {
	var depthCalls atomic.Int32
	restSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ticker":
			w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"64000.10"}`))
		case "/depth":
			depthCalls.Add(1)
			w.Write([]byte(`{"symbol":"BTCUSDT","sequence":50,"bids":[["64000.10","0.5"]],"asks":[["64000.20","0.3"]]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer restSrv.Close()

	ws := stream.NewMockExchange()
	defer ws.Close()

	cfg, err := config.Parse([]byte(`
rateLimits:
  global:
    rate: 1000
    period: 1s
  endpoints:
    depth:
      rate: 10
      period: 1s
reconnect:
  minDelay: 10ms
  maxDelay: 50ms
  jitterFraction: 0
heartbeatTimeout: 5s
`))
	require.NoError(t, err)
	cfg.REST.BaseURL = restSrv.URL
	cfg.StreamURL = ws.URL()

	c, err := client.New(cfg, client.WithLogger(logging.NewNop()))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// REST path.
	resp, err := c.REST().Execute(ctx, rest.Request{
		EndpointID: "ticker",
		Method:     http.MethodGet,
		Path:       "/ticker",
		Symbol:     "BTCUSDT",
	})
	require.NoError(t, err)
	assert.Contains(t, string(resp.Body), "64000.10")

	// Stream path with snapshot recovery.
	mgr, err := c.OpenStream(ctx,
		stream.Subscription{Channel: "orderbook", Symbol: "BTCUSDT", Recovery: stream.RecoverSnapshot},
	)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mgr.State() == stream.Streaming
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Publish("orderbook", "BTCUSDT", 1, "delta"))
	ev, err := mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.EventData, ev.Type)

	// A gap triggers exactly one resync and a snapshot through the shared
	// REST transport.
	require.NoError(t, ws.Publish("orderbook", "BTCUSDT", 9, "delta"))

	ev, err = mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.EventResyncRequired, ev.Type)

	ev, err = mgr.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, stream.EventSnapshot, ev.Type)
	assert.Equal(t, int64(50), ev.Snapshot.Sequence)
	assert.Equal(t, int32(1), depthCalls.Load())

	// Deltas resume after the snapshot's sequence.
	require.NoError(t, ws.Publish("orderbook", "BTCUSDT", 51, "delta"))
	ev, err = mgr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.EventData, ev.Type)
	assert.Equal(t, int64(51), ev.Sequence)

	// A dropped connection heals transparently.
	ws.DropConnections()
	require.Eventually(t, func() bool {
		return ws.SubscribeCount("orderbook", "BTCUSDT") >= 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	assert.Equal(t, stream.Closed, mgr.State())
}

// TestInvalidSymbolSurfacesOnBothPaths checks the taxonomy is consistent
// between REST and stream failures.
func TestInvalidSymbolSurfacesOnBothPaths(t *testing.T) {
	restSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer restSrv.Close()

	ws := stream.NewMockExchange()
	defer ws.Close()
	ws.RejectSymbol("NOPEUSDT")

	cfg := config.Default()
	cfg.REST.BaseURL = restSrv.URL
	cfg.StreamURL = ws.URL()
	cfg.RateLimits.Global = config.RateSpec{Rate: 1000, Period: config.Duration(time.Second)}

	c, err := client.New(cfg, client.WithLogger(logging.NewNop()))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = c.REST().Execute(ctx, rest.Request{Method: http.MethodGet, Path: "/ticker", Symbol: "NOPEUSDT"})
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidSymbol, errs.AsRecord(err).Kind)

	mgr, err := c.OpenStream(ctx, stream.Subscription{Channel: "trades", Symbol: "NOPEUSDT"})
	require.NoError(t, err)
	_, err = mgr.Next(ctx)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidSymbol, errs.AsRecord(err).Kind)
}
