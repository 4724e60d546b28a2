// Package marketdata provides a resilient market-data access layer for
// centralized cryptocurrency exchanges.
//
// The library unifies REST polling and WebSocket streaming behind one
// interface while making rate limits, connection state, and errors explicit
// rather than hidden. Predictability is prioritized over raw throughput:
// every outbound request is gated by a shared hierarchical rate limiter,
// every stream failure is handled by an explicit connection state machine,
// and every failure surfaced to the caller is a typed, classified error.
//
// Core Features:
//
//   - Hierarchical token-bucket rate limiting (global + per-endpoint buckets,
//     all-or-nothing acquisition, Retry-After adaptation)
//   - WebSocket stream management with exponential-backoff reconnection,
//     subscription re-establishment, and sequence-gap detection
//   - Unified error taxonomy routing transport vs. domain failures to the
//     correct recovery path
//   - Pull-based event consumption with a bounded buffer and documented
//     drop-oldest overflow policy
//
// The library is built around three packages that interact tightly:
// pkg/ratelimit gates REST calls and interprets 429 responses, pkg/stream
// owns subscription lifecycles, and pkg/errs supplies the classification
// both of them use to decide retry vs. fatal.
//
// # Error Surface
//
// Callers always receive an *errs.Record carrying one of five kinds:
//
//   - KindNetwork: connection refused/reset/timeout, retried automatically
//
//   - KindRateLimit: HTTP 429 or exchange-signaled throttling, retried after
//     the server-provided Retry-After when present
//
//   - KindInvalidSymbol: unknown trading pair, never retried, caller error
//
//   - KindExchange: any other exchange-reported failure, never retried
//
//   - KindProtocol: malformed or unexpected wire message, never retried,
//     indicates a client/exchange version mismatch
//
// Streams additionally surface two non-fatal diagnostic events,
// EventResyncRequired and EventBufferOverflow; neither terminates the
// stream.
//
// # Examples
//
// Basic usage:
//
//	cfg := config.Default()
//	cfg.REST.BaseURL = "https://api.example.com"
//	cfg.StreamURL = "wss://stream.example.com/public"
//	cfg.RateLimits.Endpoints["orderbook"] = config.RateSpec{Rate: 10, Period: config.Duration(time.Second)}
//
//	cli, err := client.New(cfg)
//	if err != nil {
//	    log.Fatalf("failed to build client: %v", err)
//	}
//	defer cli.Close()
//
// REST call through the shared limiter:
//
//	resp, err := cli.REST().Execute(ctx, rest.Request{
//	    EndpointID: "orderbook",
//	    Method:     http.MethodGet,
//	    Path:       "/v5/market/orderbook",
//	    Params:     url.Values{"symbol": {"BTCUSDT"}},
//	})
//	if err != nil {
//	    var rec *errs.Record
//	    if errors.As(err, &rec) && rec.Kind == errs.KindRateLimit {
//	        // rec.RetryAfterSeconds tells the caller exactly how long to wait
//	    }
//	}
//
// Streaming with pull-based consumption:
//
//	mgr, err := cli.OpenStream(ctx,
//	    stream.Subscription{Channel: "trades", Symbol: "BTCUSDT"},
//	)
//	if err != nil {
//	    log.Fatalf("failed to open stream: %v", err)
//	}
//	defer mgr.Close()
//
//	for {
//	    ev, err := mgr.Next(ctx)
//	    if err != nil {
//	        break // caller cancelled or manager permanently closed
//	    }
//	    switch ev.Type {
//	    case stream.EventData:
//	        // decode ev.Payload
//	    case stream.EventResyncRequired:
//	        // diagnostic only; the manager is already recovering
//	    }
//	}
//
// Transient failures never terminate a stream: disconnects, heartbeat
// timeouts, and sequence gaps all trigger reconnection internally. The event
// sequence becomes finite only when the caller cancels or the manager is
// permanently closed.
package marketdata
