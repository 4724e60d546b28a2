// Package client ties the module together: one Client owns the shared
// rate limiter, the REST transport, and every open stream. All REST calls
// and stream subscriptions created through a Client draw from the same
// token buckets, so combined usage respects the configured exchange
// limits.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/veiloq/marketdata/pkg/config"
	"github.com/veiloq/marketdata/pkg/logging"
	"github.com/veiloq/marketdata/pkg/market"
	"github.com/veiloq/marketdata/pkg/ratelimit"
	"github.com/veiloq/marketdata/pkg/rest"
	"github.com/veiloq/marketdata/pkg/stream"
)

// Client is the facade over the REST transport and stream managers.
type Client struct {
	cfg     *config.Config
	logger  logging.Logger
	limiter ratelimit.Limiter
	rest    rest.Transport

	snapshots market.SnapshotFetcher

	mu      sync.Mutex
	streams map[string]*stream.Manager
	closed  bool
}

// Option customizes a Client beyond what configuration expresses.
type Option func(*options)

type options struct {
	logger     logging.Logger
	httpClient *http.Client
	snapshots  market.SnapshotFetcher
}

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient overrides the REST transport's HTTP client, used by tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithSnapshotFetcher overrides the snapshot source for streams that
// declare snapshot recovery. By default snapshots come from the client's
// own REST transport through the conventional depth endpoint.
func WithSnapshotFetcher(f market.SnapshotFetcher) Option {
	return func(o *options) { o.snapshots = f }
}

// New builds a Client from cfg. The REST base URL must be set; the stream
// URL is only required once OpenStream is called.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.REST.BaseURL == "" {
		return nil, fmt.Errorf("client: rest.baseURL is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		zOpts := []logging.ZapOption{logging.WithLogLevel(logging.ParseLevel(cfg.Logging.Level))}
		if cfg.Logging.File != "" {
			zOpts = append(zOpts, logging.WithRotatingFile(cfg.Logging.File))
		}
		logger = logging.NewZapLogger(zOpts...)
	}

	limiter, err := ratelimit.New(limiterConfig(cfg))
	if err != nil {
		return nil, err
	}

	transport, err := rest.NewTransport(rest.Config{
		BaseURL:     cfg.REST.BaseURL,
		MaxAttempts: cfg.REST.MaxAttempts,
		BaseDelay:   cfg.REST.BaseDelay.Std(),
		MaxDelay:    cfg.REST.MaxDelay.Std(),
		Timeout:     cfg.REST.Timeout.Std(),
		Limiter:     limiter,
		Logger:      logger,
		HTTPClient:  o.httpClient,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		limiter: limiter,
		rest:    transport,
		streams: make(map[string]*stream.Manager),
	}
	if o.snapshots != nil {
		c.snapshots = o.snapshots
	} else {
		c.snapshots = market.SnapshotFunc(c.fetchDepthSnapshot)
	}
	return c, nil
}

// REST returns the shared transport for request/response calls.
func (c *Client) REST() rest.Transport {
	return c.rest
}

// Limiter exposes the shared limiter, mainly for observability.
func (c *Client) Limiter() ratelimit.Limiter {
	return c.limiter
}

// OpenStream creates and starts a stream manager for the given
// subscriptions. The manager is tracked until Close and shares the
// client's logger and snapshot source.
func (c *Client) OpenStream(ctx context.Context, subs ...stream.Subscription) (*stream.Manager, error) {
	if c.cfg.StreamURL == "" {
		return nil, fmt.Errorf("client: streamURL is required to open a stream")
	}

	mgr, err := stream.NewManager(stream.Config{
		URL:              c.cfg.StreamURL,
		Subscriptions:    subs,
		MinDelay:         c.cfg.Reconnect.MinDelay.Std(),
		MaxDelay:         c.cfg.Reconnect.MaxDelay.Std(),
		JitterFraction:   c.cfg.Reconnect.JitterFraction,
		HeartbeatTimeout: c.cfg.HeartbeatTimeout.Std(),
		BufferCapacity:   c.cfg.StreamBufferCapacity,
		Snapshots:        c.snapshots,
		Logger:           c.logger,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: closed")
	}
	c.streams[mgr.ID()] = mgr
	c.mu.Unlock()

	if err := mgr.Open(ctx); err != nil {
		c.mu.Lock()
		delete(c.streams, mgr.ID())
		c.mu.Unlock()
		return nil, err
	}

	c.logger.Info("stream opened",
		logging.String("stream_id", mgr.ID()),
		logging.Int("subscriptions", len(subs)),
	)
	return mgr, nil
}

// CloseStream closes one stream by id. Closing an unknown id is a no-op.
func (c *Client) CloseStream(id string) {
	c.mu.Lock()
	mgr, ok := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if ok {
		mgr.Close()
	}
}

// Close shuts down every open stream. REST calls made after Close fail at
// the transport level once their contexts end.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	managers := make([]*stream.Manager, 0, len(c.streams))
	for _, mgr := range c.streams {
		managers = append(managers, mgr)
	}
	c.streams = make(map[string]*stream.Manager)
	c.mu.Unlock()

	for _, mgr := range managers {
		mgr.Close()
	}
	return nil
}

func limiterConfig(cfg *config.Config) ratelimit.Config {
	endpoints := make(map[string]ratelimit.Rate, len(cfg.RateLimits.Endpoints))
	for id, spec := range cfg.RateLimits.Endpoints {
		endpoints[id] = ratelimit.Rate{Limit: spec.Rate, Interval: spec.Period.Std()}
	}
	return ratelimit.Config{
		Global:           ratelimit.Rate{Limit: cfg.RateLimits.Global.Rate, Interval: cfg.RateLimits.Global.Period.Std()},
		Endpoints:        endpoints,
		RetryAfterGlobal: cfg.RateLimits.RetryAfterGlobal,
	}
}

// fetchDepthSnapshot is the default snapshot source: a REST depth call on
// the shared transport, charged against the "depth" endpoint bucket.
func (c *Client) fetchDepthSnapshot(ctx context.Context, channel, symbol string) (*market.OrderBook, error) {
	if c.cfg.REST.Timeout.Std() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.REST.Timeout.Std())
		defer cancel()
	}

	resp, err := c.rest.Execute(ctx, rest.Request{
		EndpointID: "depth",
		Method:     http.MethodGet,
		Path:       "/depth",
		Params:     depthParams(symbol),
		Symbol:     symbol,
	})
	if err != nil {
		return nil, err
	}
	return market.ParseOrderBook(resp.Body, symbol, time.Now())
}

func depthParams(symbol string) url.Values {
	v := url.Values{}
	v.Set("symbol", symbol)
	return v
}
