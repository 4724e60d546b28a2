// Package rest wraps outbound REST calls with rate limiting, failure
// classification, and bounded retry.
//
// Every call acquires tokens from the shared ratelimit.Limiter before
// hitting the wire, so a process using this transport can never exceed the
// configured request budget. Failures are classified through pkg/errs and
// only the retriable kinds, KindNetwork and KindRateLimit, are retried;
// domain failures surface to the caller on first occurrence.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/veiloq/marketdata/pkg/errs"
	"github.com/veiloq/marketdata/pkg/logging"
	"github.com/veiloq/marketdata/pkg/ratelimit"
)

// Request describes one REST call. EndpointID names the rate-limit scope
// the call is charged against.
type Request struct {
	EndpointID string
	Method     string
	Path       string
	Params     url.Values

	// Body, when non-nil, is marshaled to JSON and sent as the request body.
	Body interface{}

	// Cost is the number of rate-limit tokens the call consumes. Zero means
	// one.
	Cost float64

	// Symbol annotates classification for symbol-scoped endpoints.
	Symbol string
}

// Response is a successful call's payload.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport executes REST calls. Implementations are safe for concurrent
// use; all calls share one rate limiter and one underlying HTTP client.
type Transport interface {
	// Execute runs the request through the limiter, the wire, and the
	// retry policy. On failure the returned error is always an
	// *errs.Record; when retries were exhausted it is the last record
	// annotated with the attempt count.
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Config holds transport configuration.
type Config struct {
	BaseURL string

	// MaxAttempts bounds the total number of tries, first attempt included.
	MaxAttempts int

	// BaseDelay is the first backoff delay; it doubles each attempt and is
	// capped at MaxDelay. Jitter of up to ±20% is applied to every delay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Timeout applies per attempt.
	Timeout time.Duration

	Limiter ratelimit.Limiter
	Logger  logging.Logger

	// HTTPClient overrides the default client, used by tests.
	HTTPClient *http.Client
}

type transport struct {
	cfg     Config
	client  *http.Client
	limiter ratelimit.Limiter
	logger  logging.Logger
}

// NewTransport builds a Transport. Limiter is required; the transport holds
// a reference to it but does not own it.
func NewTransport(cfg Config) (Transport, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rest: limiter is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &transport{
		cfg:     cfg,
		client:  client,
		limiter: cfg.Limiter,
		logger:  cfg.Logger,
	}, nil
}

// Execute implements Transport.
func (t *transport) Execute(ctx context.Context, req Request) (*Response, error) {
	cost := req.Cost
	if cost <= 0 {
		cost = 1
	}

	var resp *Response
	attempts := 0

	err := retry.Do(
		func() error {
			attempts++

			// Each attempt is a distinct request against the exchange, so
			// each one pays the rate-limit cost. Cancellation while waiting
			// does not refund tokens already spent by earlier attempts.
			if err := t.limiter.Acquire(ctx, req.EndpointID, cost); err != nil {
				// Impossible cost and cancellation both mean no later
				// attempt can succeed.
				return retry.Unrecoverable(err)
			}

			r, rec := t.doOnce(ctx, req)
			if rec != nil {
				if !rec.Retriable {
					return retry.Unrecoverable(rec)
				}
				return rec
			}
			resp = r
			return nil
		},
		retry.Attempts(uint(t.cfg.MaxAttempts)),
		retry.DelayType(t.delay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Warn("retrying request",
				logging.Int("attempt", int(n)+1),
				logging.String("endpoint", req.EndpointID),
				logging.String("path", req.Path),
				logging.Error(err),
			)
		}),
	)

	if err != nil {
		rec := errs.AsRecord(err)
		if attempts > 1 {
			rec = rec.WithAttempts(attempts)
		}
		return nil, rec
	}
	return resp, nil
}

// doOnce performs a single HTTP attempt. The returned record is nil on
// success.
func (t *transport) doOnce(ctx context.Context, req Request) (*Response, *errs.Record) {
	httpReq, err := t.buildRequest(ctx, req)
	if err != nil {
		return nil, errs.Protocol(fmt.Sprintf("building request for %s", req.Path), err)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, errs.Classify(errs.Signal{Err: err, Symbol: req.Symbol})
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errs.Classify(errs.Signal{Err: err, Symbol: req.Symbol})
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		return &Response{
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header,
			Body:       body,
		}, nil
	}

	sig := errs.Signal{
		HTTPStatus:        httpResp.StatusCode,
		RetryAfterSeconds: parseRetryAfter(httpResp.Header.Get("Retry-After")),
		Symbol:            req.Symbol,
	}
	if code, msg, ok := decodeExchangeError(body); ok {
		sig.ExchangeCode = code
		sig.ExchangeMessage = msg
	}
	rec := errs.Classify(sig)

	// A 429 teaches the limiter: the exchange's effective limit is stricter
	// than the local configuration.
	if rec.Kind == errs.KindRateLimit && rec.RetryAfterSeconds > 0 {
		t.limiter.ApplyRetryAfter(req.EndpointID, time.Duration(rec.RetryAfterSeconds*float64(time.Second)))
	}

	if rec.Kind == errs.KindProtocol {
		// Compatibility signal: the wire contract drifted.
		t.logger.Error("protocol error on REST response",
			logging.String("path", req.Path),
			logging.Int("status", httpResp.StatusCode),
		)
	}

	return nil, rec
}

func (t *transport) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	u := t.cfg.BaseURL + req.Path
	if len(req.Params) > 0 {
		u += "?" + req.Params.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, err
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// delay implements the retry schedule: Retry-After verbatim for rate-limit
// records that carry one, exponential backoff with ±20% jitter otherwise.
func (t *transport) delay(n uint, err error, _ *retry.Config) time.Duration {
	var rec *errs.Record
	if errors.As(err, &rec) && rec.Kind == errs.KindRateLimit && rec.RetryAfterSeconds > 0 {
		return time.Duration(rec.RetryAfterSeconds * float64(time.Second))
	}

	d := t.cfg.BaseDelay << n
	if d > t.cfg.MaxDelay || d <= 0 {
		d = t.cfg.MaxDelay
	}
	return Jitter(d, 0.2)
}

// Jitter randomizes d by up to ±fraction to avoid thundering-herd retries.
func Jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	offset := (rand.Float64()*2 - 1) * fraction
	return time.Duration(float64(d) * (1 + offset))
}

// parseRetryAfter handles the delta-seconds form of the header. The HTTP
// date form is rare on exchange APIs and treated as absent.
func parseRetryAfter(v string) float64 {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}

// decodeExchangeError extracts {code, msg} from common exchange error body
// shapes.
func decodeExchangeError(body []byte) (code, msg string, ok bool) {
	var payload struct {
		Code    json.Number `json:"code"`
		RetCode json.Number `json:"retCode"`
		Msg     string      `json:"msg"`
		Message string      `json:"message"`
		RetMsg  string      `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", false
	}

	code = payload.Code.String()
	if code == "" {
		code = payload.RetCode.String()
	}
	msg = payload.Msg
	if msg == "" {
		msg = payload.Message
	}
	if msg == "" {
		msg = payload.RetMsg
	}
	return code, msg, code != "" || msg != ""
}
