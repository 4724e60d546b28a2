// Package ratelimit implements the hierarchical token-bucket rate limiter
// that gates every outbound REST call made through this library.
//
// The limiter owns exactly one global bucket per client plus zero or more
// per-endpoint buckets keyed by an endpoint identifier string. An
// acquisition of cost c against endpoint E succeeds against both the global
// bucket and E's bucket atomically; partial consumption is forbidden, so a
// caller that cannot be satisfied by both buckets takes tokens from neither.
//
// Waiters on the same endpoint are served first-requested-first-served to
// prevent starvation under load; acquisitions for independent endpoints
// never serialize behind each other except through the shared global bucket.
//
// On receipt of an HTTP 429 carrying a Retry-After value, ApplyRetryAfter
// drains the attributed bucket to zero and suspends its refill until the
// deadline passes. This lets the limiter adapt to exchange-side limits that
// are stricter than the locally configured ones instead of repeatedly
// hitting 429.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// Rate represents a rate limit: Limit operations allowed per Interval.
type Rate struct {
	// Limit is the maximum number of operations allowed within the interval.
	// It is also the bucket's burst capacity.
	Limit int

	// Interval is the time window over which the limit applies.
	Interval time.Duration
}

func (r Rate) valid() bool {
	return r.Limit > 0 && r.Interval > 0
}

// Config describes the bucket hierarchy for one client.
//
// Config is immutable after construction; the only runtime adjustment the
// limiter performs is the Retry-After-driven temporary throttling applied
// through ApplyRetryAfter.
type Config struct {
	// Global is the client-wide rate every request is charged against.
	Global Rate

	// Endpoints maps endpoint identifiers to their per-endpoint rates.
	// Requests for endpoints not listed here are charged against the global
	// bucket only.
	Endpoints map[string]Rate

	// RetryAfterGlobal extends Retry-After floors to the global bucket in
	// addition to the endpoint bucket the 429 was attributed to.
	RetryAfterGlobal bool
}

// ErrCostExceedsCapacity is returned by Acquire when the requested cost is
// larger than a bucket's capacity, meaning the request could never succeed
// no matter how long the caller waited.
var ErrCostExceedsCapacity = errors.New("ratelimit: cost exceeds bucket capacity")

// Limiter is the shared rate limiter handed to the REST transport and each
// stream manager. Implementations are safe for concurrent use.
type Limiter interface {
	// Acquire blocks the calling goroutine until cost tokens have been
	// deducted atomically from the global bucket and the bucket for
	// endpoint, or until ctx is cancelled. It returns an error wrapping
	// ErrCostExceedsCapacity without blocking if cost exceeds either
	// bucket's capacity.
	//
	// Cancellation stops the wait but does not refund tokens from earlier
	// successful acquisitions; a cost already deducted stays deducted.
	Acquire(ctx context.Context, endpoint string, cost float64) error

	// ApplyRetryAfter drains the bucket the 429 was attributed to (the
	// endpoint bucket when one exists, the global bucket otherwise) and
	// suspends its refill for retryAfter. With Config.RetryAfterGlobal set,
	// the global bucket is floored as well.
	ApplyRetryAfter(endpoint string, retryAfter time.Duration)

	// Tokens reports the current token count of the named endpoint bucket,
	// or of the global bucket when endpoint is empty. Intended for
	// diagnostics and tests.
	Tokens(endpoint string) float64
}

type limiter struct {
	global    *bucket
	endpoints map[string]*bucket

	// turns serializes waiters per endpoint so grants happen in request
	// order. The empty key covers acquisitions with no endpoint bucket.
	turns map[string]chan struct{}

	retryAfterGlobal bool
	clock            clock.Clock
}

// Option configures a Limiter.
type Option func(*limiter)

// WithClock substitutes the time source, used by tests to drive the limiter
// deterministically.
func WithClock(c clock.Clock) Option {
	return func(l *limiter) {
		l.clock = c
	}
}

// New builds a Limiter from cfg. Every configured rate must have a positive
// limit and interval.
func New(cfg Config, opts ...Option) (Limiter, error) {
	if !cfg.Global.valid() {
		return nil, fmt.Errorf("ratelimit: invalid global rate %+v", cfg.Global)
	}

	l := &limiter{
		endpoints:        make(map[string]*bucket, len(cfg.Endpoints)),
		turns:            make(map[string]chan struct{}, len(cfg.Endpoints)+1),
		retryAfterGlobal: cfg.RetryAfterGlobal,
		clock:            clock.New(),
	}
	for _, opt := range opts {
		opt(l)
	}

	now := l.clock.Now()
	l.global = newBucket(cfg.Global, now)
	l.turns[""] = make(chan struct{}, 1)

	for id, rate := range cfg.Endpoints {
		if !rate.valid() {
			return nil, fmt.Errorf("ratelimit: invalid rate %+v for endpoint %q", rate, id)
		}
		l.endpoints[id] = newBucket(rate, now)
		l.turns[id] = make(chan struct{}, 1)
	}

	return l, nil
}

// Acquire implements Limiter.
func (l *limiter) Acquire(ctx context.Context, endpoint string, cost float64) error {
	if cost <= 0 {
		return fmt.Errorf("ratelimit: non-positive cost %v", cost)
	}

	eb := l.endpoints[endpoint]
	if cost > l.global.capacity {
		return fmt.Errorf("%w: cost %v > global capacity %v", ErrCostExceedsCapacity, cost, l.global.capacity)
	}
	if eb != nil && cost > eb.capacity {
		return fmt.Errorf("%w: cost %v > endpoint %q capacity %v", ErrCostExceedsCapacity, cost, endpoint, eb.capacity)
	}

	// Take this endpoint's turn. Goroutines blocked on a channel are woken
	// in request order, which gives the per-bucket FIFO guarantee.
	turn := l.turn(endpoint, eb)
	select {
	case turn <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("ratelimit: acquire cancelled: %w", ctx.Err())
	}
	defer func() { <-turn }()

	for {
		wait, ok := l.tryTake(eb, cost)
		if ok {
			return nil
		}

		timer := l.clock.Timer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("ratelimit: acquire cancelled: %w", ctx.Err())
		}
	}
}

// tryTake attempts the all-or-nothing deduction across the scope chain.
// On failure it returns the minimum wait across the insufficient buckets.
func (l *limiter) tryTake(eb *bucket, cost float64) (time.Duration, bool) {
	now := l.clock.Now()

	// Consistent lock order: endpoint bucket first, global last. The global
	// bucket is always the final lock so independent endpoints contend only
	// on this short critical section.
	if eb != nil {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.refillLocked(now)
	}
	l.global.mu.Lock()
	defer l.global.mu.Unlock()
	l.global.refillLocked(now)

	globalOK := l.global.tokens >= cost
	endpointOK := eb == nil || eb.tokens >= cost
	if globalOK && endpointOK {
		l.global.tokens -= cost
		if eb != nil {
			eb.tokens -= cost
		}
		return 0, true
	}

	var wait time.Duration
	if !globalOK {
		wait = l.global.waitLocked(cost, now)
	}
	if !endpointOK {
		if w := eb.waitLocked(cost, now); wait == 0 || w < wait {
			wait = w
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// ApplyRetryAfter implements Limiter.
func (l *limiter) ApplyRetryAfter(endpoint string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	deadline := l.clock.Now().Add(retryAfter)

	if eb := l.endpoints[endpoint]; eb != nil {
		eb.drainUntil(deadline)
		if l.retryAfterGlobal {
			l.global.drainUntil(deadline)
		}
		return
	}
	// No endpoint bucket to attribute the 429 to: the global bucket is the
	// scope that let the request through.
	l.global.drainUntil(deadline)
}

// Tokens implements Limiter.
func (l *limiter) Tokens(endpoint string) float64 {
	now := l.clock.Now()
	if endpoint == "" {
		return l.global.snapshot(now)
	}
	if eb := l.endpoints[endpoint]; eb != nil {
		return eb.snapshot(now)
	}
	return 0
}

func (l *limiter) turn(endpoint string, eb *bucket) chan struct{} {
	if eb == nil {
		return l.turns[""]
	}
	return l.turns[endpoint]
}
