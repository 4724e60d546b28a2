package ratelimit

import (
	"math"
	"sync"
	"time"
)

// bucket is a single token bucket with continuous refill.
//
// Invariants: 0 <= tokens <= capacity at all times; refill is monotonic in
// elapsed time and capped at capacity. A Retry-After floor suspends refill
// entirely until the deadline passes, after which elapsed time is measured
// from the deadline rather than from the drain.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	rate       float64 // tokens per second
	last       time.Time
	floorUntil time.Time
}

func newBucket(r Rate, now time.Time) *bucket {
	return &bucket{
		capacity: float64(r.Limit),
		tokens:   float64(r.Limit),
		rate:     float64(r.Limit) / r.Interval.Seconds(),
		last:     now,
	}
}

// refillLocked advances the bucket to now. Callers must hold mu.
func (b *bucket) refillLocked(now time.Time) {
	if !b.floorUntil.IsZero() {
		if now.Before(b.floorUntil) {
			// Hard floor active: no tokens until the deadline, and refill
			// restarts from the deadline.
			b.tokens = 0
			b.last = b.floorUntil
			return
		}
		b.floorUntil = time.Time{}
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}

// waitLocked returns how long the caller must wait before cost tokens could
// be available, assuming no other consumer takes tokens in the meantime.
// Callers must hold mu and have refilled first.
func (b *bucket) waitLocked(cost float64, now time.Time) time.Duration {
	deficit := cost - b.tokens
	if deficit <= 0 {
		return 0
	}
	wait := time.Duration(deficit / b.rate * float64(time.Second))
	if b.floorUntil.After(now) {
		wait += b.floorUntil.Sub(now)
	}
	return wait
}

// drainUntil empties the bucket and suspends refill until deadline.
func (b *bucket) drainUntil(deadline time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = 0
	b.floorUntil = deadline
}

// snapshot returns the current token count after refilling to now.
func (b *bucket) snapshot(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	return b.tokens
}
