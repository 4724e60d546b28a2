package stream

import (
	"math/rand"
	"time"
)

// backoff produces reconnection delays: starting at min, doubling on each
// consecutive failure, capped at max, with up to ±fraction jitter applied
// to every delay to avoid synchronized retry storms across many clients.
type backoff struct {
	min, max time.Duration
	fraction float64
	cur      time.Duration
}

func newBackoff(min, max time.Duration, fraction float64) *backoff {
	return &backoff{min: min, max: max, fraction: fraction, cur: min}
}

// next returns the delay to wait before the upcoming attempt and advances
// the schedule.
func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return jitter(d, b.fraction)
}

// reset returns the schedule to the minimum delay, called after a period of
// sustained successful streaming.
func (b *backoff) reset() {
	b.cur = b.min
}

// nominal returns the next delay without jitter or advancement.
func (b *backoff) nominal() time.Duration {
	return b.cur
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	offset := (rand.Float64()*2 - 1) * fraction
	return time.Duration(float64(d) * (1 + offset))
}
