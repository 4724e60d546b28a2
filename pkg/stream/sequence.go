package stream

import "sync"

// verdict is the outcome of observing one sequenced message.
type verdict int

const (
	// seqAccept means the message is in order and should be emitted.
	seqAccept verdict = iota

	// seqDuplicate means the message was already seen and must be dropped
	// without emission.
	seqDuplicate

	// seqGap means at least one message was missed; the channel needs a
	// resync before deltas can be applied again.
	seqGap
)

// sequenceTracker records the last observed sequence number per channel.
// All knowledge is discarded on reconnect: the first post-reconnect message
// re-establishes the baseline rather than being compared against a stale
// one.
type sequenceTracker struct {
	mu      sync.Mutex
	last    map[string]int64
	pending map[string]bool // channels with an unresolved gap
}

func newSequenceTracker() *sequenceTracker {
	t := &sequenceTracker{}
	t.reset()
	return t
}

// reset forgets everything; called on every reconnect.
func (t *sequenceTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = make(map[string]int64)
	t.pending = make(map[string]bool)
}

// observe classifies seq for the channel and advances the tracker.
//
// On a gap the tracker advances to seq immediately, so messages at or below
// the gap's high-water mark that arrive before recovery completes are
// dropped as duplicates rather than re-triggering the gap. The bool result
// reports whether this gap is the first for the channel since the last
// resolution; callers emit exactly one ResyncRequired per detected gap and
// coalesce the rest.
func (t *sequenceTracker) observe(channel string, seq int64) (verdict, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, known := t.last[channel]
	if !known {
		t.last[channel] = seq
		return seqAccept, false
	}

	switch {
	case seq <= last:
		return seqDuplicate, false
	case seq == last+1:
		t.last[channel] = seq
		return seqAccept, false
	default:
		t.last[channel] = seq
		first := !t.pending[channel]
		t.pending[channel] = true
		return seqGap, first
	}
}

// resolve marks a gap as recovered and realigns the channel to the
// authoritative sequence from a snapshot.
func (t *sequenceTracker) resolve(channel string, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[channel] = seq
	delete(t.pending, channel)
}
