package stream

import (
	"context"
	"sync"

	"github.com/veiloq/marketdata/pkg/errs"
)

// eventBuffer is the bounded producer/consumer queue between the socket
// read loop and the caller. The producer never blocks: when the buffer is
// full the oldest unconsumed event is dropped and the drop is surfaced to
// the consumer as a coalesced EventBufferOverflow on its next pull.
type eventBuffer struct {
	mu      sync.Mutex
	items   []Event
	cap     int
	dropped map[string]int // channel -> messages dropped since last report

	notify   chan struct{}
	done     chan struct{}
	closed   bool
	terminal *errs.Record // non-nil when closed by an unrecoverable error
}

func newEventBuffer(capacity int) *eventBuffer {
	return &eventBuffer{
		cap:     capacity,
		dropped: make(map[string]int),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// push enqueues an event, evicting the oldest one when full.
func (b *eventBuffer) push(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.items) >= b.cap {
		oldest := b.items[0]
		b.items = b.items[1:]
		b.dropped[oldest.Channel]++
	}
	b.items = append(b.items, ev)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// next blocks until an event is available, the buffer is closed, or ctx is
// cancelled. Pending overflow reports are delivered before buffered events
// so the consumer learns about the loss at the point it occurred in its
// reading.
func (b *eventBuffer) next(ctx context.Context) (Event, error) {
	for {
		b.mu.Lock()
		if ch, n := b.takeDropReportLocked(); n > 0 {
			b.mu.Unlock()
			return Event{Type: EventBufferOverflow, Channel: ch, Dropped: n}, nil
		}
		if len(b.items) > 0 {
			ev := b.items[0]
			b.items = b.items[1:]
			b.mu.Unlock()
			return ev, nil
		}
		if b.closed {
			err := error(ErrClosed)
			if b.terminal != nil {
				err = b.terminal
			}
			b.mu.Unlock()
			return Event{}, err
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-b.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (b *eventBuffer) takeDropReportLocked() (string, int) {
	for ch, n := range b.dropped {
		delete(b.dropped, ch)
		return ch, n
	}
	return "", 0
}

// close makes the stream finite and releases all buffered state. A nil
// terminal means plain caller cancellation; a record means an unrecoverable
// failure. Nothing is delivered after close completes.
func (b *eventBuffer) close(terminal *errs.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.terminal = terminal
	b.items = nil
	b.dropped = make(map[string]int)
	close(b.done)
}
