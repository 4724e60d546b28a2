package stream

import (
	"encoding/json"

	"github.com/veiloq/marketdata/pkg/market"
)

// EventType discriminates the events a Manager delivers through Next.
type EventType int

const (
	// EventData carries one decoded data frame from the wire.
	EventData EventType = iota

	// EventSnapshot carries a fresh order-book snapshot fetched during
	// sequence-gap recovery on a RecoverSnapshot channel.
	EventSnapshot

	// EventResyncRequired signals that a sequence gap was detected on a
	// channel. Diagnostic, not fatal: the manager is already recovering.
	// Exactly one is emitted per detected gap.
	EventResyncRequired

	// EventBufferOverflow signals that the caller fell behind and the
	// oldest unconsumed messages were dropped. Diagnostic, not fatal.
	EventBufferOverflow
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventData:
		return "data"
	case EventSnapshot:
		return "snapshot"
	case EventResyncRequired:
		return "resync_required"
	case EventBufferOverflow:
		return "buffer_overflow"
	default:
		return "unknown"
	}
}

// Event is one element of the stream a caller consumes via Manager.Next.
type Event struct {
	Type    EventType
	Channel string
	Symbol  string

	// Sequence is the wire sequence number for EventData on sequenced
	// channels, zero otherwise.
	Sequence int64

	// Payload is the raw data frame body for EventData.
	Payload json.RawMessage

	// Snapshot is set for EventSnapshot.
	Snapshot *market.OrderBook

	// Dropped is the number of messages discarded, set for
	// EventBufferOverflow.
	Dropped int
}

// RecoveryMode declares how a channel recovers from a sequence gap.
type RecoveryMode int

const (
	// RecoverResubscribe tears the connection down and resubscribes from
	// scratch. Appropriate for cheap, stateless channels such as trades.
	RecoverResubscribe RecoveryMode = iota

	// RecoverSnapshot fetches a fresh snapshot through the collaborator
	// REST layer before resuming delta application. Appropriate for
	// stateful order-book channels.
	RecoverSnapshot
)

// Subscription identifies one channel/symbol pair in a manager's fixed set.
// The set is established at creation and re-applied in full on every
// reconnect; partial subscription state never carries across sessions.
type Subscription struct {
	Channel  string
	Symbol   string
	Recovery RecoveryMode
}

// key is the channel identity used for sequence tracking and ack matching.
func (s Subscription) key() string {
	return s.Channel + ":" + s.Symbol
}
