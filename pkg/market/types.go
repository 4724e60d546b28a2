// Package market holds the plain data records consumed by the core and the
// collaborator contracts through which exchange-specific code plugs in.
//
// Exchange-specific JSON mapping belongs to per-exchange adapters; this
// package only decodes the module's own conventional depth payload. The
// records exist so the stream manager and snapshot recovery have a stable
// shape to hand callers.
package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is a snapshot of the most recent trading activity for a pair.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	Volume24h decimal.Decimal
	Timestamp time.Time
}

// Trade is a single executed trade.
type Trade struct {
	Symbol    string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Side      string // "buy" or "sell", taker side
	Timestamp time.Time
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook is a point-in-time view of market depth.
//
// Bids are sorted descending by price, asks ascending. Sequence is the
// exchange's monotonic book sequence number, used to realign delta streams
// after a snapshot fetch.
type OrderBook struct {
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	Sequence  int64
	Timestamp time.Time
}

// SnapshotFetcher fetches a fresh order-book snapshot through the REST
// layer. The stream manager calls it when a sequence gap on a stateful
// channel requires resynchronization before delta application can resume.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, channel, symbol string) (*OrderBook, error)
}

// SnapshotFunc adapts a function to the SnapshotFetcher interface.
type SnapshotFunc func(ctx context.Context, channel, symbol string) (*OrderBook, error)

// FetchSnapshot implements SnapshotFetcher.
func (f SnapshotFunc) FetchSnapshot(ctx context.Context, channel, symbol string) (*OrderBook, error) {
	return f(ctx, channel, symbol)
}
