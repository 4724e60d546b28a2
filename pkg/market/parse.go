package market

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// depthPayload is the conventional REST depth shape: price levels as
// ["price", "quantity"] string pairs so no precision is lost in transit.
type depthPayload struct {
	Symbol   string      `json:"symbol"`
	Sequence int64       `json:"sequence"`
	Bids     [][2]string `json:"bids"`
	Asks     [][2]string `json:"asks"`
}

// ParseOrderBook decodes a depth payload into an OrderBook. symbol is used
// when the payload omits its own; ts stamps the snapshot.
func ParseOrderBook(data []byte, symbol string, ts time.Time) (*OrderBook, error) {
	var p depthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("market: decoding depth payload: %w", err)
	}
	if p.Symbol == "" {
		p.Symbol = symbol
	}

	bids, err := parseLevels(p.Bids)
	if err != nil {
		return nil, fmt.Errorf("market: bids: %w", err)
	}
	asks, err := parseLevels(p.Asks)
	if err != nil {
		return nil, fmt.Errorf("market: asks: %w", err)
	}

	return &OrderBook{
		Symbol:    p.Symbol,
		Bids:      bids,
		Asks:      asks,
		Sequence:  p.Sequence,
		Timestamp: ts,
	}, nil
}

func parseLevels(raw [][2]string) ([]BookLevel, error) {
	levels := make([]BookLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("invalid quantity %q: %w", pair[1], err)
		}
		levels = append(levels, BookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}
