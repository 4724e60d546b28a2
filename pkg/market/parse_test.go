package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrderBook(t *testing.T) {
	now := time.Now()
	book, err := ParseOrderBook([]byte(`{
		"symbol": "BTCUSDT",
		"sequence": 42,
		"bids": [["64000.10", "0.5"], ["63999.90", "1.2"]],
		"asks": [["64000.20", "0.3"]]
	}`), "", now)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", book.Symbol)
	assert.Equal(t, int64(42), book.Sequence)
	assert.Equal(t, now, book.Timestamp)
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 1)

	// String decoding keeps the exact decimal value.
	assert.True(t, book.Bids[0].Price.Equal(decimal.RequireFromString("64000.10")))
	assert.True(t, book.Asks[0].Quantity.Equal(decimal.RequireFromString("0.3")))
}

func TestParseOrderBookFallbackSymbol(t *testing.T) {
	book, err := ParseOrderBook([]byte(`{"sequence": 1, "bids": [], "asks": []}`), "ETHUSDT", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", book.Symbol)
}

func TestParseOrderBookRejectsBadLevels(t *testing.T) {
	_, err := ParseOrderBook([]byte(`{"bids": [["not-a-price", "1"]], "asks": []}`), "X", time.Now())
	assert.Error(t, err)

	_, err = ParseOrderBook([]byte(`not json`), "X", time.Now())
	assert.Error(t, err)
}
