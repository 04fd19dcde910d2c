package ingest

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insiderwatch/engine/internal/config"
	"github.com/insiderwatch/engine/internal/store"
)

type fakeMarkets struct {
	byCondition map[string]store.Market
}

func (f *fakeMarkets) ByCondition(conditionID string) (store.Market, bool) {
	m, ok := f.byCondition[conditionID]
	return m, ok
}

const testCondition = 0xbeef

func conditionID(v int64) string {
	return "0x" + fmt.Sprintf("%064x", big.NewInt(v))
}

// fillData encodes the four-word order-fill payload.
func fillData(condition int64, outcomeIndex int64, amountUSD, price float64) string {
	words := []*big.Int{
		big.NewInt(condition),
		big.NewInt(outcomeIndex),
		big.NewInt(int64(amountUSD * usdcDecimals)),
		big.NewInt(int64(price * usdcDecimals)),
	}
	data := "0x"
	for _, w := range words {
		data += fmt.Sprintf("%064x", w)
	}
	return data
}

func testEvent(data string) store.ChainEvent {
	return store.ChainEvent{
		Contract:    config.PolymarketExchange,
		FromAddress: "0xAbCd000000000000000000000000000000001234",
		Data:        data,
		BlockNumber: 4200,
		TxHash:      "0xFEED0000000000000000000000000000000000000000000000000000000000aa",
		Timestamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestNormalizer() *Normalizer {
	markets := &fakeMarkets{byCondition: map[string]store.Market{
		conditionID(testCondition): {
			ID:       "market-1",
			Title:    "Test market",
			Outcomes: []store.Outcome{{Name: "Yes", Price: 0.6}, {Name: "No", Price: 0.4}},
		},
	}}
	return NewNormalizer(markets, []string{config.PolymarketExchange})
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	ev := testEvent(fillData(testCondition, 1, 12500.50, 0.42))

	trade, err := n.Normalize(ev)
	require.NoError(t, err)

	assert.Equal(t, "market-1", trade.MarketID)
	assert.Equal(t, 1, trade.OutcomeIndex)
	assert.InDelta(t, 12500.50, trade.AmountUSD, 0.001)
	assert.InDelta(t, 0.42, trade.PricePerShare, 0.001)
	assert.Equal(t, uint64(4200), trade.BlockNumber)
	assert.Equal(t, "0xabcd000000000000000000000000000000001234", trade.WalletAddress)
	assert.Equal(t, ev.Timestamp, trade.Timestamp)
}

func TestNormalizeUnrelatedContract(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	ev := testEvent(fillData(testCondition, 0, 100, 0.5))
	ev.Contract = "0x0000000000000000000000000000000000000001"

	_, err := n.Normalize(ev)
	assert.ErrorIs(t, err, ErrNotMarketTrade)
}

func TestNormalizeMalformedData(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()

	tests := []struct {
		name string
		data string
	}{
		{"empty data", "0x"},
		{"truncated data", "0x" + "00ff"},
		{"non-hex data", "0x" + string(make([]byte, 256))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := n.Normalize(testEvent(tt.data))
			assert.ErrorIs(t, err, ErrNotMarketTrade)
		})
	}
}

func TestNormalizeUnknownMarket(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	ev := testEvent(fillData(0xdead, 0, 100, 0.5))

	_, err := n.Normalize(ev)
	assert.ErrorIs(t, err, ErrUnknownMarket)
}

func TestNormalizeOutcomeIndexOutOfRange(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	ev := testEvent(fillData(testCondition, 7, 100, 0.5))

	_, err := n.Normalize(ev)
	assert.ErrorIs(t, err, ErrNotMarketTrade)
}

func TestNormalizeMissingSender(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	ev := testEvent(fillData(testCondition, 0, 100, 0.5))
	ev.FromAddress = ""

	_, err := n.Normalize(ev)
	assert.ErrorIs(t, err, ErrNotMarketTrade)
}

func TestFromTopic(t *testing.T) {
	t.Parallel()

	topics := []string{
		"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
		"0x000000000000000000000000abcd000000000000000000000000000000001234",
	}
	assert.Equal(t, "0xabcd000000000000000000000000000000001234", fromTopic(topics))
	assert.Empty(t, fromTopic(topics[:1]))
	assert.Empty(t, fromTopic(nil))
}

func TestParseHexUint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(0x1068), parseHexUint("0x1068"))
	assert.Zero(t, parseHexUint(""))
	assert.Zero(t, parseHexUint("0x"))
	assert.Zero(t, parseHexUint("0xzz"))
}
