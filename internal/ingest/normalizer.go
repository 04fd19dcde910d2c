package ingest

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/insiderwatch/engine/internal/store"
)

// Classification errors for raw chain events.
var (
	// ErrNotMarketTrade marks events that are not market trades:
	// unrelated contracts, malformed logs, unknown outcome indices.
	// These are discarded, not retried.
	ErrNotMarketTrade = errors.New("not a market trade")

	// ErrUnknownMarket marks a decodable trade whose market snapshot
	// has not been loaded yet. Retried after the next market refresh.
	ErrUnknownMarket = errors.New("unknown market")
)

// USDC uses 6 decimal places; fill prices are scaled the same way.
const usdcDecimals = 1e6

// Order-fill log payloads carry four 32-byte words:
// conditionID, outcomeIndex, amount, price.
const fillDataWords = 4

// MarketLookup resolves a condition id to a market snapshot.
type MarketLookup interface {
	ByCondition(conditionID string) (store.Market, bool)
}

// Normalizer decodes raw chain events into canonical trades.
type Normalizer struct {
	markets        MarketLookup
	tradeContracts map[string]bool
}

// NewNormalizer creates a normalizer that treats logs on the given
// contracts as candidate trades.
func NewNormalizer(markets MarketLookup, tradeContracts []string) *Normalizer {
	set := make(map[string]bool, len(tradeContracts))
	for _, c := range tradeContracts {
		set[strings.ToLower(c)] = true
	}
	return &Normalizer{
		markets:        markets,
		tradeContracts: set,
	}
}

// Normalize decodes a raw event into a canonical Trade.
// Returns ErrNotMarketTrade for events to discard and ErrUnknownMarket
// for trades whose market snapshot is not loaded yet.
func (n *Normalizer) Normalize(ev store.ChainEvent) (store.Trade, error) {
	if !n.tradeContracts[strings.ToLower(ev.Contract)] {
		return store.Trade{}, ErrNotMarketTrade
	}
	if ev.TxHash == "" || ev.FromAddress == "" {
		return store.Trade{}, fmt.Errorf("%w: missing tx hash or sender", ErrNotMarketTrade)
	}

	words, err := decodeWords(ev.Data, fillDataWords)
	if err != nil {
		return store.Trade{}, fmt.Errorf("%w: %v", ErrNotMarketTrade, err)
	}

	conditionID := "0x" + fmt.Sprintf("%064x", words[0])
	outcomeIndex := int(words[1].Int64())
	amountUSD := scaleDown(words[2])
	price := scaleDown(words[3])

	market, ok := n.markets.ByCondition(conditionID)
	if !ok {
		return store.Trade{}, fmt.Errorf("%w: %s", ErrUnknownMarket, conditionID)
	}

	// The outcome index must reference an existing outcome of the
	// referenced market.
	if outcomeIndex < 0 || outcomeIndex >= len(market.Outcomes) {
		return store.Trade{}, fmt.Errorf("%w: outcome index %d out of range", ErrNotMarketTrade, outcomeIndex)
	}

	return store.Trade{
		TxHash:        strings.ToLower(ev.TxHash),
		WalletAddress: strings.ToLower(ev.FromAddress),
		MarketID:      market.ID,
		OutcomeIndex:  outcomeIndex,
		AmountUSD:     amountUSD,
		PricePerShare: price,
		BlockNumber:   ev.BlockNumber,
		Timestamp:     ev.Timestamp.UTC(),
	}, nil
}

// decodeWords splits a hex log payload into 32-byte big-endian words.
func decodeWords(data string, count int) ([]*big.Int, error) {
	hexData := strings.TrimPrefix(data, "0x")
	if len(hexData) < count*64 {
		return nil, fmt.Errorf("log data too short: %d chars", len(hexData))
	}

	words := make([]*big.Int, count)
	for i := 0; i < count; i++ {
		word, ok := new(big.Int).SetString(hexData[i*64:(i+1)*64], 16)
		if !ok {
			return nil, fmt.Errorf("invalid hex in word %d", i)
		}
		words[i] = word
	}
	return words, nil
}

// scaleDown converts a 6-decimal fixed-point quantity to float64.
func scaleDown(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(usdcDecimals)).Float64()
	return f
}
