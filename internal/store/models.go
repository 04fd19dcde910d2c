// Package store provides data models and SQLite persistence.
package store

import "time"

// ChainEvent is a raw confirmed event from the chain event source,
// before normalization.
type ChainEvent struct {
	Contract    string
	FromAddress string
	Data        string // hex-encoded log payload
	BlockNumber uint64
	TxHash      string
	Timestamp   time.Time
}

// Wallet holds the durable statistics for a trading address.
// The store is the only writer; scoring reads snapshots.
type Wallet struct {
	Address        string
	FirstSeen      time.Time
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	TotalVolumeUSD float64
}

// ResolvedTrades is the number of trades with a known outcome.
func (w Wallet) ResolvedTrades() int {
	return w.WinningTrades + w.LosingTrades
}

// WinRate is winning/(winning+losing), 0 when nothing has resolved.
func (w Wallet) WinRate() float64 {
	resolved := w.ResolvedTrades()
	if resolved == 0 {
		return 0
	}
	return float64(w.WinningTrades) / float64(resolved)
}

// Age returns how long the wallet has been seen as of now.
func (w Wallet) Age(now time.Time) time.Duration {
	return now.Sub(w.FirstSeen)
}

// Outcome is one possible resolution of a market with its current
// implied probability.
type Outcome struct {
	Name  string
	Price float64 // current price in [0,1]
}

// Market is a prediction-market question snapshot.
type Market struct {
	ID           string
	Title        string
	Category     string
	Description  string
	EndDate      time.Time
	LiquidityUSD float64
	Outcomes     []Outcome
	Resolved     bool
	UpdatedAt    time.Time
}

// Trade is a canonical, normalized market trade. Immutable once recorded.
type Trade struct {
	TxHash        string
	WalletAddress string
	MarketID      string
	OutcomeIndex  int
	AmountUSD     float64
	PricePerShare float64
	BlockNumber   uint64
	Timestamp     time.Time
}

// Confidence buckets an insider score into a coarse level.
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// Signal names contributing to the insider score.
const (
	SignalNewWalletLargeBet   = "new_wallet_large_bet"
	SignalHighWinRate         = "high_win_rate"
	SignalAgainstConsensus    = "against_consensus"
	SignalWhaleSize           = "whale_size"
	SignalHighMarketImpact    = "high_market_impact"
	SignalSuspiciousTiming    = "suspicious_timing"
	SignalPrivacyFunding      = "privacy_funding"
	SignalConcentratedBetting = "concentrated_betting"
)

// Alert is the persisted record of a trade whose insider score crossed
// the alert threshold. Append-only; at most one per trade.
type Alert struct {
	ID          string
	TradeHash   string
	Score       int
	Confidence  Confidence
	Flags       []string
	Description string
	Delivered   bool
	CreatedAt   time.Time
}

// ScoredTrade annotates a trade with its risk assessment and joined
// wallet/market context for the read-only query surface.
type ScoredTrade struct {
	Trade
	WalletFirstSeen time.Time
	WalletTrades    int
	WalletVolumeUSD float64
	WinRate         float64
	MarketTitle     string
	MarketCategory  string
	OutcomeName     string
	OutcomePrice    float64
	Score           int
	Flags           []string
	Confidence      Confidence
}

// AlertView joins an alert with its trade, wallet, and market context
// for the alert feed.
type AlertView struct {
	Alert
	WalletAddress string
	AmountUSD     float64
	PricePerShare float64
	OutcomeIndex  int
	MarketID      string
	MarketTitle   string
	TradeTime     time.Time
}

// Stats aggregates recent alerting activity.
type Stats struct {
	TotalAlerts    int
	HighRisk       int
	MediumRisk     int
	TotalVolumeUSD float64
}
