// Package scoring computes the multi-factor insider-risk score for a
// trade. Scoring is a pure function of its inputs: no I/O, no clock
// reads, no mutation. The trade's own timestamp is the reference time
// for wallet age and resolution timing.
package scoring

import (
	"time"

	"github.com/insiderwatch/engine/internal/config"
	"github.com/insiderwatch/engine/internal/store"
)

// Enrichment carries inputs derived outside the wallet/market stores:
// oracle lookups and precomputed volume concentration. Unknown values
// never contribute to the score.
type Enrichment struct {
	// AgeKnown reports whether the wallet's first-seen time could be
	// established (oracle hit, or a profile that predates this trade).
	AgeKnown bool
	// Age is the wallet age as of the trade, valid only when AgeKnown.
	Age time.Duration

	// PrivacyFunded is true when the wallet's funding source is a
	// known mixer or privacy bridge. False when clean or unknown.
	PrivacyFunded bool

	// MarketVolumeShare is the fraction of the wallet's total volume
	// placed on this trade's market, including this trade. Zero when
	// unknown.
	MarketVolumeShare float64
}

// Result is the outcome of scoring one trade.
type Result struct {
	Score      int
	Flags      []string
	Confidence store.Confidence
}

// Engine scores trades against configured thresholds and weights.
type Engine struct {
	cfg *config.Config
}

// NewEngine creates a scoring engine. The config is treated as
// immutable for the engine's lifetime.
func NewEngine(cfg *config.Config) *Engine {
	return &Engine{cfg: cfg}
}

// Score evaluates every weighted signal against the trade and returns
// the additive insider score with the ordered list of triggered flags.
// The wallet profile must be the snapshot as of just before this trade.
func (e *Engine) Score(trade store.Trade, wallet store.Wallet, market store.Market, enrich Enrichment) Result {
	var (
		score int
		flags []string
	)

	w := e.cfg.Weights
	newWalletAge := time.Duration(e.cfg.NewWalletHours) * time.Hour

	// new_wallet_large_bet: fresh wallet staking whale-sized money.
	// Unknown age is neither old nor new.
	if enrich.AgeKnown && enrich.Age < newWalletAge && trade.AmountUSD >= e.cfg.WhaleThresholdUSD {
		score += w.NewWalletLargeBet
		flags = append(flags, store.SignalNewWalletLargeBet)
	}

	// high_win_rate: inapplicable below 3 resolved trades.
	if wallet.ResolvedTrades() >= 3 && wallet.WinRate() >= e.cfg.SuspiciousWinRate {
		score += w.HighWinRate
		flags = append(flags, store.SignalHighWinRate)
	}

	// against_consensus: contrarian long on a low-probability outcome.
	if price, ok := outcomePrice(market, trade.OutcomeIndex); ok && price < e.cfg.AgainstMarketThreshold {
		score += w.AgainstConsensus
		flags = append(flags, store.SignalAgainstConsensus)
	}

	// whale_size
	if trade.AmountUSD >= e.cfg.WhaleThresholdUSD {
		score += w.WhaleSize
		flags = append(flags, store.SignalWhaleSize)
	}

	// high_market_impact: inapplicable when liquidity is unknown.
	if market.LiquidityUSD > 0 && trade.AmountUSD/market.LiquidityUSD >= e.cfg.MarketImpactThreshold {
		score += w.HighMarketImpact
		flags = append(flags, store.SignalHighMarketImpact)
	}

	// suspicious_timing: late in the final window before resolution.
	if e.suspiciousTiming(trade, market) {
		score += w.SuspiciousTiming
		flags = append(flags, store.SignalSuspiciousTiming)
	}

	// privacy_funding
	if enrich.PrivacyFunded {
		score += w.PrivacyFunding
		flags = append(flags, store.SignalPrivacyFunding)
	}

	// concentrated_betting
	if enrich.MarketVolumeShare > 0 && enrich.MarketVolumeShare >= e.cfg.ConcentrationFraction {
		score += w.ConcentratedBetting
		flags = append(flags, store.SignalConcentratedBetting)
	}

	return Result{
		Score:      score,
		Flags:      flags,
		Confidence: e.Classify(score),
	}
}

// suspiciousTiming reports whether the trade lands inside the
// resolution window and past the configured percentile of it.
func (e *Engine) suspiciousTiming(trade store.Trade, market store.Market) bool {
	if market.EndDate.IsZero() {
		return false
	}

	window := time.Duration(e.cfg.ResolutionWindowHours) * time.Hour
	untilEnd := market.EndDate.Sub(trade.Timestamp)
	if untilEnd < 0 || untilEnd > window {
		return false
	}

	elapsed := 1 - float64(untilEnd)/float64(window)
	return elapsed >= e.cfg.SuspiciousTimingPct
}

// Classify buckets a score into a confidence level. Threshold lower
// bounds are inclusive.
func (e *Engine) Classify(score int) store.Confidence {
	switch {
	case score >= e.cfg.HighScoreThreshold:
		return store.ConfidenceHigh
	case score >= e.cfg.MediumScoreThreshold:
		return store.ConfidenceMedium
	default:
		return store.ConfidenceLow
	}
}

// outcomePrice returns the current price for the trade's outcome, or
// ok=false when the outcome is unknown or has no quoted price yet.
func outcomePrice(market store.Market, index int) (float64, bool) {
	if index < 0 || index >= len(market.Outcomes) {
		return 0, false
	}
	price := market.Outcomes[index].Price
	if price <= 0 {
		return 0, false
	}
	return price, true
}
