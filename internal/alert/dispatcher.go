// Package alert persists alerts and forwards them to notification
// sinks with bounded retry.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/insiderwatch/engine/internal/notify"
	"github.com/insiderwatch/engine/internal/scoring"
	"github.com/insiderwatch/engine/internal/store"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	InsertAlert(a store.Alert) (bool, error)
	MarkAlertDelivered(tradeHash string) error
}

// Dispatcher persists alerts above the threshold and attempts delivery
// to the configured sinks. Persistence success is never rolled back on
// delivery failure; the alert simply stays marked undelivered.
type Dispatcher struct {
	store    Store
	sinks    []notify.Sink
	minScore int
	retries  int
	backoff  time.Duration
}

// NewDispatcher creates a dispatcher. Sinks that report themselves
// unconfigured are skipped at delivery time.
func NewDispatcher(s Store, sinks []notify.Sink, minScore, retries int, backoff time.Duration) *Dispatcher {
	return &Dispatcher{
		store:    s,
		sinks:    sinks,
		minScore: minScore,
		retries:  retries,
		backoff:  backoff,
	}
}

// Dispatch persists and delivers an alert for the scored trade.
// Returns whether a new alert was created. Idempotent on trade hash:
// redelivery of an already-alerted trade does nothing.
// A persistence error is returned to the caller; the trade must not be
// checkpointed past it.
func (d *Dispatcher) Dispatch(ctx context.Context, trade store.Trade, wallet store.Wallet, market store.Market, enrich scoring.Enrichment, res scoring.Result) (bool, error) {
	if res.Score < d.minScore {
		return false, nil
	}

	a := store.Alert{
		ID:          uuid.NewString(),
		TradeHash:   trade.TxHash,
		Score:       res.Score,
		Confidence:  res.Confidence,
		Flags:       res.Flags,
		Description: describe(trade, wallet, market, enrich),
		CreatedAt:   time.Now().UTC(),
	}

	created, err := d.store.InsertAlert(a)
	if err != nil {
		return false, fmt.Errorf("persist alert: %w", err)
	}
	if !created {
		slog.Debug("alert_already_exists", "tx", trade.TxHash)
		return false, nil
	}

	slog.Info("alert_created",
		"tx", trade.TxHash,
		"score", res.Score,
		"confidence", res.Confidence,
		"flags", strings.Join(res.Flags, ","),
		"amount_usd", trade.AmountUSD,
	)

	d.deliver(ctx, notify.Payload{
		Score:         res.Score,
		Confidence:    res.Confidence,
		Flags:         res.Flags,
		Description:   a.Description,
		WalletAddress: trade.WalletAddress,
		MarketTitle:   market.Title,
		AmountUSD:     trade.AmountUSD,
		TradeHash:     trade.TxHash,
		CreatedAt:     a.CreatedAt,
	})

	return true, nil
}

// deliver attempts each configured sink with bounded backoff. Partial
// delivery still counts as delivered; total failure leaves the alert
// persisted but undelivered.
func (d *Dispatcher) deliver(ctx context.Context, p notify.Payload) {
	delivered := false

	for _, sink := range d.sinks {
		if !sink.Configured() {
			continue
		}
		if d.sendWithRetry(ctx, sink, p) {
			delivered = true
		}
	}

	if !delivered {
		slog.Warn("alert_undelivered", "tx", p.TradeHash)
		return
	}

	if err := d.store.MarkAlertDelivered(p.TradeHash); err != nil {
		slog.Warn("mark_delivered_failed", "tx", p.TradeHash, "error", err)
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, sink notify.Sink, p notify.Payload) bool {
	attempts := d.retries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err := sink.Send(ctx, p)
		if err == nil {
			return true
		}

		slog.Warn("notify_failed",
			"sink", sink.Name(),
			"attempt", attempt,
			"error", err,
		)

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(d.backoff * time.Duration(attempt)):
		}
	}
	return false
}

// describe builds the analyst-facing summary line for an alert.
func describe(trade store.Trade, wallet store.Wallet, market store.Market, enrich scoring.Enrichment) string {
	details := []string{fmt.Sprintf("$%.0f bet", trade.AmountUSD)}

	if enrich.AgeKnown {
		details = append(details, fmt.Sprintf("wallet %s old", formatAge(enrich.Age)))
	}
	// Profile snapshot precedes this trade, so zero means first trade.
	if wallet.TotalTrades == 0 {
		details = append(details, "first trade")
	}
	if trade.OutcomeIndex >= 0 && trade.OutcomeIndex < len(market.Outcomes) {
		o := market.Outcomes[trade.OutcomeIndex]
		details = append(details, fmt.Sprintf("%s at %.2f", o.Name, o.Price))
	}
	if !market.EndDate.IsZero() {
		untilClose := market.EndDate.Sub(trade.Timestamp)
		if untilClose > 0 {
			details = append(details, fmt.Sprintf("%s until close", formatAge(untilClose)))
		}
	}

	title := market.Title
	if title == "" {
		title = trade.MarketID
	}
	return fmt.Sprintf("%s: %s", title, strings.Join(details, " · "))
}

// formatAge renders a duration in the largest sensible unit.
func formatAge(d time.Duration) string {
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
}
