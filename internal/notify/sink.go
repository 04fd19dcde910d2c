// Package notify delivers alert payloads to external notification
// sinks. Delivery is best effort; the dispatcher owns retries.
package notify

import (
	"context"
	"time"

	"github.com/insiderwatch/engine/internal/store"
)

// Payload is the structured alert sent to a sink.
type Payload struct {
	Score         int
	Confidence    store.Confidence
	Flags         []string
	Description   string
	WalletAddress string
	MarketTitle   string
	AmountUSD     float64
	TradeHash     string
	CreatedAt     time.Time
}

// Sink accepts alert payloads. Unconfigured sinks report themselves
// so the dispatcher can skip them with a warning instead of failing.
type Sink interface {
	Name() string
	Configured() bool
	Send(ctx context.Context, p Payload) error
}

// shortenAddress abbreviates a wallet address for display.
func shortenAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
