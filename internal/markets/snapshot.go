// Package markets maintains the in-memory market snapshot refreshed
// from the Polymarket Gamma API.
package markets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/ratelimit"

	"github.com/insiderwatch/engine/internal/store"
)

const (
	// DefaultMarketLimit is the number of markets fetched per refresh.
	DefaultMarketLimit = 200

	requestTimeout = 10 * time.Second
)

// Persister writes refreshed snapshots through to durable storage.
type Persister interface {
	UpsertMarket(m store.Market) error
}

// gammaMarket is a market as returned by the Gamma API.
type gammaMarket struct {
	ID            string `json:"id"`
	ConditionID   string `json:"conditionId"`
	Question      string `json:"question"`
	Slug          string `json:"slug"`
	Category      string `json:"category"`
	Description   string `json:"description"`
	EndDate       string `json:"endDate"`
	Active        bool   `json:"active"`
	Closed        bool   `json:"closed"`
	Liquidity     string `json:"liquidity"`
	Outcomes      string `json:"outcomes"`      // JSON array as string
	OutcomePrices string `json:"outcomePrices"` // JSON array as string
}

// Snapshot holds current odds, resolution windows, and categories for
// the watched markets, refreshed periodically. Reads are lock-striped
// from a single read-write map; refresh replaces entries wholesale.
type Snapshot struct {
	baseURL  string
	limit    int
	interval time.Duration
	client   *http.Client
	limiter  ratelimit.Limiter
	persist  Persister

	mu          sync.RWMutex
	byCondition map[string]store.Market
	byID        map[string]store.Market
	lastRefresh time.Time

	subMu       sync.Mutex
	subscribers []func()
}

// NewSnapshot creates a market snapshot store. requestsPerMinute caps
// calls to the Gamma API; callers over budget block rather than error.
func NewSnapshot(baseURL string, interval time.Duration, requestsPerMinute int, persist Persister) *Snapshot {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 100
	}
	return &Snapshot{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		limit:       DefaultMarketLimit,
		interval:    interval,
		client:      &http.Client{Timeout: requestTimeout},
		limiter:     ratelimit.New(requestsPerMinute, ratelimit.Per(time.Minute)),
		persist:     persist,
		byCondition: make(map[string]store.Market),
		byID:        make(map[string]store.Market),
	}
}

// Run refreshes the snapshot on the configured interval until ctx is
// cancelled. The initial refresh happens immediately.
func (s *Snapshot) Run(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		slog.Warn("initial_market_refresh_failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("market_refresher_stopped")
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				slog.Warn("market_refresh_failed", "error", err)
			}
		}
	}
}

// Refresh pulls active markets from the Gamma API, updates the
// in-memory snapshot, and writes through to the store.
func (s *Snapshot) Refresh(ctx context.Context) error {
	s.limiter.Take()

	url := fmt.Sprintf("%s/markets?active=true&closed=false&limit=%d", s.baseURL, s.limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch markets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var raw []gammaMarket
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode markets: %w", err)
	}

	markets := convertMarkets(raw)

	s.mu.Lock()
	for _, pair := range markets {
		if pair.conditionID != "" {
			s.byCondition[strings.ToLower(pair.conditionID)] = pair.market
		}
		s.byID[pair.market.ID] = pair.market
	}
	s.lastRefresh = time.Now().UTC()
	s.mu.Unlock()

	if s.persist != nil {
		for _, pair := range markets {
			if err := s.persist.UpsertMarket(pair.market); err != nil {
				slog.Warn("market_persist_failed", "market", pair.market.ID, "error", err)
			}
		}
	}

	slog.Debug("markets_refreshed", "count", len(markets))
	s.notifyRefreshed()
	return nil
}

// ByCondition resolves an on-chain condition id to a market snapshot.
func (s *Snapshot) ByCondition(conditionID string) (store.Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byCondition[strings.ToLower(conditionID)]
	return m, ok
}

// ByID returns the market snapshot for a Gamma market id.
func (s *Snapshot) ByID(id string) (store.Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	return m, ok
}

// LastRefresh reports when the snapshot was last updated; zero when
// no refresh has succeeded yet.
func (s *Snapshot) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}

// OnRefresh registers a callback invoked after each successful
// refresh. The coordinator uses it to retry trades that referenced a
// market before its snapshot loaded.
func (s *Snapshot) OnRefresh(fn func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Snapshot) notifyRefreshed() {
	s.subMu.Lock()
	subs := make([]func(), len(s.subscribers))
	copy(subs, s.subscribers)
	s.subMu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

type conditionMarket struct {
	conditionID string
	market      store.Market
}

// convertMarkets maps Gamma payloads to snapshot records, skipping
// entries that cannot be parsed.
func convertMarkets(raw []gammaMarket) []conditionMarket {
	out := make([]conditionMarket, 0, len(raw))

	for _, gm := range raw {
		if gm.ID == "" {
			continue
		}

		m := store.Market{
			ID:           gm.ID,
			Title:        gm.Question,
			Category:     gm.Category,
			Description:  gm.Description,
			LiquidityUSD: parseFloat(gm.Liquidity),
			Resolved:     gm.Closed,
		}

		if gm.EndDate != "" {
			if end, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
				m.EndDate = end.UTC()
			}
		}

		names := parseStringArray(gm.Outcomes)
		prices := parseStringArray(gm.OutcomePrices)
		for i, name := range names {
			o := store.Outcome{Name: name}
			if i < len(prices) {
				o.Price = parseFloat(prices[i])
			}
			m.Outcomes = append(m.Outcomes, o)
		}

		out = append(out, conditionMarket{conditionID: gm.ConditionID, market: m})
	}

	return out
}

// parseStringArray parses Gamma's JSON-array-as-string fields.
func parseStringArray(s string) []string {
	if s == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		slog.Debug("failed to parse array field", "raw", truncate(s, 40), "error", err)
		return nil
	}
	return values
}

// parseFloat safely parses a string to float64.
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// truncate shortens a string for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
