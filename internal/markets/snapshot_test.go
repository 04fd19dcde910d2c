package markets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insiderwatch/engine/internal/store"
)

type memPersister struct {
	mu      sync.Mutex
	markets map[string]store.Market
}

func (p *memPersister) UpsertMarket(m store.Market) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.markets == nil {
		p.markets = make(map[string]store.Market)
	}
	p.markets[m.ID] = m
	return nil
}

func gammaResponse() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"id":            "512345",
			"conditionId":   "0xBEEF",
			"question":      "Will the Fed cut rates in September?",
			"category":      "Economics",
			"endDate":       "2025-09-18T00:00:00Z",
			"active":        true,
			"closed":        false,
			"liquidity":     "250000.5",
			"outcomes":      `["Yes","No"]`,
			"outcomePrices": `["0.62","0.38"]`,
		},
		{
			"id":            "512346",
			"conditionId":   "0xFEED",
			"question":      "Will there be a US bank failure this year?",
			"endDate":       "2025-12-31T00:00:00Z",
			"liquidity":     "90000",
			"outcomes":      `["Yes","No"]`,
			"outcomePrices": `["0.15","0.85"]`,
		},
		{
			// Unparseable entry: skipped, not fatal.
			"id": "",
		},
	}
}

func newTestSnapshot(t *testing.T, persist Persister) (*Snapshot, *int) {
	t.Helper()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/markets", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		json.NewEncoder(w).Encode(gammaResponse())
	}))
	t.Cleanup(srv.Close)

	return NewSnapshot(srv.URL, time.Second, 100, persist), &calls
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	persist := &memPersister{}
	s, calls := newTestSnapshot(t, persist)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, 1, *calls)

	m, ok := s.ByCondition("0xbeef")
	require.True(t, ok)
	assert.Equal(t, "512345", m.ID)
	assert.Equal(t, "Will the Fed cut rates in September?", m.Title)
	assert.Equal(t, 250000.5, m.LiquidityUSD)
	require.Len(t, m.Outcomes, 2)
	assert.Equal(t, "Yes", m.Outcomes[0].Name)
	assert.Equal(t, 0.62, m.Outcomes[0].Price)
	assert.Equal(t, time.Date(2025, 9, 18, 0, 0, 0, 0, time.UTC), m.EndDate)

	// Condition lookup is case-insensitive.
	_, ok = s.ByCondition("0xBEEF")
	assert.True(t, ok)

	byID, ok := s.ByID("512346")
	require.True(t, ok)
	assert.Equal(t, 0.15, byID.Outcomes[0].Price)

	assert.False(t, s.LastRefresh().IsZero())

	// Refreshed markets are written through to the store.
	persist.mu.Lock()
	defer persist.mu.Unlock()
	assert.Len(t, persist.markets, 2)
}

func TestRefreshUnknownCondition(t *testing.T) {
	t.Parallel()

	s, _ := newTestSnapshot(t, nil)
	require.NoError(t, s.Refresh(context.Background()))

	_, ok := s.ByCondition("0xdead")
	assert.False(t, ok)
}

func TestRefreshServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	s := NewSnapshot(srv.URL, time.Second, 100, nil)
	err := s.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code")
	assert.True(t, s.LastRefresh().IsZero())
}

func TestOnRefresh(t *testing.T) {
	t.Parallel()

	s, _ := newTestSnapshot(t, nil)

	notified := 0
	s.OnRefresh(func() { notified++ })

	require.NoError(t, s.Refresh(context.Background()))
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, 2, notified)
}

func TestParseStringArray(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"Yes", "No"}, parseStringArray(`["Yes","No"]`))
	assert.Nil(t, parseStringArray(""))
	assert.Nil(t, parseStringArray("not json"))
}
