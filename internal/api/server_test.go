package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insiderwatch/engine/internal/config"
	"github.com/insiderwatch/engine/internal/metrics"
	"github.com/insiderwatch/engine/internal/store"
)

type fakeReader struct {
	trades []store.ScoredTrade
	alerts []store.AlertView
	stats  store.Stats

	lastMinAmount float64
	lastWindow    time.Duration
}

func (f *fakeReader) LargeTrades(minAmount float64, window time.Duration, limit int) ([]store.ScoredTrade, error) {
	f.lastMinAmount = minAmount
	f.lastWindow = window
	return f.trades, nil
}

func (f *fakeReader) RecentAlerts(window time.Duration, limit int) ([]store.AlertView, error) {
	f.lastWindow = window
	return f.alerts, nil
}

func (f *fakeReader) RecentStats(window time.Duration) (store.Stats, error) {
	f.lastWindow = window
	return f.stats, nil
}

func testServer(reader *fakeReader, health metrics.Health) *Server {
	cfg := &config.Config{
		APIPort:           8080,
		WhaleThresholdUSD: 10000,
		AlchemyWSURL:      "wss://example.invalid/ws",
	}
	return New(cfg, reader, func() metrics.Health { return health }, nil)
}

func doGet(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealthOK(t *testing.T) {
	s := testServer(&fakeReader{}, metrics.Health{
		WSConnected: true,
		LastEventAt: time.Now(),
		Uptime:      90 * time.Second,
	})

	rec, body := doGet(t, s, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["ws_connected"])
	assert.InDelta(t, 90, body["uptime_seconds"], 1)
}

func TestHealthDegradedWhenDisconnected(t *testing.T) {
	s := testServer(&fakeReader{}, metrics.Health{WSConnected: false})

	rec, body := doGet(t, s, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestTradesDefaultsAndFilters(t *testing.T) {
	reader := &fakeReader{
		trades: []store.ScoredTrade{
			{
				Trade: store.Trade{
					TxHash:        "0xabc",
					WalletAddress: "0x111",
					MarketID:      "mkt-1",
					AmountUSD:     25000,
					Timestamp:     time.Now(),
				},
				MarketTitle: "Will it rain",
				OutcomeName: "Yes",
				Score:       45,
				Confidence:  store.ConfidenceMedium,
			},
		},
	}
	s := testServer(reader, metrics.Health{WSConnected: true})

	rec, body := doGet(t, s, "/api/trades")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, 10000.0, reader.lastMinAmount)
	assert.Equal(t, 24*time.Hour, reader.lastWindow)

	_, _ = doGet(t, s, "/api/trades?min_amount=50000&hours=6")
	assert.Equal(t, 50000.0, reader.lastMinAmount)
	assert.Equal(t, 6*time.Hour, reader.lastWindow)
}

func TestTradesRejectsBadWindow(t *testing.T) {
	s := testServer(&fakeReader{}, metrics.Health{WSConnected: true})

	rec, _ := doGet(t, s, "/api/trades?hours=not-a-number")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doGet(t, s, "/api/trades?hours=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertsFeed(t *testing.T) {
	reader := &fakeReader{
		alerts: []store.AlertView{
			{
				Alert: store.Alert{
					ID:         "a-1",
					TradeHash:  "0xabc",
					Score:      75,
					Confidence: store.ConfidenceHigh,
					Flags:      []string{store.SignalWhaleSize},
					Delivered:  true,
				},
				WalletAddress: "0x111",
				MarketTitle:   "Will it rain",
				AmountUSD:     25000,
			},
		},
	}
	s := testServer(reader, metrics.Health{WSConnected: true})

	rec, body := doGet(t, s, "/api/alerts")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	alerts := body["alerts"].([]any)
	first := alerts[0].(map[string]any)
	assert.Equal(t, "a-1", first["id"])
	assert.Equal(t, float64(75), first["score"])
	assert.Equal(t, "HIGH", first["confidence"])
}

func TestStats(t *testing.T) {
	reader := &fakeReader{
		stats: store.Stats{TotalAlerts: 12, HighRisk: 3, MediumRisk: 9, TotalVolumeUSD: 480000},
	}
	s := testServer(reader, metrics.Health{WSConnected: true})

	rec, body := doGet(t, s, "/api/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(12), body["total_alerts"])
	assert.Equal(t, float64(3), body["high_risk"])
	assert.Equal(t, float64(480000), body["total_volume_usd"])
	assert.Equal(t, float64(24), body["window_hours"])
}
