// Package api serves the read-only HTTP surface: recent trades,
// the alert feed, aggregate stats and health.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/insiderwatch/engine/internal/config"
	"github.com/insiderwatch/engine/internal/metrics"
	"github.com/insiderwatch/engine/internal/store"
)

const (
	defaultWindowHours = 24
	maxWindowHours     = 24 * 30
	defaultLimit       = 100
)

// Reader is the query surface the API needs from the store.
type Reader interface {
	LargeTrades(minAmount float64, window time.Duration, limit int) ([]store.ScoredTrade, error)
	RecentAlerts(window time.Duration, limit int) ([]store.AlertView, error)
	RecentStats(window time.Duration) (store.Stats, error)
}

// Server hosts the read-only JSON API and the Prometheus endpoint.
type Server struct {
	cfg            *config.Config
	reader         Reader
	health         func() metrics.Health
	metricsHandler http.Handler
	srv            *http.Server
}

// New builds the server. health reports the engine's liveness state;
// metricsHandler serves the Prometheus registry.
func New(cfg *config.Config, reader Reader, health func() metrics.Health, metricsHandler http.Handler) *Server {
	s := &Server{
		cfg:            cfg,
		reader:         reader,
		health:         health,
		metricsHandler: metricsHandler,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/api/health", s.handleHealth)
	router.GET("/api/trades", s.handleTrades)
	router.GET("/api/alerts", s.handleAlerts)
	router.GET("/api/stats", s.handleStats)
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("api_listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type healthResponse struct {
	Status        string    `json:"status"`
	WSConnected   bool      `json:"ws_connected"`
	LastEventAt   time.Time `json:"last_event_at"`
	LastRefreshAt time.Time `json:"last_refresh_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Warnings      []string  `json:"warnings,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.health()

	status := "ok"
	code := http.StatusOK
	if !h.WSConnected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, healthResponse{
		Status:        status,
		WSConnected:   h.WSConnected,
		LastEventAt:   h.LastEventAt,
		LastRefreshAt: h.LastRefreshAt,
		UptimeSeconds: h.Uptime.Seconds(),
		Warnings:      s.cfg.Warnings(),
	})
}

type tradeResponse struct {
	TxHash        string    `json:"tx_hash"`
	WalletAddress string    `json:"wallet_address"`
	MarketID      string    `json:"market_id"`
	MarketTitle   string    `json:"market_title"`
	Outcome       string    `json:"outcome"`
	OutcomePrice  float64   `json:"outcome_price"`
	AmountUSD     float64   `json:"amount_usd"`
	PricePerShare float64   `json:"price_per_share"`
	Timestamp     time.Time `json:"timestamp"`
	WalletTrades  int       `json:"wallet_trades"`
	WinRate       float64   `json:"win_rate"`
	Score         int       `json:"score,omitempty"`
	Confidence    string    `json:"confidence,omitempty"`
	Flags         []string  `json:"flags,omitempty"`
}

func (s *Server) handleTrades(c *gin.Context) {
	minAmount := queryFloat(c, "min_amount", s.cfg.WhaleThresholdUSD)
	window, ok := queryWindow(c)
	if !ok {
		return
	}

	trades, err := s.reader.LargeTrades(minAmount, window, defaultLimit)
	if err != nil {
		slog.Error("trades_query_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	out := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeResponse{
			TxHash:        t.TxHash,
			WalletAddress: t.WalletAddress,
			MarketID:      t.MarketID,
			MarketTitle:   t.MarketTitle,
			Outcome:       t.OutcomeName,
			OutcomePrice:  t.OutcomePrice,
			AmountUSD:     t.AmountUSD,
			PricePerShare: t.PricePerShare,
			Timestamp:     t.Timestamp,
			WalletTrades:  t.WalletTrades,
			WinRate:       t.WinRate,
			Score:         t.Score,
			Confidence:    string(t.Confidence),
			Flags:         t.Flags,
		})
	}
	c.JSON(http.StatusOK, gin.H{"trades": out, "count": len(out)})
}

type alertResponse struct {
	ID            string    `json:"id"`
	TradeHash     string    `json:"trade_hash"`
	WalletAddress string    `json:"wallet_address"`
	MarketTitle   string    `json:"market_title"`
	AmountUSD     float64   `json:"amount_usd"`
	Score         int       `json:"score"`
	Confidence    string    `json:"confidence"`
	Flags         []string  `json:"flags"`
	Description   string    `json:"description"`
	Delivered     bool      `json:"delivered"`
	TradeTime     time.Time `json:"trade_time"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleAlerts(c *gin.Context) {
	window, ok := queryWindow(c)
	if !ok {
		return
	}

	alerts, err := s.reader.RecentAlerts(window, defaultLimit)
	if err != nil {
		slog.Error("alerts_query_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	out := make([]alertResponse, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertResponse{
			ID:            a.ID,
			TradeHash:     a.TradeHash,
			WalletAddress: a.WalletAddress,
			MarketTitle:   a.MarketTitle,
			AmountUSD:     a.AmountUSD,
			Score:         a.Score,
			Confidence:    string(a.Confidence),
			Flags:         a.Flags,
			Description:   a.Description,
			Delivered:     a.Delivered,
			TradeTime:     a.TradeTime,
			CreatedAt:     a.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out, "count": len(out)})
}

func (s *Server) handleStats(c *gin.Context) {
	window, ok := queryWindow(c)
	if !ok {
		return
	}

	stats, err := s.reader.RecentStats(window)
	if err != nil {
		slog.Error("stats_query_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"window_hours":     window.Hours(),
		"total_alerts":     stats.TotalAlerts,
		"high_risk":        stats.HighRisk,
		"medium_risk":      stats.MediumRisk,
		"total_volume_usd": stats.TotalVolumeUSD,
	})
}

// queryWindow parses the hours parameter. Writes the error response
// itself when the value is invalid.
func queryWindow(c *gin.Context) (time.Duration, bool) {
	raw := c.DefaultQuery("hours", strconv.Itoa(defaultWindowHours))
	hours, err := strconv.Atoi(raw)
	if err != nil || hours < 1 || hours > maxWindowHours {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours parameter"})
		return 0, false
	}
	return time.Duration(hours) * time.Hour, true
}

func queryFloat(c *gin.Context, key string, fallback float64) float64 {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
