// Package main is the entry point for the insiderwatch detection engine.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/insiderwatch/engine/internal/alert"
	"github.com/insiderwatch/engine/internal/api"
	"github.com/insiderwatch/engine/internal/config"
	"github.com/insiderwatch/engine/internal/ingest"
	"github.com/insiderwatch/engine/internal/markets"
	"github.com/insiderwatch/engine/internal/metrics"
	"github.com/insiderwatch/engine/internal/notify"
	"github.com/insiderwatch/engine/internal/oracle"
	"github.com/insiderwatch/engine/internal/pipeline"
	"github.com/insiderwatch/engine/internal/scoring"
	"github.com/insiderwatch/engine/internal/store"
)

const cleanupInterval = 6 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("insiderwatch starting",
		"version", "1.0.0",
	)

	slog.Info("config_loaded",
		"alchemy_ws_url", cfg.AlchemyWSURL,
		"polymarket_api", cfg.PolymarketAPIBase,
		"polygonscan_key", cfg.MaskedPolygonscanKey(),
		"discord_webhook", cfg.MaskedDiscordWebhook(),
		"telegram_token", cfg.MaskedTelegramToken(),
		"whale_threshold_usd", cfg.WhaleThresholdUSD,
		"min_alert_score", cfg.MinAlertScore,
		"worker_count", cfg.WorkerCount,
		"db_path", cfg.DBPath,
		"api_port", cfg.APIPort,
	)

	for _, w := range cfg.Warnings() {
		slog.Warn("config_warning", "detail", w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	snapshot := markets.NewSnapshot(cfg.PolymarketAPIBase, cfg.SyncInterval, cfg.PolymarketRateLimit, db)
	snapshot.OnRefresh(m.MarkRefresh)
	go snapshot.Run(ctx)

	orc := oracle.NewClient(cfg.PolygonscanURL, cfg.PolygonscanAPIKey, cfg.PolygonscanRateLimit)

	sinks := []notify.Sink{
		notify.NewDiscordSink(cfg.DiscordWebhookURL),
		notify.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID),
	}
	dispatcher := alert.NewDispatcher(db, sinks, cfg.MinAlertScore, cfg.NotifyRetries, cfg.NotifyBackoff)

	normalizer := ingest.NewNormalizer(snapshot, []string{config.PolymarketExchange})
	coordinator := pipeline.New(cfg, db, normalizer, snapshot, orc, scoring.NewEngine(cfg), dispatcher, m)
	coordinator.Start(ctx)

	listener := ingest.NewListener(cfg.AlchemyWSURL,
		[]string{config.PolymarketExchange},
		coordinator.Events(),
		func() uint64 {
			block, err := db.Checkpoint()
			if err != nil {
				slog.Warn("checkpoint_read_failed", "error", err)
				return 0
			}
			return block
		},
	)
	listener.OnStateChange(func(connected bool) {
		m.SetWSConnected(connected)
		if !connected {
			m.WSReconnects.Inc()
		}
	})
	listener.Start(ctx)

	go runCleanup(ctx, db, cfg.CleanupDays)

	server := api.New(cfg, db, m.Snapshot, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := server.Run(ctx); err != nil {
			slog.Error("api_server_failed", "error", err)
			cancel()
		}
	}()

	slog.Info("engine_started",
		"status", "listening for chain events",
		"contract", config.PolymarketExchange,
		"workers", cfg.WorkerCount,
	)

	select {
	case sig := <-sigChan:
		slog.Info("shutdown_signal_received", "signal", sig.String())
	case <-ctx.Done():
	}

	slog.Info("shutting_down", "status", "stopping listener")
	listener.Stop()
	cancel()

	coordinator.Stop()

	slog.Info("shutdown_complete")
}

// runCleanup prunes resolved trades and delivered alerts past the
// retention window.
func runCleanup(ctx context.Context, db *store.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.CleanupOld(retention); err != nil {
				slog.Warn("cleanup_failed", "error", err)
				continue
			}
			slog.Debug("cleanup_done", "retention_days", retentionDays)
		}
	}
}

// setupLogger creates a structured logger with the specified level.
// Format: 2025-01-04 14:32:01 [INFO]  message key=value
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05"))
				}
			}
			return a
		},
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}
