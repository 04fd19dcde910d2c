// Package config handles loading and validating configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Polygon contract addresses watched by the normalizer.
const (
	USDCContract       = "0x2791bca1f2de4661ed88a30c99a7a9449aa84174"
	PolymarketExchange = "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e"
	ConditionalTokens  = "0x4d97dcd97ec945f40cf65f87097ace5ea0476045"
)

// Weights are the per-signal contributions to the insider score.
// Each weight is added when its signal condition holds; signals are
// independent and additive.
type Weights struct {
	NewWalletLargeBet   int
	HighWinRate         int
	AgainstConsensus    int
	WhaleSize           int
	HighMarketImpact    int
	SuspiciousTiming    int
	PrivacyFunding      int
	ConcentratedBetting int
}

// DefaultWeights returns the stock weight table.
func DefaultWeights() Weights {
	return Weights{
		NewWalletLargeBet:   30,
		HighWinRate:         40,
		AgainstConsensus:    20,
		WhaleSize:           15,
		HighMarketImpact:    20,
		SuspiciousTiming:    35,
		PrivacyFunding:      25,
		ConcentratedBetting: 15,
	}
}

// Config holds all configuration values for the detection engine.
type Config struct {
	// Chain event source
	AlchemyWSURL string

	// Wallet age oracle
	PolygonscanAPIKey    string
	PolygonscanURL       string
	PolygonscanRateLimit int // requests per second

	// Polymarket market-data API
	PolymarketAPIBase   string
	PolymarketRateLimit int // requests per minute
	SyncInterval        time.Duration

	// Detection thresholds
	WhaleThresholdUSD      float64
	NewWalletHours         int
	SuspiciousWinRate      float64
	AgainstMarketThreshold float64
	MarketImpactThreshold  float64
	ResolutionWindowHours  int
	SuspiciousTimingPct    float64
	ConcentrationFraction  float64

	// Score classification
	HighScoreThreshold   int
	MediumScoreThreshold int
	MinAlertScore        int

	// Signal weights
	Weights Weights

	// Alerting
	DiscordWebhookURL string
	TelegramBotToken  string
	TelegramChatID    string
	NotifyRetries     int
	NotifyBackoff     time.Duration

	// Database
	DBPath      string
	CleanupDays int

	// Pipeline
	WorkerCount      int
	EventQueueSize   int
	NormalizeRetries int
	ShutdownTimeout  time.Duration

	// HTTP API
	APIPort int

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables with fallback to .env file.
// Priority order: Environment variables > .env file > hardcoded defaults
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		// Chain event source
		AlchemyWSURL: getEnv("ALCHEMY_WS_URL", ""),

		// Oracle
		PolygonscanAPIKey:    getEnv("POLYGONSCAN_API_KEY", ""),
		PolygonscanURL:       getEnv("POLYGONSCAN_URL", "https://api.polygonscan.com/api"),
		PolygonscanRateLimit: getEnvInt("POLYGONSCAN_RATE_LIMIT", 5),

		// Market data
		PolymarketAPIBase:   getEnv("POLYMARKET_API_BASE", "https://gamma-api.polymarket.com"),
		PolymarketRateLimit: getEnvInt("POLYMARKET_RATE_LIMIT", 100),
		SyncInterval:        time.Duration(getEnvInt("SYNC_INTERVAL_SECONDS", 30)) * time.Second,

		// Thresholds
		WhaleThresholdUSD:      getEnvFloat("WHALE_THRESHOLD_USD", 10000),
		NewWalletHours:         getEnvInt("NEW_WALLET_HOURS", 48),
		SuspiciousWinRate:      getEnvFloat("SUSPICIOUS_WIN_RATE", 0.75),
		AgainstMarketThreshold: getEnvFloat("AGAINST_MARKET_THRESHOLD", 0.30),
		MarketImpactThreshold:  getEnvFloat("MARKET_IMPACT_THRESHOLD", 0.05),
		ResolutionWindowHours:  getEnvInt("RESOLUTION_WINDOW_HOURS", 24),
		SuspiciousTimingPct:    getEnvFloat("SUSPICIOUS_TIMING_PERCENTAGE", 0.60),
		ConcentrationFraction:  getEnvFloat("CONCENTRATION_FRACTION", 0.50),

		// Classification
		HighScoreThreshold:   getEnvInt("HIGH_SCORE_THRESHOLD", 70),
		MediumScoreThreshold: getEnvInt("MEDIUM_SCORE_THRESHOLD", 40),
		MinAlertScore:        getEnvInt("MIN_ALERT_SCORE", 40),

		Weights: Weights{
			NewWalletLargeBet:   getEnvInt("WEIGHT_NEW_WALLET_LARGE_BET", 30),
			HighWinRate:         getEnvInt("WEIGHT_HIGH_WIN_RATE", 40),
			AgainstConsensus:    getEnvInt("WEIGHT_AGAINST_CONSENSUS", 20),
			WhaleSize:           getEnvInt("WEIGHT_WHALE_SIZE", 15),
			HighMarketImpact:    getEnvInt("WEIGHT_HIGH_MARKET_IMPACT", 20),
			SuspiciousTiming:    getEnvInt("WEIGHT_SUSPICIOUS_TIMING", 35),
			PrivacyFunding:      getEnvInt("WEIGHT_PRIVACY_FUNDING", 25),
			ConcentratedBetting: getEnvInt("WEIGHT_CONCENTRATED_BETTING", 15),
		},

		// Alerting
		DiscordWebhookURL: getEnv("DISCORD_WEBHOOK_URL", ""),
		TelegramBotToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:    getEnv("TELEGRAM_CHAT_ID", ""),
		NotifyRetries:     getEnvInt("NOTIFY_RETRIES", 3),
		NotifyBackoff:     time.Duration(getEnvInt("NOTIFY_BACKOFF_SECONDS", 2)) * time.Second,

		// Database
		DBPath:      getEnv("DB_PATH", "./data/detector.db"),
		CleanupDays: getEnvInt("CLEANUP_DAYS", 30),

		// Pipeline
		WorkerCount:      getEnvInt("WORKER_COUNT", 5),
		EventQueueSize:   getEnvInt("EVENT_QUEUE_SIZE", 1000),
		NormalizeRetries: getEnvInt("NORMALIZE_RETRIES", 3),
		ShutdownTimeout:  time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,

		// API
		APIPort: getEnvInt("API_PORT", 8000),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set and valid.
// Missing optional integrations are reported by Warnings, not here.
func (c *Config) Validate() error {
	if c.AlchemyWSURL == "" {
		return fmt.Errorf("ALCHEMY_WS_URL is required")
	}

	if !strings.HasPrefix(c.AlchemyWSURL, "wss://") && !strings.HasPrefix(c.AlchemyWSURL, "ws://") {
		return fmt.Errorf("ALCHEMY_WS_URL must be a WebSocket URL starting with wss://")
	}

	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}

	if c.WhaleThresholdUSD <= 0 {
		return fmt.Errorf("WHALE_THRESHOLD_USD must be positive")
	}

	if c.SuspiciousWinRate <= 0 || c.SuspiciousWinRate > 1 {
		return fmt.Errorf("SUSPICIOUS_WIN_RATE must be in (0, 1]")
	}

	if c.MinAlertScore < 0 {
		return fmt.Errorf("MIN_ALERT_SCORE must not be negative")
	}

	if c.HighScoreThreshold < c.MediumScoreThreshold {
		return fmt.Errorf("HIGH_SCORE_THRESHOLD must not be below MEDIUM_SCORE_THRESHOLD")
	}

	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}

	if c.EventQueueSize < 1 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be at least 1")
	}

	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be between 1 and 65535")
	}

	return nil
}

// Warnings reports optional integrations that are missing. The engine
// still starts; affected signals degrade to "unknown".
func (c *Config) Warnings() []string {
	var warnings []string

	if c.PolygonscanAPIKey == "" {
		warnings = append(warnings, "Polygonscan API key not configured - wallet age and funding analysis will be limited")
	}

	if c.DiscordWebhookURL == "" && c.TelegramBotToken == "" {
		warnings = append(warnings, "no notification sink configured - alerts will be persisted but not delivered")
	}

	return warnings
}

// MaskedPolygonscanKey returns the API key with most characters hidden for logging.
func (c *Config) MaskedPolygonscanKey() string {
	return maskSecret(c.PolygonscanAPIKey)
}

// MaskedDiscordWebhook returns the webhook URL with most characters hidden for logging.
func (c *Config) MaskedDiscordWebhook() string {
	return maskSecret(c.DiscordWebhookURL)
}

// MaskedTelegramToken returns the bot token with most characters hidden for logging.
func (c *Config) MaskedTelegramToken() string {
	return maskSecret(c.TelegramBotToken)
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer or returns a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat retrieves an environment variable as a float64 or returns a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
