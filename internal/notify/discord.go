package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/insiderwatch/engine/internal/store"
)

// Embed colors per confidence level.
const (
	colorHigh   = 0xFF6B6B
	colorMedium = 0xFFD93D
	colorLow    = 0x6BCF7F
)

// DiscordSink posts alert embeds to a Discord webhook.
type DiscordSink struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSink creates a Discord sink. An empty webhook URL leaves
// the sink unconfigured.
func NewDiscordSink(webhookURL string) *DiscordSink {
	return &DiscordSink{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordSink) Name() string { return "discord" }

func (d *DiscordSink) Configured() bool { return d.webhookURL != "" }

type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Color       int                 `json:"color"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Timestamp   string              `json:"timestamp"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

// Send posts the alert as a webhook embed.
func (d *DiscordSink) Send(ctx context.Context, p Payload) error {
	if !d.Configured() {
		return nil
	}

	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       fmt.Sprintf("%s RISK: $%.0f bet on %s", p.Confidence, p.AmountUSD, p.MarketTitle),
			Description: p.Description,
			Color:       confidenceColor(p.Confidence),
			Fields: []discordEmbedField{
				{Name: "Score", Value: fmt.Sprintf("%d", p.Score), Inline: true},
				{Name: "Wallet", Value: shortenAddress(p.WalletAddress), Inline: true},
				{Name: "Flags", Value: strings.Join(p.Flags, ", "), Inline: false},
				{Name: "Tx", Value: p.TradeHash, Inline: false},
			},
			Timestamp: p.CreatedAt.UTC().Format(time.RFC3339),
		}},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func confidenceColor(c store.Confidence) int {
	switch c {
	case store.ConfidenceHigh:
		return colorHigh
	case store.ConfidenceMedium:
		return colorMedium
	default:
		return colorLow
	}
}
