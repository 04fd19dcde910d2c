package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// TelegramSink sends alert messages to a Telegram chat.
type TelegramSink struct {
	token  string
	chatID string
	bot    *bot.Bot
}

// NewTelegramSink creates a Telegram sink. Missing token or chat id
// leaves the sink unconfigured.
func NewTelegramSink(token, chatID string) *TelegramSink {
	t := &TelegramSink{token: token, chatID: chatID}
	if token == "" || chatID == "" {
		return t
	}

	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		slog.Warn("telegram_bot_init_failed", "error", err)
		return t
	}
	t.bot = b
	return t
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Configured() bool { return t.bot != nil }

// Send posts the alert as an HTML message.
func (t *TelegramSink) Send(ctx context.Context, p Payload) error {
	if !t.Configured() {
		return nil
	}

	text := fmt.Sprintf(
		"<b>%s RISK</b> score %d\n$%.0f on <i>%s</i>\nWallet: <code>%s</code>\nFlags: %s\n%s",
		p.Confidence, p.Score, p.AmountUSD, p.MarketTitle,
		shortenAddress(p.WalletAddress), strings.Join(p.Flags, ", "), p.Description,
	)

	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    t.chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}
