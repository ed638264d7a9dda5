// Package alerting delivers balance alerts and admin operation notices.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Notification is one admin-facing message.
type Notification struct {
	Subject string
	Text    string
	Urgent  bool
}

// Notifier delivers a notification to one channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramOptions configure the admin Telegram channel.
type TelegramOptions struct {
	BotToken    string
	ChatIDs     []int64
	APIEndpoint string
	Timeout     time.Duration
}

// TelegramNotifier sends notifications to every configured admin chat.
type TelegramNotifier struct {
	bot     *tgbotapi.BotAPI
	chatIDs []int64
	logger  zerolog.Logger
}

// NewTelegramNotifier authenticates the bot (getMe) and returns the notifier.
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) (*TelegramNotifier, error) {
	if opts.BotToken == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if len(opts.ChatIDs) == 0 {
		return nil, errors.New("telegram admin chat ids are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	endpoint := opts.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithClient(opts.BotToken, endpoint, &http.Client{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}

	return &TelegramNotifier{
		bot:     bot,
		chatIDs: append([]int64(nil), opts.ChatIDs...),
		logger:  logger.With().Str("component", "alert_telegram").Logger(),
	}, nil
}

// Notify sends to each admin chat in turn. A failing chat is logged and
// skipped; an error is returned only when no chat received the message.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	text := renderTelegram(note)

	var errs []error
	delivered := 0
	for _, chatID := range n.chatIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := n.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			n.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("telegram delivery failed")
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return fmt.Errorf("telegram: no admin chat reached: %w", errors.Join(errs...))
	}
	n.logger.Info().Int("delivered", delivered).Int("failed", len(errs)).
		Str("subject", note.Subject).
		Msg("admin notification sent (Telegram)")
	return nil
}

func renderTelegram(note Notification) string {
	var b strings.Builder
	if note.Urgent {
		b.WriteString("🚨 ")
	}
	b.WriteString(note.Subject)
	b.WriteString("\n\n")
	b.WriteString(note.Text)
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
