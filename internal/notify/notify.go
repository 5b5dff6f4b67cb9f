package notify

import (
	"context"
	"errors"
	"fmt"

	"erpsync/internal/config"
	"erpsync/internal/domain"
	"erpsync/internal/logging"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramNotifier posts operator alerts to a fixed set of chats.
type TelegramNotifier struct {
	bot     domain.TelegramSender
	chatIDs []int64
}

func NewTelegramNotifier(bot domain.TelegramSender, chatIDs []int64) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, chatIDs: chatIDs}
}

// NewTelegramBot connects to the Bot API with the configured token.
func NewTelegramBot(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug
	return bot, nil
}

// Notify sends to every chat and reports all failures joined.
func (n *TelegramNotifier) Notify(_ context.Context, title, body string) error {
	text := fmt.Sprintf("⚠️ %s\n\n%s", title, body)

	var errs []error
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := n.bot.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	logger *zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.Component(logger, "notify")}
}

func (n *LogNotifier) Notify(_ context.Context, title, body string) error {
	n.logger.Warn().Str("title", title).Str("body", body).Msg("operator alert")
	return nil
}

// Multi fans out to several notifiers. Every sink is tried.
type Multi []domain.Notifier

func (m Multi) Notify(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
