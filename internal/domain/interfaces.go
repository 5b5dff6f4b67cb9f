package domain

import (
	"context"
	"time"

	"erpsync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// OrderSource is the narrow view of the storefront the integration needs.
type OrderSource interface {
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	AppendAuditNote(ctx context.Context, orderID int64, note string) error
}

type CatalogStore interface {
	UpsertProducts(ctx context.Context, products []models.Product) error
	UpdateStock(ctx context.Context, levels []models.StockLevel) (int, error)
}

// Notifier is a fire-and-forget operator alert sink.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Locker hands out short-lived advisory locks. The returned release func is nil when ok is false.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}
