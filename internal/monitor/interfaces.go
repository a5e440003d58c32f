package monitor

import (
	"context"

	"github.com/pauljones0/ticket-monitor/internal/models"
	"github.com/pauljones0/ticket-monitor/internal/notifier"
)

// ProductFetcher returns the bookable, filtered products for one date.
type ProductFetcher interface {
	GetAvailableProducts(ctx context.Context, date string, q models.SearchQuery, filter string) ([]models.Product, error)
}

// AlertStore abstracts the durable alert history and counters.
type AlertStore interface {
	AlreadyAlerted(ctx context.Context, key models.AlertKey) (bool, error)
	RecordAlerted(ctx context.Context, keys ...models.AlertKey) error
	Clear(ctx context.Context) error
	AlertedCount(ctx context.Context) (int, error)
	LoadStatus(ctx context.Context) (models.Status, error)
	SaveStatus(ctx context.Context, s models.Status) error
}

// DateStore abstracts the operator-managed list of target dates.
type DateStore interface {
	ListDates(ctx context.Context) ([]string, error)
	AddDate(ctx context.Context, date string) error
	RemoveDate(ctx context.Context, date string) error
}

// Notifier abstracts the notification layer.
type Notifier interface {
	IsConfigured() bool
	SendAvailabilityBatch(ctx context.Context, batch models.Availability) bool
	SendStatusMessage(ctx context.Context, text string) bool
	SendErrorMessage(ctx context.Context, text string) bool
	SendPeriodicSummary(ctx context.Context, s notifier.Summary) bool
}
