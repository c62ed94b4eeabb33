package processor

import (
	"context"

	"github.com/pauljones0/zdm-digest-bot/internal/digest"
	"github.com/pauljones0/zdm-digest-bot/internal/models"
	"github.com/pauljones0/zdm-digest-bot/internal/notifier"
)

// DealStore abstracts the storage layer for deal data.
type DealStore interface {
	UpsertDeals(ctx context.Context, deals []models.Deal) error
	UndeliveredDeals(ctx context.Context) ([]models.Deal, error)
	DeliveredIDs(ctx context.Context) (map[string]struct{}, error)
	TrimDelivered(ctx context.Context, keep int) error
}

// Scraper fetches the current feed listings.
type Scraper interface {
	ScrapeDealList(ctx context.Context) ([]models.Deal, error)
}

// Dispatcher abstracts the notification layer.
type Dispatcher interface {
	Dispatch(ctx context.Context, d *digest.Digest) (notifier.Report, error)
}
