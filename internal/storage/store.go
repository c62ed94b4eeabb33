// Package storage persists deals between runs and remembers which ones have
// been delivered.
//
// Every backend keeps Delivered monotonic: once a deal is stored as
// delivered, a later upsert carrying Delivered=false does not reset it.
package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pauljones0/zdm-digest-bot/internal/config"
	"github.com/pauljones0/zdm-digest-bot/internal/models"
)

type Store interface {
	UpsertDeals(ctx context.Context, deals []models.Deal) error
	UndeliveredDeals(ctx context.Context) ([]models.Deal, error)
	DeliveredIDs(ctx context.Context) (map[string]struct{}, error)
	// TrimDelivered deletes the oldest delivered deals so that at most keep
	// remain. keep <= 0 disables trimming.
	TrimDelivered(ctx context.Context, keep int) error
	Close() error
}

// Open returns the backend selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err = OpenSQLite(ctx, cfg.StorePath)
	case config.DriverBolt:
		s, err = OpenBolt(cfg.StorePath)
	case config.DriverFirestore:
		s, err = NewFirestore(ctx, cfg.ProjectID)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// sortStoreOrder orders deals newest first, breaking ties by id, which is the
// order every backend returns undelivered deals in.
func sortStoreOrder(deals []models.Deal) {
	sort.SliceStable(deals, func(i, j int) bool {
		if !deals[i].OccurredAt.Equal(deals[j].OccurredAt) {
			return deals[i].OccurredAt.After(deals[j].OccurredAt)
		}
		return deals[i].ID < deals[j].ID
	})
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
