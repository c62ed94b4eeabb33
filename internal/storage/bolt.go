package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pauljones0/zdm-digest-bot/internal/models"
)

var (
	dealsBucket     = []byte("deals")
	deliveredBucket = []byte("delivered")
)

// Bolt keeps one JSON record per deal, keyed by id, plus a bucket of every
// delivered id that trimming never touches.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("bolt path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		deals, err := tx.CreateBucketIfNotExists(dealsBucket)
		if err != nil {
			return err
		}
		if tx.Bucket(deliveredBucket) != nil {
			return nil
		}
		ledger, err := tx.CreateBucket(deliveredBucket)
		if err != nil {
			return err
		}
		// Seed the ledger from files written before it existed.
		return deals.ForEach(func(k, v []byte) error {
			d, err := decodeDeal(k, v)
			if err != nil {
				return err
			}
			if !d.Delivered {
				return nil
			}
			return ledger.Put(k, []byte(d.LastUpdated.Format(time.RFC3339)))
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func (s *Bolt) UpsertDeals(ctx context.Context, deals []models.Deal) error {
	if len(deals) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dealsBucket)
		ledger := tx.Bucket(deliveredBucket)
		for _, d := range deals {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := []byte(d.ID)
			if ledger.Get(key) != nil {
				d.Delivered = true
			} else if existing := b.Get(key); existing != nil {
				prev, err := decodeDeal(key, existing)
				if err != nil {
					return err
				}
				d.Delivered = d.Delivered || prev.Delivered
			}
			d.LastUpdated = now
			data, err := json.Marshal(d)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return fmt.Errorf("put deal %s: %w", d.ID, err)
			}
			if d.Delivered {
				if err := ledger.Put(key, []byte(now.Format(time.RFC3339))); err != nil {
					return fmt.Errorf("record delivered deal %s: %w", d.ID, err)
				}
			}
		}
		return nil
	})
}

func decodeDeal(k, v []byte) (models.Deal, error) {
	var d models.Deal
	if err := json.Unmarshal(v, &d); err != nil {
		return d, fmt.Errorf("decoding deal %s: %w", k, err)
	}
	return d, nil
}

// each decodes every stored deal. A record that fails to decode aborts the
// walk.
func (s *Bolt) each(fn func(d models.Deal)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dealsBucket).ForEach(func(k, v []byte) error {
			d, err := decodeDeal(k, v)
			if err != nil {
				return err
			}
			fn(d)
			return nil
		})
	})
}

func (s *Bolt) UndeliveredDeals(ctx context.Context) ([]models.Deal, error) {
	var deals []models.Deal
	err := s.each(func(d models.Deal) {
		if !d.Delivered {
			deals = append(deals, d)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("reading undelivered deals: %w", err)
	}
	sortStoreOrder(deals)
	return deals, nil
}

func (s *Bolt) DeliveredIDs(ctx context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(deliveredBucket).ForEach(func(k, _ []byte) error {
			ids[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading delivered ids: %w", err)
	}
	return ids, nil
}

// TrimDelivered deletes the records of the oldest delivered deals beyond
// keep. Their ids stay in the delivered bucket.
func (s *Bolt) TrimDelivered(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dealsBucket)

		var delivered []models.Deal
		err := b.ForEach(func(k, v []byte) error {
			d, err := decodeDeal(k, v)
			if err != nil {
				return err
			}
			if d.Delivered {
				delivered = append(delivered, d)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(delivered) <= keep {
			return nil
		}

		// Newest first; everything past keep goes.
		sort.SliceStable(delivered, func(i, j int) bool {
			if !delivered[i].OccurredAt.Equal(delivered[j].OccurredAt) {
				return delivered[i].OccurredAt.After(delivered[j].OccurredAt)
			}
			return delivered[i].ID > delivered[j].ID
		})
		for _, d := range delivered[keep:] {
			if err := b.Delete([]byte(d.ID)); err != nil {
				return fmt.Errorf("delete deal %s: %w", d.ID, err)
			}
		}
		slog.Info("Trimmed delivered deals", "deleted", len(delivered)-keep, "keep", keep)
		return nil
	})
}
