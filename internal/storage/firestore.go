package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pauljones0/zdm-digest-bot/internal/models"
)

const (
	firestoreCollection = "deals"
	// deliveredCollection holds one empty document per delivered deal id and
	// is never trimmed.
	deliveredCollection = "delivered_ids"
	// maxTransactionWrites is the Firestore limit on writes per transaction.
	maxTransactionWrites = 500
	// upsertChunkSize leaves room for a deal write and a ledger write per deal.
	upsertChunkSize = maxTransactionWrites / 2
)

type Firestore struct {
	client *firestore.Client
}

func NewFirestore(ctx context.Context, projectID string) (*Firestore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return &Firestore{client: client}, nil
}

func (c *Firestore) Close() error {
	return c.client.Close()
}

type deliveredRecord struct {
	DeliveredAt time.Time `firestore:"deliveredAt"`
}

// UpsertDeals writes deals in transactions of at most 250 deals. Each
// transaction reads the existing documents and ledger entries first so a
// delivered flag is never cleared, even for trimmed deals.
func (c *Firestore) UpsertDeals(ctx context.Context, deals []models.Deal) error {
	col := c.client.Collection(firestoreCollection)
	ledger := c.client.Collection(deliveredCollection)
	now := time.Now().UTC()

	for _, chunk := range chunkDeals(deals, upsertChunkSize) {
		refs := make([]*firestore.DocumentRef, 0, 2*len(chunk))
		for _, d := range chunk {
			refs = append(refs, col.Doc(d.ID))
		}
		for _, d := range chunk {
			refs = append(refs, ledger.Doc(d.ID))
		}

		err := c.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			snaps, err := tx.GetAll(refs)
			if err != nil {
				return err
			}
			for i, d := range chunk {
				if snaps[len(chunk)+i].Exists() {
					d.Delivered = true
				} else if snaps[i].Exists() {
					if v, err := snaps[i].DataAt("delivered"); err == nil {
						if delivered, ok := v.(bool); ok && delivered {
							d.Delivered = true
						}
					}
				}
				d.LastUpdated = now
				if err := tx.Set(refs[i], d); err != nil {
					return err
				}
				if d.Delivered {
					if err := tx.Set(refs[len(chunk)+i], deliveredRecord{DeliveredAt: now}); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to upsert %d deals: %w", len(chunk), err)
		}
	}
	return nil
}

func (c *Firestore) UndeliveredDeals(ctx context.Context) ([]models.Deal, error) {
	iter := c.client.Collection(firestoreCollection).Where("delivered", "==", false).Documents(ctx)
	defer iter.Stop()

	var deals []models.Deal
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate undelivered deals: %w", err)
		}
		var d models.Deal
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal deal %s: %w", doc.Ref.ID, err)
		}
		if d.ID == "" {
			d.ID = doc.Ref.ID
		}
		deals = append(deals, d)
	}
	sortStoreOrder(deals)
	return deals, nil
}

func (c *Firestore) DeliveredIDs(ctx context.Context) (map[string]struct{}, error) {
	iter := c.client.Collection(deliveredCollection).
		Select().
		Documents(ctx)
	defer iter.Stop()

	ids := make(map[string]struct{})
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ids, nil
			}
			return nil, fmt.Errorf("failed to iterate delivered ids: %w", err)
		}
		ids[doc.Ref.ID] = struct{}{}
	}
	return ids, nil
}

// TrimDelivered deletes the oldest delivered deals (by occurredAt) beyond
// keep. Their ids stay in the delivered_ids collection.
func (c *Firestore) TrimDelivered(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	delivered := c.client.Collection(firestoreCollection).Where("delivered", "==", true)

	countSnapshot, err := delivered.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get delivered count for trimming: %w", err)
	}
	count, err := aggregationCount(countSnapshot, "all")
	if err != nil {
		return err
	}
	if count <= keep {
		return nil
	}

	numToDelete := count - keep
	slog.Info("Trimming delivered deals", "current", count, "keep", keep, "deleting", numToDelete)

	iter := delivered.
		OrderBy("occurredAt", firestore.Asc).
		Limit(numToDelete).
		Documents(ctx)
	defer iter.Stop()

	bulkWriter := c.client.BulkWriter(ctx)
	defer bulkWriter.End()

	deletedCount := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to iterate deals for trimming: %w", err)
		}
		if _, err := bulkWriter.Delete(doc.Ref); err != nil {
			slog.Warn("Failed to queue delete", "id", doc.Ref.ID, "error", err)
			continue
		}
		deletedCount++
	}

	if deletedCount > 0 {
		bulkWriter.Flush()
		slog.Info("Flushed delete operations", "count", deletedCount)
	}
	return nil
}

// aggregationCount extracts a count aggregation. The client returns either a
// plain int64 or a *firestorepb.Value depending on version.
func aggregationCount(result firestore.AggregationResult, key string) (int, error) {
	v, ok := result[key]
	if !ok {
		return 0, fmt.Errorf("count aggregation result was invalid: %q key missing", key)
	}
	switch val := v.(type) {
	case int64:
		return int(val), nil
	case *firestorepb.Value:
		return int(val.GetIntegerValue()), nil
	default:
		return 0, fmt.Errorf("count aggregation result has unexpected type %T", v)
	}
}

func chunkDeals(deals []models.Deal, size int) [][]models.Deal {
	var chunks [][]models.Deal
	for start := 0; start < len(deals); start += size {
		chunks = append(chunks, deals[start:min(start+size, len(deals))])
	}
	return chunks
}
