package processor

import (
	"sort"

	"github.com/pauljones0/zdm-digest-bot/internal/models"
)

// orderedDeals is a set of deals keyed by id that remembers insertion order.
type orderedDeals struct {
	deals []models.Deal
	index map[string]int
}

func newOrderedDeals(capacity int) *orderedDeals {
	return &orderedDeals{
		deals: make([]models.Deal, 0, capacity),
		index: make(map[string]int, capacity),
	}
}

// add inserts d unless its id is already present. It reports whether d was
// inserted.
func (o *orderedDeals) add(d models.Deal) bool {
	if _, ok := o.index[d.ID]; ok {
		return false
	}
	o.index[d.ID] = len(o.deals)
	o.deals = append(o.deals, d)
	return true
}

// MergeDeals unions freshly fetched deals with the stored undelivered ones.
// The first occurrence of an id wins, so fetched deals take precedence over
// stored ones and earlier pages over later pages. The result is sorted by
// comment count, highest first; ties keep insertion order.
func MergeDeals(fetched, stored []models.Deal) []models.Deal {
	set := newOrderedDeals(len(fetched) + len(stored))
	for _, d := range fetched {
		set.add(d)
	}
	for _, d := range stored {
		set.add(d)
	}

	merged := set.deals
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CommentCount > merged[j].CommentCount
	})
	return merged
}
