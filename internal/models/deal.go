package models

import "time"

// Deal is one listing from the feed, either freshly fetched or reloaded from
// the store because it has not been delivered yet.
type Deal struct {
	ID           string    `firestore:"id" json:"id" validate:"required"`
	Title        string    `firestore:"title" json:"title" validate:"required"`
	Price        string    `firestore:"price,omitempty" json:"price,omitempty"`
	URL          string    `firestore:"url,omitempty" json:"url,omitempty" validate:"omitempty,url"`
	ImageURL     string    `firestore:"imageURL,omitempty" json:"image_url,omitempty" validate:"omitempty,url"`
	Mall         string    `firestore:"mall,omitempty" json:"mall,omitempty"`
	VotedCount   int       `firestore:"votedCount" json:"voted_count" validate:"gte=0"`
	CommentCount int       `firestore:"commentCount" json:"comment_count" validate:"gte=0"`
	OccurredAt   time.Time `firestore:"occurredAt" json:"occurred_at"`
	Delivered    bool      `firestore:"delivered" json:"delivered"`
	LastUpdated  time.Time `firestore:"lastUpdated" json:"last_updated"`
}

// DealIDs returns the ids of deals in order.
func DealIDs(deals []Deal) []string {
	ids := make([]string, len(deals))
	for i, d := range deals {
		ids[i] = d.ID
	}
	return ids
}
