package scraper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pauljones0/zdm-digest-bot/internal/models"
	"github.com/pauljones0/zdm-digest-bot/internal/util"
)

// flexString accepts a JSON string, number, boolean or null. The feed is not
// consistent about quoting counters and ids.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexString(fmt.Sprint(b))
		return nil
	}
	return fmt.Errorf("unsupported JSON value %s", data)
}

// RawListing is one record of the feed's json_more response.
type RawListing struct {
	ID       flexString `json:"article_id"`
	Title    flexString `json:"article_title"`
	Price    flexString `json:"article_price"`
	URL      flexString `json:"article_url"`
	ImageURL flexString `json:"article_pic"`
	Mall     flexString `json:"article_mall"`
	Rating   flexString `json:"article_rating"`
	Comments flexString `json:"article_comment"`
	TimeSort flexString `json:"timesort"`
}

// ToDeal normalizes the raw record. Counters go through util.ParseCounter and
// timesort is interpreted as epoch seconds in loc.
func (r RawListing) ToDeal(loc *time.Location) (models.Deal, error) {
	voted, err := util.ParseCounter(string(r.Rating))
	if err != nil {
		return models.Deal{}, fmt.Errorf("article %s votes: %w", r.ID, err)
	}
	comments, err := util.ParseCounter(string(r.Comments))
	if err != nil {
		return models.Deal{}, fmt.Errorf("article %s comments: %w", r.ID, err)
	}
	sec, err := util.ParseEpochSeconds(string(r.TimeSort))
	if err != nil {
		return models.Deal{}, fmt.Errorf("article %s timesort: %w", r.ID, err)
	}

	if loc == nil {
		loc = time.UTC
	}
	deal := models.Deal{
		ID:           strings.TrimSpace(string(r.ID)),
		Title:        strings.TrimSpace(string(r.Title)),
		Price:        strings.TrimSpace(string(r.Price)),
		Mall:         strings.TrimSpace(string(r.Mall)),
		VotedCount:   voted,
		CommentCount: comments,
	}
	if sec > 0 {
		deal.OccurredAt = time.Unix(sec, 0).In(loc)
	}
	if u := string(r.URL); u != "" {
		if normalized, err := util.NormalizeURL(u); err == nil {
			deal.URL = normalized
		}
	}
	if u := string(r.ImageURL); u != "" {
		if normalized, err := util.NormalizeURL(u); err == nil {
			deal.ImageURL = normalized
		}
	}
	return deal, nil
}
