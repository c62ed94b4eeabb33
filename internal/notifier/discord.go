package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/zdm-digest-bot/internal/digest"
	"github.com/pauljones0/zdm-digest-bot/internal/models"
)

const (
	colorColdDeal    = 3092790  // #2F3136
	colorWarmDeal    = 16753920 // #FFA500
	colorHotDeal     = 16711680 // #FF0000
	colorVeryHotDeal = 16776960 // #FFFF00

	heatThresholdWarm    = 20
	heatThresholdHot     = 100
	heatThresholdVeryHot = 500

	maxEmbedsPerMessage = 10
	maxEmbedTitle       = 256
	discordMaxRetries   = 3
)

type Discord struct {
	webhookURL  string
	client      *http.Client
	rateLimiter *rate.Limiter
}

func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		webhookURL:  webhookURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
	}
}

func (c *Discord) Name() string { return "discord" }

// Send posts the digest as one or more webhook messages of up to ten embeds,
// one embed per deal.
func (c *Discord) Send(ctx context.Context, d *digest.Digest) (Outcome, error) {
	if c.webhookURL == "" {
		return OutcomeNotConfigured, nil
	}

	embeds := make([]discordEmbed, len(d.Deals))
	for i, deal := range d.Deals {
		embeds[i] = formatDealToEmbed(deal)
	}

	for start := 0; start < len(embeds); start += maxEmbedsPerMessage {
		end := min(start+maxEmbedsPerMessage, len(embeds))
		payload := discordWebhookPayload{Embeds: embeds[start:end]}
		if start == 0 {
			payload.Content = d.Subject
		}
		if _, err := c.post(ctx, payload); err != nil {
			return OutcomeFailed, err
		}
	}
	return OutcomeSent, nil
}

type discordWebhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbedThumbnail struct {
	URL string `json:"url,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}

type discordEmbed struct {
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description,omitempty"`
	URL         string                 `json:"url,omitempty"`
	Timestamp   string                 `json:"timestamp,omitempty"`
	Color       int                    `json:"color,omitempty"`
	Thumbnail   *discordEmbedThumbnail `json:"thumbnail,omitempty"`
	Fields      []discordEmbedField    `json:"fields,omitempty"`
	Footer      *discordEmbedFooter    `json:"footer,omitempty"`
}

type discordMessageResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

func formatDealToEmbed(deal models.Deal) discordEmbed {
	embed := discordEmbed{
		Title: truncateRunes(deal.Title, maxEmbedTitle),
		URL:   deal.URL,
		Color: getHeatColor(deal.VotedCount + deal.CommentCount),
		Fields: []discordEmbedField{
			{Name: "Engagement", Value: fmt.Sprintf("👍 %d  💬 %d", deal.VotedCount, deal.CommentCount), Inline: true},
		},
	}
	if deal.Price != "" {
		embed.Description = deal.Price
	}
	if deal.ImageURL != "" {
		embed.Thumbnail = &discordEmbedThumbnail{URL: deal.ImageURL}
	}
	if deal.Mall != "" {
		embed.Footer = &discordEmbedFooter{Text: deal.Mall}
	}
	if !deal.OccurredAt.IsZero() {
		embed.Timestamp = deal.OccurredAt.Format(time.RFC3339)
	}
	return embed
}

func getHeatColor(engagement int) int {
	switch {
	case engagement >= heatThresholdVeryHot:
		return colorVeryHotDeal
	case engagement >= heatThresholdHot:
		return colorHotDeal
	case engagement >= heatThresholdWarm:
		return colorWarmDeal
	}
	return colorColdDeal
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func (c *Discord) post(ctx context.Context, payload discordWebhookPayload) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	parsedURL, err := url.Parse(c.webhookURL)
	if err != nil {
		return "", err
	}
	q := parsedURL.Query()
	q.Set("wait", "true")
	parsedURL.RawQuery = q.Encode()

	var lastErr error
	for attempt := 0; attempt <= discordMaxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, parsedURL.String(), bytes.NewReader(payloadBytes))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return "", err
		}
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var msgResponse discordMessageResponse
			if err := json.Unmarshal(bodyBytes, &msgResponse); err != nil {
				return "", err
			}
			return msgResponse.ID, nil
		}

		lastErr = fmt.Errorf("discord status: %s, body: %s", resp.Status, string(bodyBytes))
		backoff := retryBackoff(resp, attempt)
		if backoff == 0 || attempt == discordMaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	return "", lastErr
}

// retryBackoff returns how long to wait before retrying resp, or zero when
// the status is not retryable.
func retryBackoff(resp *http.Response, attempt int) time.Duration {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.ParseFloat(s, 64); err == nil && secs >= 0 {
				return time.Duration(secs*float64(time.Second)) + 10*time.Millisecond
			}
		}
		return time.Duration(1<<attempt) * time.Second
	case resp.StatusCode >= 500:
		return time.Duration(1<<attempt) * 100 * time.Millisecond
	}
	return 0
}
