package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/zdm-digest-bot/internal/config"
	"github.com/pauljones0/zdm-digest-bot/internal/metrics"
	"github.com/pauljones0/zdm-digest-bot/internal/models"
	"github.com/pauljones0/zdm-digest-bot/internal/validator"
)

// userAgent mimics a desktop browser; the feed rejects the Go default.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	validator  *validator.Validator
	config     *config.Config
}

func New(cfg *config.Config) *Client {
	limit := rate.Inf
	if cfg.FetchRPS > 0 {
		limit = rate.Limit(cfg.FetchRPS)
	}
	return &Client{
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, 1),
		validator:  validator.New(),
		config:     cfg,
	}
}

// ScrapeDealList fetches pages 1..MaxPageSize of every configured feed and
// returns the decoded deals in fetch order. A page that fails is logged and
// skipped; only cancellation of ctx is reported as an error.
func (c *Client) ScrapeDealList(ctx context.Context) ([]models.Deal, error) {
	var deals []models.Deal
	loc := c.config.Location()

	for _, feed := range c.config.FeedURLs {
		for page := 1; page <= c.config.MaxPageSize; page++ {
			listings, err := c.FetchPage(ctx, feed, page)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				slog.Warn("Failed to fetch feed page, skipping", "feed", feed, "page", page, "error", err)
				metrics.FetchPageFailures.WithLabelValues(feedLabel(feed)).Inc()
				continue
			}

			for _, l := range listings {
				deal, err := l.ToDeal(loc)
				if err != nil {
					slog.Warn("Dropping feed record", "feed", feed, "page", page, "error", err)
					metrics.CounterParseFailures.Inc()
					continue
				}
				if err := c.validator.ValidateDeal(deal); err != nil {
					slog.Warn("Dropping invalid deal", "id", deal.ID, "error", err)
					continue
				}
				deals = append(deals, deal)
			}
		}
	}

	metrics.DealsFetched.Add(float64(len(deals)))
	slog.Info("Fetched deals from feed", "count", len(deals), "feeds", len(c.config.FeedURLs))
	return deals, nil
}

// FetchPage downloads one page of a feed. The page number is appended to
// baseURL as-is, so baseURL normally ends in "page=".
func (c *Client) FetchPage(ctx context.Context, baseURL string, page int) ([]RawListing, error) {
	pageURL := baseURL + strconv.Itoa(page)
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL %s: %w", pageURL, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme %s: only http and https allowed", parsedURL.Scheme)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for URL %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL %s: %w", pageURL, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch URL %s: status code %d", pageURL, res.StatusCode)
	}

	var listings []RawListing
	if err := json.NewDecoder(res.Body).Decode(&listings); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out reading %s: %w", pageURL, err)
		}
		return nil, fmt.Errorf("failed to decode %s: %w", pageURL, err)
	}
	return listings, nil
}

func (c *Client) timeout() time.Duration {
	if c.config.FetchTimeout > 0 {
		return c.config.FetchTimeout
	}
	return 10 * time.Second
}

// feedLabel keeps the metric cardinality bounded to one series per feed.
func feedLabel(feed string) string {
	u, err := url.Parse(feed)
	if err != nil {
		return "invalid"
	}
	if f := u.Query().Get("filter"); f != "" {
		return u.Host + "/" + f
	}
	return u.Host + u.Path
}
