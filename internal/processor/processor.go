package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pauljones0/zdm-digest-bot/internal/config"
	"github.com/pauljones0/zdm-digest-bot/internal/digest"
	"github.com/pauljones0/zdm-digest-bot/internal/filter"
	"github.com/pauljones0/zdm-digest-bot/internal/metrics"
	"github.com/pauljones0/zdm-digest-bot/internal/models"
)

type Processor interface {
	ProcessDeals(ctx context.Context) error
}

type DealProcessor struct {
	store      DealStore
	scraper    Scraper
	dispatcher Dispatcher
	filter     *filter.Engine
	builder    *digest.Builder
	config     *config.Config
}

func New(store DealStore, s Scraper, d Dispatcher, f *filter.Engine, b *digest.Builder, cfg *config.Config) *DealProcessor {
	return &DealProcessor{
		store:      store,
		scraper:    s,
		dispatcher: d,
		filter:     f,
		builder:    b,
		config:     cfg,
	}
}

// ProcessDeals runs one fetch, filter and deliver pass.
//
// Eligible deals are persisted as undelivered before anything is sent and
// only marked delivered once a batch has been accepted by at least one
// channel. A failed fetch page is not fatal; store and dispatch errors are.
func (p *DealProcessor) ProcessDeals(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		metrics.RunDurationSeconds.Observe(time.Since(start).Seconds())
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RunsTotal.WithLabelValues(status).Inc()
	}()

	fetched, err := p.scraper.ScrapeDealList(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("fetching deals: %w", err)
		}
		slog.Warn("Failed to fetch deals, continuing with stored deals", "error", err)
		fetched = nil
	}

	stored, err := p.store.UndeliveredDeals(ctx)
	if err != nil {
		return fmt.Errorf("failed to load undelivered deals: %w", err)
	}

	merged := MergeDeals(fetched, stored)
	slog.Info("Merged deals", "fetched", len(fetched), "stored", len(stored), "merged", len(merged))

	deliveredIDs, err := p.store.DeliveredIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load delivered ids: %w", err)
	}

	eligible := p.filter.Apply(merged, deliveredIDs)
	metrics.DealsEligible.Set(float64(len(eligible)))

	if err := p.store.UpsertDeals(ctx, eligible); err != nil {
		return fmt.Errorf("failed to persist eligible deals: %w", err)
	}

	if len(eligible) == 0 || len(eligible) < p.config.MinPushSize {
		slog.Info("Not enough deals to push, waiting for next run", "eligible", len(eligible), "minPushSize", p.config.MinPushSize)
		return nil
	}

	batches, err := p.builder.Build(eligible)
	if err != nil {
		return fmt.Errorf("failed to build digests: %w", err)
	}

	delivered := 0
	for _, batch := range batches {
		report, err := p.dispatcher.Dispatch(ctx, batch.Digest)
		if err != nil {
			return fmt.Errorf("dispatching batch %d/%d: %w", batch.Index, len(batches), err)
		}

		sent := make([]models.Deal, len(batch.Digest.Deals))
		for i, d := range batch.Digest.Deals {
			d.Delivered = true
			sent[i] = d
		}
		// The batch is already out; cancelling now must not lose that.
		if err := p.store.UpsertDeals(context.WithoutCancel(ctx), sent); err != nil {
			return fmt.Errorf("failed to mark batch %d delivered: %w", batch.Index, err)
		}
		delivered += len(sent)
		metrics.DealsDelivered.Add(float64(len(sent)))
		slog.Info("Batch delivered", "batch", batch.Index, "deals", len(sent), "channels", strings.Join(report.Sent, ","))
	}

	if p.config.MaxStoredDeals > 0 {
		if err := p.store.TrimDelivered(ctx, p.config.MaxStoredDeals); err != nil {
			slog.Warn("Failed to trim delivered deals", "error", err)
		}
	}

	slog.Info("Finished processing", "eligible", len(eligible), "delivered", delivered, "batches", len(batches), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}
