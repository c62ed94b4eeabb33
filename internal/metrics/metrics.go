// Package metrics holds the prometheus collectors for the digest pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchPageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zdm_fetch_page_failures_total",
		Help: "Feed pages that failed to fetch or decode and were skipped",
	}, []string{"feed"})

	DealsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zdm_deals_fetched_total",
		Help: "Deals decoded from the feed",
	})

	CounterParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zdm_counter_parse_failures_total",
		Help: "Feed records dropped because a counter or timestamp could not be parsed",
	})

	DealsEligible = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zdm_deals_eligible",
		Help: "Deals that passed the filter in the most recent run",
	})

	DealsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zdm_deals_delivered_total",
		Help: "Deals marked delivered after a successful dispatch",
	})

	DigestsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zdm_digests_sent_total",
		Help: "Digest sends per channel by outcome",
	}, []string{"channel", "status"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zdm_runs_total",
		Help: "Pipeline runs by result",
	}, []string{"status"})

	RunDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zdm_run_duration_seconds",
		Help:    "Wall time of a full pipeline run",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	})
)
