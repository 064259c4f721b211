// Package metrics defines Prometheus metrics for pricewatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pricewatch"

// Fetch metrics.
var (
	PagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pages_fetched_total",
		Help:      "Total pages fetched, by source and backend (http, rendered).",
	}, []string{"source", "backend"})

	FetchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_failures_total",
		Help:      "Total transport-level fetch failures by source.",
	}, []string{"source"})

	ChallengesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "challenges_total",
		Help:      "Total bot-protection challenge pages encountered by source.",
	}, []string{"source"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Duration of page fetches in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"source", "backend"})
)

// Parser metrics.
var (
	ListingsParsedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "listings_parsed_total",
		Help:      "Total listing cards parsed successfully by source.",
	}, []string{"source"})

	CardsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cards_skipped_total",
		Help:      "Total cards dropped for missing required fields, by source.",
	}, []string{"source"})
)

// Cycle metrics.
var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Total crawl cycles by source and terminal state.",
	}, []string{"source", "state"})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Duration of full crawl cycles in seconds.",
		Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
	}, []string{"source"})

	StallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stalls_total",
		Help:      "Total cycles cancelled by the stall detector.",
	}, []string{"source"})
)

// Change detection metrics.
var (
	NewListingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "new_listings_total",
		Help:      "Total first-sighting listings by source.",
	}, []string{"source"})

	PriceChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_changes_total",
		Help:      "Total detected price changes by source.",
	}, []string{"source"})

	DeactivatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deactivated_total",
		Help:      "Total listings flipped inactive after vanishing from a cycle.",
	}, []string{"source"})
)

// Publisher metrics.
var (
	MessagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Total chat messages delivered.",
	})

	MessagesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dropped_total",
		Help:      "Total chat messages dropped after permanent failure.",
	})

	PublishQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "publish_queue_depth",
		Help:      "Current depth of the outbound message queue.",
	})

	RateLimitSleepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_sleeps_total",
		Help:      "Total retry-after sleeps honoured from the chat platform.",
	})
)

// Store metrics.
var (
	StoreBusyRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_busy_retries_total",
		Help:      "Total retried writes after a busy database.",
	}, []string{"source"})
)

// Browser metrics.
var (
	BrowserContextsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "browser_contexts_active",
		Help:      "Currently cached browser contexts.",
	})

	BrowserEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "browser_evictions_total",
		Help:      "Browser contexts evicted after terminal errors.",
	})
)
