// Package metrics registers the Prometheus collectors the pipeline reports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PostsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsemarket_posts_fetched_total",
			Help: "Total number of posts returned by the post source",
		},
	)

	PostsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsemarket_posts_ingested_total",
			Help: "Total number of raw posts handled at ingest",
		},
		[]string{"status"}, // inserted, duplicate
	)

	PostsScored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsemarket_posts_scored_total",
			Help: "Total number of posts scored by the oracle",
		},
	)

	Refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsemarket_refreshes_total",
			Help: "Total number of per-market refresh ticks",
		},
		[]string{"status"}, // success, partial, error, rate_limited
	)

	EngineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulsemarket_engine_compute_duration_seconds",
			Help:    "Duration of evidence engine invocations",
			Buckets: prometheus.DefBuckets,
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsemarket_post_source_rate_limit_hits_total",
			Help: "Total number of 429 responses from the post source",
		},
	)

	OracleErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsemarket_oracle_errors_total",
			Help: "Total number of failed or invalid oracle batches",
		},
	)
)
