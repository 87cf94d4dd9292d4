// Package metrics exposes Prometheus collectors for ingestion, the image
// oracle, and search.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Per-item ingestion outcomes
	IngestItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "photosearch",
			Subsystem: "ingest",
			Name:      "items_total",
			Help:      "Media items processed by the ingestion pipeline, by outcome",
		},
		[]string{"outcome"},
	)

	// Ingestion runs
	IngestRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "photosearch",
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Completed ingestion runs, by status",
		},
		[]string{"status"},
	)

	// Oracle call latency
	OracleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "photosearch",
			Subsystem: "oracle",
			Name:      "duration_seconds",
			Help:      "Latency of image description and embedding calls",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	// Oracle failures
	OracleErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "photosearch",
			Subsystem: "oracle",
			Name:      "errors_total",
			Help:      "Failed oracle calls",
		},
		[]string{"op"},
	)

	// Search requests
	SearchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "photosearch",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Search requests, by status",
		},
		[]string{"status"},
	)

	// Query embedding cache lookups
	SearchCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "photosearch",
			Subsystem: "search",
			Name:      "cache_total",
			Help:      "Query embedding cache lookups, by result",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordItem records the outcome of one media item
func RecordItem(outcome string) {
	IngestItemsTotal.WithLabelValues(outcome).Inc()
}

// RecordRun records a finished ingestion run
func RecordRun(status string) {
	IngestRunsTotal.WithLabelValues(status).Inc()
}

// RecordOracle records an oracle call
func RecordOracle(op string, durationSec float64, err error) {
	OracleDuration.WithLabelValues(op).Observe(durationSec)
	if err != nil {
		OracleErrorsTotal.WithLabelValues(op).Inc()
	}
}

// RecordSearch records a search request
func RecordSearch(status string) {
	SearchRequestsTotal.WithLabelValues(status).Inc()
}

// RecordCacheHit records a query cache hit
func RecordCacheHit() {
	SearchCacheTotal.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a query cache miss
func RecordCacheMiss() {
	SearchCacheTotal.WithLabelValues("miss").Inc()
}
