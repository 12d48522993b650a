// Package metrics defines the Prometheus metric collectors used by the
// engine and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	AdmissionsTotal       *prometheus.CounterVec
	FuzzyQueriesTotal     *prometheus.CounterVec
	HistoryLookupsTotal   *prometheus.CounterVec
	OperationLatency      *prometheus.HistogramVec
	FuzzyResultsCount     prometheus.Histogram
	OracleFalsePositives  prometheus.Counter
	StructureRebuilds     *prometheus.CounterVec
	StructureVersion      *prometheus.GaugeVec
	SnapshotSize          prometheus.Gauge
	CacheHitsTotal        prometheus.Counter
	CacheMissesTotal      prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
	EventsPublishedTotal  *prometheus.CounterVec
	EventsDroppedTotal    prometheus.Counter
	TransactionsObserved  prometheus.Counter
	StaleResultsRecovered prometheus.Counter
	CollaboratorRetries   *prometheus.CounterVec
}

// New creates all collectors and registers them with reg. A nil reg uses
// the default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		AdmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_admissions_total",
				Help: "Admission checks by decision (accepted, duplicate, near_duplicate, invalid, unavailable).",
			},
			[]string{"decision"},
		),
		FuzzyQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_fuzzy_queries_total",
				Help: "Fuzzy searches by outcome (hit, zero_result, error).",
			},
			[]string{"outcome"},
		),
		HistoryLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_history_lookups_total",
				Help: "History lookups by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		OperationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_operation_latency_seconds",
				Help:    "Engine operation latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),
		FuzzyResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalog_fuzzy_results_count",
				Help:    "Number of live matches returned per fuzzy search.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		OracleFalsePositives: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_oracle_false_positives_total",
				Help: "Possibly-present oracle answers refuted by the authoritative catalog.",
			},
		),
		StructureRebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_structure_rebuilds_total",
				Help: "Structure rebuilds by status (ok, error).",
			},
			[]string{"status"},
		),
		StructureVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "catalog_structure_snapshot_version",
				Help: "Snapshot version each structure was last built from.",
			},
			[]string{"structure"},
		),
		SnapshotSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_snapshot_names",
				Help: "Number of names in the current catalog snapshot.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_cache_hits_total",
				Help: "Total number of fuzzy-result cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_cache_misses_total",
				Help: "Total number of fuzzy-result cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_events_published_total",
				Help: "Catalog change events published by status.",
			},
			[]string{"status"},
		),
		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_events_dropped_total",
				Help: "Catalog change events dropped because the buffer was full.",
			},
		),
		TransactionsObserved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_transactions_observed_total",
				Help: "Completed transactions appended to the history index.",
			},
		),
		StaleResultsRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_stale_results_total",
				Help: "Snapshot-derived answers contradicted by the catalog and re-checked.",
			},
		),
		CollaboratorRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_collaborator_retries_total",
				Help: "Retried calls to the catalog or history source, by operation.",
			},
			[]string{"operation"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.AdmissionsTotal,
		m.FuzzyQueriesTotal,
		m.HistoryLookupsTotal,
		m.OperationLatency,
		m.FuzzyResultsCount,
		m.OracleFalsePositives,
		m.StructureRebuilds,
		m.StructureVersion,
		m.SnapshotSize,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
		m.EventsPublishedTotal,
		m.EventsDroppedTotal,
		m.TransactionsObserved,
		m.StaleResultsRecovered,
		m.CollaboratorRetries,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
