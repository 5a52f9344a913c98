package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storm_radar"

// Metrics holds the Prometheus counters, histograms, and gauges for the radar service.
type Metrics struct {
	// Cache metrics.
	CacheSizeBytes prometheus.Gauge
	CacheEntries   prometheus.Gauge
	CacheLookups   *prometheus.CounterVec // labels: result={hit,miss}
	CacheEvictions prometheus.Counter

	// Archive fetch metrics.
	Fetches       *prometheus.CounterVec // labels: outcome={success,error}
	FetchDuration prometheus.Histogram

	// Ingestion metrics.
	IngestRequests *prometheus.CounterVec // labels: status={done,partial_failure,empty_window,error}
	IngestDuration prometheus.Histogram

	// Record store metrics.
	RecordsAppended prometheus.Counter
	RecordErrors    prometheus.Counter

	// Scan event metrics.
	EventsPublished prometheus.Counter
	PublishErrors   prometheus.Counter
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.CacheSizeBytes,
		m.CacheEntries,
		m.CacheLookups,
		m.CacheEvictions,
		m.Fetches,
		m.FetchDuration,
		m.IngestRequests,
		m.IngestDuration,
		m.RecordsAppended,
		m.RecordErrors,
		m.EventsPublished,
		m.PublishErrors,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		CacheSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_bytes",
			Help:      "Bytes currently held by the scan cache.",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Number of scan files currently cached.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Scan cache lookups by result.",
		}, []string{"result"}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Scan files evicted to stay under the byte ceiling.",
		}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_fetches_total",
			Help:      "Archive fetches by outcome.",
		}, []string{"outcome"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_fetch_duration_seconds",
			Help:      "Duration of a single scan download from the archive.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		IngestRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Ingestion requests by terminal status.",
		}, []string{"status"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Duration of a complete list-fetch-materialize cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
		RecordsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_appended_total",
			Help:      "Scan records written to the record store.",
		}),
		RecordErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_errors_total",
			Help:      "Materialized scans that could not be decoded or stored.",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_events_published_total",
			Help:      "Scan events written to the scan topic.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_event_publish_errors_total",
			Help:      "Failed scan event publishes.",
		}),
	}
}
