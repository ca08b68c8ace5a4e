// Package metrics defines the process-wide Prometheus collectors for every
// pipeline stage. Collectors are package-level and registered eagerly; if no
// scrape endpoint is mounted the registration is harmless.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AIS ingestion.
	AISMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriscope_ais_messages_received_total",
		Help: "Raw AIS messages received from the upstream feed or simulator",
	})
	AISDuplicatesFiltered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriscope_ais_duplicates_filtered_total",
		Help: "AIS messages dropped by the fingerprint dedup set",
	})
	AISMessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriscope_ais_messages_dropped_total",
		Help: "AIS messages evicted from a full ingest queue (oldest first)",
	})
	AISReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriscope_ais_reconnects_total",
		Help: "Reconnection attempts against the upstream AIS feed",
	})
	AISQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veriscope_ais_queue_depth",
		Help: "Current depth of the AIS ingest ring queue",
	})
	AISPositionsPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriscope_ais_positions_persisted_total",
		Help: "Normalized positions handed to the storage batch path",
	})

	// Port-call detection.
	PortCallsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriscope_port_calls_opened_total",
		Help: "Arrival events recorded by the geofence detector",
	})
	PortCallsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriscope_port_calls_closed_total",
		Help: "Departure events recorded by the geofence detector",
	})

	// Baselines and signals.
	BaselineRowsUpserted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriscope_baseline_rows_upserted_total",
		Help: "port_daily_baselines rows written by the backfill",
	})
	SignalsUpserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veriscope_signals_upserted_total",
		Help: "Signals upserted, labelled by detector type",
	}, []string{"signal_type"})

	// Delivery.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veriscope_deliveries_total",
		Help: "Alert deliveries by terminal status",
	}, []string{"status"})
	WebhookAttemptSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "veriscope_webhook_attempt_seconds",
		Help:    "Latency of individual webhook POST attempts",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	DLQDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veriscope_dlq_depth",
		Help: "Dead-letter entries due at the most recent drain cycle",
	})
	DLQDrained = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veriscope_dlq_drained_total",
		Help: "DLQ re-drain outcomes",
	}, []string{"outcome"})

	// Dispatcher.
	DispatcherRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veriscope_dispatcher_runs_total",
		Help: "Dispatcher runs by terminal status",
	}, []string{"status"})

	// Signal-listing cache.
	CacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veriscope_cache_requests_total",
		Help: "Signal-listing cache lookups by outcome (hit, miss, error)",
	}, []string{"outcome"})
	CacheInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriscope_cache_invalidations_total",
		Help: "Cache keys deleted by invalidation sweeps",
	})
)

func init() {
	prometheus.MustRegister(
		AISMessagesReceived, AISDuplicatesFiltered, AISMessagesDropped,
		AISReconnects, AISQueueDepth, AISPositionsPersisted,
		PortCallsOpened, PortCallsClosed,
		BaselineRowsUpserted, SignalsUpserted,
		DeliveriesTotal, WebhookAttemptSeconds, DLQDepth, DLQDrained,
		DispatcherRuns,
		CacheRequests, CacheInvalidations,
	)
}

// Handler returns the HTTP handler serving the Prometheus text exposition;
// mounted by the REST router at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
