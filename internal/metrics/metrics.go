// Package metrics exposes the Prometheus instrumentation surface used by
// the listener pool, processor pool, sinks and health reporter. Mirrors the
// teacher's mixed prometheus.New*Vec / promauto.New* style.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsIngestedTotal counts raw records accepted by a listener.
	RecordsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_records_ingested_total",
			Help: "Total number of records accepted by a listener, by source and protocol",
		},
		[]string{"source_id", "protocol"},
	)

	// RecordsDroppedTotal counts records dropped for any reason.
	RecordsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_records_dropped_total",
			Help: "Total number of records dropped, by source and reason",
		},
		[]string{"source_id", "reason"},
	)

	// QueueDepth is the current number of records queued per source.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logcollector_queue_depth",
			Help: "Current number of records queued per source",
		},
		[]string{"source_id"},
	)

	// ActiveWorkers is the current worker count per source.
	ActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logcollector_active_workers",
			Help: "Current number of processor workers per source",
		},
		[]string{"source_id"},
	)

	// BatchSize observes delivered batch sizes.
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logcollector_batch_size",
			Help:    "Size of batches delivered to a sink",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"source_id", "sink_type"},
	)

	// BatchFlushSecondsSinceActivity observes the age of a batch at flush time.
	BatchFlushSecondsSinceActivity = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logcollector_batch_flush_seconds_since_activity",
			Help:    "Seconds since last activity when a batch was flushed",
			Buckets: prometheus.LinearBuckets(0, 10, 8),
		},
		[]string{"source_id", "trigger"},
	)

	// SinkDeliveryDuration observes sink write/POST latency.
	SinkDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logcollector_sink_delivery_duration_seconds",
			Help:    "Time spent delivering a batch to a sink",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source_id", "sink_type"},
	)

	// SinkDeliveryTotal counts sink deliveries by outcome.
	SinkDeliveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_sink_delivery_total",
			Help: "Total sink deliveries, by sink type and status",
		},
		[]string{"source_id", "sink_type", "status"},
	)

	// AggregatedGroupsTotal counts aggregation groups emitted, by size class.
	AggregatedGroupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_aggregated_groups_total",
			Help: "Total aggregation groups emitted, by whether count > 1",
		},
		[]string{"source_id", "collapsed"},
	)

	// FilterDroppedTotal counts records dropped by the filter engine.
	FilterDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_filter_dropped_total",
			Help: "Total records dropped by the filter engine",
		},
		[]string{"source_id", "field"},
	)

	// ProcessedCount mirrors the per-source processed_count named in spec.md §3.
	ProcessedCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logcollector_processed_count",
			Help: "Cumulative processed count per source",
		},
		[]string{"source_id"},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsIngestedTotal,
		RecordsDroppedTotal,
		SinkDeliveryTotal,
		AggregatedGroupsTotal,
		FilterDroppedTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
