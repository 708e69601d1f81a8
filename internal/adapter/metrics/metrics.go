package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WriterMetrics holds all Prometheus metrics for the event writer.
type WriterMetrics struct {
	EventsProcessed    prometheus.Counter
	EventsFailed       prometheus.Counter
	EventsDeadLettered *prometheus.CounterVec
	EventsDuplicate    prometheus.Counter
	ClaimedMessages    prometheus.Histogram
	CycleDuration      prometheus.Histogram
	DLQSpilled         prometheus.Counter
	DLQSpillActive     prometheus.Gauge
}

// NewWriterMetrics creates the writer metrics and registers them with reg.
func NewWriterMetrics(reg prometheus.Registerer) *WriterMetrics {
	factory := promauto.With(reg)
	return &WriterMetrics{
		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentlens",
			Subsystem: "writer",
			Name:      "events_processed_total",
			Help:      "Total number of events durably written and acknowledged.",
		}),
		EventsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentlens",
			Subsystem: "writer",
			Name:      "events_failed_total",
			Help:      "Total number of failed write attempts left pending for redelivery.",
		}),
		EventsDeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentlens",
			Subsystem: "writer",
			Name:      "events_dead_lettered_total",
			Help:      "Total number of messages moved to the dead-letter stream by reason.",
		}, []string{"reason"}), // reason: unparseable, max_retries_exceeded
		EventsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentlens",
			Subsystem: "writer",
			Name:      "events_duplicate_total",
			Help:      "Total number of redelivered events that were already stored.",
		}),
		ClaimedMessages: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentlens",
			Subsystem: "writer",
			Name:      "claimed_messages",
			Help:      "Number of messages claimed per cycle.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentlens",
			Subsystem: "writer",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of non-empty processing cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		DLQSpilled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentlens",
			Subsystem: "dlq",
			Name:      "spilled_total",
			Help:      "Total number of dead letters spilled to local disk because the DLQ stream was unavailable.",
		}),
		DLQSpillActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentlens",
			Subsystem: "dlq",
			Name:      "spill_active_gauge",
			Help:      "Indicates if dead letters are waiting in the local spill (1 for active, 0 for inactive).",
		}),
	}
}
