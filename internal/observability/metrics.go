// Package observability exposes the agent's self-monitoring Prometheus
// metrics on a private registry.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for agent self-monitoring.
// It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Queue metrics
	QueuePendingRows prometheus.Gauge
	QueueEnqueued    prometheus.Counter
	QueueArchived    prometheus.Counter

	// Batch upload metrics
	BatchSendDuration prometheus.Histogram
	BatchSizeBytes    prometheus.Histogram
	BatchSendTotal    *prometheus.CounterVec
	BatchRowsSent     prometheus.Counter

	// Heartbeat / resume metrics
	HeartbeatTotal *prometheus.CounterVec
	ResumeTotal    *prometheus.CounterVec

	// Transport metrics
	TransportRetries         prometheus.Counter
	TransportRequestDuration *prometheus.HistogramVec

	// Connection state metrics
	ConnectionState *prometheus.GaugeVec
	GiveUpCount     prometheus.Counter

	// Child supervisor metrics
	ChildExitCode prometheus.Gauge

	// Compression metrics
	CompressionRatio    prometheus.Gauge
	CompressionDuration prometheus.Histogram
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	sizeBuckets := prometheus.ExponentialBuckets(256, 4, 10)

	m := &Metrics{
		Registry: reg,

		QueuePendingRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lw_agent_queue_pending_rows",
			Help: "Current number of pending/failed rows in the durable log queue.",
		}),
		QueueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lw_agent_queue_enqueued_total",
			Help: "Total number of log rows enqueued.",
		}),
		QueueArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lw_agent_queue_archived_total",
			Help: "Total number of log rows archived after the server reported the task deleted on batch upload.",
		}),

		BatchSendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lw_agent_batch_send_duration_seconds",
			Help:    "Duration of batch upload HTTP calls in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lw_agent_batch_size_bytes",
			Help:    "Size of outbound POST bodies (batches, heartbeats, events) in bytes, before compression.",
			Buckets: sizeBuckets,
		}),
		BatchSendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lw_agent_batch_send_total",
			Help: "Total number of batch upload attempts by outcome.",
		}, []string{"outcome"}),
		BatchRowsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lw_agent_batch_rows_sent_total",
			Help: "Total number of log rows successfully acknowledged by the server.",
		}),

		HeartbeatTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lw_agent_heartbeat_total",
			Help: "Total number of heartbeat attempts by outcome.",
		}, []string{"outcome"}),
		ResumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lw_agent_resume_total",
			Help: "Total number of resume (last-ack) probe attempts by outcome.",
		}, []string{"outcome"}),

		TransportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lw_agent_transport_retries_total",
			Help: "Total number of transport-level retry attempts.",
		}),
		TransportRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lw_agent_transport_request_duration_seconds",
			Help:    "Duration of outbound HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lw_agent_connection_state",
			Help: "Current connection state (1 = active, 0 = inactive).",
		}, []string{"state"}),
		GiveUpCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lw_agent_give_up_total",
			Help: "Total number of times the agent transitioned to offline_giveup.",
		}),

		ChildExitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lw_agent_child_exit_code",
			Help: "Exit code of the most recently supervised child process.",
		}),

		CompressionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lw_agent_compression_ratio",
			Help: "Most recent compression ratio (compressed/original) for a batch body.",
		}),
		CompressionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lw_agent_compression_duration_seconds",
			Help:    "Duration of gzip compression operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.QueuePendingRows,
		m.QueueEnqueued,
		m.QueueArchived,
		m.BatchSendDuration,
		m.BatchSizeBytes,
		m.BatchSendTotal,
		m.BatchRowsSent,
		m.HeartbeatTotal,
		m.ResumeTotal,
		m.TransportRetries,
		m.TransportRequestDuration,
		m.ConnectionState,
		m.GiveUpCount,
		m.ChildExitCode,
		m.CompressionRatio,
		m.CompressionDuration,
	)

	return m
}
