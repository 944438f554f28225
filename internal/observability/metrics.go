package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/histogram/gauge named in spec §6, registered
// through promauto the way bher20-eratemanager/internal/metrics/metrics.go
// registers its request metrics.
type Metrics struct {
	EmailsSentTotal      *prometheus.CounterVec
	EmailErrorsTotal     *prometheus.CounterVec
	BatchesProcessedTotal *prometheus.CounterVec
	WebhooksReceivedTotal *prometheus.CounterVec
	WebhooksProcessedTotal *prometheus.CounterVec
	WebhooksErrorsTotal  *prometheus.CounterVec
	EnqueueFailuresTotal *prometheus.CounterVec
	BatchesRejectedMemoryPressureTotal prometheus.Counter
	ClickhouseEventsTotal *prometheus.CounterVec

	EmailSendDuration      *prometheus.HistogramVec
	WebhookProcessingDuration *prometheus.HistogramVec
	WebhookBatchSize       prometheus.Histogram

	WebhookQueueDepth          prometheus.Gauge
	DragonflyMemoryUsed        *prometheus.GaugeVec
	DragonflyMemoryRatio       *prometheus.GaugeVec
	DragonflyCircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		EmailsSentTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total number of emails sent per provider and status",
		}, []string{"provider", "status"}),

		EmailErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "email_errors_total",
			Help: "Total number of email send errors per provider and error type",
		}, []string{"provider", "error_type"}),

		BatchesProcessedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "batches_processed_total",
			Help: "Total number of batches reaching a terminal status",
		}, []string{"status"}),

		WebhooksReceivedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Total number of inbound webhook events received",
		}, []string{"provider", "event_type"}),

		WebhooksProcessedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "webhooks_processed_total",
			Help: "Total number of webhook events applied to durable storage",
		}, []string{"provider", "event_type", "status"}),

		WebhooksErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "webhooks_errors_total",
			Help: "Total number of webhook processing errors",
		}, []string{"error_type"}),

		EnqueueFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "enqueue_failures_total",
			Help: "Total number of failed job-queue enqueue attempts",
		}, []string{"queue"}),

		BatchesRejectedMemoryPressureTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "batches_rejected_memory_pressure_total",
			Help: "Total number of batches refused due to hot-state memory pressure",
		}),

		ClickhouseEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clickhouse_events_total",
			Help: "Total number of analytics events buffered for the sink",
		}, []string{"event_type"}),

		EmailSendDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "email_send_duration_seconds",
			Help:    "Module.execute duration per provider and outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "status"}),

		WebhookProcessingDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webhook_processing_duration_seconds",
			Help:    "Webhook batch processing duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),

		WebhookBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_batch_size",
			Help:    "Size of webhook batches flushed to durable storage",
			Buckets: prometheus.LinearBuckets(0, 10, 15),
		}),

		WebhookQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "webhook_queue_depth",
			Help: "Current depth of the in-memory webhook buffer",
		}),

		DragonflyMemoryUsed: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dragonfly_memory_used",
			Help: "Bytes of memory used by the hot-state KV engine instance",
		}, []string{"instance"}),

		DragonflyMemoryRatio: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dragonfly_memory_ratio",
			Help: "Ratio of used to max memory on the hot-state KV engine instance",
		}, []string{"instance"}),

		DragonflyCircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dragonfly_circuit_breaker_state",
			Help: "Circuit breaker state per component (0=closed,1=half-open,2=open)",
		}, []string{"component"}),
	}
}
