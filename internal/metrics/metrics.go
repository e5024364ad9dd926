package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for calwatch
type Metrics struct {
	// Notification metrics
	NotificationsTotal   *prometheus.CounterVec // outcome: sync_ack, unknown_channel, accepted, error
	DuplicatesSuppressed prometheus.Counter
	PipelineQueueDepth   prometheus.Gauge
	PropagationsTotal    *prometheus.CounterVec // result: applied, skipped, failed
	PropagationDuration  prometheus.Histogram

	// Subscription metrics
	SubscriptionsActive prometheus.Gauge
	RenewalsTotal       *prometheus.CounterVec // result: renewed, skipped, failed
	RenewalDuration     prometheus.Histogram

	// Store metrics
	StoreOperations *prometheus.CounterVec // op, result
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calwatch_notifications_total",
			Help: "Total number of inbound notifications by outcome",
		},
		[]string{"outcome"},
	)

	m.DuplicatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calwatch_duplicates_suppressed_total",
			Help: "Notifications suppressed by the deduplication guard",
		},
	)

	m.PipelineQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calwatch_pipeline_queue_depth",
			Help: "Number of change tasks waiting for background processing",
		},
	)

	m.PropagationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calwatch_propagations_total",
			Help: "Attendee propagation actions by result",
		},
		[]string{"result"},
	)

	m.PropagationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calwatch_propagation_duration_seconds",
			Help:    "Duration of one propagation action including retries",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // from 10ms to ~160s
		},
	)

	m.SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calwatch_subscriptions_active",
			Help: "Number of active subscriptions in the registry",
		},
	)

	m.RenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calwatch_renewals_total",
			Help: "Subscription renewal attempts by result",
		},
		[]string{"result"},
	)

	m.RenewalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calwatch_renewal_duration_seconds",
			Help:    "Duration of one renewal job run",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	m.StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calwatch_store_operations_total",
			Help: "Durable store operations by operation and result",
		},
		[]string{"op", "result"},
	)

	return m
}
