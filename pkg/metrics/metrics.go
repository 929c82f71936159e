package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all event-delivery metrics.
type Metrics struct {
	// Relay metrics
	EventsPublished    prometheus.Counter
	EventsFailed       prometheus.Counter
	EventsDeadLettered prometheus.Counter
	EventRetries       *prometheus.CounterVec
	PublishLatency     prometheus.Histogram
	ClaimBatchSize     prometheus.Histogram
	OutboxPending      prometheus.Gauge

	// Broker metrics
	BrokerState      prometheus.Gauge
	BrokerReconnects prometheus.Counter

	// Saga metrics
	SagaTransitions        *prometheus.CounterVec
	SagaIllegalTransitions prometheus.Counter
	SagaCompensations      prometheus.Counter
	DedupHits              prometheus.Counter
}

// New creates and registers all metrics on the given registerer. Pass
// prometheus.DefaultRegisterer outside of tests.
func New(namespace, subsystem string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_published_total",
			Help:      "Outbox events acknowledged by the broker",
		}),
		EventsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_failed_total",
			Help:      "Outbox publish attempts that failed",
		}),
		EventsDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_dead_lettered_total",
			Help:      "Outbox events routed to the dead-letter path",
		}),
		EventRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_event_retries_total",
			Help:      "Retry attempts per event type",
		}, []string{"event_type"}),
		PublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "publish_latency_seconds",
			Help:      "Time from claim to broker acknowledgment",
			Buckets:   prometheus.DefBuckets,
		}),
		ClaimBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "claim_batch_size",
			Help:      "Number of events claimed per poll",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		OutboxPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_pending",
			Help:      "Unprocessed outbox rows eligible for claiming",
		}),
		BrokerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broker_connection_state",
			Help:      "Broker connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}),
		BrokerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broker_reconnects_total",
			Help:      "Completed broker reconnect sequences",
		}),
		SagaTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "saga_transitions_total",
			Help:      "Accepted saga transitions by target status",
		}, []string{"to_status"}),
		SagaIllegalTransitions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "saga_illegal_transitions_total",
			Help:      "Status-change events rejected by the transition table",
		}),
		SagaCompensations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "saga_compensations_total",
			Help:      "Sagas that entered compensation",
		}),
		DedupHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "consumer_dedup_hits_total",
			Help:      "Duplicate deliveries discarded by message id",
		}),
	}
}
