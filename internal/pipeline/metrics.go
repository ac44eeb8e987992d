package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome is the per-message processing outcome stored in the metrics
// table and exported in-process.
type Outcome string

const (
	OutcomeSuccess          Outcome = "Success"
	OutcomeValidationFailed Outcome = "ValidationFailed"
	OutcomePersistFailed    Outcome = "PersistFailed"
	OutcomeUnknown          Outcome = "Unknown"
)

// OutcomeForKind maps an error kind to the metric outcome bucket.
func OutcomeForKind(kind Kind) Outcome {
	switch kind {
	case KindDeserialize, KindValidation:
		return OutcomeValidationFailed
	case KindVersionConflict, KindTransientStore:
		return OutcomePersistFailed
	case KindUnknownTopic:
		return OutcomeUnknown
	default:
		return OutcomeUnknown
	}
}

// Metrics holds the in-process Prometheus collectors for the pipeline.
// These mirror the persisted metrics table but are never authoritative.
type Metrics struct {
	messagesTotal      *prometheus.CounterVec
	duplicatesTotal    *prometheus.CounterVec
	versionConflicts   *prometheus.CounterVec
	deadLettersTotal   *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	samplesDropped     prometheus.Counter
}

// NewMetrics creates the pipeline collectors under the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "audit"
	}

	return &Metrics{
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "messages_total",
				Help:      "Messages processed by event type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		duplicatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "duplicates_total",
				Help:      "Redeliveries absorbed by the event_id idempotency key",
			},
			[]string{"topic"},
		),
		versionConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "version_conflicts_total",
				Help:      "Aggregate version collisions dead-lettered as producer bugs",
			},
			[]string{"topic"},
		),
		deadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "dead_letters_total",
				Help:      "Messages routed to the DLQ by error kind",
			},
			[]string{"topic", "error_kind"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "persist_retries_total",
				Help:      "Persist attempts retried after transient store errors",
			},
			[]string{"topic"},
		),
		processingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "processing_duration_seconds",
				Help:      "Per-message processing time including retry backoff",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"event_type"},
		),
		samplesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "metric_samples_dropped_total",
				Help:      "Metric samples dropped because the queue was full",
			},
		),
	}
}

// MustRegister registers all collectors and panics on error.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.messagesTotal,
		m.duplicatesTotal,
		m.versionConflicts,
		m.deadLettersTotal,
		m.retriesTotal,
		m.processingDuration,
		m.samplesDropped,
	)
}

// RecordOutcome counts one processed message.
func (m *Metrics) RecordOutcome(eventType string, outcome Outcome, seconds float64) {
	if eventType == "" {
		eventType = "unknown"
	}
	m.messagesTotal.WithLabelValues(eventType, string(outcome)).Inc()
	m.processingDuration.WithLabelValues(eventType).Observe(seconds)
}

// RecordDuplicate counts an absorbed redelivery.
func (m *Metrics) RecordDuplicate(topic string) {
	m.duplicatesTotal.WithLabelValues(topic).Inc()
}

// RecordVersionConflict counts a dead-lettered version collision.
func (m *Metrics) RecordVersionConflict(topic string) {
	m.versionConflicts.WithLabelValues(topic).Inc()
}

// RecordDeadLetter counts a DLQ routing.
func (m *Metrics) RecordDeadLetter(topic string, kind Kind) {
	m.deadLettersTotal.WithLabelValues(topic, string(kind)).Inc()
}

// RecordRetry counts one persist retry.
func (m *Metrics) RecordRetry(topic string) {
	m.retriesTotal.WithLabelValues(topic).Inc()
}

// RecordSampleDropped counts a dropped metric sample.
func (m *Metrics) RecordSampleDropped() {
	m.samplesDropped.Inc()
}
