package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"agent-resilience/internal/domain/entity"
	"agent-resilience/internal/resilience/circuitbreaker"
)

const namespace = "resilience"

// Metrics holds every resilience collector.
type Metrics struct {
	registerer prometheus.Registerer

	// ClassificationsTotal counts Classify calls.
	// Labels: category, source (pattern, heuristic)
	ClassificationsTotal *prometheus.CounterVec

	// ClassificationConfidence is the distribution of reported confidence.
	ClassificationConfidence prometheus.Histogram

	// StrategySelectionsTotal counts SelectStrategy calls.
	// Labels: strategy, source (history, default)
	StrategySelectionsTotal *prometheus.CounterVec

	// RecoveryOutcomesTotal counts recorded recovery outcomes.
	// Labels: strategy, result (success, failure)
	RecoveryOutcomesTotal *prometheus.CounterVec

	// RecoveryDuration measures recovery attempts.
	// Labels: strategy
	RecoveryDuration *prometheus.HistogramVec

	// CircuitTransitionsTotal counts breaker state changes.
	// Labels: circuit, from, to
	CircuitTransitionsTotal *prometheus.CounterVec

	// CircuitState is 0 closed, 1 half-open, 2 open.
	// Labels: circuit
	CircuitState *prometheus.GaugeVec

	// ProtectedCallsTotal counts calls made through a breaker.
	// Labels: circuit, outcome (success, failure, timeout, rejected, canceled)
	ProtectedCallsTotal *prometheus.CounterVec

	// ProtectedCallDuration measures admitted calls.
	// Labels: circuit
	ProtectedCallDuration *prometheus.HistogramVec

	// FallbackAttemptsTotal counts handler attempts and exhausted chains.
	// Labels: handler, outcome (recovered, declined, failed, exhausted, fail_fast)
	FallbackAttemptsTotal *prometheus.CounterVec

	// EventsTotal counts resilience events by fate.
	// Labels: type, outcome (enqueued, dropped, sampled_out, skipped, published, failed)
	EventsTotal *prometheus.CounterVec

	// PublishOverhead measures the caller-side cost of one publish.
	PublishOverhead prometheus.Histogram

	// OpenCircuits is the number of breakers not closed. Set by Reporter.
	OpenCircuits prometheus.Gauge

	// HalfOpenCircuits is the number of half-open breakers. Set by Reporter.
	HalfOpenCircuits prometheus.Gauge

	// BufferedEvents is the number of events waiting to be flushed. Set by Reporter.
	BufferedEvents prometheus.Gauge

	// StrategySuccessRate is the success rate per strategy. Set by Reporter.
	// Labels: strategy
	StrategySuccessRate *prometheus.GaugeVec

	// LastReportTimestamp is the Unix time of the last Reporter run.
	LastReportTimestamp prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg gets a
// fresh registry. New panics if a collector is already registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registerer: reg,

		ClassificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Total number of error classifications by category and source",
		}, []string{"category", "source"}),

		ClassificationConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classification_confidence",
			Help:      "Confidence of error classifications",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),

		StrategySelectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_selections_total",
			Help:      "Total number of recovery strategy selections",
		}, []string{"strategy", "source"}),

		RecoveryOutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_outcomes_total",
			Help:      "Total number of recorded recovery outcomes",
		}, []string{"strategy", "result"}),

		RecoveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Duration of recovery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"strategy"}),

		CircuitTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		}, []string{"circuit", "from", "to"}),

		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"circuit"}),

		ProtectedCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protected_calls_total",
			Help:      "Total number of calls made through a circuit breaker",
		}, []string{"circuit", "outcome"}),

		ProtectedCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "protected_call_duration_seconds",
			Help:      "Duration of calls admitted by a circuit breaker in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"circuit"}),

		FallbackAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_attempts_total",
			Help:      "Total number of fallback handler attempts by outcome",
		}, []string{"handler", "outcome"}),

		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of resilience events by type and outcome",
		}, []string{"type", "outcome"}),

		PublishOverhead: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_publish_overhead_seconds",
			Help:      "Caller-side cost of publishing one resilience event in seconds",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),

		OpenCircuits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_circuits",
			Help:      "Number of circuit breakers that are open or half-open",
		}),

		HalfOpenCircuits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "half_open_circuits",
			Help:      "Number of half-open circuit breakers",
		}),

		BufferedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_events",
			Help:      "Number of resilience events waiting to be published",
		}),

		StrategySuccessRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "strategy_success_rate",
			Help:      "Success rate of each recovery strategy (0-1)",
		}, []string{"strategy"}),

		LastReportTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_report_timestamp",
			Help:      "Unix timestamp of the last state gauge refresh",
		}),
	}
}

// Registerer returns the registry the collectors were registered on.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registerer
}

// RecordClassification implements classifier.Metrics.
func (m *Metrics) RecordClassification(category entity.Category, matched bool, confidence float64) {
	source := "heuristic"
	if matched {
		source = "pattern"
	}
	m.ClassificationsTotal.WithLabelValues(string(category), source).Inc()
	m.ClassificationConfidence.Observe(confidence)
}

// RecordSelection implements recovery.Metrics.
func (m *Metrics) RecordSelection(strategy string, fromHistory bool) {
	source := "default"
	if fromHistory {
		source = "history"
	}
	m.StrategySelectionsTotal.WithLabelValues(strategy, source).Inc()
}

// RecordOutcome implements recovery.Metrics.
func (m *Metrics) RecordOutcome(strategy string, success bool, duration time.Duration) {
	m.RecoveryOutcomesTotal.WithLabelValues(strategy, result(success)).Inc()
	m.RecoveryDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordStateChange implements circuitbreaker.Metrics.
func (m *Metrics) RecordStateChange(key string, from, to circuitbreaker.StateKind) {
	m.CircuitTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	m.CircuitState.WithLabelValues(key).Set(stateValue(to))
}

// RecordCall implements circuitbreaker.Metrics. Rejected calls are not timed.
func (m *Metrics) RecordCall(key, outcome string, duration time.Duration) {
	m.ProtectedCallsTotal.WithLabelValues(key, outcome).Inc()
	if outcome != circuitbreaker.OutcomeRejected {
		m.ProtectedCallDuration.WithLabelValues(key).Observe(duration.Seconds())
	}
}

// RecordFallback implements fallback.Metrics.
func (m *Metrics) RecordFallback(handler, outcome string) {
	if handler == "" {
		handler = "chain"
	}
	m.FallbackAttemptsTotal.WithLabelValues(handler, outcome).Inc()
}

// RecordEvent implements events.Metrics.
func (m *Metrics) RecordEvent(eventType, outcome string) {
	m.EventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObservePublishOverhead implements events.Metrics.
func (m *Metrics) ObservePublishOverhead(d time.Duration) {
	m.PublishOverhead.Observe(d.Seconds())
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func stateValue(s circuitbreaker.StateKind) float64 {
	switch s {
	case circuitbreaker.StateHalfOpen:
		return 1
	case circuitbreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
