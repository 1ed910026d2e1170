package events

import "time"

// Outcome labels passed to Metrics.RecordEvent.
const (
	OutcomeEnqueued   = "enqueued"
	OutcomeDropped    = "dropped"
	OutcomeSampledOut = "sampled_out"
	OutcomeSkipped    = "skipped"
	OutcomePublished  = "published"
	OutcomeFailed     = "failed"
)

// Metrics receives publisher telemetry.
type Metrics interface {
	RecordEvent(eventType, outcome string)
	ObservePublishOverhead(d time.Duration)
}

// NoOpMetrics discards publisher telemetry.
type NoOpMetrics struct{}

func (NoOpMetrics) RecordEvent(string, string)           {}
func (NoOpMetrics) ObservePublishOverhead(time.Duration) {}
