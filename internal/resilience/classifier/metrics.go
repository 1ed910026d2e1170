package classifier

import "agent-resilience/internal/domain/entity"

// Metrics receives classification telemetry.
type Metrics interface {
	// RecordClassification is called once per Classify call. matched is false
	// when the heuristic fallback produced the result.
	RecordClassification(category entity.Category, matched bool, confidence float64)
}

// NoOpMetrics discards all classification telemetry.
type NoOpMetrics struct{}

// RecordClassification does nothing.
func (NoOpMetrics) RecordClassification(entity.Category, bool, float64) {}
