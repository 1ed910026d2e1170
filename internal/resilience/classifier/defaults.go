package classifier

import "agent-resilience/internal/domain/entity"

// DefaultPatterns returns the seeded pattern set. Each call returns a fresh slice.
func DefaultPatterns() []ErrorPattern {
	return []ErrorPattern{
		{
			ID:   "transient-timeout",
			Name: "Operation timed out",
			Conditions: []Condition{
				{Field: FieldTimeout, Operator: OpEquals, Value: "true", Weight: 0.7},
				{Field: FieldMessage, Operator: OpMatches, Value: `\btime[d]?[ -]?out\b|etimedout|deadline exceeded`, Weight: 0.6},
				{Field: FieldType, Operator: OpMatches, Value: `time[d]?[ -]?out|deadline`, Weight: 0.6},
			},
			Category:            entity.CategoryTransient,
			Severity:            entity.SeverityWarning,
			Recoverability:      entity.Retryable,
			UserImpact:          entity.ImpactLow,
			EffectiveStrategies: []string{"backoff", "retry"},
			SuccessRate:         0.8,
			Confidence:          0.9,
		},
		{
			ID:   "transient-network",
			Name: "Network connectivity failure",
			Conditions: []Condition{
				{Field: FieldMessage, Operator: OpMatches, Value: `connection (refused|reset)|broken pipe|no such host|network is unreachable|unexpected eof`, Weight: 0.6},
				{Field: FieldSource, Operator: OpEquals, Value: "network", Weight: 0.3},
				{Field: FieldCode, Operator: OpEquals, Value: "Unavailable", Weight: 0.5},
			},
			Category:            entity.CategoryTransient,
			Severity:            entity.SeverityWarning,
			Recoverability:      entity.Retryable,
			UserImpact:          entity.ImpactLow,
			EffectiveStrategies: []string{"backoff", "retry"},
			SuccessRate:         0.75,
			Confidence:          0.85,
		},
		{
			ID:   "rate-limited",
			Name: "Rate limit or quota reached",
			Conditions: []Condition{
				{Field: FieldStatus, Operator: OpEquals, Value: "429", Weight: 0.8},
				{Field: FieldMessage, Operator: OpMatches, Value: `rate.?limit|too many requests|quota`, Weight: 0.5},
				{Field: FieldCode, Operator: OpIn, Values: []string{"ResourceExhausted", "rate_limit_exceeded"}, Weight: 0.8},
			},
			Category:            entity.CategoryResourceExhaustion,
			Severity:            entity.SeverityWarning,
			Recoverability:      entity.Retryable,
			UserImpact:          entity.ImpactMedium,
			EffectiveStrategies: []string{"backoff", "circuit_break"},
			SuccessRate:         0.7,
			Confidence:          0.9,
		},
		{
			ID:   "resource-exhausted",
			Name: "Local or downstream capacity exhausted",
			Conditions: []Condition{
				{Field: FieldMessage, Operator: OpMatches, Value: `out of memory|resource exhausted|too many open files|no space left|pool exhausted|too many connections`, Weight: 0.7},
				{Field: FieldCode, Operator: OpIn, Values: []string{"53000", "53100", "53200", "53300"}, Weight: 0.7},
			},
			Category:            entity.CategoryResourceExhaustion,
			Severity:            entity.SeverityError,
			Recoverability:      entity.Retryable,
			UserImpact:          entity.ImpactMedium,
			EffectiveStrategies: []string{"circuit_break", "fallback"},
			SuccessRate:         0.5,
			Confidence:          0.85,
		},
		{
			ID:   "validation-failed",
			Name: "Request rejected as invalid",
			Conditions: []Condition{
				{Field: FieldStatus, Operator: OpIn, Values: []string{"400", "422"}, Weight: 0.7},
				{Field: FieldMessage, Operator: OpMatches, Value: `invalid|validation|malformed|bad request|required`, Weight: 0.5},
				{Field: FieldCode, Operator: OpIn, Values: []string{"InvalidArgument", "FailedPrecondition", "22P02", "23502", "23514"}, Weight: 0.7},
			},
			Category:            entity.CategoryValidation,
			Severity:            entity.SeverityError,
			Recoverability:      entity.NonRetryable,
			UserImpact:          entity.ImpactLow,
			EffectiveStrategies: []string{"escalate"},
			SuccessRate:         0.1,
			Confidence:          0.8,
		},
		{
			ID:   "security-denied",
			Name: "Authentication or authorization failure",
			Conditions: []Condition{
				{Field: FieldStatus, Operator: OpIn, Values: []string{"401", "403"}, Weight: 0.8},
				{Field: FieldSource, Operator: OpEquals, Value: "jwt", Weight: 0.8},
				{Field: FieldCode, Operator: OpIn, Values: []string{"Unauthenticated", "PermissionDenied", "28000", "28P01", "42501"}, Weight: 0.8},
				{Field: FieldMessage, Operator: OpMatches, Value: `unauthori[sz]ed|forbidden|permission denied|access denied`, Weight: 0.4},
			},
			Category:            entity.CategorySecurity,
			Severity:            entity.SeverityCritical,
			Recoverability:      entity.Escalate,
			UserImpact:          entity.ImpactHigh,
			EffectiveStrategies: []string{"escalate"},
			Confidence:          0.95,
		},
		{
			ID:   "external-service-degraded",
			Name: "Upstream service error",
			Conditions: []Condition{
				{Field: FieldStatus, Operator: OpGreaterThan, Value: "499", Weight: 0.6},
				{Field: FieldCode, Operator: OpIn, Values: []string{"Internal", "DataLoss"}, Weight: 0.6},
				{Field: FieldMessage, Operator: OpMatches, Value: `service unavailable|bad gateway|overloaded|upstream|internal server error`, Weight: 0.4},
				{Field: FieldSource, Operator: OpIn, Values: []string{"anthropic", "openai"}, Weight: 0.2},
			},
			Category:            entity.CategoryExternalService,
			Severity:            entity.SeverityError,
			Recoverability:      entity.Retryable,
			EffectiveStrategies: []string{"backoff", "fallback"},
			SuccessRate:         0.6,
			Confidence:          0.85,
		},
	}
}
