package entity

import "math"

// Category is the failure taxonomy bucket.
type Category string

const (
	CategoryTransient          Category = "transient"
	CategoryResourceExhaustion Category = "resource-exhaustion"
	CategoryValidation         Category = "validation"
	CategoryExternalService    Category = "external-service"
	CategorySecurity           Category = "security"
	CategoryUnknown            Category = "unknown"
)

// Categories returns every category in canonical order.
func Categories() []Category {
	return []Category{
		CategoryTransient,
		CategoryResourceExhaustion,
		CategoryValidation,
		CategoryExternalService,
		CategorySecurity,
		CategoryUnknown,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Severity ranks how bad a failure is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from info (0) to critical (3). Unknown values rank as error.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 3
	default:
		return 2
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Recoverability is the classifier's hint about what the caller should do next.
type Recoverability string

const (
	Retryable    Recoverability = "retryable"
	NonRetryable Recoverability = "non-retryable"
	Escalate     Recoverability = "escalate"
)

// Valid reports whether r is a known recoverability hint.
func (r Recoverability) Valid() bool {
	switch r {
	case Retryable, NonRetryable, Escalate:
		return true
	}
	return false
}

// ImpactLevel estimates how visible the failure is to end users.
type ImpactLevel string

const (
	ImpactNone   ImpactLevel = "none"
	ImpactLow    ImpactLevel = "low"
	ImpactMedium ImpactLevel = "medium"
	ImpactHigh   ImpactLevel = "high"
)

// Valid reports whether l is a known impact level.
func (l ImpactLevel) Valid() bool {
	switch l {
	case ImpactNone, ImpactLow, ImpactMedium, ImpactHigh:
		return true
	}
	return false
}

// Classification is the structured judgment about a failure.
type Classification struct {
	Category         Category       `json:"category"`
	Severity         Severity       `json:"severity"`
	Recoverability   Recoverability `json:"recoverability"`
	UserImpact       ImpactLevel    `json:"user_impact"`
	Confidence       float64        `json:"confidence"`
	MatchedPatternID string         `json:"matched_pattern_id,omitempty"`
	Signature        string         `json:"signature,omitempty"`
}

// Clamp returns a copy whose confidence lies in [0,1] and whose enum fields
// hold known values, substituting the conservative defaults otherwise.
func (c Classification) Clamp() Classification {
	out := c
	out.Confidence = ClampUnit(out.Confidence)
	if !out.Category.Valid() {
		out.Category = CategoryUnknown
	}
	if !out.Severity.Valid() {
		out.Severity = SeverityError
	}
	if !out.Recoverability.Valid() {
		out.Recoverability = Escalate
	}
	if !out.UserImpact.Valid() {
		out.UserImpact = ImpactMedium
	}
	return out
}

// IsCritical reports whether the classification has critical severity.
func (c Classification) IsCritical() bool {
	return c.Severity == SeverityCritical
}

// UnknownClassification is the conservative default used when nothing better is known.
func UnknownClassification(confidence float64) Classification {
	return Classification{
		Category:       CategoryUnknown,
		Severity:       SeverityError,
		Recoverability: Escalate,
		UserImpact:     ImpactMedium,
		Confidence:     ClampUnit(confidence),
	}
}

// ClampUnit clamps v into [0,1]; NaN becomes 0.
func ClampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
