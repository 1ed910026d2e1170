package classifier

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"agent-resilience/internal/domain/entity"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpMatches     Operator = "matches"
	OpIn          Operator = "in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpExists      Operator = "exists"
)

// Fact names a condition can test. Context metadata is addressed as
// "metadata.<key>".
const (
	FieldMessage   = "message"
	FieldType      = "type"
	FieldStatus    = "status"
	FieldCode      = "code"
	FieldSource    = "source"
	FieldTimeout   = "timeout"
	FieldRetryable = "retryable"
	FieldService   = "service"
	FieldOperation = "operation"
	FieldTier      = "tier"
	FieldAttempt   = "attempt"

	metadataPrefix = "metadata."
)

var knownFields = map[string]bool{
	FieldMessage:   true,
	FieldType:      true,
	FieldStatus:    true,
	FieldCode:      true,
	FieldSource:    true,
	FieldTimeout:   true,
	FieldRetryable: true,
	FieldService:   true,
	FieldOperation: true,
	FieldTier:      true,
	FieldAttempt:   true,
}

// Condition is one weighted trigger of a pattern.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values   []string `json:"values,omitempty" yaml:"values,omitempty"`
	Weight   float64  `json:"weight" yaml:"weight"`
}

// ErrorPattern is a weighted rule that maps matching failures to a classification.
type ErrorPattern struct {
	ID                  string                `json:"id" yaml:"id"`
	Name                string                `json:"name" yaml:"name"`
	Conditions          []Condition           `json:"conditions" yaml:"conditions"`
	Category            entity.Category       `json:"category" yaml:"category"`
	Severity            entity.Severity       `json:"severity" yaml:"severity"`
	Recoverability      entity.Recoverability `json:"recoverability" yaml:"recoverability"`
	UserImpact          entity.ImpactLevel    `json:"user_impact,omitempty" yaml:"user_impact,omitempty"`
	EffectiveStrategies []string              `json:"effective_strategies,omitempty" yaml:"effective_strategies,omitempty"`
	SuccessRate         float64               `json:"success_rate" yaml:"success_rate"`
	Frequency           int64                 `json:"frequency" yaml:"frequency"`
	LastSeen            time.Time             `json:"last_seen,omitempty" yaml:"last_seen,omitempty"`
	Confidence          float64               `json:"confidence" yaml:"confidence"`
}

type compiledCondition struct {
	Condition
	field  string
	lower  string
	values map[string]bool
	re     *regexp.Regexp
	number float64
}

// compileCondition validates c and precomputes regexes, lowercased values and numbers.
func compileCondition(i int, c Condition) (compiledCondition, error) {
	prefix := fmt.Sprintf("conditions[%d]", i)
	field := strings.ToLower(strings.TrimSpace(c.Field))
	if !knownFields[field] && !(strings.HasPrefix(field, metadataPrefix) && len(field) > len(metadataPrefix)) {
		return compiledCondition{}, &entity.ValidationError{Field: prefix + ".field", Message: fmt.Sprintf("unknown field %q", c.Field)}
	}
	if math.IsNaN(c.Weight) || math.IsInf(c.Weight, 0) || c.Weight <= 0 {
		return compiledCondition{}, &entity.ValidationError{Field: prefix + ".weight", Message: "must be a positive number"}
	}

	cc := compiledCondition{Condition: c, field: field, lower: strings.ToLower(c.Value)}
	switch c.Operator {
	case OpEquals, OpNotEquals, OpContains:
		if c.Operator == OpContains && c.Value == "" {
			return compiledCondition{}, &entity.ValidationError{Field: prefix + ".value", Message: "required"}
		}
	case OpMatches:
		re, err := regexp.Compile("(?i)" + c.Value)
		if err != nil {
			return compiledCondition{}, &entity.ValidationError{Field: prefix + ".value", Message: fmt.Sprintf("invalid regular expression: %v", err)}
		}
		cc.re = re
	case OpIn:
		if len(c.Values) == 0 {
			return compiledCondition{}, &entity.ValidationError{Field: prefix + ".values", Message: "required for operator in"}
		}
		cc.values = make(map[string]bool, len(c.Values))
		for _, v := range c.Values {
			cc.values[strings.ToLower(v)] = true
		}
	case OpGreaterThan, OpLessThan:
		n, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if err != nil {
			return compiledCondition{}, &entity.ValidationError{Field: prefix + ".value", Message: "must be numeric"}
		}
		cc.number = n
	case OpExists:
	default:
		return compiledCondition{}, &entity.ValidationError{Field: prefix + ".operator", Message: fmt.Sprintf("unknown operator %q", c.Operator)}
	}
	return cc, nil
}

// match evaluates the condition against extracted facts. A missing fact only
// satisfies not_equals.
func (c *compiledCondition) match(f facts) bool {
	v, ok := f[c.field]
	if !ok || v == "" {
		return c.Operator == OpNotEquals
	}
	lv := strings.ToLower(v)
	switch c.Operator {
	case OpEquals:
		return lv == c.lower
	case OpNotEquals:
		return lv != c.lower
	case OpContains:
		return strings.Contains(lv, c.lower)
	case OpMatches:
		return c.re.MatchString(v)
	case OpIn:
		return c.values[lv]
	case OpGreaterThan, OpLessThan:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return false
		}
		if c.Operator == OpGreaterThan {
			return n > c.number
		}
		return n < c.number
	case OpExists:
		return true
	}
	return false
}

// compiledPattern is an immutable, validated pattern plus its shared usage counters.
type compiledPattern struct {
	ErrorPattern
	conds []compiledCondition
	usage *usage
}

// score returns min(1, sum of matched weights) scaled by the pattern confidence.
func (p *compiledPattern) score(f facts) float64 {
	var sum float64
	for i := range p.conds {
		if p.conds[i].match(f) {
			sum += p.conds[i].Weight
		}
	}
	if sum > 1 {
		sum = 1
	}
	return sum * p.Confidence
}

func (p *compiledPattern) classification(confidence float64, tier entity.Tier) entity.Classification {
	impact := p.UserImpact
	if impact == "" {
		impact = impactForTier(tier)
	}
	return entity.Classification{
		Category:         p.Category,
		Severity:         p.Severity,
		Recoverability:   p.Recoverability,
		UserImpact:       impact,
		Confidence:       confidence,
		MatchedPatternID: p.ID,
	}.Clamp()
}

// compilePattern validates p and returns its compiled form.
func compilePattern(p ErrorPattern) (*compiledPattern, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return nil, &entity.ValidationError{Field: "id", Message: "required"}
	}
	if len(p.Conditions) == 0 {
		return nil, &entity.ValidationError{Field: "conditions", Message: "at least one condition is required"}
	}
	if !p.Category.Valid() {
		return nil, &entity.ValidationError{Field: "category", Message: fmt.Sprintf("unknown category %q", p.Category)}
	}
	if p.Severity == "" {
		p.Severity = entity.SeverityError
	}
	if !p.Severity.Valid() {
		return nil, &entity.ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", p.Severity)}
	}
	if !p.Recoverability.Valid() {
		return nil, &entity.ValidationError{Field: "recoverability", Message: fmt.Sprintf("unknown recoverability %q", p.Recoverability)}
	}
	if p.UserImpact != "" && !p.UserImpact.Valid() {
		return nil, &entity.ValidationError{Field: "user_impact", Message: fmt.Sprintf("unknown impact level %q", p.UserImpact)}
	}
	if math.IsNaN(p.Confidence) || p.Confidence <= 0 || p.Confidence > 1 {
		return nil, &entity.ValidationError{Field: "confidence", Message: "must be within (0,1]"}
	}
	if math.IsNaN(p.SuccessRate) || p.SuccessRate < 0 || p.SuccessRate > 1 {
		return nil, &entity.ValidationError{Field: "success_rate", Message: "must be within [0,1]"}
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	cp := &compiledPattern{ErrorPattern: p, conds: make([]compiledCondition, 0, len(p.Conditions))}
	cp.Conditions = append([]Condition(nil), p.Conditions...)
	cp.EffectiveStrategies = append([]string(nil), p.EffectiveStrategies...)
	for i, c := range p.Conditions {
		cc, err := compileCondition(i, c)
		if err != nil {
			return nil, err
		}
		cp.conds = append(cp.conds, cc)
	}
	cp.usage = newUsage(p.Frequency, p.LastSeen)
	return cp, nil
}

// Validate reports whether p would be accepted by AddPattern.
func (p ErrorPattern) Validate() error {
	_, err := compilePattern(p)
	return err
}
