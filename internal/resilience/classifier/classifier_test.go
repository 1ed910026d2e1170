package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"agent-resilience/internal/domain/entity"
	"agent-resilience/internal/resilience/retry"
	"agent-resilience/pkg/clock"
)

// TimeoutError mimics an operation-level timeout raised by a caller.
type TimeoutError struct{}

func (TimeoutError) Error() string { return "operation timed out" }
func (TimeoutError) Timeout() bool { return true }

// callTimeoutError is a timeout known only by its type name.
type callTimeoutError struct{}

func (callTimeoutError) Error() string { return "llm call aborted" }

type statusError struct{ code int }

func (e statusError) Error() string   { return fmt.Sprintf("upstream returned %d", e.code) }
func (e statusError) HTTPStatus() int { return e.code }

func stepContext() entity.ErrorContext {
	return entity.ErrorContext{Service: "llm", Operation: "generate", Tier: entity.TierStep, RequestID: "req-1"}
}

func TestClassify_TimeoutIsTransientRetryable(t *testing.T) {
	c := New(DefaultConfig())

	cls := c.Classify(&TimeoutError{}, stepContext())

	assert.Equal(t, entity.CategoryTransient, cls.Category)
	assert.Equal(t, entity.Retryable, cls.Recoverability)
	assert.Equal(t, "transient-timeout", cls.MatchedPatternID)
	assert.InDelta(t, 0.9, cls.Confidence, 1e-9)
	assert.NotEmpty(t, cls.Signature)
}

func TestClassify_TimeoutWithoutTimeoutMethod(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"message timeout", errors.New("timeout")},
		{"message timed out", errors.New("llm request timed out")},
		{"errno style", errors.New("read tcp: ETIMEDOUT")},
		{"type name only", callTimeoutError{}},
	}

	c := New(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := c.Classify(tt.err, stepContext())

			assert.Equal(t, entity.CategoryTransient, cls.Category)
			assert.Equal(t, entity.Retryable, cls.Recoverability)
			assert.Equal(t, "transient-timeout", cls.MatchedPatternID)
			assert.InDelta(t, 0.54, cls.Confidence, 1e-9)
		})
	}
}

func TestClassify_TimeoutWordMustStandAlone(t *testing.T) {
	c := New(DefaultConfig())

	cls := c.Classify(errors.New("runtime outage in region"), stepContext())

	assert.NotEqual(t, "transient-timeout", cls.MatchedPatternID)
}

func TestClassify_KnownFailures(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "53300", Message: "sorry, too many clients already"}

	tests := []struct {
		name     string
		err      error
		category entity.Category
		pattern  string
	}{
		{
			name:     "context deadline",
			err:      fmt.Errorf("call model: %w", context.DeadlineExceeded),
			category: entity.CategoryTransient,
			pattern:  "transient-timeout",
		},
		{
			name:     "connection refused",
			err:      errors.New("dial tcp 10.0.0.1:443: connection refused"),
			category: entity.CategoryTransient,
			pattern:  "transient-network",
		},
		{
			name:     "http 429",
			err:      &retry.HTTPError{StatusCode: 429, Message: "Too Many Requests"},
			category: entity.CategoryResourceExhaustion,
			pattern:  "rate-limited",
		},
		{
			name:     "grpc resource exhausted",
			err:      status.Error(codes.ResourceExhausted, "quota exceeded"),
			category: entity.CategoryResourceExhaustion,
			pattern:  "rate-limited",
		},
		{
			name:     "postgres too many connections",
			err:      pgErr,
			category: entity.CategoryResourceExhaustion,
			pattern:  "resource-exhausted",
		},
		{
			name:     "http 422",
			err:      &retry.HTTPError{StatusCode: 422, Message: "invalid tool arguments"},
			category: entity.CategoryValidation,
			pattern:  "validation-failed",
		},
		{
			name:     "expired token",
			err:      fmt.Errorf("verify caller: %w", jwt.ErrTokenExpired),
			category: entity.CategorySecurity,
			pattern:  "security-denied",
		},
		{
			name:     "grpc permission denied",
			err:      status.Error(codes.PermissionDenied, "caller lacks scope"),
			category: entity.CategorySecurity,
			pattern:  "security-denied",
		},
		{
			name:     "openai server error",
			err:      &openai.APIError{HTTPStatusCode: 503, Message: "The server is overloaded"},
			category: entity.CategoryExternalService,
			pattern:  "external-service-degraded",
		},
		{
			name:     "status coder",
			err:      statusError{code: 502},
			category: entity.CategoryExternalService,
			pattern:  "external-service-degraded",
		},
	}

	c := New(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := c.Classify(tt.err, stepContext())

			assert.Equal(t, tt.category, cls.Category)
			assert.Equal(t, tt.pattern, cls.MatchedPatternID)
			assert.GreaterOrEqual(t, cls.Confidence, 0.5)
			assert.LessOrEqual(t, cls.Confidence, 1.0)
		})
	}
}

func TestClassify_UnmatchedFallsBackToEscalate(t *testing.T) {
	c := New(DefaultConfig())

	inputs := []error{
		errors.New("something odd happened"),
		nil,
		&retry.HTTPError{StatusCode: 418, Message: "teapot"},
	}

	for _, err := range inputs {
		cls := c.Classify(err, entity.ErrorContext{})

		assert.Equal(t, entity.CategoryUnknown, cls.Category)
		assert.Equal(t, entity.Escalate, cls.Recoverability)
		assert.Empty(t, cls.MatchedPatternID)
		assert.GreaterOrEqual(t, cls.Confidence, 0.05)
		assert.LessOrEqual(t, cls.Confidence, 0.35)
	}

	stats := c.Statistics()
	assert.Equal(t, int64(3), stats.TotalClassifications)
	assert.Equal(t, int64(3), stats.HeuristicFallbacks)
}

func TestClassify_HeuristicUsesTier(t *testing.T) {
	c := New(DefaultConfig())
	err := errors.New("unrecognised failure")

	swarm := c.Classify(err, entity.ErrorContext{Service: "planner", Tier: entity.TierSwarm})
	step := c.Classify(err, entity.ErrorContext{Service: "planner", Tier: entity.TierStep})

	assert.Equal(t, entity.ImpactHigh, swarm.UserImpact)
	assert.Equal(t, entity.ImpactLow, step.UserImpact)
	assert.Greater(t, swarm.Severity.Rank(), step.Severity.Rank())
}

func TestClassify_PatternDetectionDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PatternDetection = false
	c := New(cfg)

	cls := c.Classify(&TimeoutError{}, stepContext())

	assert.Equal(t, entity.CategoryUnknown, cls.Category)
	assert.Equal(t, entity.Escalate, cls.Recoverability)
}

func TestClassify_ConfidenceAlwaysInUnitRange(t *testing.T) {
	c := New(DefaultConfig())
	require.NoError(t, c.AddPattern(ErrorPattern{
		ID:             "heavy",
		Category:       entity.CategoryTransient,
		Recoverability: entity.Retryable,
		Confidence:     1,
		Conditions: []Condition{
			{Field: FieldMessage, Operator: OpContains, Value: "boom", Weight: 5},
			{Field: FieldService, Operator: OpEquals, Value: "llm", Weight: 5},
		},
	}))

	errs := []error{
		errors.New("boom"),
		errors.New(""),
		&TimeoutError{},
		&retry.HTTPError{StatusCode: math.MaxInt32},
		nil,
	}
	tiers := []entity.Tier{-1, 0, 1, 2, 3, 99}

	for _, err := range errs {
		for _, tier := range tiers {
			cls := c.Classify(err, entity.ErrorContext{Service: "llm", Tier: tier, Attempt: -4})
			assert.GreaterOrEqual(t, cls.Confidence, 0.0)
			assert.LessOrEqual(t, cls.Confidence, 1.0)
			assert.True(t, cls.Category.Valid())
		}
	}
}

type panicError struct{}

func (panicError) Error() string { panic("broken error implementation") }

func TestClassify_RecoversFromPanickingError(t *testing.T) {
	c := New(DefaultConfig())

	var cls entity.Classification
	assert.NotPanics(t, func() {
		cls = c.Classify(panicError{}, stepContext())
	})
	assert.Equal(t, entity.CategoryUnknown, cls.Category)
	assert.Equal(t, entity.Escalate, cls.Recoverability)
	assert.Equal(t, int64(1), c.Statistics().TotalClassifications)
}

func TestClassify_TieBreaksOnConfidenceThenID(t *testing.T) {
	cond := []Condition{{Field: FieldMessage, Operator: OpContains, Value: "flaky", Weight: 1}}
	c := New(DefaultConfig(), WithPatterns([]ErrorPattern{
		{ID: "b-pattern", Category: entity.CategoryTransient, Recoverability: entity.Retryable, Confidence: 0.8, Conditions: cond},
		{ID: "a-pattern", Category: entity.CategoryExternalService, Recoverability: entity.Retryable, Confidence: 0.8, Conditions: cond},
	}))

	cls := c.Classify(errors.New("flaky dependency"), stepContext())
	assert.Equal(t, "a-pattern", cls.MatchedPatternID)

	require.NoError(t, c.AddPattern(ErrorPattern{
		ID:             "c-pattern",
		Category:       entity.CategoryValidation,
		Recoverability: entity.NonRetryable,
		Confidence:     0.8,
		Conditions: []Condition{
			{Field: FieldMessage, Operator: OpContains, Value: "flaky", Weight: 0.5},
			{Field: FieldMessage, Operator: OpContains, Value: "dependency", Weight: 0.5},
		},
	}))
	cls = c.Classify(errors.New("flaky dependency"), stepContext())
	assert.Equal(t, "a-pattern", cls.MatchedPatternID)
}

func TestClassify_MetadataAndTierConditions(t *testing.T) {
	c := New(DefaultConfig(), WithPatterns(nil))
	require.NoError(t, c.AddPattern(ErrorPattern{
		ID:             "sandbox-crash",
		Category:       entity.CategoryExternalService,
		Severity:       entity.SeverityCritical,
		Recoverability: entity.Escalate,
		Confidence:     1,
		Conditions: []Condition{
			{Field: "metadata.runtime", Operator: OpEquals, Value: "sandbox", Weight: 0.5},
			{Field: FieldTier, Operator: OpEquals, Value: "3", Weight: 0.5},
		},
	}))

	ectx := stepContext()
	ectx.Metadata = map[string]string{"Runtime": "sandbox"}
	cls := c.Classify(errors.New("exit status 137"), ectx)

	assert.Equal(t, "sandbox-crash", cls.MatchedPatternID)
	assert.Equal(t, entity.SeverityCritical, cls.Severity)
	assert.Equal(t, entity.ImpactLow, cls.UserImpact)

	ectx.Tier = entity.TierRun
	cls = c.Classify(errors.New("exit status 137"), ectx)
	assert.Equal(t, "sandbox-crash", cls.MatchedPatternID)
	assert.InDelta(t, 0.5, cls.Confidence, 1e-9)
}

func TestAddPattern_Validation(t *testing.T) {
	valid := ErrorPattern{
		ID:             "p",
		Category:       entity.CategoryTransient,
		Recoverability: entity.Retryable,
		Confidence:     0.9,
		Conditions:     []Condition{{Field: FieldMessage, Operator: OpContains, Value: "x", Weight: 1}},
	}

	tests := []struct {
		name   string
		mutate func(p *ErrorPattern)
		field  string
	}{
		{"missing id", func(p *ErrorPattern) { p.ID = " " }, "id"},
		{"no conditions", func(p *ErrorPattern) { p.Conditions = nil }, "conditions"},
		{"bad category", func(p *ErrorPattern) { p.Category = "cosmic" }, "category"},
		{"bad recoverability", func(p *ErrorPattern) { p.Recoverability = "" }, "recoverability"},
		{"zero confidence", func(p *ErrorPattern) { p.Confidence = 0 }, "confidence"},
		{"unknown field", func(p *ErrorPattern) { p.Conditions[0].Field = "stack" }, "conditions[0].field"},
		{"negative weight", func(p *ErrorPattern) { p.Conditions[0].Weight = -1 }, "conditions[0].weight"},
		{"bad operator", func(p *ErrorPattern) { p.Conditions[0].Operator = "like" }, "conditions[0].operator"},
		{"bad regex", func(p *ErrorPattern) { p.Conditions[0].Operator = OpMatches; p.Conditions[0].Value = "(" }, "conditions[0].value"},
		{"non numeric threshold", func(p *ErrorPattern) { p.Conditions[0].Operator = OpGreaterThan }, "conditions[0].value"},
		{"empty in list", func(p *ErrorPattern) { p.Conditions[0].Operator = OpIn }, "conditions[0].values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(DefaultConfig())
			p := valid
			p.Conditions = append([]Condition(nil), valid.Conditions...)
			tt.mutate(&p)

			err := c.AddPattern(p)

			require.Error(t, err)
			assert.ErrorIs(t, err, entity.ErrValidationFailed)
			var vErr *entity.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
			assert.Len(t, c.Patterns(), len(DefaultPatterns()))
		})
	}
}

func TestAddPattern_OverwritesByIDAndKeepsUsage(t *testing.T) {
	clk := clock.NewManualClock(time.Time{})
	c := New(DefaultConfig(), WithClock(clk))

	c.Classify(&TimeoutError{}, stepContext())
	c.Classify(&TimeoutError{}, stepContext())

	replacement := DefaultPatterns()[0]
	replacement.Recoverability = entity.Escalate
	require.NoError(t, c.AddPattern(replacement))

	patterns := c.Patterns()
	require.Len(t, patterns, len(DefaultPatterns()))

	var got ErrorPattern
	for _, p := range patterns {
		if p.ID == "transient-timeout" {
			got = p
		}
	}
	assert.Equal(t, entity.Escalate, got.Recoverability)
	assert.Equal(t, int64(2), got.Frequency)
	assert.True(t, got.LastSeen.Equal(clk.Now()))

	cls := c.Classify(&TimeoutError{}, stepContext())
	assert.Equal(t, entity.Escalate, cls.Recoverability)
}

func TestAddPattern_LearningDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Learning = false
	c := New(cfg)

	err := c.AddPattern(DefaultPatterns()[0])

	assert.ErrorIs(t, err, ErrLearningDisabled)
}

func TestPatterns_SortedSnapshot(t *testing.T) {
	c := New(DefaultConfig())

	patterns := c.Patterns()
	for i := 1; i < len(patterns); i++ {
		assert.Less(t, patterns[i-1].ID, patterns[i].ID)
	}

	patterns[0].Conditions[0].Value = "mutated"
	assert.NotEqual(t, "mutated", c.Patterns()[0].Conditions[0].Value)
}

func TestStatistics(t *testing.T) {
	c := New(DefaultConfig())

	c.Classify(&TimeoutError{}, stepContext())
	c.Classify(&TimeoutError{}, entity.ErrorContext{Service: "llm", Operation: "generate", Tier: entity.TierStep, RequestID: "req-2"})
	c.Classify(errors.New("request 1234 failed"), stepContext())
	c.Classify(errors.New("request 9876 failed"), stepContext())

	stats := c.Statistics()

	assert.Equal(t, int64(4), stats.TotalClassifications)
	assert.Equal(t, int64(2), stats.UniqueSignatures)
	assert.Equal(t, len(DefaultPatterns()), stats.PatternCount)
	assert.Equal(t, int64(2), stats.HeuristicFallbacks)
	assert.Equal(t, int64(2), stats.ByCategory[entity.CategoryTransient])
	assert.Equal(t, int64(2), stats.ByCategory[entity.CategoryUnknown])
	assert.Greater(t, stats.AverageConfidence, 0.0)
	assert.LessOrEqual(t, stats.AverageConfidence, 1.0)
}

type recordingMetrics struct {
	mu      sync.Mutex
	matched int
	missed  int
}

func (m *recordingMetrics) RecordClassification(_ entity.Category, matched bool, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if matched {
		m.matched++
	} else {
		m.missed++
	}
}

func TestClassify_ReportsMetrics(t *testing.T) {
	m := &recordingMetrics{}
	c := New(DefaultConfig(), WithMetrics(m))

	c.Classify(&TimeoutError{}, stepContext())
	c.Classify(errors.New("mystery"), stepContext())

	assert.Equal(t, 1, m.matched)
	assert.Equal(t, 1, m.missed)
}

func TestAssess_LeavesStatisticsAndUsageUntouched(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want entity.Category
	}{
		{"pattern match", &TimeoutError{}, entity.CategoryTransient},
		{"heuristic", errors.New("mystery"), entity.CategoryUnknown},
		{"panicking error", panicError{}, entity.CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &recordingMetrics{}
			c := New(DefaultConfig(), WithMetrics(m))

			got := c.Assess(tt.err, stepContext())

			assert.Equal(t, tt.want, got.Category)
			assert.Zero(t, c.Statistics().TotalClassifications)
			assert.Zero(t, m.matched+m.missed)

			assert.Equal(t, c.Classify(tt.err, stepContext()), got)
			assert.Equal(t, int64(1), c.Statistics().TotalClassifications)
		})
	}

	c := New(DefaultConfig())
	for i := 0; i < 3; i++ {
		c.Assess(&TimeoutError{}, stepContext())
	}
	for _, p := range c.Patterns() {
		assert.Zero(t, p.Frequency, p.ID)
		assert.True(t, p.LastSeen.IsZero(), p.ID)
	}
	assert.Zero(t, c.Statistics().UniqueSignatures)
}

func TestClassify_ConcurrentWithAddPattern(t *testing.T) {
	c := New(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cls := c.Classify(&TimeoutError{}, stepContext())
				assert.Equal(t, entity.CategoryTransient, cls.Category)
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = c.AddPattern(ErrorPattern{
					ID:             fmt.Sprintf("learned-%d-%d", i, j),
					Category:       entity.CategoryValidation,
					Recoverability: entity.NonRetryable,
					Confidence:     0.6,
					Conditions:     []Condition{{Field: FieldMessage, Operator: OpContains, Value: "schema", Weight: 1}},
				})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, len(DefaultPatterns())+80, c.Statistics().PatternCount)
	assert.Equal(t, int64(800), c.Statistics().TotalClassifications)
}

func TestLoadPatternsYAML(t *testing.T) {
	doc := `
patterns:
  - id: quota-exceeded
    name: Provider quota exceeded
    category: resource-exhaustion
    severity: warning
    recoverability: retryable
    confidence: 0.9
    effective_strategies: [backoff]
    conditions:
      - field: status
        operator: equals
        value: 429
        weight: 0.6
      - field: message
        operator: contains
        value: quota
        weight: 0.4
`
	patterns, err := LoadPatternsYAML(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "quota-exceeded", patterns[0].ID)
	assert.Equal(t, "429", patterns[0].Conditions[0].Value)

	c := New(DefaultConfig(), WithPatterns(patterns))
	cls := c.Classify(&retry.HTTPError{StatusCode: 429, Message: "monthly quota used"}, stepContext())
	assert.Equal(t, "quota-exceeded", cls.MatchedPatternID)
}

func TestLoadPatternsYAML_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown key":     "patterns:\n  - id: x\n    colour: red\n",
		"invalid pattern": "patterns:\n  - id: x\n    category: transient\n    recoverability: retryable\n    confidence: 0.5\n",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadPatternsYAML(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}

	patterns, err := LoadPatternsYAML(strings.NewReader(""))
	assert.NoError(t, err)
	assert.Empty(t, patterns)
}
