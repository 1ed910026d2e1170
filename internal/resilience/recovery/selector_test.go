package recovery

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-resilience/internal/domain/entity"
	"agent-resilience/internal/resilience/retry"
	"agent-resilience/pkg/clock"
)

func transient() entity.Classification {
	return entity.Classification{
		Category:       entity.CategoryTransient,
		Severity:       entity.SeverityWarning,
		Recoverability: entity.Retryable,
		UserImpact:     entity.ImpactLow,
		Confidence:     0.9,
	}
}

func llmStep() entity.ErrorContext {
	return entity.ErrorContext{Service: "llm", Operation: "generate", Tier: entity.TierStep}
}

func TestSelectStrategy_StaticDefaults(t *testing.T) {
	s := NewSelector(DefaultSelectorConfig())

	tests := []struct {
		category       entity.Category
		recoverability entity.Recoverability
		want           StrategyType
	}{
		{entity.CategoryTransient, entity.Retryable, StrategyBackoff},
		{entity.CategoryResourceExhaustion, entity.Retryable, StrategyCircuitBreak},
		{entity.CategoryValidation, entity.NonRetryable, StrategyEscalate},
		{entity.CategorySecurity, entity.Escalate, StrategyEscalate},
		{entity.CategoryUnknown, entity.Escalate, StrategyEscalate},
		{entity.CategoryExternalService, entity.Retryable, StrategyBackoff},
		{entity.CategoryTransient, entity.NonRetryable, StrategyEscalate},
	}

	for _, tt := range tests {
		t.Run(string(tt.category)+"/"+string(tt.recoverability), func(t *testing.T) {
			cls := entity.Classification{Category: tt.category, Recoverability: tt.recoverability}

			got := s.SelectStrategy(cls, llmStep())

			assert.Equal(t, tt.want, got.Type)
			assert.False(t, got.FromHistory)
			require.NoError(t, got.Validate())
		})
	}
}

func TestSelectStrategy_Deterministic(t *testing.T) {
	clk := clock.NewManualClock(time.Time{})
	s := NewSelector(DefaultSelectorConfig(), WithClock(clk))

	for i := 0; i < 5; i++ {
		s.RecordOutcome(StrategyRetry, transient(), llmStep(), i%2 == 0, 300*time.Millisecond, 0.4)
		clk.Advance(time.Second)
		s.RecordOutcome(StrategyBackoff, transient(), llmStep(), true, 2*time.Second, 0.6)
		clk.Advance(time.Second)
	}

	first := s.SelectStrategy(transient(), llmStep())
	for i := 0; i < 50; i++ {
		got := s.SelectStrategy(transient(), llmStep())
		if diff := cmp.Diff(first, got); diff != "" {
			t.Fatalf("selection changed on call %d (-first +got):\n%s", i, diff)
		}
	}
	assert.True(t, first.FromHistory)
}

func TestRecordOutcome_OrderIndependentWithoutRecency(t *testing.T) {
	cfg := DefaultSelectorConfig()
	cfg.RecencyAlpha = 0

	type outcome struct {
		success  bool
		duration time.Duration
		cost     float64
	}
	a := outcome{success: true, duration: 120 * time.Millisecond, cost: 0.25}
	b := outcome{success: false, duration: 900 * time.Millisecond, cost: 1.75}

	run := func(order ...outcome) OutcomeStats {
		clk := clock.NewManualClock(time.Time{})
		s := NewSelector(cfg, WithClock(clk))
		for _, o := range order {
			s.RecordOutcome(StrategyRetry, transient(), llmStep(), o.success, o.duration, o.cost)
		}
		return s.BucketStats(llmStep().BucketKey())[StrategyRetry]
	}

	ab := run(a, b)
	ba := run(b, a)

	assert.Equal(t, ab, ba)
	assert.Equal(t, 0.5, ab.SuccessRate)
	assert.Equal(t, 510*time.Millisecond, ab.AvgDuration)
	assert.InDelta(t, 1.0, ab.AvgCost, 1e-12)
	assert.Equal(t, int64(2), ab.Samples)
}

func TestRecordOutcome_EMAFavoursRecent(t *testing.T) {
	s := NewSelector(DefaultSelectorConfig())

	for i := 0; i < 5; i++ {
		s.RecordOutcome(StrategyRetry, transient(), llmStep(), true, time.Second, 1)
	}
	for i := 0; i < 3; i++ {
		s.RecordOutcome(StrategyRetry, transient(), llmStep(), false, time.Second, 1)
	}

	stats := s.BucketStats(llmStep().BucketKey())[StrategyRetry]

	// 0.7^3 of the original 1.0 survives three failures.
	assert.InDelta(t, 0.343, stats.SuccessRate, 1e-9)
	assert.Equal(t, int64(8), stats.Samples)
}

func TestSelectStrategy_PrefersSuccessfulCheapStrategy(t *testing.T) {
	cfg := DefaultSelectorConfig()
	cfg.RecencyAlpha = 0
	s := NewSelector(cfg)

	for i := 0; i < 10; i++ {
		s.RecordOutcome(StrategyBackoff, transient(), llmStep(), false, 5*time.Second, 3)
		s.RecordOutcome(StrategyFallback, transient(), llmStep(), true, 100*time.Millisecond, 0.1)
	}

	got := s.SelectStrategy(transient(), llmStep())

	assert.Equal(t, StrategyFallback, got.Type)
	assert.True(t, got.FromHistory)
	assert.Greater(t, got.Score, 0.0)
	assert.IsType(t, FallbackParams{}, got.Params)
}

func TestSelectStrategy_UntriedStrategyUsesPrior(t *testing.T) {
	cfg := DefaultSelectorConfig()
	cfg.RecencyAlpha = 0
	s := NewSelector(cfg)

	for i := 0; i < 4; i++ {
		s.RecordOutcome(StrategyBackoff, transient(), llmStep(), false, 10*time.Second, 5)
	}

	got := s.SelectStrategy(transient(), llmStep())

	// Every untried strategy ties on the prior and the reference cost, so the
	// canonical order decides.
	assert.Equal(t, StrategyRetry, got.Type)
	assert.Contains(t, got.Reason, "prior")
}

func TestSelectStrategy_PriorTiePrefersCategoryDefault(t *testing.T) {
	tests := []struct {
		name     string
		category entity.Category
		want     StrategyType
	}{
		{"transient", entity.CategoryTransient, StrategyBackoff},
		{"external service", entity.CategoryExternalService, StrategyBackoff},
		{"resource exhaustion", entity.CategoryResourceExhaustion, StrategyCircuitBreak},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSelectorConfig()
			cfg.RecencyAlpha = 0
			s := NewSelector(cfg)
			cls := entity.Classification{Category: tt.category, Recoverability: entity.Retryable}

			for i := 0; i < 3; i++ {
				s.RecordOutcome(StrategyEscalate, cls, llmStep(), false, 10*time.Second, 5)
			}

			got := s.SelectStrategy(cls, llmStep())

			assert.Equal(t, tt.want, got.Type)
			assert.True(t, got.FromHistory)
			assert.Contains(t, got.Reason, "prior")
		})
	}
}

func TestSelectStrategy_RespectsApplicability(t *testing.T) {
	cfg := DefaultSelectorConfig()
	cfg.RecencyAlpha = 0
	s := NewSelector(cfg)

	security := entity.Classification{Category: entity.CategorySecurity, Recoverability: entity.Escalate}
	for i := 0; i < 10; i++ {
		s.RecordOutcome(StrategyRetry, security, llmStep(), true, time.Millisecond, 0)
	}

	assert.Equal(t, StrategyEscalate, s.SelectStrategy(security, llmStep()).Type)

	nonRetryable := transient()
	nonRetryable.Recoverability = entity.NonRetryable
	got := s.SelectStrategy(nonRetryable, llmStep())
	assert.NotEqual(t, StrategyRetry, got.Type)
	assert.NotEqual(t, StrategyBackoff, got.Type)
}

func TestSelectStrategy_BucketsAreIsolated(t *testing.T) {
	s := NewSelector(DefaultSelectorConfig())
	s.RecordOutcome(StrategyFallback, transient(), llmStep(), true, time.Millisecond, 0)

	other := llmStep()
	other.Tier = entity.TierRun

	got := s.SelectStrategy(transient(), other)

	assert.Equal(t, StrategyBackoff, got.Type)
	assert.False(t, got.FromHistory)
}

func TestSelectStrategy_BucketsKeepPartsApart(t *testing.T) {
	s := NewSelector(DefaultSelectorConfig())
	joined := entity.ErrorContext{Service: "llm|generate", Operation: "x", Tier: entity.TierStep}
	split := entity.ErrorContext{Service: "llm", Operation: "generate|x", Tier: entity.TierStep}
	require.Equal(t, joined.BucketKey().String(), split.BucketKey().String())

	s.RecordOutcome(StrategyFallback, transient(), joined, true, time.Millisecond, 0)

	assert.Len(t, s.BucketStats(joined.BucketKey()), 1)
	assert.Empty(t, s.BucketStats(split.BucketKey()))
	assert.False(t, s.SelectStrategy(transient(), split).FromHistory)
}

func TestSelectStrategy_BackoffFollowsServiceSchedule(t *testing.T) {
	s := NewSelector(DefaultSelectorConfig())

	tests := []struct {
		service string
		want    Params
	}{
		{"llm", backoffFrom(retry.LLMConfig())},
		{"tool", backoffFrom(retry.ToolConfig())},
		{"search", DefaultParams(StrategyBackoff)},
	}
	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			ectx := entity.ErrorContext{Service: tt.service, Operation: "call", Tier: entity.TierStep}

			got := s.SelectStrategy(transient(), ectx)

			require.Equal(t, StrategyBackoff, got.Type)
			assert.Equal(t, tt.want, got.Params)
			require.NoError(t, got.Validate())
		})
	}

	override := BackoffParams{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	s = NewSelector(DefaultSelectorConfig(), WithStrategyParams(override))
	assert.Equal(t, override, s.SelectStrategy(transient(), llmStep()).Params)
}

func TestRecordOutcome_LearningDisabledAndInvalidInput(t *testing.T) {
	cfg := DefaultSelectorConfig()
	cfg.Learning = false
	s := NewSelector(cfg)
	s.RecordOutcome(StrategyRetry, transient(), llmStep(), true, time.Second, 1)
	assert.Empty(t, s.BucketStats(llmStep().BucketKey()))

	s = NewSelector(DefaultSelectorConfig())
	s.RecordOutcome(StrategyType("pray"), transient(), llmStep(), true, time.Second, 1)
	assert.Equal(t, 0, s.EffectivenessStatistics().Buckets)

	s.RecordOutcome(StrategyRetry, transient(), llmStep(), true, -time.Second, -3)
	stats := s.BucketStats(llmStep().BucketKey())[StrategyRetry]
	assert.Equal(t, time.Duration(0), stats.AvgDuration)
	assert.Equal(t, 0.0, stats.AvgCost)
}

func TestEffectivenessStatistics(t *testing.T) {
	cfg := DefaultSelectorConfig()
	cfg.RecencyAlpha = 0
	s := NewSelector(cfg)

	tool := entity.ErrorContext{Service: "tool", Operation: "search", Tier: entity.TierRun}
	s.RecordOutcome(StrategyRetry, transient(), llmStep(), true, time.Second, 1)
	s.RecordOutcome(StrategyRetry, transient(), tool, false, 3*time.Second, 1)
	s.RecordOutcome(StrategyFallback, transient(), tool, true, time.Second, 0.5)
	s.RecordOutcome(StrategyEscalate, transient(), tool, false, time.Second, 0)

	eff := s.EffectivenessStatistics()

	assert.Equal(t, 2, eff.Buckets)
	require.Len(t, eff.PerStrategy, 3)
	assert.Equal(t, 0.5, eff.PerStrategy[StrategyRetry].SuccessRate)
	assert.Equal(t, 2*time.Second, eff.PerStrategy[StrategyRetry].AvgDuration)
	assert.Equal(t, int64(2), eff.PerStrategy[StrategyRetry].Samples)

	ranked := make([]StrategyType, 0, len(eff.BestPerforming))
	for _, se := range eff.BestPerforming {
		ranked = append(ranked, se.Strategy)
	}
	assert.Equal(t, []StrategyType{StrategyFallback, StrategyRetry, StrategyEscalate}, ranked)

	s.Reset()
	assert.Equal(t, 0, s.EffectivenessStatistics().Buckets)
}

func TestRecordOutcome_Concurrent(t *testing.T) {
	cfg := DefaultSelectorConfig()
	cfg.RecencyAlpha = 0
	s := NewSelector(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.RecordOutcome(StrategyBackoff, transient(), llmStep(), i%2 == 0, time.Millisecond, 1)
				_ = s.SelectStrategy(transient(), llmStep())
			}
		}(i)
	}
	wg.Wait()

	stats := s.BucketStats(llmStep().BucketKey())[StrategyBackoff]
	assert.Equal(t, int64(800), stats.Samples)
	assert.Equal(t, 0.5, stats.SuccessRate)
}

func TestNewSelector_InvalidConfigFallsBack(t *testing.T) {
	cfg := DefaultSelectorConfig()
	cfg.RecencyAlpha = 4
	s := NewSelector(cfg, WithStrategyParams(RetryParams{MaxAttempts: 0}), WithStrategyParams(RetryParams{MaxAttempts: 7}))

	assert.Equal(t, DefaultSelectorConfig().RecencyAlpha, s.cfg.RecencyAlpha)
	assert.Equal(t, RetryParams{MaxAttempts: 7}, s.Params(StrategyRetry))
}
