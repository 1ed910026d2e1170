package recovery

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"agent-resilience/internal/domain/entity"
	"agent-resilience/pkg/clock"
)

// Weights are the scoring coefficients. They need not sum to one.
type Weights struct {
	SuccessRate float64 `yaml:"success_rate"`
	Duration    float64 `yaml:"duration"`
	Cost        float64 `yaml:"cost"`
	Recency     float64 `yaml:"recency"`
}

// SelectorConfig controls strategy selection.
type SelectorConfig struct {
	Weights Weights `yaml:"weights"`

	// RecencyAlpha is the EMA weight of each new outcome. 0 disables recency
	// weighting: averages become plain cumulative means and every tried
	// strategy gets the full recency factor.
	RecencyAlpha float64 `yaml:"recency_alpha"`

	// DurationReference is the duration that scores 0.5 on the duration term.
	DurationReference time.Duration `yaml:"duration_reference"`

	// CostReference is the cost that scores 0.5 on the cost term.
	CostReference float64 `yaml:"cost_reference"`

	// RecencyHalfLife is how far behind the bucket's newest outcome a
	// strategy's last outcome may be before its recency factor halves.
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`

	// PriorSuccessRate scores strategies with no history in the bucket.
	PriorSuccessRate float64 `yaml:"prior_success_rate"`

	// Learning enables RecordOutcome.
	Learning bool `yaml:"learning"`
}

// DefaultSelectorConfig returns the default selector configuration.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		Weights:           Weights{SuccessRate: 0.5, Duration: 0.2, Cost: 0.2, Recency: 0.1},
		RecencyAlpha:      0.3,
		DurationReference: time.Second,
		CostReference:     1.0,
		RecencyHalfLife:   10 * time.Minute,
		PriorSuccessRate:  0.5,
		Learning:          true,
	}
}

// Validate checks the configuration.
func (c SelectorConfig) Validate() error {
	for name, w := range map[string]float64{
		"success_rate": c.Weights.SuccessRate,
		"duration":     c.Weights.Duration,
		"cost":         c.Weights.Cost,
		"recency":      c.Weights.Recency,
	} {
		if math.IsNaN(w) || w < 0 {
			return fmt.Errorf("weight %s must be non-negative, got %v", name, w)
		}
	}
	if c.Weights.SuccessRate+c.Weights.Duration+c.Weights.Cost+c.Weights.Recency == 0 {
		return fmt.Errorf("at least one weight must be positive")
	}
	if math.IsNaN(c.RecencyAlpha) || c.RecencyAlpha < 0 || c.RecencyAlpha > 1 {
		return fmt.Errorf("recency alpha must be within [0,1], got %v", c.RecencyAlpha)
	}
	if c.DurationReference <= 0 {
		return fmt.Errorf("duration reference must be positive, got %v", c.DurationReference)
	}
	if math.IsNaN(c.CostReference) || c.CostReference <= 0 {
		return fmt.Errorf("cost reference must be positive, got %v", c.CostReference)
	}
	if c.RecencyHalfLife <= 0 {
		return fmt.Errorf("recency half-life must be positive, got %v", c.RecencyHalfLife)
	}
	if math.IsNaN(c.PriorSuccessRate) || c.PriorSuccessRate < 0 || c.PriorSuccessRate > 1 {
		return fmt.Errorf("prior success rate must be within [0,1], got %v", c.PriorSuccessRate)
	}
	return nil
}

// Metrics receives selector telemetry.
type Metrics interface {
	RecordSelection(strategy string, fromHistory bool)
	RecordOutcome(strategy string, success bool, duration time.Duration)
}

// NoOpMetrics discards selector telemetry.
type NoOpMetrics struct{}

func (NoOpMetrics) RecordSelection(string, bool)              {}
func (NoOpMetrics) RecordOutcome(string, bool, time.Duration) {}

// StrategyEffectiveness is a strategy's performance across all buckets.
type StrategyEffectiveness struct {
	Strategy    StrategyType  `json:"strategy"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	AvgCost     float64       `json:"avg_cost"`
	Samples     int64         `json:"samples"`
}

// Effectiveness summarizes recorded outcomes.
type Effectiveness struct {
	PerStrategy    map[StrategyType]StrategyEffectiveness `json:"per_strategy"`
	BestPerforming []StrategyEffectiveness                `json:"best_performing"`
	Buckets        int                                    `json:"buckets"`
}

// Option configures a Selector.
type Option func(*Selector)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Selector) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock sets the clock stamped on recorded outcomes.
func WithClock(clk clock.Clock) Option {
	return func(s *Selector) {
		s.clock = clock.OrSystem(clk)
	}
}

// WithStrategyParams overrides the parameters returned for p.Type() for every
// service. Invalid parameters are logged and ignored.
func WithStrategyParams(p Params) Option {
	return func(s *Selector) {
		if p == nil {
			return
		}
		if err := p.Validate(); err != nil {
			s.logger.Warn("ignoring invalid strategy parameters",
				slog.String("strategy", string(p.Type())),
				slog.Any("error", err))
			return
		}
		s.params[p.Type()] = p
		s.overridden[p.Type()] = true
	}
}

// Selector picks recovery strategies. Selection is read-only and lock-free;
// outcome recording never blocks selection.
type Selector struct {
	cfg     SelectorConfig
	logger  *slog.Logger
	metrics Metrics
	clock   clock.Clock
	params  map[StrategyType]Params

	// overridden marks params set through WithStrategyParams; the rest
	// follow ParamsFor.
	overridden map[StrategyType]bool

	buckets sync.Map // entity.Bucket -> *bucketRecords
}

// NewSelector creates a selector. An invalid configuration is replaced with
// the defaults.
func NewSelector(cfg SelectorConfig, opts ...Option) *Selector {
	s := &Selector{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: NoOpMetrics{},
		clock:   clock.SystemClock{},
		params:  make(map[StrategyType]Params, len(StrategyTypes())),

		overridden: make(map[StrategyType]bool),
	}
	for _, t := range StrategyTypes() {
		s.params[t] = DefaultParams(t)
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := cfg.Validate(); err != nil {
		s.logger.Warn("invalid selector configuration, using defaults", slog.Any("error", err))
		s.cfg = DefaultSelectorConfig()
		s.cfg.Learning = cfg.Learning
	}
	return s
}

// defaultStrategy is used when a bucket has no history.
var defaultStrategy = map[entity.Category]StrategyType{
	entity.CategoryTransient:          StrategyBackoff,
	entity.CategoryResourceExhaustion: StrategyCircuitBreak,
	entity.CategoryValidation:         StrategyEscalate,
	entity.CategoryExternalService:    StrategyBackoff,
	entity.CategorySecurity:           StrategyEscalate,
	entity.CategoryUnknown:            StrategyEscalate,
}

var applicableByCategory = map[entity.Category][]StrategyType{
	entity.CategoryTransient:          {StrategyRetry, StrategyBackoff, StrategyCircuitBreak, StrategyFallback, StrategyEscalate},
	entity.CategoryResourceExhaustion: {StrategyBackoff, StrategyCircuitBreak, StrategyFallback, StrategyEscalate},
	entity.CategoryValidation:         {StrategyFallback, StrategyEscalate, StrategyIgnore},
	entity.CategoryExternalService:    {StrategyRetry, StrategyBackoff, StrategyCircuitBreak, StrategyFallback, StrategyEscalate},
	entity.CategorySecurity:           {StrategyEscalate},
	entity.CategoryUnknown:            {StrategyRetry, StrategyBackoff, StrategyFallback, StrategyEscalate},
}

// Applicable returns the strategies that may be chosen for cls, in canonical order.
func Applicable(cls entity.Classification) []StrategyType {
	cls = cls.Clamp()
	candidates := applicableByCategory[cls.Category]
	out := make([]StrategyType, 0, len(candidates))
	for _, t := range candidates {
		if cls.Recoverability == entity.NonRetryable && (t == StrategyRetry || t == StrategyBackoff) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// SelectStrategy returns the strategy for cls in ectx's bucket. The result is
// a pure function of the inputs and the bucket's recorded history.
func (s *Selector) SelectStrategy(cls entity.Classification, ectx entity.ErrorContext) StrategyConfig {
	cls = cls.Clamp()
	applicable := Applicable(cls)

	var history map[StrategyType]*aggregate
	if v, ok := s.buckets.Load(ectx.BucketKey()); ok {
		history = v.(*bucketRecords).snapshot()
	}

	var result StrategyConfig
	if len(history) == 0 {
		result = s.staticDefault(cls, ectx, applicable)
	} else {
		result = s.scored(cls, ectx, applicable, history)
	}
	s.metrics.RecordSelection(string(result.Type), result.FromHistory)
	return result
}

func (s *Selector) paramsFor(t StrategyType, service string) Params {
	if s.overridden[t] {
		return s.params[t]
	}
	return ParamsFor(t, service)
}

func (s *Selector) staticDefault(cls entity.Classification, ectx entity.ErrorContext, applicable []StrategyType) StrategyConfig {
	t := defaultStrategy[cls.Category]
	if !contains(applicable, t) {
		t = StrategyEscalate
	}
	return StrategyConfig{
		Type:   t,
		Params: s.paramsFor(t, ectx.Service),
		Reason: fmt.Sprintf("default for %s failures", cls.Category),
	}
}

type candidate struct {
	t     StrategyType
	score float64
	cost  float64
	stats OutcomeStats
}

func (s *Selector) scored(cls entity.Classification, ectx entity.ErrorContext, applicable []StrategyType, history map[StrategyType]*aggregate) StrategyConfig {
	var newest time.Time
	for _, a := range history {
		if a.lastUpdated.After(newest) {
			newest = a.lastUpdated
		}
	}

	preferred := defaultStrategy[cls.Category]
	var best *candidate
	for _, t := range applicable {
		c := s.score(t, history[t], newest)
		if best == nil || better(c, *best, preferred) {
			cc := c
			best = &cc
		}
	}

	reason := fmt.Sprintf("no history for %s, using prior", best.t)
	if best.stats.Samples > 0 {
		reason = fmt.Sprintf("best score %.3f (success %.2f over %d samples)", best.score, best.stats.SuccessRate, best.stats.Samples)
	}
	return StrategyConfig{
		Type:        best.t,
		Params:      s.paramsFor(best.t, ectx.Service),
		Reason:      reason,
		Score:       best.score,
		FromHistory: true,
	}
}

// score computes the weighted sum of success rate, inverse duration, inverse
// cost and recency. Untried strategies score with the prior success rate,
// reference duration and cost, and no recency.
func (s *Selector) score(t StrategyType, a *aggregate, newest time.Time) candidate {
	w := s.cfg.Weights
	if a == nil {
		return candidate{
			t:     t,
			score: w.SuccessRate*s.cfg.PriorSuccessRate + w.Duration*0.5 + w.Cost*0.5,
			cost:  s.cfg.CostReference,
		}
	}

	st := a.stats(s.cfg.RecencyAlpha)
	durRef := float64(s.cfg.DurationReference)
	durationScore := durRef / (durRef + math.Max(0, float64(st.AvgDuration)))
	costScore := s.cfg.CostReference / (s.cfg.CostReference + math.Max(0, st.AvgCost))

	recency := 1.0
	if s.cfg.RecencyAlpha > 0 {
		lag := newest.Sub(st.LastUpdated)
		recency = math.Exp2(-float64(lag) / float64(s.cfg.RecencyHalfLife))
	}

	return candidate{
		t:     t,
		score: w.SuccessRate*st.SuccessRate + w.Duration*durationScore + w.Cost*costScore + w.Recency*recency,
		cost:  st.AvgCost,
		stats: st,
	}
}

// better orders candidates: higher score, then lower cost, then the category
// default, then canonical order.
func better(a, b candidate, preferred StrategyType) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.cost != b.cost {
		return a.cost < b.cost
	}
	if (a.t == preferred) != (b.t == preferred) {
		return a.t == preferred
	}
	return a.t.rank() < b.t.rank()
}

// RecordOutcome folds one outcome into the (strategy, bucket) aggregate.
// Unknown strategies are ignored; negative or NaN inputs are clamped to zero.
func (s *Selector) RecordOutcome(strategy StrategyType, cls entity.Classification, ectx entity.ErrorContext, success bool, duration time.Duration, cost float64) {
	if !s.cfg.Learning {
		return
	}
	if !strategy.Valid() {
		s.logger.Debug("ignoring outcome for unknown strategy", slog.String("strategy", string(strategy)))
		return
	}
	if duration < 0 {
		duration = 0
	}
	if math.IsNaN(cost) || cost < 0 {
		cost = 0
	}
	if math.IsInf(cost, 1) {
		cost = math.MaxFloat64
	}

	key := ectx.BucketKey()
	v, ok := s.buckets.Load(key)
	if !ok {
		v, _ = s.buckets.LoadOrStore(key, newBucketRecords())
	}
	v.(*bucketRecords).record(strategy, success, duration, cost, s.cfg.RecencyAlpha, s.clock.Now())

	s.metrics.RecordOutcome(string(strategy), success, duration)
	s.logger.Debug("recovery outcome recorded",
		slog.String("bucket", key.String()),
		slog.String("strategy", string(strategy)),
		slog.String("category", string(cls.Category)),
		slog.Bool("success", success),
		slog.Duration("duration", duration))
}

// BucketStats returns the per-strategy history of one bucket.
func (s *Selector) BucketStats(bucket entity.Bucket) map[StrategyType]OutcomeStats {
	out := make(map[StrategyType]OutcomeStats)
	v, ok := s.buckets.Load(bucket)
	if !ok {
		return out
	}
	for t, a := range v.(*bucketRecords).snapshot() {
		out[t] = a.stats(s.cfg.RecencyAlpha)
	}
	return out
}

// EffectivenessStatistics aggregates every bucket per strategy, using
// cumulative means weighted by sample count.
func (s *Selector) EffectivenessStatistics() Effectiveness {
	type totals struct {
		samples, successes int64
		duration, cost     float64
	}
	sums := make(map[StrategyType]*totals)
	buckets := 0

	s.buckets.Range(func(_, v any) bool {
		buckets++
		for t, a := range v.(*bucketRecords).snapshot() {
			tt, ok := sums[t]
			if !ok {
				tt = &totals{}
				sums[t] = tt
			}
			tt.samples += a.samples
			tt.successes += a.successes
			tt.duration += a.durationSum
			tt.cost += a.costSum
		}
		return true
	})

	eff := Effectiveness{PerStrategy: make(map[StrategyType]StrategyEffectiveness, len(sums)), Buckets: buckets}
	for t, tt := range sums {
		n := float64(tt.samples)
		se := StrategyEffectiveness{
			Strategy:    t,
			SuccessRate: float64(tt.successes) / n,
			AvgDuration: time.Duration(math.Round(tt.duration / n)),
			AvgCost:     tt.cost / n,
			Samples:     tt.samples,
		}
		eff.PerStrategy[t] = se
		eff.BestPerforming = append(eff.BestPerforming, se)
	}
	sort.Slice(eff.BestPerforming, func(i, j int) bool {
		a, b := eff.BestPerforming[i], eff.BestPerforming[j]
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.Samples != b.Samples {
			return a.Samples > b.Samples
		}
		return a.Strategy.rank() < b.Strategy.rank()
	})
	return eff
}

// Reset discards all recorded history.
func (s *Selector) Reset() {
	s.buckets.Range(func(k, _ any) bool {
		s.buckets.Delete(k)
		return true
	})
	s.logger.Info("recovery history reset")
}

// Params returns the parameters the selector attaches to t for services
// without their own schedule.
func (s *Selector) Params(t StrategyType) Params {
	return s.params[t]
}

func contains(list []StrategyType, t StrategyType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}
