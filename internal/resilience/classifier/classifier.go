// Package classifier maps failures to structured classifications using
// weighted pattern rules, falling back to a conservative heuristic when no
// pattern is confident enough.
package classifier

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"agent-resilience/internal/domain/entity"
	"agent-resilience/pkg/clock"
)

// ErrLearningDisabled is returned by AddPattern when pattern learning is turned off.
var ErrLearningDisabled = errors.New("classifier: pattern learning is disabled")

// Config controls classification.
type Config struct {
	// MinConfidence is the score a pattern must reach to be used.
	MinConfidence float64 `yaml:"min_confidence"`

	// PatternDetection enables pattern scoring. When false every failure goes
	// to the heuristic.
	PatternDetection bool `yaml:"pattern_detection"`

	// Learning allows AddPattern.
	Learning bool `yaml:"learning"`

	// SignatureCapacity bounds the number of tracked failure signatures.
	SignatureCapacity int `yaml:"signature_capacity"`
}

// DefaultConfig returns the default classifier configuration.
func DefaultConfig() Config {
	return Config{
		MinConfidence:     0.5,
		PatternDetection:  true,
		Learning:          true,
		SignatureCapacity: 10000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if math.IsNaN(c.MinConfidence) || c.MinConfidence <= 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be within (0,1], got %v", c.MinConfidence)
	}
	if c.SignatureCapacity < 1 {
		return fmt.Errorf("signature capacity must be positive, got %d", c.SignatureCapacity)
	}
	return nil
}

// Statistics summarizes classifier activity.
type Statistics struct {
	TotalClassifications int64                     `json:"total_classifications"`
	UniqueSignatures     int64                     `json:"unique_signatures"`
	PatternCount         int                       `json:"pattern_count"`
	AverageConfidence    float64                   `json:"average_confidence"`
	HeuristicFallbacks   int64                     `json:"heuristic_fallbacks"`
	ByCategory           map[entity.Category]int64 `json:"by_category"`
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Classifier) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock sets the clock used for pattern LastSeen.
func WithClock(clk clock.Clock) Option {
	return func(c *Classifier) {
		c.clock = clock.OrSystem(clk)
	}
}

// WithPatterns replaces the seeded default patterns. Invalid patterns are
// logged and skipped.
func WithPatterns(patterns []ErrorPattern) Option {
	return func(c *Classifier) {
		c.seed = patterns
	}
}

// Classifier is safe for concurrent use. Classify never blocks on AddPattern.
type Classifier struct {
	cfg     Config
	logger  *slog.Logger
	metrics Metrics
	clock   clock.Clock
	seed    []ErrorPattern

	// patterns is sorted by ID and never mutated after publication.
	patterns atomic.Pointer[[]*compiledPattern]
	writeMu  sync.Mutex

	signatures *lru.Cache[string, struct{}]

	total          atomic.Int64
	unique         atomic.Int64
	heuristic      atomic.Int64
	confidenceSumN atomic.Int64
	byCategory     map[entity.Category]*atomic.Int64
}

// confidenceScale stores confidence sums as fixed-point integers.
const confidenceScale = 1_000_000

// New creates a classifier seeded with DefaultPatterns. Out-of-range config
// values are replaced with defaults.
func New(cfg Config, opts ...Option) *Classifier {
	defaults := DefaultConfig()
	if math.IsNaN(cfg.MinConfidence) || cfg.MinConfidence <= 0 || cfg.MinConfidence > 1 {
		cfg.MinConfidence = defaults.MinConfidence
	}
	if cfg.SignatureCapacity < 1 {
		cfg.SignatureCapacity = defaults.SignatureCapacity
	}

	c := &Classifier{
		cfg:        cfg,
		logger:     slog.Default(),
		metrics:    NoOpMetrics{},
		clock:      clock.SystemClock{},
		seed:       DefaultPatterns(),
		byCategory: make(map[entity.Category]*atomic.Int64, len(entity.Categories())),
	}
	for _, cat := range entity.Categories() {
		c.byCategory[cat] = &atomic.Int64{}
	}
	for _, opt := range opts {
		opt(c)
	}

	// lru.New only fails for a non-positive size.
	c.signatures, _ = lru.New[string, struct{}](cfg.SignatureCapacity)

	compiled := make([]*compiledPattern, 0, len(c.seed))
	for _, p := range c.seed {
		cp, err := compilePattern(p)
		if err != nil {
			c.logger.Warn("skipping invalid error pattern",
				slog.String("pattern_id", p.ID),
				slog.Any("error", err))
			continue
		}
		compiled = upsert(compiled, cp)
	}
	c.patterns.Store(&compiled)
	c.seed = nil

	return c
}

// Classify maps err and its context to a classification. It never panics
// and always returns a classification with confidence in [0,1]. The result
// is counted in Statistics and in the matched pattern's usage.
func (c *Classifier) Classify(err error, ectx entity.ErrorContext) entity.Classification {
	result, pattern := c.evaluate(err, ectx)
	if pattern != nil {
		pattern.usage.hit(c.clock.Now())
	}
	c.record(result, pattern != nil)
	return result
}

// Assess classifies like Classify but leaves statistics and pattern usage
// untouched. Circuit breakers call it on every failed call.
func (c *Classifier) Assess(err error, ectx entity.ErrorContext) entity.Classification {
	result, _ := c.evaluate(err, ectx)
	return result
}

// evaluate returns the classification and the pattern that produced it, or
// nil when the heuristic did.
func (c *Classifier) evaluate(err error, ectx entity.ErrorContext) (result entity.Classification, pattern *compiledPattern) {
	ectx = ectx.Normalize()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("recovered panic during classification",
				slog.String("service", ectx.Service),
				slog.String("operation", ectx.Operation),
				slog.Any("panic", r))
			result, pattern = heuristicFromContext(ectx), nil
		}
	}()

	f := extractFacts(err, ectx)
	sig := signature(f)

	if c.cfg.PatternDetection {
		if best, score := c.bestMatch(f); best != nil && score >= c.cfg.MinConfidence {
			result = best.classification(score, ectx.Tier)
			result.Signature = sig
			return result, best
		}
	}

	result = heuristic(f, ectx)
	result.Signature = sig
	return result, nil
}

// bestMatch returns the highest scoring pattern. Ties go to the higher pattern
// confidence, then the lexicographically smaller ID.
func (c *Classifier) bestMatch(f facts) (*compiledPattern, float64) {
	var (
		best      *compiledPattern
		bestScore float64
	)
	for _, p := range *c.patterns.Load() {
		s := p.score(f)
		if s <= 0 {
			continue
		}
		switch {
		case best == nil, s > bestScore:
		case s == bestScore && p.Confidence > best.Confidence:
		case s == bestScore && p.Confidence == best.Confidence && p.ID < best.ID:
		default:
			continue
		}
		best, bestScore = p, s
	}
	return best, entity.ClampUnit(bestScore)
}

func (c *Classifier) record(cls entity.Classification, matched bool) {
	c.total.Add(1)
	if !matched {
		c.heuristic.Add(1)
	}
	c.confidenceSumN.Add(int64(math.Round(cls.Confidence * confidenceScale)))
	if counter, ok := c.byCategory[cls.Category]; ok {
		counter.Add(1)
	}
	if cls.Signature != "" {
		if found, _ := c.signatures.ContainsOrAdd(cls.Signature, struct{}{}); !found {
			c.unique.Add(1)
		}
	}
	c.metrics.RecordClassification(cls.Category, matched, cls.Confidence)
}

// AddPattern registers p, replacing any pattern with the same ID. Usage
// counters survive replacement. Invalid patterns are rejected with
// *entity.ValidationError.
func (c *Classifier) AddPattern(p ErrorPattern) error {
	if !c.cfg.Learning {
		return ErrLearningDisabled
	}
	cp, err := compilePattern(p)
	if err != nil {
		return fmt.Errorf("add pattern %q: %w", p.ID, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current := *c.patterns.Load()
	next := make([]*compiledPattern, len(current), len(current)+1)
	copy(next, current)
	for _, existing := range current {
		if existing.ID == cp.ID && p.Frequency == 0 && p.LastSeen.IsZero() {
			cp.usage = existing.usage
		}
	}
	next = upsert(next, cp)
	c.patterns.Store(&next)

	c.logger.Info("error pattern registered",
		slog.String("pattern_id", cp.ID),
		slog.String("category", string(cp.Category)),
		slog.Int("conditions", len(cp.conds)))
	return nil
}

// upsert inserts or replaces p in a slice sorted by ID.
func upsert(list []*compiledPattern, p *compiledPattern) []*compiledPattern {
	i := sort.Search(len(list), func(i int) bool { return list[i].ID >= p.ID })
	if i < len(list) && list[i].ID == p.ID {
		list[i] = p
		return list
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = p
	return list
}

// Patterns returns a snapshot of the registered patterns sorted by ID,
// including their usage counters.
func (c *Classifier) Patterns() []ErrorPattern {
	current := *c.patterns.Load()
	out := make([]ErrorPattern, 0, len(current))
	for _, cp := range current {
		p := cp.ErrorPattern
		p.Conditions = append([]Condition(nil), cp.Conditions...)
		p.EffectiveStrategies = append([]string(nil), cp.EffectiveStrategies...)
		p.Frequency, p.LastSeen = cp.usage.snapshot()
		out = append(out, p)
	}
	return out
}

// Statistics returns a snapshot of classifier counters.
func (c *Classifier) Statistics() Statistics {
	total := c.total.Load()
	stats := Statistics{
		TotalClassifications: total,
		UniqueSignatures:     c.unique.Load(),
		PatternCount:         len(*c.patterns.Load()),
		HeuristicFallbacks:   c.heuristic.Load(),
		ByCategory:           make(map[entity.Category]int64, len(c.byCategory)),
	}
	if total > 0 {
		stats.AverageConfidence = float64(c.confidenceSumN.Load()) / confidenceScale / float64(total)
	}
	for cat, counter := range c.byCategory {
		if n := counter.Load(); n > 0 {
			stats.ByCategory[cat] = n
		}
	}
	return stats
}

// heuristic builds the conservative fallback classification: unknown and
// escalate, with a confidence between 0.05 and 0.35 reflecting how much of
// the failure could be identified.
func heuristic(f facts, ectx entity.ErrorContext) entity.Classification {
	cls := heuristicFromContext(ectx)

	confidence := 0.05
	status, hasStatus := 0, false
	if s, ok := f[FieldStatus]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			status, hasStatus = n, true
			confidence += 0.1
		}
	}
	if f[FieldCode] != "" || f[FieldSource] != "" {
		confidence += 0.1
	}
	transient := f[FieldTimeout] == "true" || f[FieldRetryable] == "true"
	if transient {
		confidence += 0.1
	}

	severity := entity.SeverityError
	switch {
	case hasStatus && status >= 500:
		severity = entity.SeverityError
	case transient:
		severity = entity.SeverityWarning
	case hasStatus && status >= 400:
		severity = entity.SeverityWarning
	}
	if ectx.Tier == entity.TierSwarm && severity.Rank() < entity.SeverityCritical.Rank() {
		severity = bumpSeverity(severity)
	}

	cls.Severity = severity
	cls.Confidence = math.Min(confidence, 0.35)
	return cls.Clamp()
}

// heuristicFromContext is the lowest-information classification, used when
// even fact extraction cannot be trusted.
func heuristicFromContext(ectx entity.ErrorContext) entity.Classification {
	cls := entity.UnknownClassification(0.05)
	cls.UserImpact = impactForTier(ectx.Tier)
	return cls
}

func bumpSeverity(s entity.Severity) entity.Severity {
	switch s {
	case entity.SeverityInfo:
		return entity.SeverityWarning
	case entity.SeverityWarning:
		return entity.SeverityError
	default:
		return entity.SeverityCritical
	}
}

// impactForTier estimates user impact from the tier's blast radius.
func impactForTier(t entity.Tier) entity.ImpactLevel {
	switch t {
	case entity.TierSwarm:
		return entity.ImpactHigh
	case entity.TierRun:
		return entity.ImpactMedium
	case entity.TierStep:
		return entity.ImpactLow
	default:
		return entity.ImpactMedium
	}
}
