package events

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agent-resilience/internal/domain/entity"
)

// Rule overrides the sampling rate for matching events. Empty filters match
// everything.
type Rule struct {
	Name       string            `yaml:"name"`
	Types      []Type            `yaml:"types"`
	Categories []entity.Category `yaml:"categories"`
	Services   []string          `yaml:"services"`
	Rate       float64           `yaml:"rate"`
}

func (r Rule) matches(e *ResilienceEvent) bool {
	if len(r.Types) > 0 && !slices.Contains(r.Types, e.Type) {
		return false
	}
	if len(r.Categories) > 0 && !slices.Contains(r.Categories, e.category()) {
		return false
	}
	if len(r.Services) > 0 {
		if e.Context == nil || !slices.Contains(r.Services, e.Context.Service) {
			return false
		}
	}
	return true
}

// SamplingPolicy decides which events are recorded. Critical events are
// always kept. Otherwise the first matching rule's rate applies, then the
// per-severity rate, then DefaultRate. Kept non-critical events are finally
// capped at MaxPerSecond when it is positive.
type SamplingPolicy struct {
	SeverityRates map[entity.Severity]float64 `yaml:"severity_rates"`
	DefaultRate   float64                     `yaml:"default_rate"`
	Rules         []Rule                      `yaml:"rules"`
	MaxPerSecond  float64                     `yaml:"max_per_second"`
	Burst         int                         `yaml:"burst"`
}

// DefaultSamplingPolicy keeps every error, half the warnings and a tenth of
// informational events.
func DefaultSamplingPolicy() SamplingPolicy {
	return SamplingPolicy{
		SeverityRates: map[entity.Severity]float64{
			entity.SeverityInfo:    0.1,
			entity.SeverityWarning: 0.5,
			entity.SeverityError:   1.0,
		},
		DefaultRate: 1.0,
	}
}

// Validate checks that every rate lies in [0,1].
func (p SamplingPolicy) Validate() error {
	for sev, r := range p.SeverityRates {
		if !validRate(r) {
			return fmt.Errorf("sampling rate for severity %q must be within [0,1], got %v", sev, r)
		}
	}
	if !validRate(p.DefaultRate) {
		return fmt.Errorf("default sampling rate must be within [0,1], got %v", p.DefaultRate)
	}
	for i, rule := range p.Rules {
		if !validRate(rule.Rate) {
			return fmt.Errorf("sampling rule %d (%s) rate must be within [0,1], got %v", i, rule.Name, rule.Rate)
		}
	}
	if math.IsNaN(p.MaxPerSecond) || p.MaxPerSecond < 0 {
		return fmt.Errorf("sampling max per second must not be negative, got %v", p.MaxPerSecond)
	}
	if p.Burst < 0 {
		return fmt.Errorf("sampling burst must not be negative, got %d", p.Burst)
	}
	return nil
}

func validRate(r float64) bool {
	return !math.IsNaN(r) && r >= 0 && r <= 1
}

// sampler applies a SamplingPolicy. It is safe for concurrent use.
type sampler struct {
	policy  SamplingPolicy
	limiter *rate.Limiter

	mu  sync.Mutex
	rng *rand.Rand
}

func newSampler(policy SamplingPolicy, rng *rand.Rand) *sampler {
	s := &sampler{policy: policy, rng: rng}
	if policy.MaxPerSecond > 0 {
		burst := policy.Burst
		if burst < 1 {
			burst = int(math.Max(1, math.Ceil(policy.MaxPerSecond)))
		}
		s.limiter = rate.NewLimiter(rate.Limit(policy.MaxPerSecond), burst)
	}
	return s
}

// decide reports whether e is kept and why.
func (s *sampler) decide(e *ResilienceEvent, now time.Time) (bool, string) {
	if e.critical() {
		return true, "critical"
	}

	r, reason := s.rate(e)
	switch {
	case r <= 0:
		return false, reason
	case r < 1:
		s.mu.Lock()
		draw := s.rng.Float64()
		s.mu.Unlock()
		if draw >= r {
			return false, reason
		}
	}

	if s.limiter != nil && !s.limiter.AllowN(now, 1) {
		return false, "rate-limited"
	}
	return true, reason
}

func (s *sampler) rate(e *ResilienceEvent) (float64, string) {
	for _, rule := range s.policy.Rules {
		if rule.matches(e) {
			return rule.Rate, "rule:" + rule.Name
		}
	}
	if sev := e.severity(); sev != "" {
		if r, ok := s.policy.SeverityRates[sev]; ok {
			return r, "severity:" + string(sev)
		}
	}
	return s.policy.DefaultRate, "default"
}
