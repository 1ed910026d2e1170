// Package circuitbreaker protects downstream services with per-(service,
// operation) adaptive circuit breakers. Trip thresholds move with the
// severity of recent failures and cooldowns escalate across repeated trips.
package circuitbreaker

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"agent-resilience/internal/domain/entity"
	"agent-resilience/pkg/clock"
)

// StateKind is the breaker state.
type StateKind int

const (
	// StateClosed admits all calls and counts failures.
	StateClosed StateKind = iota

	// StateOpen rejects all calls until the cooldown expires.
	StateOpen

	// StateHalfOpen admits a single probe call.
	StateHalfOpen
)

// String returns a string representation of the circuit state.
func (s StateKind) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its name.
func (s StateKind) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a point-in-time snapshot of a breaker.
type State struct {
	Key             string        `json:"key"`
	Service         string        `json:"service"`
	Operation       string        `json:"operation"`
	State           StateKind     `json:"state"`
	FailureCount    int           `json:"failure_count"`
	Threshold       int           `json:"threshold"`
	LastFailureTime time.Time     `json:"last_failure_time,omitempty"`
	NextRetryTime   time.Time     `json:"next_retry_time,omitempty"`
	Cooldown        time.Duration `json:"cooldown"`
	NextCooldown    time.Duration `json:"next_cooldown"`
	TotalRequests   int64         `json:"total_requests"`
	TotalFailures   int64         `json:"total_failures"`
	Rejections      int64         `json:"rejections"`
}

// StateChange describes one transition.
type StateChange struct {
	Key           string
	Service       string
	Operation     string
	From          StateKind
	To            StateKind
	FailureCount  int
	Cooldown      time.Duration
	NextRetryTime time.Time
	At            time.Time
}

// Assessment is the severity hint for a failure. It steers the adaptive threshold.
type Assessment struct {
	Severity entity.Severity
	Category entity.Category
}

// Ticket is issued by Allow and must be handed back to Record or Release.
type Ticket struct {
	generation uint64
	probe      bool
}

// AdaptiveCircuitBreaker is a per-key circuit breaker. All methods are safe
// for concurrent use; state changes are serialized by a mutex.
type AdaptiveCircuitBreaker struct {
	key       string
	service   string
	operation string
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger
	metrics   Metrics
	onChange  func(StateChange)

	mu              sync.Mutex
	state           StateKind
	generation      uint64
	consecutive     int
	window          []bool
	windowNext      int
	windowCount     int
	windowFailures  int
	recent          []float64
	recentNext      int
	recentCount     int
	currentCooldown time.Duration
	nextCooldown    time.Duration
	lastFailure     time.Time
	nextRetry       time.Time
	probeInFlight   bool
	totalRequests   int64
	totalFailures   int64
	rejections      int64
}

func newBreaker(service, operation string, cfg Config, deps dependencies) *AdaptiveCircuitBreaker {
	return &AdaptiveCircuitBreaker{
		key:          entity.BreakerKey(service, operation),
		service:      service,
		operation:    operation,
		cfg:          cfg,
		clock:        deps.clock,
		logger:       deps.logger,
		metrics:      deps.metrics,
		onChange:     deps.onChange,
		state:        StateClosed,
		window:       make([]bool, cfg.WindowSize),
		recent:       make([]float64, cfg.Adaptive.RecentFailures),
		nextCooldown: cfg.BaseCooldown,
	}
}

// Key returns "service:operation".
func (b *AdaptiveCircuitBreaker) Key() string { return b.key }

// Config returns the breaker's configuration.
func (b *AdaptiveCircuitBreaker) Config() Config { return b.cfg }

// Allow asks to make a call. In OPEN it returns *OpenError until the cooldown
// has elapsed, then moves to HALF_OPEN and admits exactly one probe.
func (b *AdaptiveCircuitBreaker) Allow() (Ticket, error) {
	now := b.clock.Now()
	var changes []StateChange

	b.mu.Lock()
	if b.state == StateOpen && !now.Before(b.nextRetry) {
		changes = append(changes, b.transition(StateHalfOpen, now))
	}

	var (
		ticket Ticket
		err    error
	)
	switch b.state {
	case StateOpen:
		b.rejections++
		err = &OpenError{Key: b.key, State: StateOpen, NextRetryTime: b.nextRetry}
	case StateHalfOpen:
		if b.probeInFlight {
			b.rejections++
			err = &OpenError{Key: b.key, State: StateHalfOpen, NextRetryTime: b.nextRetry}
			break
		}
		b.probeInFlight = true
		b.totalRequests++
		ticket = Ticket{generation: b.generation, probe: true}
	default:
		b.totalRequests++
		ticket = Ticket{generation: b.generation}
	}
	b.mu.Unlock()

	b.notify(changes)
	return ticket, err
}

// Record reports the outcome of an admitted call. Results from a previous
// state generation only update the totals.
func (b *AdaptiveCircuitBreaker) Record(t Ticket, success bool, a Assessment) {
	now := b.clock.Now()
	var changes []StateChange

	b.mu.Lock()
	if !success {
		b.totalFailures++
		b.lastFailure = now
	}
	if t.generation != b.generation {
		b.mu.Unlock()
		return
	}

	switch b.state {
	case StateHalfOpen:
		if !t.probe {
			break
		}
		b.probeInFlight = false
		if success {
			changes = append(changes, b.close(now))
		} else {
			b.consecutive++
			b.pushRecent(b.multiplier(a))
			changes = append(changes, b.trip(now))
		}
	case StateClosed:
		b.pushWindow(!success)
		if success {
			b.consecutive = 0
			break
		}
		b.consecutive++
		b.pushRecent(b.multiplier(a))
		if b.shouldTrip() {
			changes = append(changes, b.trip(now))
		}
	}
	b.mu.Unlock()

	b.notify(changes)
}

// Release returns a ticket without recording an outcome, e.g. when the caller
// gave up before the call finished.
func (b *AdaptiveCircuitBreaker) Release(t Ticket) {
	if !t.probe {
		return
	}
	b.mu.Lock()
	if t.generation == b.generation && b.state == StateHalfOpen {
		b.probeInFlight = false
	}
	b.mu.Unlock()
}

// State returns a snapshot.
func (b *AdaptiveCircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Key:             b.key,
		Service:         b.service,
		Operation:       b.operation,
		State:           b.state,
		FailureCount:    b.consecutive,
		Threshold:       b.threshold(),
		LastFailureTime: b.lastFailure,
		NextRetryTime:   b.nextRetry,
		Cooldown:        b.currentCooldown,
		NextCooldown:    b.nextCooldown,
		TotalRequests:   b.totalRequests,
		TotalFailures:   b.totalFailures,
		Rejections:      b.rejections,
	}
}

// Reset forces the breaker to CLOSED and clears failure history and the
// escalated cooldown. Totals are kept.
func (b *AdaptiveCircuitBreaker) Reset() {
	now := b.clock.Now()
	var changes []StateChange

	b.mu.Lock()
	if b.state != StateClosed {
		changes = append(changes, b.close(now))
	} else {
		b.clearHistory()
		b.nextCooldown = b.cfg.BaseCooldown
		b.currentCooldown = 0
		b.generation++
	}
	b.mu.Unlock()

	b.notify(changes)
}

// threshold returns the adaptive consecutive-failure threshold. Caller holds mu.
func (b *AdaptiveCircuitBreaker) threshold() int {
	base := float64(b.cfg.FailureThreshold)
	if b.recentCount == 0 {
		return b.cfg.FailureThreshold
	}
	var sum float64
	for i := 0; i < b.recentCount; i++ {
		sum += b.recent[i]
	}
	t := int(math.Round(base * sum / float64(b.recentCount)))

	upper := int(math.Floor(base * b.cfg.Adaptive.MaxThresholdFactor))
	if t > upper {
		t = upper
	}
	if t < b.cfg.Adaptive.MinThreshold {
		t = b.cfg.Adaptive.MinThreshold
	}
	return t
}

// multiplier maps a failure assessment to its threshold multiplier.
func (b *AdaptiveCircuitBreaker) multiplier(a Assessment) float64 {
	switch {
	case a.Severity == entity.SeverityCritical:
		return b.cfg.Adaptive.HighSeverityFactor
	case a.Category == entity.CategoryTransient,
		a.Severity == entity.SeverityInfo,
		a.Severity == entity.SeverityWarning:
		return b.cfg.Adaptive.TransientFactor
	default:
		return b.cfg.Adaptive.ModerateFactor
	}
}

func (b *AdaptiveCircuitBreaker) shouldTrip() bool {
	if b.consecutive >= b.threshold() {
		return true
	}
	if b.windowCount < b.cfg.MinRequests {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowCount) >= b.cfg.FailureRateThreshold
}

func (b *AdaptiveCircuitBreaker) pushWindow(failed bool) {
	if b.windowCount == len(b.window) {
		if b.window[b.windowNext] {
			b.windowFailures--
		}
	} else {
		b.windowCount++
	}
	b.window[b.windowNext] = failed
	if failed {
		b.windowFailures++
	}
	b.windowNext = (b.windowNext + 1) % len(b.window)
}

func (b *AdaptiveCircuitBreaker) pushRecent(m float64) {
	b.recent[b.recentNext] = m
	b.recentNext = (b.recentNext + 1) % len(b.recent)
	if b.recentCount < len(b.recent) {
		b.recentCount++
	}
}

func (b *AdaptiveCircuitBreaker) clearHistory() {
	b.consecutive = 0
	b.windowNext, b.windowCount, b.windowFailures = 0, 0, 0
	b.recentNext, b.recentCount = 0, 0
	b.probeInFlight = false
}

// trip opens the circuit for the pending cooldown and escalates the next one.
func (b *AdaptiveCircuitBreaker) trip(now time.Time) StateChange {
	b.currentCooldown = b.nextCooldown
	b.nextRetry = now.Add(b.currentCooldown)

	next := time.Duration(float64(b.nextCooldown) * b.cfg.CooldownMultiplier)
	if next > b.cfg.MaxCooldown || next < b.nextCooldown {
		next = b.cfg.MaxCooldown
	}
	b.nextCooldown = next
	return b.transition(StateOpen, now)
}

func (b *AdaptiveCircuitBreaker) close(now time.Time) StateChange {
	b.clearHistory()
	b.nextCooldown = b.cfg.BaseCooldown
	b.currentCooldown = 0
	b.nextRetry = time.Time{}
	return b.transition(StateClosed, now)
}

// transition moves to a new state and starts a new generation. Caller holds mu.
func (b *AdaptiveCircuitBreaker) transition(to StateKind, now time.Time) StateChange {
	change := StateChange{
		Key:           b.key,
		Service:       b.service,
		Operation:     b.operation,
		From:          b.state,
		To:            to,
		FailureCount:  b.consecutive,
		Cooldown:      b.currentCooldown,
		NextRetryTime: b.nextRetry,
		At:            now,
	}
	b.state = to
	b.generation++
	return change
}

// notify runs outside the lock so hooks may call back into the breaker.
func (b *AdaptiveCircuitBreaker) notify(changes []StateChange) {
	for _, c := range changes {
		b.logger.Warn("circuit breaker state changed",
			slog.String("circuit", c.Key),
			slog.String("from", c.From.String()),
			slog.String("to", c.To.String()),
			slog.Int("failures", c.FailureCount),
			slog.Duration("cooldown", c.Cooldown))
		b.metrics.RecordStateChange(c.Key, c.From, c.To)
		if b.onChange != nil {
			b.onChange(c)
		}
	}
}
