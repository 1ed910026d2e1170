package recovery

import (
	"math"
	"sync/atomic"
	"time"
)

// OutcomeStats is the aggregated history of one strategy in one bucket.
type OutcomeStats struct {
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	AvgCost     float64       `json:"avg_cost"`
	Samples     int64         `json:"samples"`
	LastUpdated time.Time     `json:"last_updated"`
}

// aggregate is an immutable snapshot. Updates build a new value and swap it in
// with compare-and-swap.
type aggregate struct {
	samples     int64
	successes   int64
	durationSum float64
	costSum     float64

	emaSuccess  float64
	emaDuration float64
	emaCost     float64

	lastUpdated time.Time
}

// with returns the aggregate after one more outcome. alpha is the EMA weight
// of the new sample; 0 keeps the plain cumulative mean.
func (a *aggregate) with(success bool, duration time.Duration, cost float64, alpha float64, now time.Time) *aggregate {
	s := 0.0
	next := &aggregate{
		samples:     1,
		durationSum: float64(duration),
		costSum:     cost,
		lastUpdated: now,
	}
	if success {
		s = 1
		next.successes = 1
	}

	if a == nil {
		next.emaSuccess, next.emaDuration, next.emaCost = s, float64(duration), cost
		return next
	}

	next.samples += a.samples
	next.successes += a.successes
	next.durationSum += a.durationSum
	next.costSum += a.costSum
	next.emaSuccess = alpha*s + (1-alpha)*a.emaSuccess
	next.emaDuration = alpha*float64(duration) + (1-alpha)*a.emaDuration
	next.emaCost = alpha*cost + (1-alpha)*a.emaCost
	if a.lastUpdated.After(now) {
		next.lastUpdated = a.lastUpdated
	}
	return next
}

// stats reports averages. With alpha 0 they are exact cumulative means, which
// do not depend on the order outcomes were recorded in.
func (a *aggregate) stats(alpha float64) OutcomeStats {
	if a == nil || a.samples == 0 {
		return OutcomeStats{}
	}
	out := OutcomeStats{Samples: a.samples, LastUpdated: a.lastUpdated}
	if alpha == 0 {
		n := float64(a.samples)
		out.SuccessRate = float64(a.successes) / n
		out.AvgDuration = time.Duration(math.Round(a.durationSum / n))
		out.AvgCost = a.costSum / n
		return out
	}
	out.SuccessRate = a.emaSuccess
	out.AvgDuration = time.Duration(math.Round(a.emaDuration))
	out.AvgCost = a.emaCost
	return out
}

// bucketRecords holds one CAS slot per strategy; the set of slots is fixed at creation.
type bucketRecords struct {
	slots map[StrategyType]*atomic.Pointer[aggregate]
}

func newBucketRecords() *bucketRecords {
	b := &bucketRecords{slots: make(map[StrategyType]*atomic.Pointer[aggregate], len(StrategyTypes()))}
	for _, t := range StrategyTypes() {
		b.slots[t] = &atomic.Pointer[aggregate]{}
	}
	return b
}

func (b *bucketRecords) record(t StrategyType, success bool, duration time.Duration, cost, alpha float64, now time.Time) {
	slot := b.slots[t]
	for {
		current := slot.Load()
		if slot.CompareAndSwap(current, current.with(success, duration, cost, alpha, now)) {
			return
		}
	}
}

// snapshot loads every slot once.
func (b *bucketRecords) snapshot() map[StrategyType]*aggregate {
	out := make(map[StrategyType]*aggregate, len(b.slots))
	for t, slot := range b.slots {
		if a := slot.Load(); a != nil {
			out[t] = a
		}
	}
	return out
}
