package events

import "time"

// overheadGuard tracks an exponential moving average of the per-publish cost.
// Once the average exceeds max, non-critical publishing is skipped for
// skipWindow and the average restarts from zero. Not safe for concurrent use.
type overheadGuard struct {
	max        time.Duration
	alpha      float64
	skipWindow time.Duration

	ema       float64
	primed    bool
	skipUntil time.Time
	trips     int64

	total time.Duration
	count int64
}

func newOverheadGuard(maxCost time.Duration, alpha float64, skipWindow time.Duration) *overheadGuard {
	return &overheadGuard{max: maxCost, alpha: alpha, skipWindow: skipWindow}
}

// skipping reports whether non-critical instrumentation is suspended at now.
func (g *overheadGuard) skipping(now time.Time) bool {
	return now.Before(g.skipUntil)
}

// observe records one publish cost and reports whether the guard tripped.
func (g *overheadGuard) observe(cost time.Duration, now time.Time) bool {
	g.total += cost
	g.count++

	if !g.primed {
		g.ema = float64(cost)
		g.primed = true
	} else {
		g.ema = g.alpha*float64(cost) + (1-g.alpha)*g.ema
	}
	if g.max <= 0 || g.ema <= float64(g.max) {
		return false
	}

	g.skipUntil = now.Add(g.skipWindow)
	g.ema = 0
	g.primed = false
	g.trips++
	return true
}

// average is the mean cost over every observed publish.
func (g *overheadGuard) average() time.Duration {
	if g.count == 0 {
		return 0
	}
	return g.total / time.Duration(g.count)
}
