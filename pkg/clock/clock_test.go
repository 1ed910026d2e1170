package clock

import (
	"sync"
	"testing"
	"time"
)

func TestManualClock_Advance(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	if !c.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, c.Now())
	}

	c.Advance(90 * time.Second)
	if got := c.Now().Sub(start); got != 90*time.Second {
		t.Errorf("expected 90s elapsed, got %v", got)
	}
}

func TestManualClock_ZeroStart(t *testing.T) {
	c := NewManualClock(time.Time{})
	if c.Now().IsZero() {
		t.Error("expected non-zero start time")
	}
}

func TestManualClock_ConcurrentAdvance(t *testing.T) {
	c := NewManualClock(time.Time{})
	start := c.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
			_ = c.Now()
		}()
	}
	wg.Wait()

	if got := c.Now().Sub(start); got != 50*time.Millisecond {
		t.Errorf("expected 50ms elapsed, got %v", got)
	}
}

func TestOrSystem(t *testing.T) {
	if _, ok := OrSystem(nil).(SystemClock); !ok {
		t.Error("expected SystemClock for nil input")
	}

	manual := NewManualClock(time.Time{})
	if OrSystem(manual) != manual {
		t.Error("expected the provided clock to be returned")
	}
}
