package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by every *OpenError.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrManagerStopped is returned for calls made after Manager.Stop.
	ErrManagerStopped = errors.New("circuit breaker manager stopped")

	// ErrCallTimeout is matched by every *TimeoutError.
	ErrCallTimeout = errors.New("protected call timed out")
)

// OpenError is returned when a breaker rejects a call without invoking it.
// It means "do not retry now"; callers may fall back immediately or retry
// after NextRetryTime.
type OpenError struct {
	Key           string
	State         StateKind
	NextRetryTime time.Time
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit %s is half-open: probe in flight", e.Key)
	}
	return fmt.Sprintf("circuit %s is open until %s", e.Key, e.NextRetryTime.Format(time.RFC3339))
}

// Is matches ErrCircuitOpen.
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryAfter returns how long until the breaker admits a probe, measured from now.
func (e *OpenError) RetryAfter(now time.Time) time.Duration {
	if d := e.NextRetryTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// TimeoutError is returned when a protected call exceeds its timeout. The
// underlying function may still be running.
type TimeoutError struct {
	Key   string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("circuit %s: call timed out after %v", e.Key, e.Limit)
}

// Is matches ErrCallTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrCallTimeout
}

// Timeout reports true so the error is recognised as a timeout by callers
// that test for net.Error-style timeouts.
func (e *TimeoutError) Timeout() bool { return true }

// PanicError wraps a panic raised by a protected function.
type PanicError struct {
	Key   string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("circuit %s: protected call panicked: %v", e.Key, e.Value)
}
