package config

import (
	"fmt"
	"math"
	"time"
)

// ValidatePositiveDuration validates that d is greater than zero.
func ValidatePositiveDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %v", d)
	}
	return nil
}

// ValidateNonNegativeDuration validates that d is zero or greater. Useful for
// optional timeouts where zero means "disabled".
func ValidateNonNegativeDuration(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("duration must be non-negative, got %v", d)
	}
	return nil
}

// ValidateDurationRange validates that lo <= d <= hi.
func ValidateDurationRange(d, lo, hi time.Duration) error {
	if lo > hi {
		return fmt.Errorf("invalid range: min (%v) cannot be greater than max (%v)", lo, hi)
	}
	if d < lo {
		return fmt.Errorf("duration %v is below minimum %v", d, lo)
	}
	if d > hi {
		return fmt.Errorf("duration %v exceeds maximum %v", d, hi)
	}
	return nil
}

// ValidateUnitInterval validates that v is a number within [0,1], such as a
// sampling rate or a probability.
func ValidateUnitInterval(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("value must be within [0,1], got %v", v)
	}
	return nil
}
