package fallback

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFallbackExhausted marks an error for which fallback was attempted and
	// no handler produced a result.
	ErrFallbackExhausted = errors.New("fallback exhausted")

	// ErrHandlerDeclined is returned by a handler that was applicable but could
	// not serve the request. The engine moves on to the next handler.
	ErrHandlerDeclined = errors.New("fallback handler declined")

	// ErrEngineStopped is returned by Execute after Stop.
	ErrEngineStopped = errors.New("fallback engine stopped")
)

// ExhaustedError carries the original failure plus the handlers that were
// tried. Both errors.Is(err, ErrFallbackExhausted) and errors.Is(err, original)
// hold.
type ExhaustedError struct {
	Err       error
	Attempted []string
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	b.WriteString(ErrFallbackExhausted.Error())
	if len(e.Attempted) == 0 {
		b.WriteString(" (no applicable handler)")
	} else {
		fmt.Fprintf(&b, " (tried %s)", strings.Join(e.Attempted, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the marker and the original error.
func (e *ExhaustedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFallbackExhausted}
	}
	return []error{ErrFallbackExhausted, e.Err}
}

// FailFastError is the result of the fail-fast handler. It wraps the original
// error so the root cause is preserved.
type FailFastError struct {
	Handler string
	Reason  string
	Err     error
}

func (e *FailFastError) Error() string {
	msg := "fail fast"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FailFastError) Unwrap() error { return e.Err }
