package model

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the domain services wraps exactly one of these.
var (
	ErrValidation          = errors.New("validation failed")
	ErrEligibility         = errors.New("attempt not permitted")
	ErrConversationClosed  = errors.New("conversation is closed")
	ErrConcurrentOperation = errors.New("another operation is in flight for this conversation")
	ErrNotGradable         = errors.New("conversation is not gradable")
	ErrUpstreamGeneration  = errors.New("upstream generation failed")
	ErrNotFound            = errors.New("not found")
)

// Reason explains an eligibility decision.
type Reason string

const (
	ReasonOK                 Reason = "ok"
	ReasonMaxAttemptsReached Reason = "max_attempts_reached"
	ReasonPastDue            Reason = "past_due"
	ReasonInactive           Reason = "inactive"
)

// Valid reports whether r is a known reason code.
func (r Reason) Valid() bool {
	switch r {
	case ReasonOK, ReasonMaxAttemptsReached, ReasonPastDue, ReasonInactive:
		return true
	}
	return false
}

// ValidationError reports bad input shape.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Msg
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// EligibilityError reports an attempt policy violation.
type EligibilityError struct {
	Reason Reason
}

func (e *EligibilityError) Error() string {
	return "attempt not permitted: " + string(e.Reason)
}

func (e *EligibilityError) Is(target error) bool { return target == ErrEligibility }

// NotFound wraps ErrNotFound with the entity kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// ReasonOf extracts the reason code from an eligibility error.
func ReasonOf(err error) (Reason, bool) {
	var ee *EligibilityError
	if errors.As(err, &ee) {
		return ee.Reason, true
	}
	return "", false
}
