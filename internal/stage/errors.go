package stage

import (
	"context"
	"errors"
)

// unavailableError signals a transient stage failure (endpoint down,
// connection refused, 5xx) worth retrying.
type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return e.msg }

// ErrUnavailable constructs a transient, retryable stage error.
func ErrUnavailable(msg string) error { return unavailableError{msg: msg} }

// IsUnavailable reports whether err indicates a transient failure.
func IsUnavailable(err error) bool {
	var ue unavailableError
	return errors.As(err, &ue)
}

// badInputError signals malformed input; retrying cannot help.
type badInputError struct{ msg string }

func (e badInputError) Error() string { return e.msg }

// ErrBadInput constructs a non-retryable stage error.
func ErrBadInput(msg string) error { return badInputError{msg: msg} }

// IsBadInput reports whether err indicates malformed input.
func IsBadInput(err error) bool {
	var be badInputError
	return errors.As(err, &be)
}

// IsRetryable classifies an error for the fallback retry loop: timeouts
// and unavailability are transient, everything else is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return IsUnavailable(err)
}

// fallbackExhaustedError is returned when both the primary and the
// secondary of an enhancement stage have failed.
type fallbackExhaustedError struct {
	stageID string
	cause   error
}

func (e fallbackExhaustedError) Error() string {
	return "fallback exhausted for stage " + e.stageID + ": " + e.cause.Error()
}

func (e fallbackExhaustedError) Unwrap() error { return e.cause }

// ErrFallbackExhausted constructs a fallbackExhaustedError.
func ErrFallbackExhausted(stageID string, cause error) error {
	return fallbackExhaustedError{stageID: stageID, cause: cause}
}

// IsFallbackExhausted reports whether err came from an exhausted
// enhancement fallback chain.
func IsFallbackExhausted(err error) bool {
	var fe fallbackExhaustedError
	return errors.As(err, &fe)
}
