package signal

import (
	"errors"
	"fmt"
)

// Sentinel errors for the ingestion path.
var (
	// ErrUnsupportedSource is returned when no adapter is registered
	// for an incoming signal's source.
	ErrUnsupportedSource = errors.New("unsupported signal source")

	// ErrSignalProcessed is returned when retrying a signal that is
	// not in the failed state.
	ErrSignalProcessed = errors.New("signal is not retryable")
)

// ValidationError describes malformed ingestion input. It is surfaced
// to the caller and never retried automatically.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError for a field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
