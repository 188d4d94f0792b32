package alerts

import (
	"errors"
	"fmt"
)

// ErrNoSnapshot indicates no snapshot exists yet for a report.
var ErrNoSnapshot = errors.New("no snapshot recorded")

// AlertNotFoundError indicates an alert definition does not exist.
type AlertNotFoundError struct {
	ID int64
}

func (e *AlertNotFoundError) Error() string {
	return fmt.Sprintf("alert not found: %d", e.ID)
}

// ValidationError indicates a definition was rejected at save time.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alert %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err wraps an *AlertNotFoundError.
func IsNotFound(err error) bool {
	var nf *AlertNotFoundError
	return errors.As(err, &nf)
}
