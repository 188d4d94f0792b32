package api

import "net/http"

// Error represents an API error response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeUnavailable      = "UNAVAILABLE"
)

// Standard errors
var (
	ErrNotFound = &Error{
		Code:    ErrCodeNotFound,
		Message: "Resource not found",
		Status:  http.StatusNotFound,
	}

	ErrEntityNotFound = &Error{
		Code:    ErrCodeNotFound,
		Message: "Entity not found",
		Status:  http.StatusNotFound,
	}

	ErrReportNotFound = &Error{
		Code:    ErrCodeNotFound,
		Message: "Report not found",
		Status:  http.StatusNotFound,
	}

	ErrAlertNotFound = &Error{
		Code:    ErrCodeNotFound,
		Message: "Alert not found",
		Status:  http.StatusNotFound,
	}

	ErrMessageNotFound = &Error{
		Code:    ErrCodeNotFound,
		Message: "Message not found",
		Status:  http.StatusNotFound,
	}

	ErrInternalServer = &Error{
		Code:    ErrCodeInternalError,
		Message: "Internal server error",
		Status:  http.StatusInternalServerError,
	}

	ErrSourceUnavailable = &Error{
		Code:    ErrCodeUnavailable,
		Message: "Report source unavailable",
		Status:  http.StatusBadGateway,
	}
)

// NewBadRequest creates a bad request error with a custom message.
func NewBadRequest(message string) *Error {
	return &Error{
		Code:    ErrCodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

// NewValidationError creates a validation error for one field.
func NewValidationError(field, message string) *Error {
	return &Error{
		Code:    ErrCodeValidationFailed,
		Message: message,
		Field:   field,
		Status:  http.StatusBadRequest,
	}
}
