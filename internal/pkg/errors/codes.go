package errors

import "net/http"

// Quota error codes.
const (
	CodeInvalidSize         = "INVALID_SIZE"
	CodeUserNotFound        = "USER_NOT_FOUND"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
)

// Request error codes.
const (
	CodeAuthFailed     = "AUTH_FAILED"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInternal       = "INTERNAL_ERROR"
)

// ErrQuotaExceededf creates the insufficient storage error returned when a
// reservation does not fit. Params carry the numbers behind the decision.
func ErrQuotaExceededf(params map[string]interface{}) *AppError {
	return New(CodeQuotaExceeded, "storage quota exceeded", http.StatusInsufficientStorage).
		WithParams(params)
}

// ErrInvalidSizef creates a bad request error for a non-positive size.
func ErrInvalidSizef(field string) *AppError {
	return BadRequest(CodeInvalidSize, field+" must be a positive integer")
}
