package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateTask    = errors.New("task id already exists")
	ErrCapacityExceeded = errors.New("active task capacity exceeded")
	ErrTaskNotFound     = errors.New("task not found")
	ErrFeedNotConnected = errors.New("market data feed not connected")
	ErrStoreUnavailable = errors.New("task store unavailable")
	ErrWebhookExhausted = errors.New("webhook retry budget exhausted")
)

// ValidationError names the request field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
