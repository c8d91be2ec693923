package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrConsistency = errors.New("consistency fault")

	// ErrRateNotFound is recoverable. Callers fall back to a manual rate or ask
	// for one; it never aborts an otherwise valid operation on its own.
	ErrRateNotFound = errors.New("currency rate not found")
)

// ValidationError names the offending input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConsistencyError signals a bookkeeping bug upstream, such as a remaining
// quantity leaving [0, original] or a restock applied twice. It aborts the
// enclosing transaction.
type ConsistencyError struct {
	Entity  string
	ID      string
	Message string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency fault on %s %s: %s", e.Entity, e.ID, e.Message)
}

func (e *ConsistencyError) Unwrap() error {
	return ErrConsistency
}

func NewConsistencyError(entity, id, format string, args ...any) error {
	return &ConsistencyError{Entity: entity, ID: id, Message: fmt.Sprintf(format, args...)}
}

// RateNotFoundError carries the missing pair so a caller can prompt for it.
type RateNotFoundError struct {
	Date string
	From string
	To   string
	Err  error
}

func (e *RateNotFoundError) Error() string {
	msg := fmt.Sprintf("currency rate not found for %s->%s on %s", e.From, e.To, e.Date)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateNotFoundError) Unwrap() error {
	return ErrRateNotFound
}
