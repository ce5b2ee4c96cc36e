package errors

import (
	"context"
	sterrors "errors"
	"fmt"
	"net"
)

var (
	ErrSubjectRequired    = sterrors.New("pubtrack: subject is required")
	ErrPayloadRequired    = sterrors.New("pubtrack: payload is required")
	ErrIDFieldRequired    = sterrors.New("pubtrack: response id field is required")
	ErrPublisherRequired  = sterrors.New("pubtrack: publisher is required")
	ErrSubscriberRequired = sterrors.New("pubtrack: subscriber is required")
	ErrStoreRequired      = sterrors.New("pubtrack: request store is required")
	ErrLockStoreRequired  = sterrors.New("pubtrack: lock store is required")
	ErrStrategyRequired   = sterrors.New("pubtrack: retry strategy is required")
	ErrNotFound           = sterrors.New("pubtrack: record not found")
	ErrLockExists         = sterrors.New("pubtrack: lock row already exists")
	ErrClosed             = sterrors.New("pubtrack: closed")
	ErrQueueFull          = sterrors.New("pubtrack: subject queue is full")
)

// ValidationError marks input that was rejected before any side effect.
// Retry strategies never retry validation failures.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("pubtrack: validation failed for %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("pubtrack: validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError wraps err as a ValidationError for the given field.
func NewValidationError(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}

// TransportError marks a failure that originated in the pub/sub transport or
// the network below it. Retry strategies treat these as transient.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("pubtrack: transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a TransportError for the given operation.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// Category buckets an error for retry decisions and metrics.
type Category string

const (
	CategoryNone       Category = "none"
	CategoryValidation Category = "validation"
	CategoryTransport  Category = "transport"
	CategoryOther      Category = "other"
)

// Classify determines the category of err. Deadline and cancellation errors
// count as transport failures because they surface from blocking transport
// calls.
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}
	var validation *ValidationError
	if sterrors.As(err, &validation) {
		return CategoryValidation
	}
	var transport *TransportError
	if sterrors.As(err, &transport) {
		return CategoryTransport
	}
	var netErr net.Error
	if sterrors.As(err, &netErr) {
		return CategoryTransport
	}
	if sterrors.Is(err, context.DeadlineExceeded) || sterrors.Is(err, context.Canceled) {
		return CategoryTransport
	}
	return CategoryOther
}
