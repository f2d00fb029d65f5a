package errors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/pulse-sso/pkg/licensing"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUpgradeRequired  = errors.New("upgrade required")

	// ErrEntitlementUnavailable is shared with the licensing package so
	// errors.Is works on either side of the boundary.
	ErrEntitlementUnavailable = licensing.ErrEntitlementUnavailable
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypePermission  ErrorType = "permission"
	ErrorTypeUpgrade     ErrorType = "upgrade"
	ErrorTypeEntitlement ErrorType = "entitlement"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeCanceled    ErrorType = "canceled"
	ErrorTypeInternal    ErrorType = "internal"
)

// IOError is a persistence or transport failure during a store operation.
// It is surfaced to the user as a notice and never retried automatically.
type IOError struct {
	Op        string // Operation that failed (e.g., "sso.create", "sso.update")
	OrgID     string
	Err       error
	Timestamp time.Time
}

func (e *IOError) Error() string {
	if e.OrgID != "" {
		return fmt.Sprintf("%s failed for org %s: %v", e.Op, e.OrgID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NewIOError creates a new IOError. A nil err yields nil.
func NewIOError(op, orgID string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{
		Op:        op,
		OrgID:     orgID,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// IsIOError reports whether err is or wraps an IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// Classify maps err to its category. Sentinels take precedence over the
// IOError wrapper so a wrapped conflict is still a conflict.
func Classify(err error) ErrorType {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeCanceled
	case errors.Is(err, ErrPermissionDenied):
		return ErrorTypePermission
	case errors.Is(err, ErrUpgradeRequired):
		return ErrorTypeUpgrade
	case errors.Is(err, ErrNotFound):
		return ErrorTypeNotFound
	case errors.Is(err, ErrConflict):
		return ErrorTypeConflict
	case errors.Is(err, ErrInvalidInput):
		return ErrorTypeValidation
	case errors.Is(err, ErrEntitlementUnavailable):
		return ErrorTypeEntitlement
	case IsIOError(err):
		return ErrorTypeIO
	default:
		return ErrorTypeInternal
	}
}

// Helper functions

// Invalid wraps ErrInvalidInput with a field-specific message.
func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Denied wraps ErrPermissionDenied with the action that was refused.
func Denied(action, subject string) error {
	return fmt.Errorf("%w: cannot %s %s", ErrPermissionDenied, action, subject)
}
