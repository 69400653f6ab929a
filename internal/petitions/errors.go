package petitions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Error kinds. Every error returned by Service matches exactly one of them through errors.Is.
var (
	ErrValidation         = errors.New("petitions: validation failed")
	ErrNotFound           = errors.New("petitions: not found")
	ErrDuplicateSignature = errors.New("petitions: already signed")
	ErrOwnership          = errors.New("petitions: not the petition owner")
	ErrNoOp               = errors.New("petitions: no fields supplied")
	ErrStore              = errors.New("petitions: store failure")
	ErrTimeout            = errors.New("petitions: operation timed out")
)

var errMissingDatabase = errors.New("database handle is required")

// ServiceError carries the error kind together with an "<operation>.<reason>" code.
type ServiceError struct {
	kind   error
	code   string
	reason string
	err    error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *ServiceError) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

// Code returns the "<operation>.<reason>" code.
func (e *ServiceError) Code() string {
	return e.code
}

// Reason returns the reason segment of the code.
func (e *ServiceError) Reason() string {
	return e.reason
}

// Kind returns the sentinel kind of the error.
func (e *ServiceError) Kind() error {
	return e.kind
}

func newServiceError(kind error, operation, reason string, cause error) error {
	return &ServiceError{
		kind:   kind,
		code:   fmt.Sprintf("%s.%s", operation, reason),
		reason: reason,
		err:    cause,
	}
}

func validationError(operation, reason string) error {
	return newServiceError(ErrValidation, operation, reason, nil)
}

func notFoundError(operation, reason string) error {
	return newServiceError(ErrNotFound, operation, reason, nil)
}

// storeFailureKind separates deadline and cancellation failures from other store errors.
func storeFailureKind(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimeout
	}
	return ErrStore
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func asServiceError(err error) (*ServiceError, bool) {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr, true
	}
	return nil, false
}
