package services

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/lib/pq"
)

// ErrorKind classifies a service failure for HTTP mapping and retry decisions.
type ErrorKind string

const (
	KindValidation          ErrorKind = "VALIDATION"
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindInsufficientFunds   ErrorKind = "INSUFFICIENT_FUNDS"
	KindInsufficientAccrual ErrorKind = "INSUFFICIENT_ACCRUAL"
	KindForbidden           ErrorKind = "FORBIDDEN"
	KindConflict            ErrorKind = "CONFLICT"
	KindTransientStorage    ErrorKind = "TRANSIENT_STORAGE"
	KindInvariantViolation  ErrorKind = "INVARIANT_VIOLATION"
)

// ServiceError carries a kind alongside the message so handlers can map it
// onto a status code without string matching.
type ServiceError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func NewValidationError(message string) error {
	return &ServiceError{Kind: KindValidation, Message: message}
}

func NewNotFoundError(message string) error {
	return &ServiceError{Kind: KindNotFound, Message: message}
}

func NewInsufficientFundsError(message string) error {
	return &ServiceError{Kind: KindInsufficientFunds, Message: message}
}

func NewInsufficientAccrualError(message string) error {
	return &ServiceError{Kind: KindInsufficientAccrual, Message: message}
}

func NewForbiddenError(message string) error {
	return &ServiceError{Kind: KindForbidden, Message: message}
}

func NewConflictError(message string, err error) error {
	return &ServiceError{Kind: KindConflict, Message: message, Err: err}
}

func NewTransientStorageError(message string, err error) error {
	return &ServiceError{Kind: KindTransientStorage, Message: message, Err: err}
}

func NewInvariantViolationError(message string) error {
	return &ServiceError{Kind: KindInvariantViolation, Message: message}
}

// KindOf extracts the classification; unclassified errors are treated as
// transient storage failures.
func KindOf(err error) ErrorKind {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return KindTransientStorage
}

// IsRetryable reports whether retrying the whole unit of work could succeed.
func IsRetryable(err error) bool {
	kind := KindOf(err)
	return kind == KindConflict || kind == KindTransientStorage
}

// HTTPStatus maps a service error onto its response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInsufficientAccrual:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindTransientStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// classifyStorageError wraps a database error with the right kind. Connection
// and resource failures are transient; serialization failures are conflicts.
func classifyStorageError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return err
	}

	if errors.Is(err, driver.ErrBadConn) {
		return NewTransientStorageError(operation+" failed on a bad connection", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransientStorageError(operation+" failed on a network error", err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := string(pqErr.Code)
		switch {
		case strings.HasPrefix(class, "40"):
			// Serialization failure or deadlock: retryable as a conflict.
			return NewConflictError(operation+" hit a serialization failure", err)
		case strings.HasPrefix(class, "23"):
			// Integrity violation, e.g. two resolves racing on one handle.
			return NewConflictError(operation+" hit an integrity violation", err)
		case strings.HasPrefix(class, "08"), strings.HasPrefix(class, "53"), strings.HasPrefix(class, "57"):
			return NewTransientStorageError(operation+" hit a storage outage", err)
		}
	}

	return NewTransientStorageError(operation+" failed", err)
}
