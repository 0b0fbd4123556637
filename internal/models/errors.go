package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service errors so callers can branch on a
// discriminant instead of matching on message strings.
type ErrorKind string

const (
	KindValidation         ErrorKind = "VALIDATION"
	KindBadRequest         ErrorKind = "BAD_REQUEST"
	KindLockBusy           ErrorKind = "LOCK_BUSY"
	KindLockThrottled      ErrorKind = "LOCK_THROTTLED"
	KindCacheMiss          ErrorKind = "CACHE_MISS"
	KindCacheUnavailable   ErrorKind = "CACHE_UNAVAILABLE"
	KindNoAccess           ErrorKind = "NO_ACCESS"
	KindRevoked            ErrorKind = "REVOKED"
	KindLimit              ErrorKind = "LIMIT"
	KindMACMismatch        ErrorKind = "MAC_MISMATCH"
	KindBadPDFHeader       ErrorKind = "BAD_PDF_HEADER"
	KindConverterMissing   ErrorKind = "CONVERTER_MISSING"
	KindMissingPages       ErrorKind = "MISSING_PAGES"
	KindTimeBudgetExceeded ErrorKind = "TIME_BUDGET_EXCEEDED"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindInternal           ErrorKind = "INTERNAL"
)

// Error is a classified service error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an underlying error with a kind and message.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error should be retried by the queue.
// Validation, MAC and pipeline errors are deterministic and retrying
// them only burns attempts.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindBadRequest, KindMACMismatch, KindBadPDFHeader,
		KindConverterMissing, KindMissingPages, KindTimeBudgetExceeded:
		return false
	}
	return true
}
