package datastore

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes datastore errors.
type ErrorCode string

const (
	// ErrCodeNotFound indicates the fingerprint never existed.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeDeleted indicates the fingerprint existed but was deleted.
	ErrCodeDeleted ErrorCode = "DELETED"

	// ErrCodeStale indicates a locked fingerprint changed since its read
	// position. Retried transparently by the action pipeline.
	ErrCodeStale ErrorCode = "STALE"

	// ErrCodeTransport indicates a network or protocol failure.
	ErrCodeTransport ErrorCode = "TRANSPORT"

	// ErrCodeInvariant indicates the store rejected the batch as
	// inconsistent (e.g. create of an existing fingerprint). Fatal.
	ErrCodeInvariant ErrorCode = "INVARIANT"
)

// Error is the structured error type for all datastore failures.
type Error struct {
	Code    ErrorCode
	FQID    string
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.FQID != "" {
		return fmt.Sprintf("%s: %s (fqid=%s)", e.Code, e.Message, e.FQID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// NewNotFound builds a NOT_FOUND error for a fingerprint.
func NewNotFound(fqid string) *Error {
	return &Error{Code: ErrCodeNotFound, FQID: fqid, Message: "model does not exist"}
}

// NewDeleted builds a DELETED error for a fingerprint.
func NewDeleted(fqid string) *Error {
	return &Error{Code: ErrCodeDeleted, FQID: fqid, Message: "model is deleted"}
}

// NewStale builds a STALE error.
func NewStale(msg string) *Error {
	return &Error{Code: ErrCodeStale, Message: msg}
}

// NewTransport wraps a transport failure.
func NewTransport(err error) *Error {
	return &Error{Code: ErrCodeTransport, Message: err.Error(), wrapped: err}
}

func hasCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND datastore error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsDeleted reports whether err is a DELETED datastore error.
func IsDeleted(err error) bool { return hasCode(err, ErrCodeDeleted) }

// IsStale reports whether err is a STALE datastore error.
func IsStale(err error) bool { return hasCode(err, ErrCodeStale) }
