package relation

import "fmt"

// ErrCode classifies relation-resolution failures.
type ErrCode string

const (
	// ErrCodeUnknownTarget means a reference names an instance that does not
	// exist in the merged view, or a collection outside a generic whitelist.
	ErrCodeUnknownTarget ErrCode = "UNKNOWN_TARGET"
	// ErrCodeConflict means a singleton reverse field already points at a
	// different holder.
	ErrCodeConflict ErrCode = "CONFLICT"
	// ErrCodeEqualFields means two endpoints disagree on a field that the
	// relation requires to be equal.
	ErrCodeEqualFields ErrCode = "EQUAL_FIELDS"
	// ErrCodeInvalidValue means the staged value does not match the field's
	// declared reference shape.
	ErrCodeInvalidValue ErrCode = "INVALID_VALUE"
)

// Error is a typed relation-resolution failure.
type Error struct {
	Code    ErrCode
	Field   string // "collection.field" of the side being resolved
	FQID    string // offending fingerprint, when one applies
	Message string
}

func (e *Error) Error() string {
	if e.FQID != "" {
		return fmt.Sprintf("relation %s (%s, %s): %s", e.Code, e.Field, e.FQID, e.Message)
	}
	return fmt.Sprintf("relation %s (%s): %s", e.Code, e.Field, e.Message)
}

func newError(code ErrCode, field, fqid, format string, args ...any) *Error {
	return &Error{Code: code, Field: field, FQID: fqid, Message: fmt.Sprintf(format, args...)}
}
