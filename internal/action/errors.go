package action

import (
	"errors"
	"fmt"

	"github.com/plenumd/plenum/internal/datastore"
	"github.com/plenumd/plenum/internal/relation"
)

// ErrCode classifies user-visible request failures.
type ErrCode string

const (
	ErrCodePayload       ErrCode = "PAYLOAD"
	ErrCodePermission    ErrCode = "PERMISSION"
	ErrCodeReference     ErrCode = "REFERENCE"
	ErrCodeRelation      ErrCode = "RELATION"
	ErrCodeProtected     ErrCode = "PROTECTED"
	ErrCodeRequiredField ErrCode = "REQUIRED_FIELD"
	ErrCodeEqualFields   ErrCode = "EQUAL_FIELDS"
	ErrCodeDatastore     ErrCode = "DATASTORE"
)

// Error is the structured failure aborting a whole batch. It carries a
// machine-readable code, the offending action and fingerprint/field when one
// applies, and a short human message.
type Error struct {
	Code    ErrCode
	Action  string
	FQID    string
	Field   string
	Message string
	wrapped error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Action != "" {
		msg = e.Action + ": " + msg
	}
	if e.FQID != "" {
		msg += " (" + e.FQID + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.wrapped }

func newError(code ErrCode, action, format string, args ...any) *Error {
	return &Error{Code: code, Action: action, Message: fmt.Sprintf(format, args...)}
}

// wrapError converts lower-layer failures into batch errors. Stale stays
// as-is so the retry loop can see it.
func wrapError(action string, err error) error {
	var batchErr *Error
	if errors.As(err, &batchErr) {
		return err
	}
	if datastore.IsStale(err) {
		return err
	}

	var relErr *relation.Error
	if errors.As(err, &relErr) {
		code := ErrCodeRelation
		switch relErr.Code {
		case relation.ErrCodeUnknownTarget:
			code = ErrCodeReference
		case relation.ErrCodeEqualFields:
			code = ErrCodeEqualFields
		case relation.ErrCodeInvalidValue:
			code = ErrCodePayload
		}
		return &Error{Code: code, Action: action, FQID: relErr.FQID, Field: relErr.Field,
			Message: relErr.Message, wrapped: err}
	}

	var dsErr *datastore.Error
	if errors.As(err, &dsErr) {
		code := ErrCodeDatastore
		if dsErr.Code == datastore.ErrCodeNotFound || dsErr.Code == datastore.ErrCodeDeleted {
			code = ErrCodeReference
		}
		return &Error{Code: code, Action: action, FQID: dsErr.FQID, Message: dsErr.Message, wrapped: err}
	}
	return &Error{Code: ErrCodeDatastore, Action: action, Message: err.Error(), wrapped: err}
}
