// Package apperr defines the single error taxonomy shared by every layer.
// Each boundary adapter (HTTP today) renders an *Error by its Kind.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories surfaced to callers.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindInUse         Kind = "in_use"
	KindDuplicate     Kind = "duplicate"
	KindForbidden     Kind = "forbidden"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindInvalidState  Kind = "invalid_state"
	KindInternal      Kind = "internal"
)

// Error is a categorized error. Details carries machine-readable context
// (field violations, current versions) and is rendered as-is by adapters.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error

	origin *Error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches copies made by WithDetails against the sentinel they came from.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.origin != nil && e.origin == t
}

// WithDetails returns a copy of e carrying details. The receiver is not
// modified so package-level sentinels stay immutable.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	if e.origin == nil {
		cp.origin = e
	}
	return &cp
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap categorizes err under kind while keeping it reachable via errors.Is/As.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation builds a validation error listing individual violations.
func Validation(message string, violations ...string) *Error {
	e := &Error{Kind: KindValidation, Message: message}
	if len(violations) > 0 {
		e.Details = map[string]any{"violations": violations}
	}
	return e
}

// KindOf reports the Kind of the first *Error in err's chain.
// Uncategorized errors are internal; a nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is categorized as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// DetailsOf returns the details of the outermost *Error in err's chain.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// MessageOf returns the caller-facing message of the outermost *Error in
// err's chain, without the text of any wrapped cause.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
