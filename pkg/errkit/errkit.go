// Package errkit implements the closed set of error kinds used across the
// node agent and control plane. Kinds are not distinct Go types: every
// constructor wraps a sentinel with errors.Is/errors.As so call sites can
// branch on "what kind of failure is this" without type-switching.
package errkit

import (
	"errors"
	"fmt"
)

// Kind is one of the seven recognized failure categories.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindValidation       Kind = "validation"
	KindConflict         Kind = "conflict"
	KindUpstream         Kind = "upstream"
	KindTimeout          Kind = "timeout"
	KindTransient        Kind = "transient"
)

var (
	sentinelNotFound         = errors.New("not found")
	sentinelPermissionDenied = errors.New("permission denied")
	sentinelValidation       = errors.New("validation failed")
	sentinelConflict         = errors.New("conflict")
	sentinelUpstream         = errors.New("upstream failure")
	sentinelTimeout          = errors.New("timeout")
	sentinelTransient        = errors.New("transient failure")
)

// Error carries a Kind plus an optional detail message and current-state
// payload (e.g. the rev a conflict was rejected against).
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	// Rev carries the authoritative revision for KindConflict responses.
	Rev int64

	wrapped error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindNotFound:
		return target == sentinelNotFound
	case KindPermissionDenied:
		return target == sentinelPermissionDenied
	case KindValidation:
		return target == sentinelValidation
	case KindConflict:
		return target == sentinelConflict
	case KindUpstream:
		return target == sentinelUpstream
	case KindTimeout:
		return target == sentinelTimeout
	case KindTransient:
		return target == sentinelTransient
	default:
		return false
	}
}

func newErr(kind Kind, sentinel error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: sentinel}
}

func NotFound(msg string) *Error         { return newErr(KindNotFound, sentinelNotFound, msg) }
func PermissionDenied(msg string) *Error { return newErr(KindPermissionDenied, sentinelPermissionDenied, msg) }
func Validation(msg string) *Error       { return newErr(KindValidation, sentinelValidation, msg) }
func Upstream(msg string) *Error         { return newErr(KindUpstream, sentinelUpstream, msg) }
func Timeout(msg string) *Error          { return newErr(KindTimeout, sentinelTimeout, msg) }
func Transient(msg string) *Error        { return newErr(KindTransient, sentinelTransient, msg) }

// Conflict builds a KindConflict error carrying the current rev the caller
// should retry against.
func Conflict(msg string, currentRev int64) *Error {
	e := newErr(KindConflict, sentinelConflict, msg)
	e.Rev = currentRev
	return e
}

// WithDetail attaches a secondary detail string (e.g. an SSH stderr tail).
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// HTTPStatus maps a Kind to the status code the HTTP/WS surface returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return 404
	case KindPermissionDenied:
		return 403
	case KindValidation:
		return 400
	case KindConflict:
		return 409
	case KindTimeout:
		return 500
	case KindUpstream:
		return 500
	default:
		return 500
	}
}
