package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the coordinator's taxonomy. Handlers map
// kinds to HTTP statuses; components attach kinds at their boundaries.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindRateLimit      Kind = "rate_limit"
	KindPersistence    Kind = "persistence"
	KindInternal       Kind = "internal"
)

// Error is a taxonomy-tagged error. Details carries field-level context that
// is only surfaced to callers for validation and authentication kinds.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by kind so callers can use errors.Is with sentinel
// kind probes created by KindOf.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind && (te.Message == "" || te.Message == e.Message)
}

// WithDetail returns the error with an added detail field
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a validation error (HTTP 400)
func Validation(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

// Authentication builds an authentication error (HTTP 401)
func Authentication(format string, args ...any) *Error {
	return newError(KindAuthentication, format, args...)
}

// Authorization builds an authorization error (HTTP 403)
func Authorization(format string, args ...any) *Error {
	return newError(KindAuthorization, format, args...)
}

// NotFound builds a not-found error (HTTP 404)
func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

// Conflict builds a conflict error (HTTP 409)
func Conflict(format string, args ...any) *Error {
	return newError(KindConflict, format, args...)
}

// RateLimit builds a rate-limit error (HTTP 429)
func RateLimit(format string, args ...any) *Error {
	return newError(KindRateLimit, format, args...)
}

// Persistence wraps a storage failure with operation context (HTTP 500)
func Persistence(cause error, format string, args ...any) *Error {
	e := newError(KindPersistence, format, args...)
	e.cause = cause
	return e
}

// Internal wraps an unexpected failure (HTTP 500)
func Internal(cause error, format string, args ...any) *Error {
	e := newError(KindInternal, format, args...)
	e.cause = cause
	return e
}

// KindOf returns the taxonomy kind of err, or KindInternal when the error
// carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a taxonomy kind to its HTTP status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindPersistence, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Redacted reports whether the error's specifics must be hidden from the
// caller and only logged server-side.
func Redacted(err error) bool {
	switch KindOf(err) {
	case KindPersistence, KindInternal:
		return true
	}
	return false
}
