// Package apierr defines the closed set of error kinds from spec.md §7.
// Every component returns one of these (wrapped with context via %w) instead
// of raising ad-hoc errors; internal/httpserver translates them to HTTP
// status codes exactly once, at the edge.
package apierr

import "errors"

// Kind is one of the error kinds tabulated in spec.md §7.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindInvalidCredentials  Kind = "invalid_credentials"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindExpired             Kind = "expired"
	KindRateLimited         Kind = "rate_limited"
	KindBadRequest          Kind = "bad_request"
	KindUpstreamError       Kind = "upstream_error"
	KindServiceUnavailable  Kind = "service_unavailable"
	KindInvalidToken        Kind = "invalid_token"
	KindInvalidSignature    Kind = "invalid_signature"
)

// Error is a typed error carrying a Kind plus a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfterSeconds is set for KindRateLimited.
	RetryAfterSeconds int
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// New creates an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// RateLimited creates a KindRateLimited error carrying retry-after seconds.
func RateLimited(retryAfterSeconds int) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfterSeconds: retryAfterSeconds}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
