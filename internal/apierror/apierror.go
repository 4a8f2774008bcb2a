// Package apierror defines the taxonomy of failures the core propagates out
// of its components, and the HTTP mapping for each kind.
package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind identifies the class of an error without leaking the reason behind
// it. Handlers branch on Kind; they never inspect Message for control flow.
type Kind string

const (
	Validation         Kind = "validation_error"
	Unauthorized       Kind = "unauthorized"
	Forbidden          Kind = "forbidden"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	InvalidRequest     Kind = "invalid_request"
	InvalidGrant       Kind = "invalid_grant"
	UnauthorizedClient Kind = "unauthorized_client"
	InvalidClient      Kind = "invalid_client"
	RateLimited        Kind = "rate_limited"
	Crypto             Kind = "crypto_error"
	Internal           Kind = "server_error"
)

// statusByKind mirrors the OAuth2/OIDC-shaped error codes of spec §7 onto
// HTTP status codes.
var statusByKind = map[Kind]int{
	Validation:         http.StatusBadRequest,
	Unauthorized:       http.StatusUnauthorized,
	Forbidden:          http.StatusForbidden,
	NotFound:           http.StatusNotFound,
	Conflict:           http.StatusConflict,
	InvalidRequest:     http.StatusBadRequest,
	InvalidGrant:       http.StatusBadRequest,
	UnauthorizedClient: http.StatusUnauthorized,
	InvalidClient:      http.StatusUnauthorized,
	RateLimited:        http.StatusTooManyRequests,
	Crypto:             http.StatusInternalServerError,
	Internal:           http.StatusInternalServerError,
}

// wireByKind is the "error" field value on the wire. For the OAuth2-shaped
// kinds this is already the correct wire value; for the rest it is the same
// as Kind. Crypto and Internal are always rewritten to "server_error" before
// they reach the client (see New's doc comment).
var wireByKind = map[Kind]string{
	Validation:         "validation_error",
	Unauthorized:       "unauthorized",
	Forbidden:          "forbidden",
	NotFound:           "not_found",
	Conflict:           "conflict",
	InvalidRequest:     "invalid_request",
	InvalidGrant:       "invalid_grant",
	UnauthorizedClient: "unauthorized_client",
	InvalidClient:      "invalid_client",
	RateLimited:        "rate_limited",
	Crypto:             "server_error",
	Internal:           "server_error",
}

// Error is the single error type propagated across component boundaries.
// Field is set only for Validation errors where echoing the offending field
// name is safe.
type Error struct {
	Kind    Kind
	Message string
	Field   string

	// cause is never serialized or included in Error(); it exists so the
	// handler layer can log it under a correlation ID without leaking it to
	// the client (spec §7 propagation policy).
	cause error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithField attaches a field name to a Validation error for the caller to
// echo back safely.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// Wrap records the underlying cause for server-side logging without
// exposing it on the wire. Use for Crypto and Internal kinds.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: "internal failure", cause: cause}
}

// As extracts an *Error from err, returning ok=false if err is not one (or
// nil), in which case callers should treat it as Internal.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	ae, ok := err.(*Error)
	return ae, ok
}

// StatusCode returns the HTTP status code for the error's kind.
func (e *Error) StatusCode() int {
	if code, ok := statusByKind[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// wireBody is the JSON shape of spec §6 "Wire formats".
type wireBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Field            string `json:"field,omitempty"`
}

// Write serializes the error to w per the HTTP contract of §6, never
// leaking Message for Crypto/Internal kinds.
func (e *Error) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(e.StatusCode())

	body := wireBody{Error: wireByKind[e.Kind]}
	if body.Error == "" {
		body.Error = string(e.Kind)
	}

	switch e.Kind {
	case Crypto, Internal:
		body.ErrorDescription = "an internal error occurred"
	default:
		body.ErrorDescription = e.Message
		body.Field = e.Field
	}

	_ = json.NewEncoder(w).Encode(body)
}
