// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package apierror defines the error taxonomy surfaced by the Better Auth
// request pipeline. Every endpoint failure carries a Kind (mapped to an HTTP
// status) and a stable machine-readable code from the registry in codes.go.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an API failure. The dispatcher maps each kind to a fixed
// HTTP status code.
type Kind string

// Error kinds.
const (
	KindBadRequest          Kind = "BAD_REQUEST"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindForbidden           Kind = "FORBIDDEN"
	KindNotFound            Kind = "NOT_FOUND"
	KindUnprocessableEntity Kind = "UNPROCESSABLE_ENTITY"
	KindTooManyRequests     Kind = "TOO_MANY_REQUESTS"
	KindInternal            Kind = "INTERNAL_SERVER_ERROR"
)

// Status returns the HTTP status for the kind. Unknown kinds map to 500.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUnprocessableEntity:
		return http.StatusUnprocessableEntity
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// Error is an API-surface error. The dispatcher serializes it to
// {"message": ..., "code": ..., ...Extra} with the status of Kind.
type Error struct {
	// Kind determines the HTTP status.
	Kind Kind

	// Code is the stable machine-readable code from the registry.
	Code string

	// Message is the human-readable message.
	Message string

	// Cause is the underlying error, never serialized to clients.
	Cause error

	// Extra carries additional serialized response fields.
	Extra map[string]any

	// Headers are appended to the HTTP response (e.g. Retry-After).
	Headers http.Header
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithExtra returns a copy of the error carrying an additional response field.
func (e *Error) WithExtra(key string, value any) *Error {
	clone := *e
	clone.Extra = make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		clone.Extra[k] = v
	}
	clone.Extra[key] = value
	return &clone
}

// WithHeader returns a copy of the error carrying an additional response header.
func (e *Error) WithHeader(key, value string) *Error {
	clone := *e
	clone.Headers = e.Headers.Clone()
	if clone.Headers == nil {
		clone.Headers = http.Header{}
	}
	clone.Headers.Set(key, value)
	return &clone
}

// New creates a new API error. The message defaults to the registry message
// for the code when msg is empty.
func New(kind Kind, code, msg string) *Error {
	if msg == "" {
		msg = Message(code)
	}
	return &Error{Kind: kind, Code: code, Message: msg}
}

// BadRequest creates a BAD_REQUEST error from a registered code.
func BadRequest(code string) *Error {
	return New(KindBadRequest, code, "")
}

// Unauthorized creates an UNAUTHORIZED error from a registered code.
func Unauthorized(code string) *Error {
	return New(KindUnauthorized, code, "")
}

// Forbidden creates a FORBIDDEN error from a registered code.
func Forbidden(code string) *Error {
	return New(KindForbidden, code, "")
}

// NotFound creates a NOT_FOUND error from a registered code.
func NotFound(code string) *Error {
	return New(KindNotFound, code, "")
}

// Unprocessable creates an UNPROCESSABLE_ENTITY error from a registered code.
func Unprocessable(code string) *Error {
	return New(KindUnprocessableEntity, code, "")
}

// TooManyRequests creates a TOO_MANY_REQUESTS error from a registered code.
func TooManyRequests(code string) *Error {
	return New(KindTooManyRequests, code, "")
}

// Internal wraps an unexpected failure. The cause is logged by the dispatcher
// and never surfaced to clients.
func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternalError, Message: msg, Cause: cause}
}

// As extracts an *Error from err, or nil when err is not an API error.
func As(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// IsKind reports whether err is an API error of the given kind.
func IsKind(err error, kind Kind) bool {
	e := As(err)
	return e != nil && e.Kind == kind
}

// Redirect is raised by endpoint handlers to short-circuit the response into
// an HTTP 302 redirect. It is not a failure; the dispatcher treats it
// specially.
type Redirect struct {
	URL string
}

// Error implements error.
func (r *Redirect) Error() string {
	return "redirect to " + r.URL
}

// NewRedirect creates a redirect signal for the given URL.
func NewRedirect(url string) *Redirect {
	return &Redirect{URL: url}
}
