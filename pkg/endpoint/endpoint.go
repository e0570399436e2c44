// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package endpoint implements the request dispatcher: a route table of typed
// endpoints served through chi, with rate limiting, origin checks, and
// plugin-contributed before/after hooks around each handler.
package endpoint

import "net/http"

// HandlerFunc is an endpoint handler or middleware. Handlers return the JSON
// response value; middlewares return (nil, nil) to continue or an error to
// reject. Both may raise *apierror.Error or *apierror.Redirect.
type HandlerFunc func(c *Context) (any, error)

// Endpoint describes one route in the dispatcher's route table.
type Endpoint struct {
	// Name identifies the endpoint in rate-limit rules and telemetry,
	// e.g. "sign-in-email".
	Name string

	// Method is the HTTP method.
	Method string

	// Path is the route pattern relative to the base path,
	// e.g. "/sign-in/email" or "/oauth2/callback/{providerId}".
	Path string

	// Middlewares run in order before the handler; any error aborts.
	Middlewares []HandlerFunc

	// Handler produces the response.
	Handler HandlerFunc

	// RateLimit overrides the default rate-limit rule for this route.
	RateLimit *Rule

	// ClientExposed marks endpoints surfaced in generated client SDKs.
	// Informational only.
	ClientExposed bool
}

// Response is the in-flight response observed by after hooks, which may
// rewrite the body or status before serialization.
type Response struct {
	Status int
	Body   any
}

type rawResponse struct{}

// Handled is returned by handlers that write the wire response themselves
// (protocol endpoints delegating to fosite). The dispatcher skips JSON
// serialization for it.
var Handled any = rawResponse{}

// IsHandled reports whether body is the Handled sentinel.
func IsHandled(body any) bool {
	_, ok := body.(rawResponse)
	return ok
}

// Hook is a plugin contribution running around matched endpoints. Hooks run
// in registration order; before hooks run after the built-in rate-limit and
// origin checks and may reject the request.
type Hook struct {
	// Matcher selects the requests the hook applies to. Nil matches all.
	Matcher func(c *Context) bool

	// Before runs before the endpoint's middlewares and handler.
	Before func(c *Context) error

	// After observes the response; it may mutate it and append Set-Cookie
	// headers through the context's writer.
	After func(c *Context, resp *Response) error
}

// PathMatcher returns a hook matcher selecting exact request paths relative
// to the base path.
func PathMatcher(paths ...string) func(c *Context) bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return func(c *Context) bool {
		return set[c.RoutePath()]
	}
}

// RoutePath returns the request path relative to the dispatcher's base path.
func (c *Context) RoutePath() string {
	path := c.Request.URL.Path
	base := c.Runtime.BasePath
	if base != "" && len(path) >= len(base) && path[:len(base)] == base {
		path = path[len(base):]
	}
	if path == "" {
		return "/"
	}
	return path
}

// methodAllowsBody reports whether the method conventionally carries a body.
func methodAllowsBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
