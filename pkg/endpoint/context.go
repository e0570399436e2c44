// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/cookies"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/storage"
)

// Runtime is the immutable per-deployment state every endpoint handler sees.
// It is assembled once at initialization; request handlers only read it.
type Runtime struct {
	// Secret signs cookies and verification tokens.
	Secret string
	// BaseURL is the externally visible origin, e.g. "https://auth.example.com".
	BaseURL string
	// BasePath prefixes every auth route, default "/api/auth".
	BasePath string
	// Adapter is the primary database.
	Adapter db.Adapter
	// Cookies issues and reads auth cookies.
	Cookies *cookies.Manager
	// CacheCodec encodes the session-data cookie; nil disables the cache.
	CacheCodec *cookies.CacheCodec
	// Secondary is the optional key-value cache; nil disables it.
	Secondary storage.Secondary
	// TrustedOrigins allow-lists Origin headers on state-changing requests.
	// The base URL's origin is always trusted.
	TrustedOrigins []string
	// Options carries subsystem-specific configuration for handlers that
	// need settings beyond the shared runtime fields.
	Options any
}

// Context is the typed request context handed to endpoint handlers.
type Context struct {
	Request *http.Request
	Writer  http.ResponseWriter
	Runtime *Runtime

	body   []byte
	read   bool
	values map[string]any
}

func newContext(w http.ResponseWriter, r *http.Request, rt *Runtime) *Context {
	return &Context{
		Request: r,
		Writer:  w,
		Runtime: rt,
		values:  make(map[string]any),
	}
}

// Context returns the request's cancellation context.
func (c *Context) Context() context.Context {
	return c.Request.Context()
}

// BindBody decodes the JSON request body into v. The body is cached so
// middlewares and the handler can both bind.
func (c *Context) BindBody(v any) error {
	if !c.read {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			return apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "failed to read request body")
		}
		c.body = body
		c.read = true
	}
	if len(c.body) == 0 {
		return apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "request body is required")
	}
	if err := json.Unmarshal(c.body, v); err != nil {
		return apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "request body is not valid JSON")
	}
	return nil
}

// Query returns a query parameter.
func (c *Context) Query(name string) string {
	return c.Request.URL.Query().Get(name)
}

// Param returns a URL path parameter.
func (c *Context) Param(name string) string {
	return chi.URLParam(c.Request, name)
}

// Header returns an inbound header.
func (c *Context) Header(name string) string {
	return c.Request.Header.Get(name)
}

// SetHeader sets a response header.
func (c *Context) SetHeader(name, value string) {
	c.Writer.Header().Set(name, value)
}

// ClientIP returns the caller's IP, honoring X-Forwarded-For.
func (c *Context) ClientIP() string {
	if fwd := c.Request.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}
	return host
}

// Set stores a request-scoped value, shared between hooks and the handler.
func (c *Context) Set(key string, value any) {
	c.values[key] = value
}

// Get reads a request-scoped value.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Delete removes a request-scoped value.
func (c *Context) Delete(key string) {
	delete(c.values, key)
}

// Redirect raises a redirect to url; the dispatcher converts it to a 302.
func (c *Context) Redirect(url string) error {
	return apierror.NewRedirect(url)
}

// SignedCookie reads a signed cookie.
func (c *Context) SignedCookie(name string) (string, bool) {
	return c.Runtime.Cookies.GetSigned(c.Request, name)
}

// SetSignedCookie writes a signed cookie with the given lifetime in seconds.
func (c *Context) SetSignedCookie(name, value string, maxAge int) {
	c.Runtime.Cookies.SetSigned(c.Writer, name, value, cookies.Attributes{MaxAge: maxAge})
}

// ClearCookie expires a cookie and any chunks it occupied.
func (c *Context) ClearCookie(name string) {
	c.Runtime.Cookies.Clear(c.Writer, c.Request, name)
}

// URL resolves a path against the deployment's base URL and base path.
func (c *Context) URL(path string) string {
	base := strings.TrimSuffix(c.Runtime.BaseURL, "/")
	if strings.HasPrefix(path, "/") {
		return base + c.Runtime.BasePath + path
	}
	return base + c.Runtime.BasePath + "/" + path
}
