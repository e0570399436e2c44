// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/cookies"
)

func newTestRuntime() *Runtime {
	return &Runtime{
		Secret:   "test-secret-at-least-32-characters-long",
		BaseURL:  "http://auth.test",
		BasePath: "/api/auth",
		Cookies:  cookies.New(cookies.Config{Secret: "test-secret-at-least-32-characters-long"}),
	}
}

func newTestDispatcher(limiter *RateLimiter) *Dispatcher {
	return NewDispatcher(newTestRuntime(), limiter)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDispatchAndJSONResponse(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil)
	d.Register(Endpoint{
		Name: "ok", Method: http.MethodGet, Path: "/ok",
		Handler: func(_ *Context) (any, error) {
			return map[string]any{"ok": true}, nil
		},
	})

	w := do(t, d.Handler(), http.MethodGet, "/api/auth/ok", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ok": true}`, w.Body.String())
}

func TestAPIErrorSerialization(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil)
	d.Register(Endpoint{
		Name: "fail", Method: http.MethodGet, Path: "/fail",
		Handler: func(_ *Context) (any, error) {
			return nil, apierror.Unauthorized(apierror.CodeInvalidEmailOrPassword).
				WithExtra("hint", "check your credentials")
		},
	})

	w := do(t, d.Handler(), http.MethodGet, "/api/auth/fail", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apierror.CodeInvalidEmailOrPassword, body["code"])
	assert.NotEmpty(t, body["message"])
	assert.Equal(t, "check your credentials", body["hint"])
}

func TestInternalErrorsAreSanitized(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil)
	d.Register(Endpoint{
		Name: "boom", Method: http.MethodGet, Path: "/boom",
		Handler: func(_ *Context) (any, error) {
			return nil, assert.AnError
		},
	})

	w := do(t, d.Handler(), http.MethodGet, "/api/auth/boom", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
	assert.Contains(t, w.Body.String(), apierror.CodeInternalError)
}

func TestRedirectSignal(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil)
	d.Register(Endpoint{
		Name: "go", Method: http.MethodGet, Path: "/go",
		Handler: func(c *Context) (any, error) {
			return nil, c.Redirect("http://app.test/done")
		},
	})

	w := do(t, d.Handler(), http.MethodGet, "/api/auth/go", "")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "http://app.test/done", w.Header().Get("Location"))
}

func TestBeforeHookRejects(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil)
	var handlerRan bool
	d.Register(Endpoint{
		Name: "guarded", Method: http.MethodGet, Path: "/guarded",
		Handler: func(_ *Context) (any, error) {
			handlerRan = true
			return nil, nil
		},
	})
	d.AddHooks(Hook{
		Matcher: PathMatcher("/guarded"),
		Before: func(_ *Context) error {
			return apierror.Forbidden(apierror.CodeInvalidOrigin)
		},
	})

	w := do(t, d.Handler(), http.MethodGet, "/api/auth/guarded", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, handlerRan)
}

func TestAfterHookObservesResponse(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil)
	d.Register(Endpoint{
		Name: "ok", Method: http.MethodGet, Path: "/ok",
		Handler: func(_ *Context) (any, error) {
			return map[string]any{"ok": true}, nil
		},
	})

	var observed int
	d.AddHooks(Hook{
		After: func(c *Context, resp *Response) error {
			observed = resp.Status
			c.Writer.Header().Add("Set-Cookie", "observed=1")
			return nil
		},
	})

	w := do(t, d.Handler(), http.MethodGet, "/api/auth/ok", "")
	assert.Equal(t, http.StatusOK, observed)
	assert.Contains(t, w.Header().Values("Set-Cookie"), "observed=1")
}

func TestHooksRunInRegistrationOrder(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil)
	d.Register(Endpoint{
		Name: "ok", Method: http.MethodGet, Path: "/ok",
		Handler: func(_ *Context) (any, error) { return nil, nil },
	})

	var order []string
	for _, name := range []string{"first", "second"} {
		name := name
		d.AddHooks(Hook{Before: func(_ *Context) error {
			order = append(order, name)
			return nil
		}})
	}

	do(t, d.Handler(), http.MethodGet, "/api/auth/ok", "")
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestOriginCheck(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime()
	rt.TrustedOrigins = []string{"http://app.test"}
	d := NewDispatcher(rt, nil)
	d.Register(Endpoint{
		Name: "post", Method: http.MethodPost, Path: "/post",
		Handler: func(_ *Context) (any, error) { return nil, nil },
	})
	h := d.Handler()

	send := func(origin string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/post", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send(""), "no origin header passes")
	assert.Equal(t, http.StatusOK, send("http://auth.test"), "base URL origin passes")
	assert.Equal(t, http.StatusOK, send("http://app.test"), "trusted origin passes")
	assert.Equal(t, http.StatusForbidden, send("http://evil.test"), "untrusted origin rejects")
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(RateLimitConfig{
		Enabled: true,
		Window:  10 * time.Second,
		Max:     3,
	})
	d := newTestDispatcher(limiter)
	d.Register(Endpoint{
		Name: "limited", Method: http.MethodGet, Path: "/limited",
		Handler: func(_ *Context) (any, error) { return nil, nil },
	})
	h := d.Handler()

	for i := 0; i < 3; i++ {
		w := do(t, h, http.MethodGet, "/api/auth/limited", "")
		require.Equal(t, http.StatusOK, w.Code, "request %d within limit", i+1)
	}

	w := do(t, h, http.MethodGet, "/api/auth/limited", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "10", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), apierror.CodeRateLimited)
}

func TestRateLimitPerRouteRule(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(RateLimitConfig{Enabled: true, Max: 100})
	d := newTestDispatcher(limiter)
	d.Register(Endpoint{
		Name: "strict", Method: http.MethodGet, Path: "/strict",
		RateLimit: &Rule{Window: 10 * time.Second, Max: 1},
		Handler:   func(_ *Context) (any, error) { return nil, nil },
	})
	h := d.Handler()

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/auth/strict", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/api/auth/strict", "").Code)
}

func TestBindBodyRejectsInvalidJSON(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil)
	d.Register(Endpoint{
		Name: "bind", Method: http.MethodPost, Path: "/bind",
		Handler: func(c *Context) (any, error) {
			var v struct {
				Email string `json:"email"`
			}
			if err := c.BindBody(&v); err != nil {
				return nil, err
			}
			return map[string]any{"email": v.Email}, nil
		},
	})
	h := d.Handler()

	w := do(t, h, http.MethodPost, "/api/auth/bind", `{"email":"ada@x.io"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/api/auth/bind", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), apierror.CodeInvalidBody)
}
