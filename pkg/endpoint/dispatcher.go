// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/logger"
)

// Dispatcher owns the route table and serves every auth endpoint. Endpoints
// and hooks are registered during initialization; Handler() freezes them into
// a chi router.
type Dispatcher struct {
	runtime   *Runtime
	limiter   *RateLimiter
	endpoints []Endpoint
	hooks     []Hook
}

// NewDispatcher creates a dispatcher for the runtime. limiter may be nil to
// disable rate limiting.
func NewDispatcher(runtime *Runtime, limiter *RateLimiter) *Dispatcher {
	return &Dispatcher{runtime: runtime, limiter: limiter}
}

// Runtime exposes the shared runtime to composition code.
func (d *Dispatcher) Runtime() *Runtime {
	return d.runtime
}

// Register adds endpoints to the route table, folding any per-endpoint
// rate-limit overrides into the limiter's rules.
func (d *Dispatcher) Register(eps ...Endpoint) {
	for _, ep := range eps {
		if ep.RateLimit != nil && d.limiter != nil {
			d.limiter.AddRules(map[string]Rule{ep.Path: *ep.RateLimit})
		}
	}
	d.endpoints = append(d.endpoints, eps...)
}

// AddHooks appends hooks; they run in registration order.
func (d *Dispatcher) AddHooks(hooks ...Hook) {
	d.hooks = append(d.hooks, hooks...)
}

// Endpoints returns the registered route table.
func (d *Dispatcher) Endpoints() []Endpoint {
	return d.endpoints
}

// Handler builds the HTTP handler serving all registered endpoints under the
// runtime's base path.
func (d *Dispatcher) Handler() http.Handler {
	r := chi.NewRouter()
	base := d.runtime.BasePath
	if base == "" {
		base = "/"
	}
	r.Route(base, func(r chi.Router) {
		for _, ep := range d.endpoints {
			ep := ep
			r.Method(ep.Method, ep.Path, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				d.serve(w, req, &ep)
			}))
		}
	})
	return r
}

func (d *Dispatcher) serve(w http.ResponseWriter, req *http.Request, ep *Endpoint) {
	c := newContext(w, req, d.runtime)

	if err := d.checkRateLimit(c, ep); err != nil {
		d.writeError(c, err)
		return
	}
	if err := d.checkOrigin(c); err != nil {
		d.writeError(c, err)
		return
	}

	matched := d.matchedHooks(c)
	for _, h := range matched {
		if h.Before == nil {
			continue
		}
		if err := h.Before(c); err != nil {
			d.finish(c, matched, nil, err)
			return
		}
	}

	for _, mw := range ep.Middlewares {
		if _, err := mw(c); err != nil {
			d.finish(c, matched, nil, err)
			return
		}
	}

	body, err := ep.Handler(c)
	d.finish(c, matched, body, err)
}

func (d *Dispatcher) matchedHooks(c *Context) []Hook {
	matched := make([]Hook, 0, len(d.hooks))
	for _, h := range d.hooks {
		if h.Matcher == nil || h.Matcher(c) {
			matched = append(matched, h)
		}
	}
	return matched
}

// finish runs after hooks and serializes the response. After hooks observe
// errors too so cookie bookkeeping can run on failed requests.
func (d *Dispatcher) finish(c *Context, hooks []Hook, body any, err error) {
	resp := &Response{Status: http.StatusOK, Body: body}
	if err != nil {
		var redirect *apierror.Redirect
		if errors.As(err, &redirect) {
			resp.Status = http.StatusFound
		} else if apiErr := apierror.As(err); apiErr != nil {
			resp.Status = apiErr.Kind.Status()
		} else {
			resp.Status = http.StatusInternalServerError
		}
	}

	for _, h := range hooks {
		if h.After == nil {
			continue
		}
		if hookErr := h.After(c, resp); hookErr != nil {
			logger.Errorf("after hook failed: %v", hookErr)
		}
	}

	if err != nil {
		d.writeError(c, err)
		return
	}
	if IsHandled(resp.Body) {
		return
	}
	d.writeJSON(c, resp.Status, resp.Body)
}

func (d *Dispatcher) checkRateLimit(c *Context, _ *Endpoint) error {
	if d.limiter == nil {
		return nil
	}
	allowed, retryAfter, err := d.limiter.Allow(c.Context(), c.ClientIP(), c.RoutePath())
	if err != nil {
		return apierror.Internal("rate limiter failure", err)
	}
	if !allowed {
		return apierror.TooManyRequests(apierror.CodeRateLimited).
			WithHeader("Retry-After", RetryAfterSeconds(retryAfter))
	}
	return nil
}

// checkOrigin rejects state-changing requests whose Origin header is present
// and not trusted. Requests without an Origin header (non-browser clients)
// pass through.
func (d *Dispatcher) checkOrigin(c *Context) error {
	if !methodAllowsBody(c.Request.Method) {
		return nil
	}
	origin := c.Header("Origin")
	if origin == "" {
		return nil
	}
	if d.originTrusted(origin) {
		return nil
	}
	logger.Debugw("rejecting untrusted origin", "origin", origin)
	return apierror.Forbidden(apierror.CodeInvalidOrigin)
}

func (d *Dispatcher) originTrusted(origin string) bool {
	if sameOrigin(origin, d.runtime.BaseURL) {
		return true
	}
	for _, trusted := range d.runtime.TrustedOrigins {
		if trusted == "*" || sameOrigin(origin, trusted) {
			return true
		}
	}
	return false
}

func sameOrigin(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return strings.EqualFold(ua.Scheme, ub.Scheme) && strings.EqualFold(ua.Host, ub.Host)
}

func (d *Dispatcher) writeError(c *Context, err error) {
	var redirect *apierror.Redirect
	if errors.As(err, &redirect) {
		http.Redirect(c.Writer, c.Request, redirect.URL, http.StatusFound)
		return
	}

	apiErr := apierror.As(err)
	if apiErr == nil {
		apiErr = apierror.Internal("unexpected error", err)
	}
	if apiErr.Kind == apierror.KindInternal {
		logger.Errorf("request to %s failed: %v", c.Request.URL.Path, err)
		// Never leak internals to clients.
		apiErr = apierror.New(apierror.KindInternal, apierror.CodeInternalError, "")
	}

	for key, values := range apiErr.Headers {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}

	payload := map[string]any{
		"message": apiErr.Message,
		"code":    apiErr.Code,
	}
	for k, v := range apiErr.Extra {
		payload[k] = v
	}
	d.writeJSON(c, apiErr.Kind.Status(), payload)
}

func (d *Dispatcher) writeJSON(c *Context, status int, body any) {
	if body == nil {
		body = map[string]any{"status": true}
	}
	c.Writer.Header().Set("Content-Type", "application/json")
	c.Writer.WriteHeader(status)
	if err := json.NewEncoder(c.Writer).Encode(body); err != nil {
		logger.Errorf("failed to encode response: %v", err)
	}
}
