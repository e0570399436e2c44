// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package betterauth assembles the auth engine: it wires the cookie layer,
// session manager, credential and OAuth services, the two-factor engine, the
// OIDC provider, and plugins into one dispatcher served over HTTP.
package betterauth

import (
	"fmt"
	"net/http"

	"github.com/stacklok/betterauth/pkg/cookies"
	"github.com/stacklok/betterauth/pkg/credentials"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/oauthclient"
	"github.com/stacklok/betterauth/pkg/plugin"
	"github.com/stacklok/betterauth/pkg/provider"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
	"github.com/stacklok/betterauth/pkg/telemetry"
	"github.com/stacklok/betterauth/pkg/twofactor"
)

// Auth is a fully composed engine. Create one with New and mount Handler on
// an HTTP server.
type Auth struct {
	opts       Options
	runtime    *endpoint.Runtime
	dispatcher *endpoint.Dispatcher
	limiter    *endpoint.RateLimiter
	sessions   *session.Manager
	provider   *provider.Service
	metrics    *telemetry.Metrics
	schema     schema.Schema
	handler    http.Handler
}

// New validates the options and composes the engine. The returned Auth is
// immutable; endpoints and hooks are frozen.
func New(opts Options) (*Auth, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	cookieMgr := cookies.New(cookies.Config{
		Secret: opts.Secret,
		Prefix: opts.Cookies.Prefix,
		Secure: opts.secureCookies(),
		Domain: opts.cookieDomain(),
	})

	var codec *cookies.CacheCodec
	if opts.Session.CookieCache.Enabled {
		var err error
		codec, err = cookies.NewCacheCodec(opts.Secret, opts.Session.CookieCache.Strategy)
		if err != nil {
			return nil, fmt.Errorf("configuring session cookie cache: %w", err)
		}
	}

	rt := &endpoint.Runtime{
		Secret:         opts.Secret,
		BaseURL:        opts.BaseURL,
		BasePath:       opts.BasePath,
		Adapter:        opts.Database,
		Cookies:        cookieMgr,
		CacheCodec:     codec,
		Secondary:      opts.SecondaryStorage,
		TrustedOrigins: opts.TrustedOrigins,
	}

	limiter, dbRateLimit := buildRateLimiter(&opts)
	d := endpoint.NewDispatcher(rt, limiter)

	a := &Auth{
		opts:       opts,
		runtime:    rt,
		dispatcher: d,
		limiter:    limiter,
		sessions:   session.NewManager(rt, opts.Session),
	}

	// After hooks run in registration order, so the session serialize hook
	// must be registered last: every hook that revokes, replaces, or dirties
	// the session has to run before the cookies are written.
	sessionHooks := a.sessions.Hooks()
	d.AddHooks(sessionHooks[0])

	if opts.Metrics {
		a.metrics = telemetry.New()
		d.AddHooks(a.metrics.Hooks()...)
	}

	base := schema.Core()
	var err error

	d.Register(utilityEndpoints()...)
	d.Register(a.sessions.Endpoints()...)

	credCfg := opts.Credentials
	credCfg.CascadeTwoFactor = opts.TwoFactor != nil
	creds := credentials.NewService(rt, a.sessions, credCfg)
	d.Register(creds.Endpoints()...)
	if opts.Credentials.PhoneOTP.Enabled {
		if base, err = schema.Merge(base, schema.Phone()); err != nil {
			return nil, err
		}
	}

	if len(opts.Social.Providers) > 0 {
		social := oauthclient.NewService(rt, a.sessions, opts.Social)
		d.Register(social.Endpoints()...)
	}

	if opts.TwoFactor != nil {
		tf := twofactor.NewService(rt, a.sessions, *opts.TwoFactor)
		d.Register(tf.Endpoints()...)
		d.AddHooks(tf.Hooks()...)
		if base, err = schema.Merge(base, schema.TwoFactor()); err != nil {
			return nil, err
		}
	}

	if opts.Provider != nil {
		prov, err := provider.NewService(rt, a.sessions, *opts.Provider)
		if err != nil {
			return nil, fmt.Errorf("configuring OIDC provider: %w", err)
		}
		d.Register(prov.Endpoints()...)
		d.AddHooks(prov.Hooks()...)
		a.provider = prov
		if base, err = schema.Merge(base, schema.OIDCProvider()); err != nil {
			return nil, err
		}
	}

	if dbRateLimit {
		if base, err = schema.Merge(base, schema.RateLimit()); err != nil {
			return nil, err
		}
	}

	merged, err := plugin.Compose(d, limiter, base, opts.Plugins...)
	if err != nil {
		return nil, fmt.Errorf("composing plugins: %w", err)
	}
	a.schema = merged

	d.AddHooks(sessionHooks[1])

	a.handler = d.Handler()
	return a, nil
}

// buildRateLimiter resolves the counter backend: explicit storage, then the
// secondary store, then the primary database. The second return reports the
// database fallback so the rateLimit table is added to the schema.
func buildRateLimiter(opts *Options) (*endpoint.RateLimiter, bool) {
	cfg := opts.RateLimit
	dbBacked := false
	if cfg.Storage == nil {
		if opts.SecondaryStorage != nil {
			cfg.Storage = endpoint.NewSecondaryRateLimitStorage(opts.SecondaryStorage)
		} else if cfg.Enabled {
			cfg.Storage = endpoint.NewDBRateLimitStorage(opts.Database)
			dbBacked = true
		}
	}
	return endpoint.NewRateLimiter(cfg), dbBacked
}

// utilityEndpoints are the health probe and the fallback error page.
func utilityEndpoints() []endpoint.Endpoint {
	return []endpoint.Endpoint{
		{
			Name: "ok", Method: http.MethodGet, Path: "/ok",
			Handler: func(*endpoint.Context) (any, error) {
				return map[string]any{"ok": true}, nil
			},
		},
		{
			Name: "error", Method: http.MethodGet, Path: "/error",
			Handler: func(c *endpoint.Context) (any, error) {
				c.Writer.Header().Set("Content-Type", "text/html; charset=utf-8")
				c.Writer.WriteHeader(http.StatusOK)
				_, _ = c.Writer.Write([]byte(errorPage))
				return endpoint.Handled, nil
			},
		},
	}
}

const errorPage = `<!DOCTYPE html>
<html>
<head><title>Authentication Error</title></head>
<body>
<h1>Authentication Error</h1>
<p>Something went wrong during authentication. Please try again.</p>
</body>
</html>`

// Handler serves every auth route under the configured base path.
func (a *Auth) Handler() http.Handler {
	return a.handler
}

// Schema is the merged table definitions, including plugin contributions.
// Hosts feed it to migration tooling.
func (a *Auth) Schema() schema.Schema {
	return a.schema
}

// Sessions exposes the session manager for server-side use.
func (a *Auth) Sessions() *session.Manager {
	return a.sessions
}

// Provider exposes the OIDC provider service for server-side client
// registration, or nil when the provider is disabled.
func (a *Auth) Provider() *provider.Service {
	return a.provider
}

// Metrics returns the Prometheus instruments, or nil when disabled.
func (a *Auth) Metrics() *telemetry.Metrics {
	return a.metrics
}

// BasePath returns the route prefix every endpoint is mounted under.
func (a *Auth) BasePath() string {
	return a.opts.BasePath
}

// Endpoints returns the frozen route table.
func (a *Auth) Endpoints() []endpoint.Endpoint {
	return a.dispatcher.Endpoints()
}
