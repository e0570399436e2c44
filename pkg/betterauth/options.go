// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package betterauth

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"dario.cat/mergo"

	"github.com/stacklok/betterauth/pkg/credentials"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/oauthclient"
	"github.com/stacklok/betterauth/pkg/plugin"
	"github.com/stacklok/betterauth/pkg/provider"
	"github.com/stacklok/betterauth/pkg/session"
	"github.com/stacklok/betterauth/pkg/storage"
	"github.com/stacklok/betterauth/pkg/twofactor"
)

// Environment variables consulted when options leave fields empty.
const (
	EnvSecret  = "BETTER_AUTH_SECRET"
	EnvBaseURL = "BETTER_AUTH_URL"
	EnvMode    = "NODE_ENV"
)

// CookieOptions tunes cookie naming and attributes.
type CookieOptions struct {
	// Prefix defaults to "better-auth".
	Prefix string

	// Secure forces the __Secure- prefix and Secure attribute on or off.
	// Unset, cookies are secure when the base URL is https or the
	// environment is production.
	Secure *bool

	// CrossSubdomain sets the Domain attribute so cookies span subdomains.
	CrossSubdomain bool

	// Domain overrides the Domain attribute; defaults to the base URL's
	// hostname when CrossSubdomain is set.
	Domain string
}

// Options is the configuration record handed to New. Zero values take the
// documented defaults.
type Options struct {
	// Secret signs cookies and tokens; falls back to BETTER_AUTH_SECRET.
	Secret string

	// BaseURL is the externally visible origin; falls back to
	// BETTER_AUTH_URL.
	BaseURL string

	// BasePath prefixes every route. Default "/api/auth".
	BasePath string

	// TrustedOrigins allow-lists Origin headers beyond the base URL.
	TrustedOrigins []string

	// Database is the primary adapter. Required.
	Database db.Adapter

	// SecondaryStorage enables the session and rate-limit caches.
	SecondaryStorage storage.Secondary

	Cookies     CookieOptions
	Session     session.Config
	Credentials credentials.Config

	// Social configures upstream OAuth providers; empty disables the
	// social sign-in routes.
	Social oauthclient.Config

	// Provider enables the OAuth/OIDC authorization server.
	Provider *provider.Config

	// TwoFactor enables the two-factor engine.
	TwoFactor *twofactor.Config

	RateLimit endpoint.RateLimitConfig

	// Plugins contribute endpoints, hooks, schema, rules, and error codes.
	Plugins []plugin.Plugin

	// Metrics enables the Prometheus request instruments.
	Metrics bool
}

func defaultOptions() Options {
	return Options{
		BasePath: "/api/auth",
	}
}

// applyDefaults folds the documented defaults and environment fallbacks into
// the options.
func (o *Options) applyDefaults() error {
	if err := mergo.Merge(o, defaultOptions()); err != nil {
		return fmt.Errorf("merging default options: %w", err)
	}
	if o.Secret == "" {
		o.Secret = os.Getenv(EnvSecret)
	}
	if o.BaseURL == "" {
		o.BaseURL = os.Getenv(EnvBaseURL)
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (o *Options) Validate() error {
	if o.Secret == "" {
		return fmt.Errorf("secret is required: set Options.Secret or %s", EnvSecret)
	}
	if len(o.Secret) < 16 {
		return fmt.Errorf("secret must be at least 16 characters")
	}
	if o.Database == nil {
		return fmt.Errorf("database adapter is required")
	}
	if o.BaseURL != "" {
		u, err := url.Parse(o.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("base URL %q is not an absolute URL", o.BaseURL)
		}
	}
	if !strings.HasPrefix(o.BasePath, "/") {
		return fmt.Errorf("base path %q must start with /", o.BasePath)
	}
	return nil
}

// secureCookies resolves the secure-cookie decision: explicit override, then
// https base URL, then production environment.
func (o *Options) secureCookies() bool {
	if o.Cookies.Secure != nil {
		return *o.Cookies.Secure
	}
	if strings.HasPrefix(o.BaseURL, "https://") {
		return true
	}
	return os.Getenv(EnvMode) == "production"
}

// cookieDomain resolves the Domain attribute for cross-subdomain cookies.
func (o *Options) cookieDomain() string {
	if !o.Cookies.CrossSubdomain {
		return ""
	}
	if o.Cookies.Domain != "" {
		return o.Cookies.Domain
	}
	u, err := url.Parse(o.BaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
