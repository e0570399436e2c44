// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauthclient implements social sign-in against upstream OAuth 2.0
// and OIDC providers: authorization URL construction with PKCE, the signed
// state cookie, the code-exchange callback with account linking, and token
// refresh for linked accounts.
package oauthclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/session"
)

// Profile is the normalized identity a provider reports for the signed-in
// subject.
type Profile struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Image         string
}

// ProfileMapper converts raw provider claims into a Profile. The claims map
// is the union of ID-token claims and userinfo fields, ID token winning.
type ProfileMapper func(claims map[string]any) (*Profile, error)

// Provider configures one upstream OAuth/OIDC provider.
type Provider struct {
	// ID names the provider in routes and account rows, e.g. "github".
	ID string

	ClientID     string
	ClientSecret string

	// Issuer enables OIDC discovery; endpoints and the ID-token verifier
	// come from .well-known/openid-configuration.
	Issuer string

	// AuthorizationURL, TokenURL, and UserInfoURL configure a plain OAuth2
	// provider when Issuer is empty.
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string

	// Scopes are merged with any caller-supplied scopes.
	Scopes []string

	// UsePKCE sends a S256 code challenge with the authorization request.
	UsePKCE bool

	// Prompt and AccessType are forwarded as authorization parameters when
	// non-empty.
	Prompt     string
	AccessType string

	// AuthorizationParams are appended verbatim to the authorization URL.
	AuthorizationParams map[string]string

	// ClientAuthMethod selects how the token endpoint is authenticated:
	// "basic" (default) or "post".
	ClientAuthMethod string

	// MapProfile overrides the default claim mapping.
	MapProfile ProfileMapper

	// DisableImplicitSignUp requires requestSignUp on the sign-in request
	// before a new user is provisioned through this provider.
	DisableImplicitSignUp bool
}

// LinkingConfig tunes how provider subjects attach to existing users.
type LinkingConfig struct {
	// AllowDifferentEmails permits linking an account whose provider email
	// differs from the signed-in user's email.
	AllowDifferentEmails bool

	// TrustedProviders may auto-link by verified email match when the
	// subject is unknown but the email already belongs to a user.
	TrustedProviders []string
}

// Config tunes the OAuth client subsystem.
type Config struct {
	Providers []Provider

	// DisableSignUp rejects first-login provisioning for all providers.
	DisableSignUp bool

	Linking LinkingConfig

	// HTTPClient is used for discovery, token exchange, and userinfo.
	// Defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
}

// Service implements the OAuth client endpoints.
type Service struct {
	rt       *endpoint.Runtime
	sessions *session.Manager
	cfg      Config
	now      func() time.Time

	mu         sync.Mutex
	discovered map[string]*oidc.Provider
}

// NewService creates the OAuth client service.
func NewService(rt *endpoint.Runtime, sessions *session.Manager, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		rt:         rt,
		sessions:   sessions,
		cfg:        cfg,
		now:        time.Now,
		discovered: make(map[string]*oidc.Provider),
	}
}

// provider returns the configured provider or nil.
func (s *Service) provider(id string) *Provider {
	for i := range s.cfg.Providers {
		if s.cfg.Providers[i].ID == id {
			return &s.cfg.Providers[i]
		}
	}
	return nil
}

// oidcProvider runs (and caches) OIDC discovery for providers configured with
// an issuer.
func (s *Service) oidcProvider(ctx context.Context, p *Provider) (*oidc.Provider, error) {
	if p.Issuer == "" {
		return nil, nil
	}
	s.mu.Lock()
	cached := s.discovered[p.ID]
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	ctx = oidc.ClientContext(ctx, s.cfg.HTTPClient)
	dp, err := oidc.NewProvider(ctx, p.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering %s: %w", p.ID, err)
	}
	s.mu.Lock()
	s.discovered[p.ID] = dp
	s.mu.Unlock()
	return dp, nil
}

// oauth2Config builds the x/oauth2 config for a provider, resolving endpoints
// through discovery when configured.
func (s *Service) oauth2Config(ctx context.Context, c *endpoint.Context, p *Provider) (*oauth2.Config, error) {
	ep := oauth2.Endpoint{
		AuthURL:  p.AuthorizationURL,
		TokenURL: p.TokenURL,
	}
	if p.Issuer != "" {
		dp, err := s.oidcProvider(ctx, p)
		if err != nil {
			return nil, err
		}
		ep = dp.Endpoint()
	}
	switch p.ClientAuthMethod {
	case "post":
		ep.AuthStyle = oauth2.AuthStyleInParams
	case "", "basic":
		ep.AuthStyle = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     ep,
		RedirectURL:  c.URL("/callback/" + p.ID),
		Scopes:       p.Scopes,
	}, nil
}

// httpContext attaches the configured HTTP client so x/oauth2 uses it for the
// token exchange.
func (s *Service) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.cfg.HTTPClient)
}
