// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package provider implements the OAuth 2.0 / OIDC authorization server side
// of the engine: authorization-code flow with PKCE, consent and select-account
// prompts, token issuance and rotation, introspection, revocation, dynamic
// client registration, JWKS, and discovery documents.
//
// Protocol mechanics (request validation, code/token strategies, client
// authentication) are delegated to ory/fosite; this package supplies the
// adapter-backed storage, the session state machine around the authorize
// endpoint, and the HTTP surface.
package provider

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"

	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/session"
)

// Client secret storage strategies.
const (
	SecretStrategyPlain     = "plain"
	SecretStrategyHashed    = "hashed"
	SecretStrategyEncrypted = "encrypted"
)

// Config controls the authorization server.
type Config struct {
	// LoginPage receives users who hit /authorize without a session (or with
	// prompt=login). The authorize query is forwarded so the flow can resume.
	LoginPage string

	// ConsentPage receives users whose consent is required. Empty disables
	// the redirect; /consent must then be driven by the client application.
	ConsentPage string

	// SelectAccountPage receives users when prompt=select_account is pending.
	SelectAccountPage string

	// RequirePKCE rejects authorization requests without a code challenge.
	RequirePKCE bool

	// Scopes the server supports; defaults to openid, profile, email,
	// offline_access.
	Scopes []string

	// AccessTokenLifespan defaults to one hour.
	AccessTokenLifespan time.Duration

	// RefreshTokenLifespan defaults to thirty days.
	RefreshTokenLifespan time.Duration

	// AuthCodeLifespan defaults to one minute; codes are single-use.
	AuthCodeLifespan time.Duration

	// ClientSecretStrategy is one of plain, hashed, encrypted. Default hashed.
	ClientSecretStrategy string

	// AllowDynamicRegistration enables POST /oauth2/register.
	AllowDynamicRegistration bool

	// SigningKey overrides the ephemeral ES256 key.
	SigningKey *ecdsa.PrivateKey

	// SelectedAccount reports whether the signed-in user already picked an
	// account for this request; false triggers the select-account redirect
	// when the client asked for prompt=select_account. Nil means selected.
	SelectedAccount func(c *endpoint.Context) bool
}

func (c *Config) applyDefaults() {
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"openid", "profile", "email", "offline_access"}
	}
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = time.Hour
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = 30 * 24 * time.Hour
	}
	if c.AuthCodeLifespan == 0 {
		c.AuthCodeLifespan = time.Minute
	}
	if c.ClientSecretStrategy == "" {
		c.ClientSecretStrategy = SecretStrategyHashed
	}
}

// Service is the authorization server.
type Service struct {
	rt       *endpoint.Runtime
	sessions *session.Manager
	cfg      Config
	store    *Store
	key      *SigningKey
	oauth2   fosite.OAuth2Provider
	issuer   string
	now      func() time.Time
}

// NewService composes the fosite provider over adapter-backed storage.
func NewService(rt *endpoint.Runtime, sessions *session.Manager, cfg Config) (*Service, error) {
	cfg.applyDefaults()

	var key *SigningKey
	var err error
	if cfg.SigningKey != nil {
		key, err = newSigningKey(cfg.SigningKey)
	} else {
		key, err = generateSigningKey()
	}
	if err != nil {
		return nil, err
	}

	// Codes and refresh tokens are opaque HMAC values; only this server
	// validates them. The HMAC secret is derived from the deployment secret
	// so it never appears verbatim in two subsystems.
	hmacSecret, err := crypto.DeriveKey([]byte(rt.Secret), "better-auth.oauth-provider-hmac", 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive provider HMAC secret: %w", err)
	}

	issuer := strings.TrimSuffix(rt.BaseURL, "/") + rt.BasePath
	svc := &Service{
		rt:       rt,
		sessions: sessions,
		cfg:      cfg,
		issuer:   issuer,
		key:      key,
		now:      time.Now,
	}

	fc := &fosite.Config{
		AccessTokenIssuer:           issuer,
		AuthorizeCodeLifespan:       cfg.AuthCodeLifespan,
		AccessTokenLifespan:         cfg.AccessTokenLifespan,
		RefreshTokenLifespan:        cfg.RefreshTokenLifespan,
		GlobalSecret:                hmacSecret,
		ScopeStrategy:               fosite.ExactScopeStrategy,
		AudienceMatchingStrategy:    fosite.DefaultAudienceMatchingStrategy,
		EnforcePKCE:                 cfg.RequirePKCE,
		EnforcePKCEForPublicClients: true,
		ClientSecretsHasher:         &secretHasher{strategy: cfg.ClientSecretStrategy, secret: []byte(rt.Secret)},
		RefreshTokenScopes:          []string{"offline_access"},
	}

	svc.store = newStore(rt, cfg, fc)

	// Access tokens are ES256 JWTs so resource servers can verify them
	// against the JWKS without calling back; codes and refresh tokens stay
	// opaque HMAC values validated through storage.
	signingKeyV3 := key.joseV3()
	jwtStrategy := compose.NewOAuth2JWTStrategy(
		func(_ context.Context) (interface{}, error) { return signingKeyV3, nil },
		compose.NewOAuth2HMACStrategy(fc),
		fc,
	)
	svc.oauth2 = compose.Compose(
		fc,
		svc.store,
		&compose.CommonStrategy{CoreStrategy: jwtStrategy},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2RefreshTokenGrantFactory,
		compose.OAuth2PKCEFactory,
		compose.OAuth2TokenIntrospectionFactory,
		compose.OAuth2TokenRevocationFactory,
	)

	return svc, nil
}

// Issuer returns the advertised issuer URL.
func (s *Service) Issuer() string {
	return s.issuer
}
