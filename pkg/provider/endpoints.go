// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"net/http"
	"time"

	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/session"
)

// Endpoints returns the authorization-server route table.
func (s *Service) Endpoints() []endpoint.Endpoint {
	tokenRule := &endpoint.Rule{Window: 10 * time.Second, Max: 20}
	return []endpoint.Endpoint{
		{
			Name: "oauth2-authorize", Method: http.MethodGet, Path: "/oauth2/authorize",
			Handler: s.handleAuthorize, ClientExposed: true,
		},
		{
			Name: "oauth2-token", Method: http.MethodPost, Path: "/oauth2/token",
			Handler: s.handleToken, RateLimit: tokenRule,
		},
		{
			Name: "oauth2-userinfo", Method: http.MethodGet, Path: "/oauth2/userinfo",
			Handler: s.handleUserInfo,
		},
		{
			Name: "oauth2-introspect", Method: http.MethodPost, Path: "/oauth2/introspect",
			Handler: s.handleIntrospect,
		},
		{
			Name: "oauth2-revoke", Method: http.MethodPost, Path: "/oauth2/revoke",
			Handler: s.handleRevoke,
		},
		{
			Name: "oauth2-register", Method: http.MethodPost, Path: "/oauth2/register",
			Handler: s.handleRegister, RateLimit: tokenRule,
		},
		{
			Name: "oauth2-consent", Method: http.MethodPost, Path: "/oauth2/consent",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleConsent, ClientExposed: true,
		},
		{
			Name: "oauth2-selected-account", Method: http.MethodPost, Path: "/oauth2/selected-account",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleSelectedAccount, ClientExposed: true,
		},
		{
			Name: "jwks", Method: http.MethodGet, Path: "/jwks",
			Handler: s.handleJWKS,
		},
		{
			Name: "openid-configuration", Method: http.MethodGet, Path: "/.well-known/openid-configuration",
			Handler: s.handleOIDCDiscovery,
		},
		{
			Name: "oauth-authorization-server", Method: http.MethodGet, Path: "/.well-known/oauth-authorization-server",
			Handler: s.handleOAuthDiscovery,
		},
	}
}
