// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"fmt"

	"github.com/stacklok/betterauth/pkg/endpoint"
)

// discoveryCacheMaxAge is the Cache-Control max-age for JWKS and discovery
// documents (1 hour), balancing caching with key-rotation propagation.
const discoveryCacheMaxAge = 3600

// serverMetadata is the OAuth 2.0 Authorization Server Metadata (RFC 8414).
type serverMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// oidcDiscovery extends the AS metadata with the OIDC-required fields.
type oidcDiscovery struct {
	serverMetadata
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ClaimsSupported                  []string `json:"claims_supported"`
}

func (s *Service) metadata() serverMetadata {
	md := serverMetadata{
		Issuer:                        s.issuer,
		AuthorizationEndpoint:         s.issuer + "/oauth2/authorize",
		TokenEndpoint:                 s.issuer + "/oauth2/token",
		UserinfoEndpoint:              s.issuer + "/oauth2/userinfo",
		JWKSURI:                       s.issuer + "/jwks",
		IntrospectionEndpoint:         s.issuer + "/oauth2/introspect",
		RevocationEndpoint:            s.issuer + "/oauth2/revoke",
		ScopesSupported:               s.cfg.Scopes,
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported: []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic", "client_secret_post", "none",
		},
	}
	if s.cfg.AllowDynamicRegistration {
		md.RegistrationEndpoint = s.issuer + "/oauth2/register"
	}
	return md
}

// handleJWKS serves the public signing keys.
func (s *Service) handleJWKS(c *endpoint.Context) (any, error) {
	c.SetHeader("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	c.SetHeader("X-Content-Type-Options", "nosniff")
	return s.key.PublicJWKS(), nil
}

// handleOAuthDiscovery serves RFC 8414 authorization-server metadata.
func (s *Service) handleOAuthDiscovery(c *endpoint.Context) (any, error) {
	c.SetHeader("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	c.SetHeader("X-Content-Type-Options", "nosniff")
	return s.metadata(), nil
}

// handleOIDCDiscovery serves the OIDC discovery document.
func (s *Service) handleOIDCDiscovery(c *endpoint.Context) (any, error) {
	c.SetHeader("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	c.SetHeader("X-Content-Type-Options", "nosniff")
	return oidcDiscovery{
		serverMetadata:                   s.metadata(),
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{signingAlgorithm},
		ClaimsSupported: []string{
			"sub", "email", "email_verified", "name", "picture",
		},
	}, nil
}
