// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"slices"

	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/logger"
	"github.com/stacklok/betterauth/pkg/session"
)

// DCR error codes per RFC 7591 Section 3.2.2.
const (
	dcrErrInvalidRedirectURI    = "invalid_redirect_uri"
	dcrErrInvalidClientMetadata = "invalid_client_metadata"
)

// Validation limits preventing excessively large registration requests.
const (
	maxRedirectURICount = 10
	maxClientNameLength = 256
)

// dcrRequest is an RFC 7591 registration request.
type dcrRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
}

// dcrResponse is an RFC 7591 registration response. The client secret is
// returned exactly once, at registration time.
type dcrResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
}

type dcrError struct {
	Err         string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

var allowedAuthMethods = map[string]bool{
	"none":                true,
	"client_secret_basic": true,
	"client_secret_post":  true,
}

var allowedGrantTypes = map[string]bool{
	"authorization_code": true,
	"refresh_token":      true,
}

// handleRegister serves dynamic client registration (RFC 7591).
func (s *Service) handleRegister(c *endpoint.Context) (any, error) {
	if !s.cfg.AllowDynamicRegistration {
		return s.writeDCRError(c, http.StatusForbidden, dcrErrInvalidClientMetadata,
			"dynamic client registration is disabled")
	}

	var req dcrRequest
	if err := c.BindBody(&req); err != nil {
		return s.writeDCRError(c, http.StatusBadRequest, dcrErrInvalidClientMetadata,
			"request body is not valid JSON")
	}
	validated, derr := validateDCRRequest(&req)
	if derr != nil {
		return s.writeDCRError(c, http.StatusBadRequest, derr.Err, derr.Description)
	}

	reg := &ClientRegistration{
		Name:         validated.ClientName,
		RedirectURLs: validated.RedirectURIs,
		AuthMethod:   validated.TokenEndpointAuthMethod,
		LogoURI:      validated.LogoURI,
	}
	var plainSecret string
	if validated.TokenEndpointAuthMethod != "none" {
		secret, err := crypto.GenerateToken(32)
		if err != nil {
			return nil, err
		}
		plainSecret = secret
		reg.ClientSecret = secret
	}
	if _, u, ok := session.FromContext(c); ok {
		reg.UserID = u.ID
	}

	if _, err := s.RegisterClient(c.Context(), reg); err != nil {
		return nil, err
	}
	logger.Debugw("registered OAuth client", "client_id", reg.ClientID, "auth_method", reg.AuthMethod)

	c.Writer.Header().Set("Content-Type", "application/json")
	c.Writer.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(c.Writer).Encode(dcrResponse{
		ClientID:                reg.ClientID,
		ClientSecret:            plainSecret,
		ClientIDIssuedAt:        s.now().Unix(),
		RedirectURIs:            validated.RedirectURIs,
		ClientName:              validated.ClientName,
		TokenEndpointAuthMethod: validated.TokenEndpointAuthMethod,
		GrantTypes:              validated.GrantTypes,
		ResponseTypes:           validated.ResponseTypes,
		LogoURI:                 validated.LogoURI,
	})
	return endpoint.Handled, nil
}

func (*Service) writeDCRError(c *endpoint.Context, status int, code, description string) (any, error) {
	c.Writer.Header().Set("Content-Type", "application/json")
	c.Writer.WriteHeader(status)
	_ = json.NewEncoder(c.Writer).Encode(dcrError{Err: code, Description: description})
	return endpoint.Handled, nil
}

// validateDCRRequest applies RFC 7591 validation with defaults.
func validateDCRRequest(req *dcrRequest) (*dcrRequest, *dcrError) {
	if len(req.RedirectURIs) == 0 {
		return nil, &dcrError{dcrErrInvalidRedirectURI, "redirect_uris is required"}
	}
	if len(req.RedirectURIs) > maxRedirectURICount {
		return nil, &dcrError{dcrErrInvalidRedirectURI, "too many redirect_uris (maximum 10)"}
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, err
		}
	}
	if len(req.ClientName) > maxClientNameLength {
		return nil, &dcrError{dcrErrInvalidClientMetadata, "client_name too long (maximum 256 characters)"}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}
	if !allowedAuthMethods[authMethod] {
		return nil, &dcrError{dcrErrInvalidClientMetadata, "unsupported token_endpoint_auth_method: " + authMethod}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	if !slices.Contains(grantTypes, "authorization_code") {
		return nil, &dcrError{dcrErrInvalidClientMetadata, "grant_types must include 'authorization_code'"}
	}
	for _, gt := range grantTypes {
		if !allowedGrantTypes[gt] {
			return nil, &dcrError{dcrErrInvalidClientMetadata, "unsupported grant_type: " + gt}
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, &dcrError{dcrErrInvalidClientMetadata, "unsupported response_type: " + rt}
		}
	}

	return &dcrRequest{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		LogoURI:                 req.LogoURI,
	}, nil
}

// validateRedirectURI enforces RFC 8252: https anywhere, http only on
// loopback hosts, no fragments.
func validateRedirectURI(uri string) *dcrError {
	parsed, err := url.Parse(uri)
	if err != nil {
		return &dcrError{dcrErrInvalidRedirectURI, "redirect_uri is not a valid URL"}
	}
	if parsed.Fragment != "" {
		return &dcrError{dcrErrInvalidRedirectURI, "redirect_uri must not contain a fragment"}
	}
	switch parsed.Scheme {
	case "https":
		if parsed.Host == "" {
			return &dcrError{dcrErrInvalidRedirectURI, "redirect_uri must have a host"}
		}
		return nil
	case "http":
		host := parsed.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return nil
		}
		return &dcrError{dcrErrInvalidRedirectURI, "http redirect_uri is only allowed for loopback addresses"}
	default:
		return &dcrError{dcrErrInvalidRedirectURI, "redirect_uri scheme must be http or https"}
	}
}
