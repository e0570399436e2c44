// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauthclient

import (
	"golang.org/x/oauth2"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/session"
)

type signInSocialBody struct {
	Provider           string `json:"provider"`
	CallbackURL        string `json:"callbackURL,omitempty"`
	ErrorCallbackURL   string `json:"errorCallbackURL,omitempty"`
	NewUserCallbackURL string `json:"newUserCallbackURL,omitempty"`
	RequestSignUp      bool   `json:"requestSignUp,omitempty"`
	Scopes             []string `json:"scopes,omitempty"`
}

// handleSignInSocial starts the authorization round-trip and returns the
// provider URL for the client to navigate to.
func (s *Service) handleSignInSocial(c *endpoint.Context) (any, error) {
	var body signInSocialBody
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	return s.startAuthorization(c, body, "")
}

// handleLinkSocial starts the same round-trip for a signed-in user; the
// resulting account attaches to them instead of signing anyone in.
func (s *Service) handleLinkSocial(c *endpoint.Context) (any, error) {
	var body signInSocialBody
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	_, u, ok := session.FromContext(c)
	if !ok {
		return nil, apierror.Unauthorized(apierror.CodeSessionNotFound)
	}
	return s.startAuthorization(c, body, u.ID)
}

func (s *Service) startAuthorization(c *endpoint.Context, body signInSocialBody, linkUserID string) (any, error) {
	p := s.provider(body.Provider)
	if p == nil {
		return nil, apierror.NotFound(apierror.CodeProviderNotFound)
	}

	ctx := s.httpContext(c.Context())
	conf, err := s.oauth2Config(ctx, c, p)
	if err != nil {
		return nil, apierror.Internal("failed to resolve provider endpoints", err)
	}
	if len(body.Scopes) > 0 {
		conf.Scopes = mergeScopes(conf.Scopes, body.Scopes)
	}

	data := stateData{
		Provider:      p.ID,
		CallbackURL:   body.CallbackURL,
		ErrorURL:      body.ErrorCallbackURL,
		NewUserURL:    body.NewUserCallbackURL,
		RequestSignUp: body.RequestSignUp,
		LinkUserID:    linkUserID,
	}

	var opts []oauth2.AuthCodeOption
	if p.UsePKCE {
		verifier := oauth2.GenerateVerifier()
		data.CodeVerifier = verifier
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	if p.Prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", p.Prompt))
	}
	if p.AccessType != "" {
		opts = append(opts, oauth2.SetAuthURLParam("access_type", p.AccessType))
	}
	for k, v := range p.AuthorizationParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	state, err := s.generateState(c, data)
	if err != nil {
		return nil, apierror.Internal("failed to generate state", err)
	}
	return map[string]any{
		"url":      conf.AuthCodeURL(state, opts...),
		"redirect": true,
	}, nil
}

// mergeScopes unions the provider defaults with caller-supplied scopes,
// preserving order and dropping duplicates.
func mergeScopes(defaults, extra []string) []string {
	seen := make(map[string]bool, len(defaults)+len(extra))
	out := make([]string, 0, len(defaults)+len(extra))
	for _, set := range [][]string{defaults, extra} {
		for _, scope := range set {
			if !seen[scope] {
				seen[scope] = true
				out = append(out, scope)
			}
		}
	}
	return out
}
