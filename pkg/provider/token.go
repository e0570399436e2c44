// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/ory/fosite"
	foauth2 "github.com/ory/fosite/handler/oauth2"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/logger"
)

// handleToken serves the token endpoint: authorization_code (with PKCE and
// redirect_uri verification) and refresh_token grants. Fosite authenticates
// the client per its token_endpoint_auth_method and enforces single-use
// codes through the storage's invalidation flag.
func (s *Service) handleToken(c *endpoint.Context) (any, error) {
	ctx := c.Context()

	// The empty session is a deserialization template; the stored authorize
	// session replaces it when the code or refresh token is loaded.
	accessRequest, err := s.oauth2.NewAccessRequest(ctx, c.Request, &foauth2.JWTSession{})
	if err != nil {
		logger.Debugw("access request rejected", "error", err)
		s.oauth2.WriteAccessError(ctx, c.Writer, accessRequest, err)
		return endpoint.Handled, nil
	}

	response, err := s.oauth2.NewAccessResponse(ctx, accessRequest)
	if err != nil {
		logger.Debugw("failed to create access response", "error", err)
		s.oauth2.WriteAccessError(ctx, c.Writer, accessRequest, err)
		return endpoint.Handled, nil
	}

	if accessRequest.GetGrantedScopes().Has("openid") {
		idToken, err := s.mintIDToken(accessRequest)
		if err != nil {
			logger.Errorf("failed to mint ID token: %v", err)
			s.oauth2.WriteAccessError(ctx, c.Writer, accessRequest, fosite.ErrServerError)
			return endpoint.Handled, nil
		}
		response.SetExtra("id_token", idToken)
	}

	s.oauth2.WriteAccessResponse(ctx, c.Writer, accessRequest, response)

	// Opportunistic garbage collection of expired code/token rows.
	s.expiredRowCleanup(context.WithoutCancel(ctx))
	return endpoint.Handled, nil
}

// mintIDToken signs the OIDC ID token with the same ES256 key as access
// tokens. Claims come from the authorize-time session, filtered by the
// granted scopes.
func (s *Service) mintIDToken(requester fosite.AccessRequester) (string, error) {
	sess, ok := requester.GetSession().(*foauth2.JWTSession)
	if !ok || sess.JWTClaims == nil {
		return "", fosite.ErrServerError.WithHint("session is missing ID token claims")
	}

	now := s.now().UTC()
	claims := gojwt.MapClaims{
		"iss": s.issuer,
		"sub": sess.GetSubject(),
		"aud": requester.GetClient().GetID(),
		"iat": now.Unix(),
		"exp": now.Add(s.cfg.AccessTokenLifespan).Unix(),
	}
	extra := sess.JWTClaims.Extra
	if nonce, _ := extra["nonce"].(string); nonce != "" {
		claims["nonce"] = nonce
	}
	scopes := requester.GetGrantedScopes()
	if scopes.Has("email") {
		claims["email"] = extra["email"]
		claims["email_verified"] = extra["email_verified"]
	}
	if scopes.Has("profile") {
		claims["name"] = extra["name"]
		if picture, _ := extra["picture"].(string); picture != "" {
			claims["picture"] = picture
		}
	}

	token := gojwt.NewWithClaims(gojwt.SigningMethodES256, claims)
	token.Header["kid"] = s.key.KeyID
	return token.SignedString(s.key.Private)
}

// handleUserInfo answers the OIDC userinfo endpoint from the bearer token's
// stored session, honoring the granted scopes.
func (s *Service) handleUserInfo(c *endpoint.Context) (any, error) {
	ctx := c.Context()
	token := fosite.AccessTokenFromRequest(c.Request)
	if token == "" {
		return nil, apierror.Unauthorized(apierror.CodeInvalidToken)
	}
	_, requester, err := s.oauth2.IntrospectToken(ctx, token, fosite.AccessToken, &foauth2.JWTSession{})
	if err != nil {
		logger.Debugw("userinfo token rejected", "error", err)
		return nil, apierror.Unauthorized(apierror.CodeInvalidToken)
	}

	claims := map[string]any{"sub": requester.GetSession().GetSubject()}
	sess, ok := requester.GetSession().(*foauth2.JWTSession)
	if ok && sess.JWTClaims != nil {
		extra := sess.JWTClaims.Extra
		scopes := requester.GetGrantedScopes()
		if scopes.Has("email") {
			claims["email"] = extra["email"]
			claims["email_verified"] = extra["email_verified"]
		}
		if scopes.Has("profile") {
			claims["name"] = extra["name"]
			if picture, _ := extra["picture"].(string); picture != "" {
				claims["picture"] = picture
			}
		}
	}
	return claims, nil
}

// handleIntrospect serves RFC 7662 token introspection. Fosite authenticates
// the caller and writes {active:false} for unknown or expired tokens.
func (s *Service) handleIntrospect(c *endpoint.Context) (any, error) {
	ctx := c.Context()
	ir, err := s.oauth2.NewIntrospectionRequest(ctx, c.Request, &foauth2.JWTSession{})
	if err != nil {
		logger.Debugw("introspection request rejected", "error", err)
		s.oauth2.WriteIntrospectionError(ctx, c.Writer, err)
		return endpoint.Handled, nil
	}
	s.oauth2.WriteIntrospectionResponse(ctx, c.Writer, ir)
	return endpoint.Handled, nil
}

// handleRevoke serves RFC 7009 token revocation.
func (s *Service) handleRevoke(c *endpoint.Context) (any, error) {
	ctx := c.Context()
	err := s.oauth2.NewRevocationRequest(ctx, c.Request)
	s.oauth2.WriteRevocationResponse(ctx, c.Writer, err)
	return endpoint.Handled, nil
}
