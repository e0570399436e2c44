// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauthclient

import (
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

// handleRefreshToken refreshes the provider access token of one of the
// signed-in user's linked accounts and persists the rotated tokens.
func (s *Service) handleRefreshToken(c *endpoint.Context) (any, error) {
	var body struct {
		ProviderID string `json:"providerId"`
		AccountID  string `json:"accountId,omitempty"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	p := s.provider(body.ProviderID)
	if p == nil {
		return nil, apierror.NotFound(apierror.CodeProviderNotFound)
	}

	_, u, _ := session.FromContext(c)
	ctx := c.Context()
	where := []db.Where{
		db.Eq("userId", u.ID),
		db.Eq("providerId", body.ProviderID),
	}
	if body.AccountID != "" {
		where = append(where, db.Eq("accountId", body.AccountID))
	}
	account, err := s.rt.Adapter.FindOne(ctx, schema.ModelAccount, where)
	if err != nil {
		return nil, apierror.Internal("failed to look up account", err)
	}
	if account == nil {
		return nil, apierror.NotFound(apierror.CodeAccountNotFound)
	}
	refreshToken, _ := account["refreshToken"].(string)
	if refreshToken == "" {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeInvalidToken, "account has no refresh token")
	}

	httpCtx := s.httpContext(ctx)
	conf, err := s.oauth2Config(httpCtx, c, p)
	if err != nil {
		return nil, apierror.Internal("failed to resolve provider endpoints", err)
	}
	// A stale Expiry forces TokenSource to refresh immediately.
	src := conf.TokenSource(httpCtx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	token, err := src.Token()
	if err != nil {
		return nil, apierror.New(apierror.KindUnauthorized, apierror.CodeInvalidToken, "token refresh was rejected by the provider")
	}

	if err := s.updateAccountTokens(ctx, account, token); err != nil {
		return nil, apierror.Internal("failed to store tokens", err)
	}

	out := map[string]any{
		"accessToken": token.AccessToken,
		"tokenType":   token.TokenType,
	}
	if !token.Expiry.IsZero() {
		out["accessTokenExpiresAt"] = token.Expiry.UTC()
	}
	return out, nil
}
