// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauthclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/stacklok/betterauth/pkg/logger"
)

// getUserInfo resolves the provider's view of the subject. ID-token claims
// are preferred; the userinfo endpoint fills fields the ID token is missing.
func (s *Service) getUserInfo(ctx context.Context, p *Provider, token *oauth2.Token) (*Profile, error) {
	claims := map[string]any{}

	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" && p.Issuer != "" {
		dp, err := s.oidcProvider(ctx, p)
		if err != nil {
			return nil, err
		}
		verifier := dp.Verifier(&oidc.Config{ClientID: p.ClientID})
		idToken, err := verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("verifying id_token: %w", err)
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("decoding id_token claims: %w", err)
		}
	}

	if needsUserInfo(claims) && p.UserInfoURL != "" {
		infoClaims, err := s.fetchUserInfo(ctx, p, token)
		if err != nil {
			// The ID token may already be sufficient.
			if len(claims) == 0 {
				return nil, err
			}
			logger.Debugw("userinfo fetch failed, using id_token claims only",
				"provider", p.ID, "error", err)
		}
		for k, v := range infoClaims {
			if _, present := claims[k]; !present {
				claims[k] = v
			}
		}
	}

	if p.MapProfile != nil {
		return p.MapProfile(claims)
	}
	return defaultProfile(claims)
}

// needsUserInfo reports whether the claim set is missing anything the default
// mapping wants.
func needsUserInfo(claims map[string]any) bool {
	for _, key := range []string{"sub", "email", "name"} {
		if _, ok := claims[key]; !ok {
			return true
		}
	}
	return false
}

// fetchUserInfo calls the provider's userinfo endpoint with the access token.
func (s *Service) fetchUserInfo(ctx context.Context, p *Provider, token *oauth2.Token) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	token.SetAuthHeader(req)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching userinfo: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading userinfo: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("userinfo is not valid JSON")
	}

	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("decoding userinfo: %w", err)
	}
	// Some providers ("id", "user_id") spell the subject differently.
	if _, ok := claims["sub"]; !ok {
		for _, alt := range []string{"id", "user_id"} {
			if v := gjson.GetBytes(body, alt); v.Exists() {
				claims["sub"] = v.String()
				break
			}
		}
	}
	return claims, nil
}

// defaultProfile maps the standard OIDC claim names.
func defaultProfile(claims map[string]any) (*Profile, error) {
	prof := &Profile{
		Subject: claimString(claims, "sub"),
		Email:   claimString(claims, "email"),
		Name:    claimString(claims, "name"),
		Image:   claimString(claims, "picture"),
	}
	if v, ok := claims["email_verified"].(bool); ok {
		prof.EmailVerified = v
	}
	if prof.Subject == "" {
		return nil, fmt.Errorf("provider returned no subject")
	}
	if prof.Name == "" {
		prof.Name = prof.Email
	}
	return prof, nil
}

func claimString(claims map[string]any, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}
