// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauthclient

import (
	"context"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/logger"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

// handleCallback completes the authorization round-trip: state verification,
// code exchange, userinfo, and account resolution. Failures redirect to the
// caller's error URL with ?error=<code> when one was supplied.
func (s *Service) handleCallback(c *endpoint.Context) (any, error) {
	state, err := s.parseState(c)
	if err != nil {
		// Without valid state there is no error URL to honor.
		return nil, err
	}
	errorURL := state.ErrorURL
	if errorURL == "" {
		errorURL = state.CallbackURL
	}

	providerID := c.Param("providerId")
	if providerID != state.Provider {
		return nil, s.redirectError(c, errorURL, apierror.Unauthorized(apierror.CodeInvalidState))
	}
	p := s.provider(providerID)
	if p == nil {
		return nil, s.redirectError(c, errorURL, apierror.NotFound(apierror.CodeProviderNotFound))
	}

	// Providers report user denial and their own failures in the query.
	if provErr := c.Query("error"); provErr != "" {
		logger.Debugw("provider returned an error", "provider", providerID, "error", provErr)
		return nil, s.redirectError(c, errorURL, apierror.New(apierror.KindUnauthorized, apierror.CodeInvalidToken, provErr))
	}
	code := c.Query("code")
	if code == "" {
		return nil, s.redirectError(c, errorURL, apierror.Unauthorized(apierror.CodeInvalidToken))
	}

	ctx := s.httpContext(c.Context())
	conf, err := s.oauth2Config(ctx, c, p)
	if err != nil {
		return nil, apierror.Internal("failed to resolve provider endpoints", err)
	}
	var opts []oauth2.AuthCodeOption
	if state.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(state.CodeVerifier))
	}
	token, err := conf.Exchange(ctx, code, opts...)
	if err != nil {
		logger.Debugw("code exchange failed", "provider", providerID, "error", err)
		return nil, s.redirectError(c, errorURL, apierror.Unauthorized(apierror.CodeInvalidToken))
	}

	profile, err := s.getUserInfo(ctx, p, token)
	if err != nil {
		logger.Debugw("userinfo failed", "provider", providerID, "error", err)
		return nil, s.redirectError(c, errorURL, apierror.Unauthorized(apierror.CodeInvalidToken))
	}

	return s.handleOAuthUserInfo(c, p, state, token, profile, errorURL)
}

// handleOAuthUserInfo resolves the provider subject to a local user: link
// flow for signed-in users, subject lookup, trusted-provider email matching,
// or first-login provisioning.
func (s *Service) handleOAuthUserInfo(
	c *endpoint.Context,
	p *Provider,
	state *stateData,
	token *oauth2.Token,
	profile *Profile,
	errorURL string,
) (any, error) {
	ctx := c.Context()

	if state.LinkUserID != "" {
		return s.linkAccount(c, p, state, token, profile, errorURL)
	}

	account, err := s.findAccount(ctx, p.ID, profile.Subject)
	if err != nil {
		return nil, apierror.Internal("failed to look up account", err)
	}

	var user db.Record
	isNewUser := false
	switch {
	case account != nil:
		userID, _ := account["userId"].(string)
		user, err = s.rt.Adapter.FindOne(ctx, schema.ModelUser, []db.Where{db.Eq("id", userID)})
		if err != nil {
			return nil, apierror.Internal("failed to look up user", err)
		}
		if user == nil {
			return nil, s.redirectError(c, errorURL, apierror.Unauthorized(apierror.CodeUserNotFound))
		}
		if err := s.updateAccountTokens(ctx, account, token); err != nil {
			return nil, apierror.Internal("failed to store tokens", err)
		}

	default:
		user, err = s.userByEmail(ctx, profile.Email)
		if err != nil {
			return nil, apierror.Internal("failed to look up user", err)
		}
		if user != nil {
			// The email exists under another provider. Only trusted
			// providers with a verified email may auto-link.
			if !s.providerTrusted(p.ID) || !profile.EmailVerified {
				return nil, s.redirectError(c, errorURL, apierror.Unauthorized(apierror.CodeAccountAlreadyLinked))
			}
		} else {
			if s.cfg.DisableSignUp || (p.DisableImplicitSignUp && !state.RequestSignUp) {
				return nil, s.redirectError(c, errorURL, apierror.Unauthorized(apierror.CodeSignUpDisabled))
			}
			user, err = s.createUserFromProfile(ctx, profile)
			if err != nil {
				return nil, apierror.Internal("failed to create user", err)
			}
			isNewUser = true
		}
		if _, err := s.createAccount(ctx, user, p.ID, profile.Subject, token); err != nil {
			return nil, apierror.Internal("failed to create account", err)
		}
	}

	u := session.UserFromRecord(user)
	sess, err := s.sessions.Create(ctx, u.ID, c.ClientIP(), c.Header("User-Agent"))
	if err != nil {
		return nil, apierror.Internal("failed to create session", err)
	}
	s.sessions.SetPending(c, sess, u, false)

	target := state.CallbackURL
	if isNewUser && state.NewUserURL != "" {
		target = state.NewUserURL
	}
	if target != "" {
		return nil, c.Redirect(target)
	}
	return map[string]any{"token": sess.Token, "user": u.PublicView()}, nil
}

// linkAccount attaches the provider subject to the already-signed-in user
// carried in the state.
func (s *Service) linkAccount(
	c *endpoint.Context,
	p *Provider,
	state *stateData,
	token *oauth2.Token,
	profile *Profile,
	errorURL string,
) (any, error) {
	ctx := c.Context()

	user, err := s.rt.Adapter.FindOne(ctx, schema.ModelUser, []db.Where{db.Eq("id", state.LinkUserID)})
	if err != nil {
		return nil, apierror.Internal("failed to look up user", err)
	}
	if user == nil {
		return nil, s.redirectError(c, errorURL, apierror.Unauthorized(apierror.CodeUserNotFound))
	}

	if !s.cfg.Linking.AllowDifferentEmails {
		email, _ := user["email"].(string)
		if !strings.EqualFold(email, profile.Email) {
			return nil, s.redirectError(c, errorURL, apierror.Unauthorized(apierror.CodeEmailMismatch))
		}
	}

	existing, err := s.findAccount(ctx, p.ID, profile.Subject)
	if err != nil {
		return nil, apierror.Internal("failed to look up account", err)
	}
	if existing != nil {
		if ownerID, _ := existing["userId"].(string); ownerID != state.LinkUserID {
			return nil, s.redirectError(c, errorURL, apierror.Unauthorized(apierror.CodeAccountAlreadyLinked))
		}
		if err := s.updateAccountTokens(ctx, existing, token); err != nil {
			return nil, apierror.Internal("failed to store tokens", err)
		}
	} else {
		if _, err := s.createAccount(ctx, user, p.ID, profile.Subject, token); err != nil {
			return nil, apierror.Internal("failed to create account", err)
		}
	}

	if state.CallbackURL != "" {
		return nil, c.Redirect(state.CallbackURL)
	}
	return map[string]any{"status": true}, nil
}

func (s *Service) findAccount(ctx context.Context, providerID, subject string) (db.Record, error) {
	return s.rt.Adapter.FindOne(ctx, schema.ModelAccount, []db.Where{
		db.Eq("providerId", providerID),
		db.Eq("accountId", subject),
	})
}

func (s *Service) userByEmail(ctx context.Context, email string) (db.Record, error) {
	if email == "" {
		return nil, nil
	}
	// Emails are stored lower-cased.
	return s.rt.Adapter.FindOne(ctx, schema.ModelUser, []db.Where{db.Eq("email", strings.ToLower(email))})
}

func (s *Service) providerTrusted(id string) bool {
	for _, trusted := range s.cfg.Linking.TrustedProviders {
		if trusted == id {
			return true
		}
	}
	return false
}

func (s *Service) createUserFromProfile(ctx context.Context, profile *Profile) (db.Record, error) {
	now := s.now().UTC()
	return s.rt.Adapter.Create(ctx, schema.ModelUser, db.Record{
		"email":         strings.ToLower(profile.Email),
		"emailVerified": profile.EmailVerified,
		"name":          profile.Name,
		"image":         profile.Image,
		"createdAt":     now,
		"updatedAt":     now,
	})
}

func (s *Service) createAccount(ctx context.Context, user db.Record, providerID, subject string, token *oauth2.Token) (db.Record, error) {
	now := s.now().UTC()
	record := db.Record{
		"userId":     user["id"],
		"providerId": providerID,
		"accountId":  subject,
		"createdAt":  now,
		"updatedAt":  now,
	}
	applyTokenFields(record, token)
	return s.rt.Adapter.Create(ctx, schema.ModelAccount, record)
}

// updateAccountTokens persists rotated provider tokens on an existing account
// row. A missing refresh token keeps the stored one.
func (s *Service) updateAccountTokens(ctx context.Context, account db.Record, token *oauth2.Token) error {
	update := db.Record{"updatedAt": s.now().UTC()}
	applyTokenFields(update, token)
	if token.RefreshToken == "" {
		delete(update, "refreshToken")
	}
	_, err := s.rt.Adapter.Update(ctx, schema.ModelAccount,
		[]db.Where{db.Eq("id", account["id"])}, update)
	return err
}

func applyTokenFields(record db.Record, token *oauth2.Token) {
	record["accessToken"] = token.AccessToken
	record["refreshToken"] = token.RefreshToken
	if idToken, ok := token.Extra("id_token").(string); ok {
		record["idToken"] = idToken
	}
	if !token.Expiry.IsZero() {
		record["accessTokenExpiresAt"] = token.Expiry.UTC()
	}
	if scope, ok := token.Extra("scope").(string); ok {
		record["scope"] = scope
	}
}

// redirectError converts a failure into a redirect with ?error=<code> when an
// error URL is available; otherwise the error surfaces as JSON.
func (s *Service) redirectError(c *endpoint.Context, errorURL string, err *apierror.Error) error {
	if errorURL == "" {
		return err
	}
	u, parseErr := url.Parse(errorURL)
	if parseErr != nil {
		return err
	}
	q := u.Query()
	q.Set("error", strings.ToLower(err.Code))
	u.RawQuery = q.Encode()
	return c.Redirect(u.String())
}
