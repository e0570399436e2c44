// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"net/url"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

const resetPasswordPrefix = "reset-password-"

// handleForgetPassword issues a password-reset token. The response never
// reveals whether the email is registered.
func (s *Service) handleForgetPassword(c *endpoint.Context) (any, error) {
	var body struct {
		Email      string `json:"email"`
		RedirectTo string `json:"redirectTo,omitempty"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	if !validEmail(body.Email) {
		return nil, apierror.BadRequest(apierror.CodeInvalidEmail)
	}
	body.Email = normalizeEmail(body.Email)
	if s.cfg.SendResetPassword == nil {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "password reset delivery is not configured")
	}

	ctx := c.Context()
	user, err := s.findUserByEmail(ctx, body.Email)
	if err != nil {
		return nil, apierror.Internal("failed to look up user", err)
	}
	if user == nil {
		return map[string]any{"status": true}, nil
	}

	token, err := crypto.GenerateToken(32)
	if err != nil {
		return nil, apierror.Internal("failed to generate reset token", err)
	}
	userID, _ := user["id"].(string)
	if err := s.createVerificationRow(ctx, resetPasswordPrefix+token, userID, s.cfg.TokenExpiresIn); err != nil {
		return nil, apierror.Internal("failed to store reset token", err)
	}

	resetURL := c.URL("/reset-password") + "?token=" + url.QueryEscape(token)
	if body.RedirectTo != "" {
		resetURL += "&callbackURL=" + url.QueryEscape(body.RedirectTo)
	}
	email := body.Email
	if err := s.deliver(ctx, "password reset email", func(ctx context.Context) error {
		return s.cfg.SendResetPassword(ctx, email, resetURL, token)
	}); err != nil {
		return nil, apierror.Internal("failed to send reset email", err)
	}
	return map[string]any{"status": true}, nil
}

// handleResetPassword consumes a reset token and replaces the password. The
// token row is deleted atomically so a second reset with the same token fails.
func (s *Service) handleResetPassword(c *endpoint.Context) (any, error) {
	var body struct {
		NewPassword string `json:"newPassword"`
		Token       string `json:"token"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	if body.Token == "" {
		body.Token = c.Query("token")
	}
	if body.Token == "" {
		return nil, apierror.Unauthorized(apierror.CodeInvalidToken)
	}
	if err := s.checkPasswordBounds(body.NewPassword); err != nil {
		return nil, err
	}

	ctx := c.Context()
	userID, ok, err := s.consumeVerificationRow(ctx, resetPasswordPrefix+body.Token)
	if err != nil {
		return nil, apierror.Internal("failed to consume reset token", err)
	}
	if !ok {
		return nil, apierror.Unauthorized(apierror.CodeInvalidToken)
	}

	hash, err := s.cfg.Hasher.Hash(body.NewPassword)
	if err != nil {
		return nil, apierror.Internal("failed to hash password", err)
	}

	account, err := s.credentialAccount(ctx, userID)
	if err != nil {
		return nil, apierror.Internal("failed to look up account", err)
	}
	if account == nil {
		// The user signed up through OAuth only; resetting sets a password.
		now := s.now().UTC()
		if _, err := s.rt.Adapter.Create(ctx, schema.ModelAccount, db.Record{
			"userId":     userID,
			"providerId": ProviderIDCredential,
			"accountId":  userID,
			"password":   hash,
			"createdAt":  now,
			"updatedAt":  now,
		}); err != nil {
			return nil, apierror.Internal("failed to create credential account", err)
		}
	} else {
		if _, err := s.rt.Adapter.Update(ctx, schema.ModelAccount,
			[]db.Where{db.Eq("id", account["id"])},
			db.Record{"password": hash, "updatedAt": s.now().UTC()}); err != nil {
			return nil, apierror.Internal("failed to update password", err)
		}
	}

	// Old sessions no longer reflect the holder of the new password.
	if err := s.sessions.DeleteUserSessions(ctx, userID); err != nil {
		return nil, apierror.Internal("failed to revoke sessions", err)
	}
	return map[string]any{"status": true}, nil
}

// handleChangePassword replaces the password of a signed-in user after
// re-verifying the current one.
func (s *Service) handleChangePassword(c *endpoint.Context) (any, error) {
	var body struct {
		CurrentPassword    string `json:"currentPassword"`
		NewPassword        string `json:"newPassword"`
		RevokeOtherSessions bool  `json:"revokeOtherSessions,omitempty"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	if err := s.checkPasswordBounds(body.NewPassword); err != nil {
		return nil, err
	}

	sess, u, _ := session.FromContext(c)
	ctx := c.Context()
	account, err := s.credentialAccount(ctx, u.ID)
	if err != nil {
		return nil, apierror.Internal("failed to look up account", err)
	}
	if account == nil {
		return nil, apierror.BadRequest(apierror.CodeCredentialAccountNotFound)
	}

	hash, _ := account["password"].(string)
	ok, err := s.cfg.Hasher.Verify(body.CurrentPassword, hash)
	if err != nil || !ok {
		return nil, apierror.BadRequest(apierror.CodeInvalidPassword)
	}

	newHash, err := s.cfg.Hasher.Hash(body.NewPassword)
	if err != nil {
		return nil, apierror.Internal("failed to hash password", err)
	}
	if _, err := s.rt.Adapter.Update(ctx, schema.ModelAccount,
		[]db.Where{db.Eq("id", account["id"])},
		db.Record{"password": newHash, "updatedAt": s.now().UTC()}); err != nil {
		return nil, apierror.Internal("failed to update password", err)
	}

	if body.RevokeOtherSessions {
		sessions, err := s.sessions.List(ctx, u.ID)
		if err != nil {
			return nil, apierror.Internal("failed to list sessions", err)
		}
		for _, other := range sessions {
			if other.Token == sess.Token {
				continue
			}
			if err := s.sessions.Delete(ctx, other.Token); err != nil {
				return nil, apierror.Internal("failed to revoke session", err)
			}
		}
	}
	return map[string]any{"status": true}, nil
}

// handleSetPassword creates a credential account for OAuth-only users so they
// can also sign in with a password. Rejects when one already exists.
func (s *Service) handleSetPassword(c *endpoint.Context) (any, error) {
	var body struct {
		NewPassword string `json:"newPassword"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	if err := s.checkPasswordBounds(body.NewPassword); err != nil {
		return nil, err
	}

	_, u, _ := session.FromContext(c)
	ctx := c.Context()
	account, err := s.credentialAccount(ctx, u.ID)
	if err != nil {
		return nil, apierror.Internal("failed to look up account", err)
	}
	if account != nil {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "a password is already set; use change-password")
	}

	hash, err := s.cfg.Hasher.Hash(body.NewPassword)
	if err != nil {
		return nil, apierror.Internal("failed to hash password", err)
	}
	now := s.now().UTC()
	if _, err := s.rt.Adapter.Create(ctx, schema.ModelAccount, db.Record{
		"userId":     u.ID,
		"providerId": ProviderIDCredential,
		"accountId":  u.ID,
		"password":   hash,
		"createdAt":  now,
		"updatedAt":  now,
	}); err != nil {
		return nil, apierror.Internal("failed to create credential account", err)
	}
	return map[string]any{"status": true}, nil
}
