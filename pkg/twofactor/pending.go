// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package twofactor

import (
	"context"
	"time"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/cookies"
	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/logger"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

// createVerificationRow stores a row, replacing any previous one for the
// identifier.
func (s *Service) createVerificationRow(ctx context.Context, identifier, value string, expiresIn time.Duration) error {
	now := s.now().UTC()
	if _, err := s.rt.Adapter.DeleteMany(ctx, schema.ModelVerification,
		[]db.Where{db.Eq("identifier", identifier)}); err != nil {
		return err
	}
	_, err := s.rt.Adapter.Create(ctx, schema.ModelVerification, db.Record{
		"identifier": identifier,
		"value":      value,
		"expiresAt":  now.Add(expiresIn),
		"createdAt":  now,
		"updatedAt":  now,
	})
	return err
}

// peekVerificationRow reads an unexpired row without consuming it.
func (s *Service) peekVerificationRow(ctx context.Context, identifier string) (db.Record, error) {
	row, err := s.rt.Adapter.FindOne(ctx, schema.ModelVerification, []db.Where{db.Eq("identifier", identifier)})
	if err != nil || row == nil {
		return nil, err
	}
	if expires, ok := row["expiresAt"].(time.Time); ok && !expires.After(s.now()) {
		return nil, nil
	}
	return row, nil
}

// deleteVerificationRow removes a row by identifier.
func (s *Service) deleteVerificationRow(ctx context.Context, identifier string) error {
	_, err := s.rt.Adapter.DeleteMany(ctx, schema.ModelVerification,
		[]db.Where{db.Eq("identifier", identifier)})
	return err
}

// createPending parks a gated sign-in: a verification row holding the target
// user and a signed two_factor cookie carrying the row's identifier.
func (s *Service) createPending(c *endpoint.Context, userID string) (string, error) {
	id, err := crypto.GenerateToken(32)
	if err != nil {
		return "", err
	}
	if err := s.createVerificationRow(c.Context(), pendingPrefix+id, userID, s.cfg.PendingMaxAge); err != nil {
		return "", err
	}
	c.SetSignedCookie(cookies.NameTwoFactor, id, int(s.cfg.PendingMaxAge.Seconds()))
	return id, nil
}

// pendingBody is the shared request shape of the verification endpoints.
type pendingBody struct {
	Code string `json:"code"`
	// VerificationToken substitutes for the two_factor cookie on
	// cookie-less clients.
	VerificationToken string `json:"verificationToken,omitempty"`
	TrustDevice       bool   `json:"trustDevice,omitempty"`
}

// resolvePending maps the two_factor cookie (or the body's token) back to the
// user waiting on their second factor.
func (s *Service) resolvePending(c *endpoint.Context, bodyToken string) (*session.User, string, error) {
	id, ok := c.SignedCookie(cookies.NameTwoFactor)
	if !ok {
		id = bodyToken
	}
	if id == "" {
		return nil, "", apierror.Unauthorized(apierror.CodeInvalidTwoFactorCookie)
	}
	row, err := s.peekVerificationRow(c.Context(), pendingPrefix+id)
	if err != nil {
		return nil, "", apierror.Internal("failed to look up pending sign-in", err)
	}
	if row == nil {
		return nil, "", apierror.Unauthorized(apierror.CodeInvalidTwoFactorCookie)
	}
	userID, _ := row["value"].(string)
	user, err := s.sessions.GetUser(c.Context(), userID)
	if err != nil {
		return nil, "", apierror.Internal("failed to load user", err)
	}
	if user == nil {
		return nil, "", apierror.Unauthorized(apierror.CodeInvalidTwoFactorCookie)
	}
	return user, id, nil
}

// completeSignIn finishes a verified second factor: the pending row is
// consumed, a real session is issued, the two_factor cookie is cleared, and a
// trust-device cookie is set when requested.
func (s *Service) completeSignIn(c *endpoint.Context, u *session.User, pendingID string, trustDevice bool) (any, error) {
	ctx := c.Context()
	if err := s.deleteVerificationRow(ctx, pendingPrefix+pendingID); err != nil {
		return nil, apierror.Internal("failed to consume pending sign-in", err)
	}
	if err := s.deleteVerificationRow(ctx, otpPrefix+pendingID); err != nil {
		logger.Debugf("failed to drop pending otp: %v", err)
	}

	sess, err := s.sessions.Create(ctx, u.ID, c.ClientIP(), c.Header("User-Agent"))
	if err != nil {
		return nil, apierror.Internal("failed to create session", err)
	}
	s.sessions.SetPending(c, sess, u, false)
	c.ClearCookie(cookies.NameTwoFactor)

	if trustDevice {
		if err := s.issueTrustDevice(c, u.ID); err != nil {
			logger.Errorf("failed to issue trust-device cookie: %v", err)
		}
	}
	return map[string]any{"token": sess.Token, "user": u.PublicView()}, nil
}
