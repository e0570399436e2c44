// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

const magicLinkPrefix = "magic-link-"

// magicLinkState is the JSON stored in the verification row.
type magicLinkState struct {
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	CallbackURL string `json:"callbackURL,omitempty"`
}

// handleSignInMagicLink issues a single-use sign-in link via email.
func (s *Service) handleSignInMagicLink(c *endpoint.Context) (any, error) {
	var body struct {
		Email       string `json:"email"`
		Name        string `json:"name,omitempty"`
		CallbackURL string `json:"callbackURL,omitempty"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	if !validEmail(body.Email) {
		return nil, apierror.BadRequest(apierror.CodeInvalidEmail)
	}
	body.Email = normalizeEmail(body.Email)
	if s.cfg.SendMagicLink == nil {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "magic link delivery is not configured")
	}

	ctx := c.Context()
	if s.cfg.MagicLink.DisableSignUp {
		user, err := s.findUserByEmail(ctx, body.Email)
		if err != nil {
			return nil, apierror.Internal("failed to look up user", err)
		}
		if user == nil {
			return nil, apierror.BadRequest(apierror.CodeUserNotFound)
		}
	}

	token, err := crypto.GenerateToken(32)
	if err != nil {
		return nil, apierror.Internal("failed to generate magic link token", err)
	}
	state, err := json.Marshal(magicLinkState{
		Email: body.Email, Name: body.Name, CallbackURL: body.CallbackURL,
	})
	if err != nil {
		return nil, apierror.Internal("failed to encode magic link state", err)
	}
	if err := s.createVerificationRow(ctx, magicLinkPrefix+token, string(state), s.cfg.MagicLink.ExpiresIn); err != nil {
		return nil, apierror.Internal("failed to store magic link", err)
	}

	linkURL := c.URL("/magic-link/verify") + "?token=" + url.QueryEscape(token)
	if body.CallbackURL != "" {
		linkURL += "&callbackURL=" + url.QueryEscape(body.CallbackURL)
	}
	email := body.Email
	if err := s.deliver(ctx, "magic link email", func(ctx context.Context) error {
		return s.cfg.SendMagicLink(ctx, email, linkURL, token)
	}); err != nil {
		return nil, apierror.Internal("failed to send magic link", err)
	}
	return map[string]any{"status": true}, nil
}

// handleVerifyMagicLink consumes the link, creating the user on first use
// unless sign-up is disabled. Failures redirect to the callback with
// ?error=<code> when one was supplied.
func (s *Service) handleVerifyMagicLink(c *endpoint.Context) (any, error) {
	token := c.Query("token")
	callbackURL := c.Query("callbackURL")
	if token == "" {
		return nil, s.verifyEmailError(c, callbackURL, apierror.Unauthorized(apierror.CodeInvalidToken))
	}

	ctx := c.Context()
	raw, ok, err := s.consumeVerificationRow(ctx, magicLinkPrefix+token)
	if err != nil {
		return nil, apierror.Internal("failed to consume magic link", err)
	}
	if !ok {
		return nil, s.verifyEmailError(c, callbackURL, apierror.Unauthorized(apierror.CodeTokenExpired))
	}

	var state magicLinkState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, s.verifyEmailError(c, callbackURL, apierror.Unauthorized(apierror.CodeInvalidToken))
	}
	if state.CallbackURL != "" {
		callbackURL = state.CallbackURL
	}

	user, err := s.findUserByEmail(ctx, state.Email)
	if err != nil {
		return nil, apierror.Internal("failed to look up user", err)
	}
	if user == nil {
		if s.cfg.DisableSignUp || s.cfg.MagicLink.DisableSignUp {
			return nil, s.verifyEmailError(c, callbackURL, apierror.BadRequest(apierror.CodeSignUpDisabled))
		}
		name := state.Name
		if name == "" {
			name = state.Email
		}
		now := s.now().UTC()
		user, err = s.rt.Adapter.Create(ctx, schema.ModelUser, db.Record{
			"email":         state.Email,
			"emailVerified": true, // the link proved mailbox ownership
			"name":          name,
			"createdAt":     now,
			"updatedAt":     now,
		})
		if err != nil {
			return nil, apierror.Internal("failed to create user", err)
		}
	} else if verified, _ := user["emailVerified"].(bool); !verified {
		user, err = s.rt.Adapter.Update(ctx, schema.ModelUser,
			[]db.Where{db.Eq("id", user["id"])},
			db.Record{"emailVerified": true, "updatedAt": s.now().UTC()})
		if err != nil {
			return nil, apierror.Internal("failed to mark email verified", err)
		}
	}

	u := session.UserFromRecord(user)
	sess, err := s.sessions.Create(ctx, u.ID, c.ClientIP(), c.Header("User-Agent"))
	if err != nil {
		return nil, apierror.Internal("failed to create session", err)
	}
	s.sessions.SetPending(c, sess, u, false)

	if callbackURL != "" {
		return nil, c.Redirect(callbackURL)
	}
	return map[string]any{"token": sess.Token, "user": u.PublicView()}, nil
}
