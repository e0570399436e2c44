// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"net/url"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

type signUpBody struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	Image        string `json:"image,omitempty"`
	CallbackURL  string `json:"callbackURL,omitempty"`
	RememberMe   *bool  `json:"rememberMe,omitempty"`
}

// handleSignUpEmail registers a user with email and password.
func (s *Service) handleSignUpEmail(c *endpoint.Context) (any, error) {
	if s.cfg.DisableSignUp {
		return nil, apierror.Forbidden(apierror.CodeSignUpDisabled)
	}

	var body signUpBody
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	if !validEmail(body.Email) {
		return nil, apierror.BadRequest(apierror.CodeInvalidEmail)
	}
	body.Email = normalizeEmail(body.Email)
	if body.Name == "" {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "name is required")
	}
	if err := s.checkPasswordBounds(body.Password); err != nil {
		return nil, err
	}

	ctx := c.Context()
	if existing, err := s.findUserByEmail(ctx, body.Email); err != nil {
		return nil, apierror.Internal("failed to look up user", err)
	} else if existing != nil {
		return nil, apierror.Unprocessable(apierror.CodeUserAlreadyExists)
	}

	hash, err := s.cfg.Hasher.Hash(body.Password)
	if err != nil {
		return nil, apierror.Internal("failed to hash password", err)
	}

	now := s.now().UTC()
	var user db.Record
	err = s.rt.Adapter.Transaction(ctx, func(tx db.Adapter) error {
		var txErr error
		user, txErr = tx.Create(ctx, schema.ModelUser, db.Record{
			"email":         body.Email,
			"emailVerified": false,
			"name":          body.Name,
			"image":         body.Image,
			"createdAt":     now,
			"updatedAt":     now,
		})
		if txErr != nil {
			return txErr
		}
		_, txErr = tx.Create(ctx, schema.ModelAccount, db.Record{
			"userId":     user["id"],
			"providerId": ProviderIDCredential,
			"accountId":  user["id"],
			"password":   hash,
			"createdAt":  now,
			"updatedAt":  now,
		})
		return txErr
	})
	if err != nil {
		return nil, apierror.Internal("failed to create user", err)
	}

	if s.cfg.SendVerificationEmail != nil {
		if err := s.sendVerificationEmail(c, body.Email, "", body.CallbackURL); err != nil {
			return nil, apierror.Internal("failed to send verification email", err)
		}
	}

	u := session.UserFromRecord(user)
	if s.cfg.RequireEmailVerification || !*s.cfg.AutoSignIn {
		return map[string]any{"token": nil, "user": u.PublicView()}, nil
	}

	sess, err := s.sessions.Create(ctx, u.ID, c.ClientIP(), c.Header("User-Agent"))
	if err != nil {
		return nil, apierror.Internal("failed to create session", err)
	}
	dontRemember := body.RememberMe != nil && !*body.RememberMe
	s.sessions.SetPending(c, sess, u, dontRemember)
	return map[string]any{"token": sess.Token, "user": u.PublicView()}, nil
}

type signInBody struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	CallbackURL string `json:"callbackURL,omitempty"`
	RememberMe  *bool  `json:"rememberMe,omitempty"`
}

// handleSignInEmail authenticates with email and password. Unknown emails
// still run a hash verification so response timing does not reveal whether
// the account exists.
func (s *Service) handleSignInEmail(c *endpoint.Context) (any, error) {
	var body signInBody
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	if !validEmail(body.Email) {
		return nil, apierror.BadRequest(apierror.CodeInvalidEmail)
	}
	body.Email = normalizeEmail(body.Email)

	ctx := c.Context()
	user, err := s.findUserByEmail(ctx, body.Email)
	if err != nil {
		return nil, apierror.Internal("failed to look up user", err)
	}
	if user == nil {
		if s.timingDummy != "" {
			_, _ = s.cfg.Hasher.Verify(body.Password, s.timingDummy)
		}
		return nil, apierror.Unauthorized(apierror.CodeInvalidEmailOrPassword)
	}

	userID, _ := user["id"].(string)
	account, err := s.credentialAccount(ctx, userID)
	if err != nil {
		return nil, apierror.Internal("failed to look up account", err)
	}
	if account == nil {
		if s.timingDummy != "" {
			_, _ = s.cfg.Hasher.Verify(body.Password, s.timingDummy)
		}
		return nil, apierror.Unauthorized(apierror.CodeCredentialAccountNotFound)
	}

	hash, _ := account["password"].(string)
	ok, err := s.cfg.Hasher.Verify(body.Password, hash)
	if err != nil || !ok {
		return nil, apierror.Unauthorized(apierror.CodeInvalidEmailOrPassword)
	}

	if s.cfg.RequireEmailVerification {
		if verified, _ := user["emailVerified"].(bool); !verified {
			if s.cfg.SendVerificationEmail != nil {
				if err := s.sendVerificationEmail(c, body.Email, "", body.CallbackURL); err != nil {
					return nil, apierror.Internal("failed to send verification email", err)
				}
			}
			return nil, apierror.Forbidden(apierror.CodeEmailNotVerified)
		}
	}

	u := session.UserFromRecord(user)
	sess, err := s.sessions.Create(ctx, u.ID, c.ClientIP(), c.Header("User-Agent"))
	if err != nil {
		return nil, apierror.Internal("failed to create session", err)
	}
	dontRemember := body.RememberMe != nil && !*body.RememberMe
	s.sessions.SetPending(c, sess, u, dontRemember)
	return map[string]any{"token": sess.Token, "user": u.PublicView()}, nil
}

// sendVerificationEmail issues a verification token and invokes the delivery
// callback. updateTo carries the new address for email-change verification.
func (s *Service) sendVerificationEmail(c *endpoint.Context, email, updateTo, callbackURL string) error {
	token, err := signVerificationToken(s.rt.Secret, email, updateTo, s.cfg.TokenExpiresIn)
	if err != nil {
		return err
	}
	verifyURL := c.URL("/verify-email") + "?token=" + url.QueryEscape(token)
	if callbackURL != "" {
		verifyURL += "&callbackURL=" + url.QueryEscape(callbackURL)
	}
	return s.deliver(c.Context(), "verification email", func(ctx context.Context) error {
		return s.cfg.SendVerificationEmail(ctx, email, verifyURL, token)
	})
}

// handleSendVerificationEmail re-issues the verification email on demand.
func (s *Service) handleSendVerificationEmail(c *endpoint.Context) (any, error) {
	var body struct {
		Email       string `json:"email"`
		CallbackURL string `json:"callbackURL,omitempty"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	if !validEmail(body.Email) {
		return nil, apierror.BadRequest(apierror.CodeInvalidEmail)
	}
	body.Email = normalizeEmail(body.Email)
	if s.cfg.SendVerificationEmail == nil {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "verification email delivery is not configured")
	}

	user, err := s.findUserByEmail(c.Context(), body.Email)
	if err != nil {
		return nil, apierror.Internal("failed to look up user", err)
	}
	if user == nil {
		// Do not reveal whether the address is registered.
		return map[string]any{"status": true}, nil
	}
	if err := s.sendVerificationEmail(c, body.Email, "", body.CallbackURL); err != nil {
		return nil, apierror.Internal("failed to send verification email", err)
	}
	return map[string]any{"status": true}, nil
}

// handleVerifyEmail consumes a verification token. Plain tokens mark the
// email verified (idempotently); tokens carrying updateTo switch the
// signed-in user's email to the new address and mark it unverified again.
// With a callbackURL query the endpoint redirects instead of returning JSON,
// appending ?error=<code> on failure.
func (s *Service) handleVerifyEmail(c *endpoint.Context) (any, error) {
	raw := c.Query("token")
	callbackURL := c.Query("callbackURL")
	if raw == "" {
		return nil, s.verifyEmailError(c, callbackURL, apierror.Unauthorized(apierror.CodeInvalidToken))
	}

	claims, err := parseVerificationToken(s.rt.Secret, raw)
	if err != nil {
		return nil, s.verifyEmailError(c, callbackURL, err)
	}
	claims.Email = normalizeEmail(claims.Email)
	claims.UpdateTo = normalizeEmail(claims.UpdateTo)

	ctx := c.Context()
	user, err := s.findUserByEmail(ctx, claims.Email)
	if err != nil {
		return nil, apierror.Internal("failed to look up user", err)
	}
	if user == nil {
		return nil, s.verifyEmailError(c, callbackURL, apierror.Unauthorized(apierror.CodeUserNotFound))
	}

	if claims.UpdateTo != "" {
		return s.applyEmailChange(c, user, claims, callbackURL)
	}

	if verified, _ := user["emailVerified"].(bool); !verified {
		if _, err := s.rt.Adapter.Update(ctx, schema.ModelUser,
			[]db.Where{db.Eq("id", user["id"])},
			db.Record{"emailVerified": true, "updatedAt": s.now().UTC()}); err != nil {
			return nil, apierror.Internal("failed to mark email verified", err)
		}
		session.MarkDirty(c)
	}

	if callbackURL != "" {
		return nil, c.Redirect(callbackURL)
	}
	return map[string]any{"status": true}, nil
}

// applyEmailChange completes an email-change verification: the token must
// match the current email, and the new address starts unverified. A signed-in
// caller must be the token's user, so one user's link cannot be applied from
// another user's session.
func (s *Service) applyEmailChange(c *endpoint.Context, user db.Record, claims *verificationClaims, callbackURL string) (any, error) {
	ctx := c.Context()
	if _, su, ok := session.FromContext(c); ok {
		if userID, _ := user["id"].(string); su.ID != userID {
			return nil, s.verifyEmailError(c, callbackURL, apierror.Unauthorized(apierror.CodeInvalidToken))
		}
	}
	if taken, err := s.findUserByEmail(ctx, claims.UpdateTo); err != nil {
		return nil, apierror.Internal("failed to look up user", err)
	} else if taken != nil {
		return nil, s.verifyEmailError(c, callbackURL, apierror.Unprocessable(apierror.CodeUserAlreadyExists))
	}

	if _, err := s.rt.Adapter.Update(ctx, schema.ModelUser,
		[]db.Where{db.Eq("id", user["id"])},
		db.Record{"email": claims.UpdateTo, "emailVerified": false, "updatedAt": s.now().UTC()}); err != nil {
		return nil, apierror.Internal("failed to update email", err)
	}
	session.MarkDirty(c)

	// The new address needs its own verification round.
	if s.cfg.SendVerificationEmail != nil {
		if err := s.sendVerificationEmail(c, claims.UpdateTo, "", callbackURL); err != nil {
			return nil, apierror.Internal("failed to send verification email", err)
		}
	}

	if callbackURL != "" {
		return nil, c.Redirect(callbackURL)
	}
	return map[string]any{"status": true}, nil
}

// verifyEmailError converts a failure into a redirect with ?error=<code> when
// the caller supplied a callbackURL, matching the redirect-style error policy.
func (s *Service) verifyEmailError(c *endpoint.Context, callbackURL string, err error) error {
	if callbackURL == "" {
		return err
	}
	code := apierror.CodeInvalidToken
	if apiErr := apierror.As(err); apiErr != nil {
		code = apiErr.Code
	}
	u, parseErr := url.Parse(callbackURL)
	if parseErr != nil {
		return err
	}
	q := u.Query()
	q.Set("error", codeQueryValue(code))
	u.RawQuery = q.Encode()
	return c.Redirect(u.String())
}

// codeQueryValue lowers a registry code for use in redirect queries
// (?error=token_expired).
func codeQueryValue(code string) string {
	out := make([]byte, len(code))
	for i := 0; i < len(code); i++ {
		ch := code[i]
		if ch >= 'A' && ch <= 'Z' {
			ch += 'a' - 'A'
		}
		out[i] = ch
	}
	return string(out)
}

func (s *Service) checkPasswordBounds(password string) error {
	if len(password) < s.cfg.MinPasswordLength {
		return apierror.BadRequest(apierror.CodePasswordTooShort)
	}
	if len(password) > s.cfg.MaxPasswordLength {
		return apierror.BadRequest(apierror.CodePasswordTooLong)
	}
	return nil
}
