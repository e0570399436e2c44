// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package credentials implements email+password authentication, email
// verification and reset tokens, magic links, and phone OTP sign-in.
package credentials

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/logger"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

// ProviderIDCredential marks the account row holding the password hash.
const ProviderIDCredential = "credential"

// EmailFunc delivers a message carrying a verification URL and its raw token.
type EmailFunc func(ctx context.Context, email, url, token string) error

// SMSFunc delivers an OTP code to a phone number.
type SMSFunc func(ctx context.Context, phoneNumber, code string) error

// Config tunes the credentials subsystem.
type Config struct {
	// MinPasswordLength defaults to 8, MaxPasswordLength to 128.
	MinPasswordLength int
	MaxPasswordLength int

	// RequireEmailVerification blocks sign-in until the email is verified.
	RequireEmailVerification bool

	// AutoSignIn creates a session on sign-up when verification is not
	// required. Defaults to true.
	AutoSignIn *bool

	// DisableSignUp rejects new registrations.
	DisableSignUp bool

	// TokenExpiresIn bounds verification tokens. Default 1 hour.
	TokenExpiresIn time.Duration

	// Hasher defaults to Argon2id.
	Hasher crypto.PasswordHasher

	// Delivery callbacks. Nil callbacks disable the corresponding feature.
	SendVerificationEmail EmailFunc
	SendResetPassword     EmailFunc
	SendMagicLink         EmailFunc
	SendPhoneOTP          SMSFunc

	// SendAsync delivers emails/SMS in the background with retries instead
	// of blocking the request.
	SendAsync bool

	// CascadeTwoFactor extends the delete-user cascade to the twoFactor
	// table. Set by the composition layer when that table is part of the
	// schema; deleting from an absent table would fail on SQL backends.
	CascadeTwoFactor bool

	// MagicLink tunes magic-link sign-in.
	MagicLink MagicLinkConfig

	// PhoneOTP tunes phone OTP sign-in.
	PhoneOTP PhoneOTPConfig
}

// MagicLinkConfig tunes magic-link issuance.
type MagicLinkConfig struct {
	Enabled bool
	// ExpiresIn defaults to 5 minutes.
	ExpiresIn time.Duration
	// DisableSignUp rejects magic links for unknown emails.
	DisableSignUp bool
}

// PhoneOTPConfig tunes phone OTP sign-in.
type PhoneOTPConfig struct {
	Enabled bool
	// CodeLength defaults to 6 digits.
	CodeLength int
	// ExpiresIn defaults to 5 minutes.
	ExpiresIn time.Duration
	// AllowedAttempts defaults to 3; exceeding it requires a fresh send.
	AllowedAttempts int
}

func (c *Config) applyDefaults() {
	if c.MinPasswordLength <= 0 {
		c.MinPasswordLength = 8
	}
	if c.MaxPasswordLength <= 0 {
		c.MaxPasswordLength = 128
	}
	if c.TokenExpiresIn <= 0 {
		c.TokenExpiresIn = time.Hour
	}
	if c.Hasher == nil {
		c.Hasher = crypto.Argon2idHasher{}
	}
	if c.AutoSignIn == nil {
		t := true
		c.AutoSignIn = &t
	}
	if c.MagicLink.ExpiresIn <= 0 {
		c.MagicLink.ExpiresIn = 5 * time.Minute
	}
	if c.PhoneOTP.CodeLength <= 0 {
		c.PhoneOTP.CodeLength = 6
	}
	if c.PhoneOTP.ExpiresIn <= 0 {
		c.PhoneOTP.ExpiresIn = 5 * time.Minute
	}
	if c.PhoneOTP.AllowedAttempts <= 0 {
		c.PhoneOTP.AllowedAttempts = 3
	}
}

// Service implements the credentials endpoints.
type Service struct {
	rt       *endpoint.Runtime
	sessions *session.Manager
	cfg      Config
	now      func() time.Time

	// timingDummy is a prehashed password used to equalize response timing
	// when the email is unknown.
	timingDummy string
}

// NewService creates the credentials service.
func NewService(rt *endpoint.Runtime, sessions *session.Manager, cfg Config) *Service {
	cfg.applyDefaults()
	dummy, err := cfg.Hasher.Hash("better-auth-timing-dummy")
	if err != nil {
		dummy = ""
	}
	return &Service{rt: rt, sessions: sessions, cfg: cfg, now: time.Now, timingDummy: dummy}
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// normalizeEmail lower-cases an address so storage and lookups agree on one
// canonical form; user.email is unique in that form.
func normalizeEmail(email string) string {
	return strings.ToLower(email)
}

// deliver runs a send callback, in the background with exponential backoff
// when SendAsync is set. Background failures are logged, never surfaced.
func (s *Service) deliver(ctx context.Context, what string, send func(ctx context.Context) error) error {
	if !s.cfg.SendAsync {
		return send(ctx)
	}
	go func() {
		// The request context dies with the response; detach.
		bg := context.WithoutCancel(ctx)
		_, err := backoff.Retry(bg, func() (struct{}, error) {
			return struct{}{}, send(bg)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
		if err != nil {
			logger.Errorf("failed to deliver %s: %v", what, err)
		}
	}()
	return nil
}

// findUserByEmail returns the user record or nil.
func (s *Service) findUserByEmail(ctx context.Context, email string) (db.Record, error) {
	user, err := s.rt.Adapter.FindOne(ctx, schema.ModelUser, []db.Where{db.Eq("email", normalizeEmail(email))})
	if err != nil {
		return nil, fmt.Errorf("finding user: %w", err)
	}
	return user, nil
}

// credentialAccount returns the user's password-bearing account row or nil.
func (s *Service) credentialAccount(ctx context.Context, userID string) (db.Record, error) {
	account, err := s.rt.Adapter.FindOne(ctx, schema.ModelAccount, []db.Where{
		db.Eq("userId", userID),
		db.Eq("providerId", ProviderIDCredential),
	})
	if err != nil {
		return nil, fmt.Errorf("finding credential account: %w", err)
	}
	return account, nil
}

// createVerificationRow stores a single-use verification value.
func (s *Service) createVerificationRow(ctx context.Context, identifier, value string, expiresIn time.Duration) error {
	now := s.now().UTC()
	// Replace any previous row for the identifier.
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

// consumeVerificationRow atomically reads and deletes an unexpired row,
// returning its value. Expired or absent rows return ("", false).
func (s *Service) consumeVerificationRow(ctx context.Context, identifier string) (string, bool, error) {
	var value string
	var found bool
	err := s.rt.Adapter.Transaction(ctx, func(tx db.Adapter) error {
		row, err := tx.FindOne(ctx, schema.ModelVerification, []db.Where{db.Eq("identifier", identifier)})
		if err != nil || row == nil {
			return err
		}
		if expires, ok := row["expiresAt"].(time.Time); ok && !expires.After(s.now()) {
			return tx.Delete(ctx, schema.ModelVerification, []db.Where{db.Eq("identifier", identifier)})
		}
		value, _ = row["value"].(string)
		found = true
		return tx.Delete(ctx, schema.ModelVerification, []db.Where{db.Eq("identifier", identifier)})
	})
	return value, found, err
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
