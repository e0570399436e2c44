// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package twofactor implements the two-factor authentication engine: TOTP
// enrollment with encrypted secret storage, OTP delivery with attempt
// counters, single-use backup codes, trust-device cookies, and the post
// sign-in gate that withholds sessions until the second factor verifies.
package twofactor

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/credentials"
	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

// Verification-row identifier prefixes.
const (
	pendingPrefix     = "two-factor-"
	otpPrefix         = "two-factor-otp-"
	trustDevicePrefix = "trust-device-"
)

// Backup-code storage strategies.
const (
	BackupCodesPlain     = "plain"
	BackupCodesEncrypted = "encrypted"
)

// SendOTPFunc delivers a one-time code to the user out of band.
type SendOTPFunc func(ctx context.Context, user *session.User, code string) error

// Config tunes the two-factor engine.
type Config struct {
	// Issuer names the service in otpauth:// URIs. Default "Better Auth".
	Issuer string

	// Period is the TOTP step. Default 30 seconds.
	Period time.Duration

	// Skew is the number of periods of clock drift accepted either side of
	// now. Default 1.
	Skew uint

	// PendingMaxAge bounds how long a sign-in may stay parked on the second
	// factor. Default 3 periods.
	PendingMaxAge time.Duration

	// BackupCodeCount is the number of codes issued. Default 10.
	BackupCodeCount int

	// BackupCodeStorage is plain or encrypted. Default encrypted. Encrypt
	// and Decrypt override both for caller-managed storage.
	BackupCodeStorage string
	Encrypt           func(codes string) (string, error)
	Decrypt           func(stored string) (string, error)

	// SendOTP enables the send-otp/verify-otp endpoints.
	SendOTP SendOTPFunc

	// OTPLength defaults to 6 digits, OTPExpiresIn to 5 minutes,
	// OTPAllowedAttempts to 5.
	OTPLength          int
	OTPExpiresIn       time.Duration
	OTPAllowedAttempts int

	// TrustDeviceMaxAge bounds trust-device cookies. Default 60 days.
	TrustDeviceMaxAge time.Duration

	// Hasher re-verifies passwords on enable/disable. Defaults to Argon2id.
	Hasher crypto.PasswordHasher
}

func (c *Config) applyDefaults() {
	if c.Issuer == "" {
		c.Issuer = "Better Auth"
	}
	if c.Period <= 0 {
		c.Period = 30 * time.Second
	}
	if c.Skew == 0 {
		c.Skew = 1
	}
	if c.PendingMaxAge <= 0 {
		c.PendingMaxAge = 3 * c.Period
	}
	if c.BackupCodeCount <= 0 {
		c.BackupCodeCount = 10
	}
	if c.BackupCodeStorage == "" {
		c.BackupCodeStorage = BackupCodesEncrypted
	}
	if c.OTPLength <= 0 {
		c.OTPLength = 6
	}
	if c.OTPExpiresIn <= 0 {
		c.OTPExpiresIn = 5 * time.Minute
	}
	if c.OTPAllowedAttempts <= 0 {
		c.OTPAllowedAttempts = 5
	}
	if c.TrustDeviceMaxAge <= 0 {
		c.TrustDeviceMaxAge = 60 * 24 * time.Hour
	}
	if c.Hasher == nil {
		c.Hasher = crypto.Argon2idHasher{}
	}
}

// Service implements the two-factor endpoints and the sign-in gate.
type Service struct {
	rt       *endpoint.Runtime
	sessions *session.Manager
	cfg      Config
	now      func() time.Time
}

// NewService creates the two-factor service.
func NewService(rt *endpoint.Runtime, sessions *session.Manager, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{rt: rt, sessions: sessions, cfg: cfg, now: time.Now}
}

// verifyPassword re-verifies the user's password against the credential
// account, required before enrollment changes.
func (s *Service) verifyPassword(ctx context.Context, userID, password string) error {
	account, err := s.rt.Adapter.FindOne(ctx, schema.ModelAccount, []db.Where{
		db.Eq("userId", userID),
		db.Eq("providerId", credentials.ProviderIDCredential),
	})
	if err != nil {
		return apierror.Internal("failed to look up credential account", err)
	}
	if account == nil {
		return apierror.BadRequest(apierror.CodeCredentialAccountNotFound)
	}
	hash, _ := account["password"].(string)
	ok, err := s.cfg.Hasher.Verify(password, hash)
	if err != nil {
		return apierror.Internal("failed to verify password", err)
	}
	if !ok {
		return apierror.Unauthorized(apierror.CodeInvalidPassword)
	}
	return nil
}

// twoFactorRow loads the user's 2FA material or nil.
func (s *Service) twoFactorRow(ctx context.Context, userID string) (db.Record, error) {
	row, err := s.rt.Adapter.FindOne(ctx, schema.ModelTwoFactor, []db.Where{db.Eq("userId", userID)})
	if err != nil {
		return nil, fmt.Errorf("finding two-factor row: %w", err)
	}
	return row, nil
}

// decryptSecret recovers the TOTP seed stored encrypted with the server
// secret.
func (s *Service) decryptSecret(stored string) (string, error) {
	return crypto.Decrypt([]byte(s.rt.Secret), stored)
}

// backup code alphabet; unambiguous lowercase letters and digits.
const backupCodeAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// generateBackupCodes returns n random 10-character codes. Bytes at or above
// the largest multiple of the alphabet size are discarded so every character
// is equally likely.
func generateBackupCodes(n int) ([]string, error) {
	const codeLength = 10
	limit := 256 - 256%len(backupCodeAlphabet)
	codes := make([]string, n)
	for i := range codes {
		out := make([]byte, 0, codeLength)
		for len(out) < codeLength {
			buf := make([]byte, codeLength)
			if _, err := rand.Read(buf); err != nil {
				return nil, fmt.Errorf("generating backup code: %w", err)
			}
			for _, b := range buf {
				if int(b) >= limit {
					continue
				}
				out = append(out, backupCodeAlphabet[int(b)%len(backupCodeAlphabet)])
				if len(out) == codeLength {
					break
				}
			}
		}
		codes[i] = string(out)
	}
	return codes, nil
}

// encodeBackupCodes serializes codes per the configured storage strategy.
func (s *Service) encodeBackupCodes(codes []string) (string, error) {
	data, err := json.Marshal(codes)
	if err != nil {
		return "", fmt.Errorf("marshaling backup codes: %w", err)
	}
	if s.cfg.Encrypt != nil {
		return s.cfg.Encrypt(string(data))
	}
	if s.cfg.BackupCodeStorage == BackupCodesPlain {
		return string(data), nil
	}
	return crypto.Encrypt([]byte(s.rt.Secret), string(data))
}

// decodeBackupCodes recovers the stored code list.
func (s *Service) decodeBackupCodes(stored string) ([]string, error) {
	raw := stored
	var err error
	if s.cfg.Decrypt != nil {
		raw, err = s.cfg.Decrypt(stored)
	} else if s.cfg.BackupCodeStorage != BackupCodesPlain {
		raw, err = crypto.Decrypt([]byte(s.rt.Secret), stored)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding backup codes: %w", err)
	}
	var codes []string
	if err := json.Unmarshal([]byte(raw), &codes); err != nil {
		return nil, fmt.Errorf("unmarshaling backup codes: %w", err)
	}
	return codes, nil
}

// enabled reports whether the user record carries twoFactorEnabled, tolerating
// adapter-specific boolean encodings.
func enabled(u *session.User) bool {
	switch v := u.Extra["twoFactorEnabled"].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	}
	return false
}
