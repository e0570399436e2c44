// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package twofactor

import (
	"net/url"
	"strconv"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

type enableBody struct {
	Password string `json:"password"`
}

// handleEnable enrolls the signed-in user: a fresh TOTP secret (encrypted at
// rest) and backup codes. The plaintext codes are returned exactly once.
// Re-enabling rotates both.
func (s *Service) handleEnable(c *endpoint.Context) (any, error) {
	var body enableBody
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	_, u, _ := session.FromContext(c)
	if err := s.verifyPassword(c.Context(), u.ID, body.Password); err != nil {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.Issuer,
		AccountName: u.Email,
		Period:      uint(s.cfg.Period.Seconds()),
		SecretSize:  32,
	})
	if err != nil {
		return nil, apierror.Internal("failed to generate TOTP secret", err)
	}
	encSecret, err := crypto.Encrypt([]byte(s.rt.Secret), key.Secret())
	if err != nil {
		return nil, apierror.Internal("failed to encrypt TOTP secret", err)
	}
	codes, err := generateBackupCodes(s.cfg.BackupCodeCount)
	if err != nil {
		return nil, apierror.Internal("failed to generate backup codes", err)
	}
	stored, err := s.encodeBackupCodes(codes)
	if err != nil {
		return nil, apierror.Internal("failed to store backup codes", err)
	}

	ctx := c.Context()
	err = s.rt.Adapter.Transaction(ctx, func(tx db.Adapter) error {
		if _, err := tx.DeleteMany(ctx, schema.ModelTwoFactor, []db.Where{db.Eq("userId", u.ID)}); err != nil {
			return err
		}
		if _, err := tx.Create(ctx, schema.ModelTwoFactor, db.Record{
			"userId":      u.ID,
			"secret":      encSecret,
			"backupCodes": stored,
		}); err != nil {
			return err
		}
		_, err := tx.Update(ctx, schema.ModelUser,
			[]db.Where{db.Eq("id", u.ID)}, db.Record{"twoFactorEnabled": true})
		return err
	})
	if err != nil {
		return nil, apierror.Internal("failed to enable two-factor", err)
	}
	session.MarkDirty(c)

	return map[string]any{
		"totpURI":     key.URL(),
		"backupCodes": codes,
	}, nil
}

// handleDisable clears the 2FA row after password re-verification.
func (s *Service) handleDisable(c *endpoint.Context) (any, error) {
	var body enableBody
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	_, u, _ := session.FromContext(c)
	if err := s.verifyPassword(c.Context(), u.ID, body.Password); err != nil {
		return nil, err
	}

	ctx := c.Context()
	err := s.rt.Adapter.Transaction(ctx, func(tx db.Adapter) error {
		if _, err := tx.DeleteMany(ctx, schema.ModelTwoFactor, []db.Where{db.Eq("userId", u.ID)}); err != nil {
			return err
		}
		_, err := tx.Update(ctx, schema.ModelUser,
			[]db.Where{db.Eq("id", u.ID)}, db.Record{"twoFactorEnabled": false})
		return err
	})
	if err != nil {
		return nil, apierror.Internal("failed to disable two-factor", err)
	}
	session.MarkDirty(c)
	return map[string]any{"status": true}, nil
}

// handleGetTOTPURI re-derives the otpauth:// URI for re-displaying the QR
// code. Password re-verification required.
func (s *Service) handleGetTOTPURI(c *endpoint.Context) (any, error) {
	var body enableBody
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	_, u, _ := session.FromContext(c)
	if err := s.verifyPassword(c.Context(), u.ID, body.Password); err != nil {
		return nil, err
	}
	row, err := s.twoFactorRow(c.Context(), u.ID)
	if err != nil {
		return nil, apierror.Internal("failed to load two-factor state", err)
	}
	if row == nil {
		return nil, apierror.BadRequest(apierror.CodeTwoFactorNotEnabled)
	}
	stored, _ := row["secret"].(string)
	secret, err := s.decryptSecret(stored)
	if err != nil {
		return nil, apierror.Internal("failed to decrypt TOTP secret", err)
	}
	return map[string]any{"totpURI": s.totpURI(u.Email, secret)}, nil
}

// totpURI renders the otpauth:// URI for an already-stored secret.
func (s *Service) totpURI(account, secret string) string {
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", s.cfg.Issuer)
	q.Set("period", strconv.Itoa(int(s.cfg.Period.Seconds())))
	q.Set("algorithm", otp.AlgorithmSHA1.String())
	q.Set("digits", otp.DigitsSix.String())
	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + s.cfg.Issuer + ":" + account,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// handleVerifyTOTP checks a time-based code against the pending user's
// decrypted secret and completes the sign-in.
func (s *Service) handleVerifyTOTP(c *endpoint.Context) (any, error) {
	var body pendingBody
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	u, pendingID, err := s.resolvePending(c, body.VerificationToken)
	if err != nil {
		return nil, err
	}
	row, err := s.twoFactorRow(c.Context(), u.ID)
	if err != nil {
		return nil, apierror.Internal("failed to load two-factor state", err)
	}
	if row == nil {
		return nil, apierror.BadRequest(apierror.CodeTwoFactorNotEnabled)
	}
	stored, _ := row["secret"].(string)
	secret, err := s.decryptSecret(stored)
	if err != nil {
		return nil, apierror.Internal("failed to decrypt TOTP secret", err)
	}

	valid, err := totp.ValidateCustom(body.Code, secret, s.now(), totp.ValidateOpts{
		Period:    uint(s.cfg.Period.Seconds()),
		Skew:      s.cfg.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return nil, apierror.Unauthorized(apierror.CodeInvalidTOTPCode)
	}
	return s.completeSignIn(c, u, pendingID, body.TrustDevice)
}
