// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package twofactor

import (
	"crypto/subtle"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

// handleGenerateBackupCodes replaces the user's backup codes after password
// re-verification. The previous set is invalidated.
func (s *Service) handleGenerateBackupCodes(c *endpoint.Context) (any, error) {
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

	codes, err := generateBackupCodes(s.cfg.BackupCodeCount)
	if err != nil {
		return nil, apierror.Internal("failed to generate backup codes", err)
	}
	stored, err := s.encodeBackupCodes(codes)
	if err != nil {
		return nil, apierror.Internal("failed to store backup codes", err)
	}
	if _, err := s.rt.Adapter.Update(c.Context(), schema.ModelTwoFactor,
		[]db.Where{db.Eq("userId", u.ID)}, db.Record{"backupCodes": stored}); err != nil {
		return nil, apierror.Internal("failed to save backup codes", err)
	}
	return map[string]any{"backupCodes": codes}, nil
}

// handleVerifyBackupCode completes a pending sign-in with a one-shot backup
// code. The consumed code is removed and the remainder re-stored under the
// configured strategy.
func (s *Service) handleVerifyBackupCode(c *endpoint.Context) (any, error) {
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
	stored, _ := row["backupCodes"].(string)
	codes, err := s.decodeBackupCodes(stored)
	if err != nil {
		return nil, apierror.Internal("failed to decode backup codes", err)
	}

	matched := -1
	for i, code := range codes {
		if subtle.ConstantTimeCompare([]byte(code), []byte(body.Code)) == 1 {
			matched = i
			break
		}
	}
	if matched < 0 {
		return nil, apierror.Unauthorized(apierror.CodeInvalidBackupCode)
	}

	remaining := append(codes[:matched:matched], codes[matched+1:]...)
	reStored, err := s.encodeBackupCodes(remaining)
	if err != nil {
		return nil, apierror.Internal("failed to store backup codes", err)
	}
	if _, err := s.rt.Adapter.Update(c.Context(), schema.ModelTwoFactor,
		[]db.Where{db.Eq("userId", u.ID)}, db.Record{"backupCodes": reStored}); err != nil {
		return nil, apierror.Internal("failed to save backup codes", err)
	}

	return s.completeSignIn(c, u, pendingID, body.TrustDevice)
}
