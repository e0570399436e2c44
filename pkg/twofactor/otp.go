// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package twofactor

import (
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
)

// handleSendOTP delivers a one-time code for the pending sign-in. Sending
// again replaces the code and resets the attempt counter.
func (s *Service) handleSendOTP(c *endpoint.Context) (any, error) {
	if s.cfg.SendOTP == nil {
		return nil, apierror.BadRequest(apierror.CodeTwoFactorNotEnabled)
	}
	var body pendingBody
	// The body is optional here; cookie-bearing clients send none.
	_ = c.BindBody(&body)

	u, pendingID, err := s.resolvePending(c, body.VerificationToken)
	if err != nil {
		return nil, err
	}
	code, err := crypto.GenerateOTP(s.cfg.OTPLength)
	if err != nil {
		return nil, apierror.Internal("failed to generate OTP", err)
	}
	// Attempt counter rides along as "<code>:<attempts>".
	if err := s.createVerificationRow(c.Context(), otpPrefix+pendingID, code+":0", s.cfg.OTPExpiresIn); err != nil {
		return nil, apierror.Internal("failed to store OTP", err)
	}
	if err := s.cfg.SendOTP(c.Context(), u, code); err != nil {
		return nil, apierror.Internal("failed to deliver OTP", err)
	}
	return map[string]any{"status": true}, nil
}

// handleVerifyOTP checks a delivered code. Attempts are counted in the stored
// value; once the ceiling is hit even a correct code is rejected until
// send-otp issues a fresh one.
func (s *Service) handleVerifyOTP(c *endpoint.Context) (any, error) {
	var body pendingBody
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	u, pendingID, err := s.resolvePending(c, body.VerificationToken)
	if err != nil {
		return nil, err
	}

	ctx := c.Context()
	row, err := s.rt.Adapter.FindOne(ctx, schema.ModelVerification,
		[]db.Where{db.Eq("identifier", otpPrefix+pendingID)})
	if err != nil {
		return nil, apierror.Internal("failed to look up OTP", err)
	}
	if row == nil {
		return nil, apierror.BadRequest(apierror.CodeInvalidOTP)
	}
	if expires, ok := row["expiresAt"].(time.Time); ok && !expires.After(s.now()) {
		_ = s.deleteVerificationRow(ctx, otpPrefix+pendingID)
		return nil, apierror.BadRequest(apierror.CodeOTPExpired)
	}

	value, _ := row["value"].(string)
	code, attempts := splitOTPValue(value)
	if attempts >= s.cfg.OTPAllowedAttempts {
		return nil, apierror.TooManyRequests(apierror.CodeTooManyAttempts)
	}
	if code == "" || code != body.Code {
		_, err := s.rt.Adapter.Update(ctx, schema.ModelVerification,
			[]db.Where{db.Eq("identifier", otpPrefix+pendingID)},
			db.Record{"value": code + ":" + strconv.Itoa(attempts+1)})
		if err != nil {
			return nil, apierror.Internal("failed to record OTP attempt", err)
		}
		return nil, apierror.Unauthorized(apierror.CodeInvalidOTP)
	}

	return s.completeSignIn(c, u, pendingID, body.TrustDevice)
}

// splitOTPValue parses "<code>:<attempts>".
func splitOTPValue(value string) (string, int) {
	code, rest, ok := strings.Cut(value, ":")
	if !ok {
		return value, 0
	}
	attempts, err := strconv.Atoi(rest)
	if err != nil {
		return code, 0
	}
	return code, attempts
}
