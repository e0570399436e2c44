// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

const phoneOTPPrefix = "phone-otp-"

// handleSendPhoneOTP delivers a numeric code. Re-sending replaces the row and
// resets the attempt counter.
func (s *Service) handleSendPhoneOTP(c *endpoint.Context) (any, error) {
	var body struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	if body.PhoneNumber == "" {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "phoneNumber is required")
	}
	if s.cfg.SendPhoneOTP == nil {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "phone OTP delivery is not configured")
	}

	code, err := crypto.GenerateOTP(s.cfg.PhoneOTP.CodeLength)
	if err != nil {
		return nil, apierror.Internal("failed to generate OTP", err)
	}

	ctx := c.Context()
	// Value format is "code:attempts"; attempts counts failed verifications.
	if err := s.createVerificationRow(ctx, phoneOTPPrefix+body.PhoneNumber, code+":0", s.cfg.PhoneOTP.ExpiresIn); err != nil {
		return nil, apierror.Internal("failed to store OTP", err)
	}

	phone := body.PhoneNumber
	if err := s.deliver(ctx, "phone OTP", func(ctx context.Context) error {
		return s.cfg.SendPhoneOTP(ctx, phone, code)
	}); err != nil {
		return nil, apierror.Internal("failed to send OTP", err)
	}
	return map[string]any{"status": true}, nil
}

// handleVerifyPhoneOTP checks the code, enforcing the attempt ceiling encoded
// in the stored value. On success the row is consumed and a session issued,
// creating the user on first sign-in.
func (s *Service) handleVerifyPhoneOTP(c *endpoint.Context) (any, error) {
	var body struct {
		PhoneNumber string `json:"phoneNumber"`
		Code        string `json:"code"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	if body.PhoneNumber == "" || body.Code == "" {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "phoneNumber and code are required")
	}

	ctx := c.Context()
	identifier := phoneOTPPrefix + body.PhoneNumber
	row, err := s.peekVerificationRow(ctx, identifier)
	if err != nil {
		return nil, apierror.Internal("failed to read OTP", err)
	}
	if row == nil {
		return nil, apierror.BadRequest(apierror.CodeOTPExpired)
	}

	code, attempts, err := splitOTPValue(row["value"])
	if err != nil {
		return nil, apierror.Internal("malformed OTP row", err)
	}
	if attempts >= s.cfg.PhoneOTP.AllowedAttempts {
		// Even the right code is rejected once the ceiling is hit; a fresh
		// send-otp resets the counter.
		return nil, apierror.TooManyRequests(apierror.CodeTooManyAttempts)
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(body.Code)) != 1 {
		if _, err := s.rt.Adapter.Update(ctx, schema.ModelVerification,
			[]db.Where{db.Eq("identifier", identifier)},
			db.Record{"value": code + ":" + strconv.Itoa(attempts+1)}); err != nil {
			return nil, apierror.Internal("failed to record OTP attempt", err)
		}
		return nil, apierror.BadRequest(apierror.CodeInvalidOTP)
	}

	if _, _, err := s.consumeVerificationRow(ctx, identifier); err != nil {
		return nil, apierror.Internal("failed to consume OTP", err)
	}

	user, err := s.userByPhone(ctx, body.PhoneNumber)
	if err != nil {
		return nil, apierror.Internal("failed to look up user", err)
	}
	if user == nil {
		if s.cfg.DisableSignUp {
			return nil, apierror.BadRequest(apierror.CodeSignUpDisabled)
		}
		now := s.now().UTC()
		user, err = s.rt.Adapter.Create(ctx, schema.ModelUser, db.Record{
			"email":               phonePlaceholderEmail(body.PhoneNumber),
			"emailVerified":       false,
			"name":                body.PhoneNumber,
			"phoneNumber":         body.PhoneNumber,
			"phoneNumberVerified": true,
			"createdAt":           now,
			"updatedAt":           now,
		})
		if err != nil {
			return nil, apierror.Internal("failed to create user", err)
		}
	} else if verified, _ := user["phoneNumberVerified"].(bool); !verified {
		user, err = s.rt.Adapter.Update(ctx, schema.ModelUser,
			[]db.Where{db.Eq("id", user["id"])},
			db.Record{"phoneNumberVerified": true, "updatedAt": s.now().UTC()})
		if err != nil {
			return nil, apierror.Internal("failed to update user", err)
		}
	}

	u := session.UserFromRecord(user)
	sess, err := s.sessions.Create(ctx, u.ID, c.ClientIP(), c.Header("User-Agent"))
	if err != nil {
		return nil, apierror.Internal("failed to create session", err)
	}
	s.sessions.SetPending(c, sess, u, false)
	return map[string]any{"token": sess.Token, "user": u.PublicView()}, nil
}

func (s *Service) userByPhone(ctx context.Context, phone string) (db.Record, error) {
	return s.rt.Adapter.FindOne(ctx, schema.ModelUser, []db.Where{db.Eq("phoneNumber", phone)})
}

// phonePlaceholderEmail satisfies the unique email constraint for users who
// only ever sign in by phone.
func phonePlaceholderEmail(phone string) string {
	sanitized := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	return sanitized + "@phone.local"
}

func splitOTPValue(v any) (code string, attempts int, err error) {
	raw, _ := v.(string)
	i := strings.LastIndexByte(raw, ':')
	if i < 0 {
		return "", 0, fmt.Errorf("missing attempt counter in %q", raw)
	}
	attempts, err = strconv.Atoi(raw[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed attempt counter: %w", err)
	}
	return raw[:i], attempts, nil
}
