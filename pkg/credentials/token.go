// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/betterauth/pkg/apierror"
)

// verificationClaims is the payload of email verification tokens. UpdateTo is
// set when the token authorizes an email change rather than a verification.
type verificationClaims struct {
	Email    string `json:"email"`
	UpdateTo string `json:"updateTo,omitempty"`
	jwt.RegisteredClaims
}

// signVerificationToken issues an HS256 verification token for the email.
func signVerificationToken(secret, email, updateTo string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, verificationClaims{
		Email:    email,
		UpdateTo: updateTo,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing verification token: %w", err)
	}
	return signed, nil
}

// parseVerificationToken verifies a token, mapping expiry to TOKEN_EXPIRED
// and any other failure to INVALID_TOKEN.
func parseVerificationToken(secret, raw string) (*verificationClaims, error) {
	var claims verificationClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apierror.Unauthorized(apierror.CodeTokenExpired)
		}
		return nil, apierror.Unauthorized(apierror.CodeInvalidToken)
	}
	return &claims, nil
}
