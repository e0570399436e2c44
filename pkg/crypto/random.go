// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto bundles the primitives shared by the auth engine: random
// token generation, HMAC cookie signing, AES-256-GCM encryption at rest,
// Argon2id password hashing, and PKCE helpers.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/oauth2"
)

// GenerateToken returns a URL-safe random token with n bytes of entropy.
// 32 bytes yields a 43-character base64url string.
func GenerateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MustGenerateToken is GenerateToken for call sites where a rand failure is
// unrecoverable (matching rand.Text semantics).
func MustGenerateToken(n int) string {
	tok, err := GenerateToken(n)
	if err != nil {
		panic(err)
	}
	return tok
}

// GenerateOTP returns a numeric one-time code of the given length.
func GenerateOTP(digits int) (string, error) {
	const alphabet = "0123456789"
	out := make([]byte, digits)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("failed to read random digit: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

// PKCEChallengeMethodS256 is the PKCE challenge method using SHA-256 (RFC 7636).
const PKCEChallengeMethodS256 = "S256"

// GeneratePKCEVerifier generates a cryptographically random code_verifier per
// RFC 7636 Section 4.1. Delegates to oauth2.GenerateVerifier, which panics on
// crypto/rand failure.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the S256 code_challenge from a code_verifier
// per RFC 7636 Section 4.2: BASE64URL(SHA256(code_verifier)).
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
