// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SignHMAC computes HMAC-SHA-256 over payload with the server secret and
// returns it base64url encoded without padding.
func SignHMAC(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC verifies an HMAC-SHA-256 signature in constant time.
func VerifyHMAC(secret []byte, payload, signature string) bool {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hmac.Equal(mac.Sum(nil), sig)
}

// DeriveKey derives a key of the given size from the server secret using
// HKDF-SHA-256 with a context-separating info string. Used for the JWE cookie
// cache (A256CBC-HS512 needs a 64-byte key) and other derived secrets.
func DeriveKey(secret []byte, info string, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
