// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	josev3 "github.com/go-jose/go-jose/v3"
	josev4 "github.com/go-jose/go-jose/v4"
)

// SigningKey is the asymmetric key signing access and ID tokens. The key ID
// is derived from the public key so JWKS consumers can correlate rotations.
type SigningKey struct {
	Private *ecdsa.PrivateKey
	KeyID   string
}

const signingAlgorithm = "ES256"

// generateSigningKey creates an ephemeral ES256 (P-256) key. Deployments that
// need tokens to survive restarts pass a fixed key through the config instead.
func generateSigningKey() (*SigningKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return newSigningKey(key)
}

// newSigningKey wraps an existing private key and derives its key ID.
func newSigningKey(key *ecdsa.PrivateKey) (*SigningKey, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return &SigningKey{
		Private: key,
		KeyID:   base64.RawURLEncoding.EncodeToString(sum[:8]),
	}, nil
}

// PublicJWKS returns the public key set served on the JWKS endpoint.
func (k *SigningKey) PublicJWKS() *josev4.JSONWebKeySet {
	return &josev4.JSONWebKeySet{
		Keys: []josev4.JSONWebKey{{
			Key:       &k.Private.PublicKey,
			KeyID:     k.KeyID,
			Algorithm: signingAlgorithm,
			Use:       "sig",
		}},
	}
}

// joseV3 converts the private key to a go-jose/v3 JWK. Fosite depends on
// go-jose/v3, and handing it the JWK (rather than the bare key) keeps the
// "kid" header on issued JWTs so verifiers can pick the right JWKS entry.
func (k *SigningKey) joseV3() *josev3.JSONWebKey {
	return &josev3.JSONWebKey{
		Key:       k.Private,
		KeyID:     k.KeyID,
		Algorithm: signingAlgorithm,
		Use:       "sig",
	}
}
