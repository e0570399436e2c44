// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cookies

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/betterauth/pkg/crypto"
)

// Strategy selects the session-data cookie encoding.
type Strategy string

// Cookie cache strategies.
const (
	StrategyCompact Strategy = "compact"
	StrategyJWT     Strategy = "jwt"
	StrategyJWE     Strategy = "jwe"
)

// ErrCacheInvalid is returned when a session-data cookie fails signature or
// decryption checks, or has expired. Callers fall back to the database.
var ErrCacheInvalid = errors.New("session data cookie is invalid")

// CachePayload is the snapshot carried by the session-data cookie.
type CachePayload struct {
	Session   map[string]any `json:"session"`
	User      map[string]any `json:"user"`
	UpdatedAt int64          `json:"updatedAt"`
	Version   string         `json:"version"`
}

// NormalizeStrategy maps a configured strategy string to a Strategy,
// accepting the legacy "base64-hmac" alias for compact.
func NormalizeStrategy(s string) (Strategy, error) {
	switch s {
	case "", string(StrategyCompact), "base64-hmac":
		return StrategyCompact, nil
	case string(StrategyJWT):
		return StrategyJWT, nil
	case string(StrategyJWE):
		return StrategyJWE, nil
	}
	return "", fmt.Errorf("unknown cookie cache strategy %q", s)
}

// CacheCodec encodes and decodes the session-data cookie under one strategy.
type CacheCodec struct {
	secret   []byte
	strategy Strategy
	jweKey   []byte
}

// NewCacheCodec creates a codec for the given strategy string.
func NewCacheCodec(secret, strategy string) (*CacheCodec, error) {
	s, err := NormalizeStrategy(strategy)
	if err != nil {
		return nil, err
	}
	// A256CBC-HS512 takes a 64-byte key: 32 for HMAC, 32 for AES.
	jweKey, err := crypto.DeriveKey([]byte(secret), "better-auth.session-data", 64)
	if err != nil {
		return nil, fmt.Errorf("deriving session-data key: %w", err)
	}
	return &CacheCodec{secret: []byte(secret), strategy: s, jweKey: jweKey}, nil
}

// Encode serializes the payload with the configured strategy. expiresAt bounds
// how long the cookie may be trusted without a database read.
func (c *CacheCodec) Encode(p CachePayload, expiresAt time.Time) (string, error) {
	switch c.strategy {
	case StrategyCompact:
		return c.encodeCompact(p, expiresAt)
	case StrategyJWT:
		return c.encodeJWT(p, expiresAt)
	case StrategyJWE:
		return c.encodeJWE(p, expiresAt)
	}
	return "", fmt.Errorf("unknown strategy %q", c.strategy)
}

// Decode verifies and deserializes a session-data cookie. Expired or tampered
// values return ErrCacheInvalid.
func (c *CacheCodec) Decode(raw string) (*CachePayload, error) {
	switch c.strategy {
	case StrategyCompact:
		return c.decodeCompact(raw)
	case StrategyJWT:
		return c.decodeJWT(raw)
	case StrategyJWE:
		return c.decodeJWE(raw)
	}
	return nil, fmt.Errorf("unknown strategy %q", c.strategy)
}

// compactSignable is the exact byte layout the compact signature covers: the
// payload fields flattened together with the expiry.
type compactSignable struct {
	Session   map[string]any `json:"session"`
	User      map[string]any `json:"user"`
	UpdatedAt int64          `json:"updatedAt"`
	Version   string         `json:"version"`
	ExpiresAt int64          `json:"expiresAt"`
}

type compactEnvelope struct {
	Payload   CachePayload `json:"payload"`
	ExpiresAt int64        `json:"expiresAt"`
	Signature string       `json:"signature"`
}

func (c *CacheCodec) encodeCompact(p CachePayload, expiresAt time.Time) (string, error) {
	signable, err := json.Marshal(compactSignable{
		Session: p.Session, User: p.User, UpdatedAt: p.UpdatedAt,
		Version: p.Version, ExpiresAt: expiresAt.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling cache payload: %w", err)
	}
	envelope, err := json.Marshal(compactEnvelope{
		Payload:   p,
		ExpiresAt: expiresAt.Unix(),
		Signature: crypto.SignHMAC(c.secret, string(signable)),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling cache envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(envelope), nil
}

func (c *CacheCodec) decodeCompact(raw string) (*CachePayload, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, ErrCacheInvalid
	}
	var env compactEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrCacheInvalid
	}
	signable, err := json.Marshal(compactSignable{
		Session: env.Payload.Session, User: env.Payload.User,
		UpdatedAt: env.Payload.UpdatedAt, Version: env.Payload.Version,
		ExpiresAt: env.ExpiresAt,
	})
	if err != nil {
		return nil, ErrCacheInvalid
	}
	if !crypto.VerifyHMAC(c.secret, string(signable), env.Signature) {
		return nil, ErrCacheInvalid
	}
	if time.Now().Unix() >= env.ExpiresAt {
		return nil, ErrCacheInvalid
	}
	return &env.Payload, nil
}

type cacheClaims struct {
	Session   map[string]any `json:"session"`
	User      map[string]any `json:"user"`
	UpdatedAt int64          `json:"updatedAt"`
	Version   string         `json:"version"`
	jwt.RegisteredClaims
}

func (c *CacheCodec) encodeJWT(p CachePayload, expiresAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cacheClaims{
		Session: p.Session, User: p.User, UpdatedAt: p.UpdatedAt, Version: p.Version,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing cache token: %w", err)
	}
	return signed, nil
}

func (c *CacheCodec) decodeJWT(raw string) (*CachePayload, error) {
	var claims cacheClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrCacheInvalid
	}
	return &CachePayload{
		Session: claims.Session, User: claims.User,
		UpdatedAt: claims.UpdatedAt, Version: claims.Version,
	}, nil
}

// jweEnvelope is the cleartext inside the JWE.
type jweEnvelope struct {
	Payload   CachePayload `json:"payload"`
	ExpiresAt int64        `json:"expiresAt"`
}

func (c *CacheCodec) encodeJWE(p CachePayload, expiresAt time.Time) (string, error) {
	encrypter, err := jose.NewEncrypter(jose.A256CBC_HS512,
		jose.Recipient{Algorithm: jose.DIRECT, Key: c.jweKey}, nil)
	if err != nil {
		return "", fmt.Errorf("creating encrypter: %w", err)
	}
	clear, err := json.Marshal(jweEnvelope{Payload: p, ExpiresAt: expiresAt.Unix()})
	if err != nil {
		return "", fmt.Errorf("marshaling cache payload: %w", err)
	}
	obj, err := encrypter.Encrypt(clear)
	if err != nil {
		return "", fmt.Errorf("encrypting cache payload: %w", err)
	}
	return obj.CompactSerialize()
}

func (c *CacheCodec) decodeJWE(raw string) (*CachePayload, error) {
	obj, err := jose.ParseEncrypted(raw,
		[]jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256CBC_HS512})
	if err != nil {
		return nil, ErrCacheInvalid
	}
	clear, err := obj.Decrypt(c.jweKey)
	if err != nil {
		return nil, ErrCacheInvalid
	}
	var env jweEnvelope
	if err := json.Unmarshal(clear, &env); err != nil {
		return nil, ErrCacheInvalid
	}
	if time.Now().Unix() >= env.ExpiresAt {
		return nil, ErrCacheInvalid
	}
	return &env.Payload, nil
}
