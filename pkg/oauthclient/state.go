// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauthclient

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/cookies"
	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/endpoint"
)

// stateMaxAge bounds how long an authorization round-trip may take.
const stateMaxAge = 10 * time.Minute

// stateData is what the signed state cookie carries across the redirect to
// the provider and back.
type stateData struct {
	State         string `json:"state"`
	Provider      string `json:"provider"`
	CallbackURL   string `json:"callbackURL,omitempty"`
	ErrorURL      string `json:"errorURL,omitempty"`
	NewUserURL    string `json:"newUserURL,omitempty"`
	CodeVerifier  string `json:"codeVerifier,omitempty"`
	RequestSignUp bool   `json:"requestSignUp,omitempty"`
	LinkUserID    string `json:"link,omitempty"`
	ExpiresAt     int64  `json:"expiresAt"`
}

// generateState mints a random state value and persists the round-trip data
// in a signed cookie keyed by it.
func (s *Service) generateState(c *endpoint.Context, data stateData) (string, error) {
	state, err := crypto.GenerateToken(32)
	if err != nil {
		return "", err
	}
	data.State = state
	data.ExpiresAt = s.now().Add(stateMaxAge).UnixMilli()

	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	// Cookie values cannot carry JSON punctuation; base64url it.
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	c.SetSignedCookie(cookies.NameState, encoded, int(stateMaxAge.Seconds()))
	return state, nil
}

// parseState validates the state query parameter against the signed cookie
// and returns the stored round-trip data. The cookie is single-use: it is
// cleared regardless of outcome.
func (s *Service) parseState(c *endpoint.Context) (*stateData, error) {
	encoded, ok := c.SignedCookie(cookies.NameState)
	c.ClearCookie(cookies.NameState)
	if !ok {
		return nil, apierror.Unauthorized(apierror.CodeInvalidState)
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apierror.Unauthorized(apierror.CodeInvalidState)
	}
	var data stateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, apierror.Unauthorized(apierror.CodeInvalidState)
	}
	if data.State == "" || data.State != c.Query("state") {
		return nil, apierror.Unauthorized(apierror.CodeInvalidState)
	}
	if s.now().UnixMilli() > data.ExpiresAt {
		return nil, apierror.Unauthorized(apierror.CodeInvalidState)
	}
	return &data, nil
}
