// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"
	foauth2 "github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/handler/pkce"

	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/logger"
	"github.com/stacklok/betterauth/pkg/schema"
)

// Token type discriminators for oauthAccessToken rows.
const (
	rowTypeAuthorizeCode = "authorization_code"
	rowTypeAccessToken   = "access_token"
	rowTypeRefreshToken  = "refresh_token"
	rowTypePKCE          = "pkce"
)

// Store persists fosite sessions in the oauthAccessToken model and clients in
// oauthApplication. Every token row carries the serialized authorization
// context (client, scopes, form, session) keyed by the token signature, so
// validation and introspection can rebuild the full fosite.Requester.
type Store struct {
	rt  *endpoint.Runtime
	cfg Config
	fc  *fosite.Config
	now func() time.Time
}

func newStore(rt *endpoint.Runtime, cfg Config, fc *fosite.Config) *Store {
	return &Store{rt: rt, cfg: cfg, fc: fc, now: time.Now}
}

// storedRequest is the JSON payload of a token row.
type storedRequest struct {
	ID              string          `json:"id"`
	RequestedAt     time.Time       `json:"requestedAt"`
	ClientID        string          `json:"clientId"`
	Scopes          []string        `json:"scopes"`
	GrantedScopes   []string        `json:"grantedScopes"`
	Audience        []string        `json:"audience,omitempty"`
	GrantedAudience []string        `json:"grantedAudience,omitempty"`
	Form            url.Values      `json:"form"`
	Session         json.RawMessage `json:"session"`
}

func marshalRequest(request fosite.Requester) (string, error) {
	sess, err := json.Marshal(request.GetSession())
	if err != nil {
		return "", fmt.Errorf("failed to serialize session: %w", err)
	}
	payload, err := json.Marshal(storedRequest{
		ID:              request.GetID(),
		RequestedAt:     request.GetRequestedAt(),
		ClientID:        request.GetClient().GetID(),
		Scopes:          request.GetRequestedScopes(),
		GrantedScopes:   request.GetGrantedScopes(),
		Audience:        request.GetRequestedAudience(),
		GrantedAudience: request.GetGrantedAudience(),
		Form:            request.GetRequestForm(),
		Session:         sess,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize request: %w", err)
	}
	return string(payload), nil
}

func (s *Store) unmarshalRequest(ctx context.Context, payload string, session fosite.Session) (fosite.Requester, error) {
	var stored storedRequest
	if err := json.Unmarshal([]byte(payload), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode stored request: %w", err)
	}
	client, err := s.GetClient(ctx, stored.ClientID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		session = &foauth2.JWTSession{}
	}
	if len(stored.Session) > 0 {
		if err := json.Unmarshal(stored.Session, session); err != nil {
			return nil, fmt.Errorf("failed to decode stored session: %w", err)
		}
	}
	return &fosite.Request{
		ID:                stored.ID,
		RequestedAt:       stored.RequestedAt,
		Client:            client,
		RequestedScope:    fosite.Arguments(stored.Scopes),
		GrantedScope:      fosite.Arguments(stored.GrantedScopes),
		RequestedAudience: fosite.Arguments(stored.Audience),
		GrantedAudience:   fosite.Arguments(stored.GrantedAudience),
		Form:              stored.Form,
		Session:           session,
	}, nil
}

// rowExpiry reads the per-token-type expiry from the session, falling back to
// the configured lifespan when the strategy left it unset.
func (s *Store) rowExpiry(request fosite.Requester, tokenType fosite.TokenType, fallback time.Duration) time.Time {
	if request != nil && request.GetSession() != nil {
		if exp := request.GetSession().GetExpiresAt(tokenType); !exp.IsZero() {
			return exp
		}
	}
	return s.now().Add(fallback)
}

func (s *Store) createRow(ctx context.Context, rowType, signature string, request fosite.Requester, expiresAt time.Time) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("token signature cannot be empty")
	}
	payload, err := marshalRequest(request)
	if err != nil {
		return err
	}
	userID := ""
	if request.GetSession() != nil {
		userID = request.GetSession().GetSubject()
	}
	_, err = s.rt.Adapter.Create(ctx, schema.ModelOAuthToken, db.Record{
		"id":        uuid.New().String(),
		"signature": signature,
		"tokenType": rowType,
		"requestId": request.GetID(),
		"clientId":  request.GetClient().GetID(),
		"userId":    userID,
		"payload":   payload,
		"active":    true,
		"expiresAt": expiresAt.UTC(),
		"createdAt": s.now().UTC(),
	})
	return err
}

func (s *Store) findRow(ctx context.Context, rowType, signature string) (db.Record, error) {
	return s.rt.Adapter.FindOne(ctx, schema.ModelOAuthToken, []db.Where{
		db.Eq("signature", signature),
		db.Eq("tokenType", rowType),
	})
}

func (s *Store) getRow(ctx context.Context, rowType, signature string, session fosite.Session) (fosite.Requester, bool, error) {
	row, err := s.findRow(ctx, rowType, signature)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		return nil, false, nil
	}
	payload, _ := row["payload"].(string)
	request, err := s.unmarshalRequest(ctx, payload, session)
	if err != nil {
		return nil, false, err
	}
	active, _ := row["active"].(bool)
	return request, active, nil
}

func (s *Store) deleteRow(ctx context.Context, rowType, signature string) error {
	return s.rt.Adapter.Delete(ctx, schema.ModelOAuthToken, []db.Where{
		db.Eq("signature", signature),
		db.Eq("tokenType", rowType),
	})
}

func (s *Store) deleteByRequestID(ctx context.Context, rowType, requestID string) error {
	_, err := s.rt.Adapter.DeleteMany(ctx, schema.ModelOAuthToken, []db.Where{
		db.Eq("requestId", requestID),
		db.Eq("tokenType", rowType),
	})
	return err
}

// -----------------------
// fosite.ClientManager
// -----------------------

// GetClient loads an enabled client by its client_id.
func (s *Store) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	row, err := s.rt.Adapter.FindOne(ctx, schema.ModelOAuthApp, []db.Where{db.Eq("clientId", id)})
	if err != nil {
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}
	if row == nil {
		logger.Debugw("client not found", "client_id", id)
		return nil, fosite.ErrNotFound.WithHint("Client not found")
	}
	if disabled, _ := row["disabled"].(bool); disabled {
		logger.Debugw("client is disabled", "client_id", id)
		return nil, fosite.ErrNotFound.WithHint("Client is disabled")
	}
	return clientFromRecord(row, s.cfg.Scopes), nil
}

// ClientAssertionJWTValid reports whether the JTI is unknown (usable). Known
// JTIs are tracked in the verification model to prevent assertion replay.
func (s *Store) ClientAssertionJWTValid(ctx context.Context, jti string) error {
	row, err := s.rt.Adapter.FindOne(ctx, schema.ModelVerification, []db.Where{
		db.Eq("identifier", "oauth-jti:"+jti),
	})
	if err != nil {
		return fmt.Errorf("failed to look up client assertion: %w", err)
	}
	if row != nil {
		if exp, ok := row["expiresAt"].(time.Time); ok && s.now().Before(exp) {
			return fosite.ErrJTIKnown
		}
	}
	return nil
}

// SetClientAssertionJWT marks the JTI as seen until its expiry.
func (s *Store) SetClientAssertionJWT(ctx context.Context, jti string, exp time.Time) error {
	now := s.now().UTC()
	_, err := s.rt.Adapter.Create(ctx, schema.ModelVerification, db.Record{
		"id":         uuid.New().String(),
		"identifier": "oauth-jti:" + jti,
		"value":      "seen",
		"expiresAt":  exp.UTC(),
		"createdAt":  now,
		"updatedAt":  now,
	})
	return err
}

// -----------------------
// oauth2.AuthorizeCodeStorage
// -----------------------

// CreateAuthorizeCodeSession stores the authorization context for a code.
func (s *Store) CreateAuthorizeCodeSession(ctx context.Context, code string, request fosite.Requester) error {
	expiry := s.rowExpiry(request, fosite.AuthorizeCode, s.cfg.AuthCodeLifespan)
	return s.createRow(ctx, rowTypeAuthorizeCode, code, request, expiry)
}

// GetAuthorizeCodeSession returns the stored request. Used codes return the
// request together with ErrInvalidatedAuthorizeCode so fosite can revoke the
// whole grant on replay.
func (s *Store) GetAuthorizeCodeSession(ctx context.Context, code string, session fosite.Session) (fosite.Requester, error) {
	request, active, err := s.getRow(ctx, rowTypeAuthorizeCode, code, session)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, fosite.ErrNotFound.WithHint("Authorization code not found")
	}
	if !active {
		return request, fosite.ErrInvalidatedAuthorizeCode
	}
	return request, nil
}

// InvalidateAuthorizeCodeSession marks a code as used; codes are single-use.
func (s *Store) InvalidateAuthorizeCodeSession(ctx context.Context, code string) error {
	row, err := s.rt.Adapter.Update(ctx, schema.ModelOAuthToken,
		[]db.Where{db.Eq("signature", code), db.Eq("tokenType", rowTypeAuthorizeCode)},
		db.Record{"active": false})
	if err != nil {
		return err
	}
	if row == nil {
		return fosite.ErrNotFound.WithHint("Authorization code not found")
	}
	return nil
}

// -----------------------
// oauth2.AccessTokenStorage
// -----------------------

// CreateAccessTokenSession stores the access token session by signature.
func (s *Store) CreateAccessTokenSession(ctx context.Context, signature string, request fosite.Requester) error {
	expiry := s.rowExpiry(request, fosite.AccessToken, s.cfg.AccessTokenLifespan)
	return s.createRow(ctx, rowTypeAccessToken, signature, request, expiry)
}

// GetAccessTokenSession retrieves the access token session by signature.
func (s *Store) GetAccessTokenSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	request, _, err := s.getRow(ctx, rowTypeAccessToken, signature, session)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, fosite.ErrNotFound.WithHint("Access token not found")
	}
	return request, nil
}

// DeleteAccessTokenSession removes the access token session.
func (s *Store) DeleteAccessTokenSession(ctx context.Context, signature string) error {
	return s.deleteRow(ctx, rowTypeAccessToken, signature)
}

// -----------------------
// oauth2.RefreshTokenStorage
// -----------------------

// CreateRefreshTokenSession stores the refresh token session. The access
// token signature only matters for grace-period rotation, which this storage
// does not implement; rotation revokes by request ID instead.
func (s *Store) CreateRefreshTokenSession(ctx context.Context, signature string, _ string, request fosite.Requester) error {
	expiry := s.rowExpiry(request, fosite.RefreshToken, s.cfg.RefreshTokenLifespan)
	return s.createRow(ctx, rowTypeRefreshToken, signature, request, expiry)
}

// GetRefreshTokenSession retrieves the refresh token session by signature.
func (s *Store) GetRefreshTokenSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	request, _, err := s.getRow(ctx, rowTypeRefreshToken, signature, session)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, fosite.ErrNotFound.WithHint("Refresh token not found")
	}
	return request, nil
}

// DeleteRefreshTokenSession removes the refresh token session.
func (s *Store) DeleteRefreshTokenSession(ctx context.Context, signature string) error {
	return s.deleteRow(ctx, rowTypeRefreshToken, signature)
}

// RotateRefreshToken retires a refresh token and the access tokens issued
// with it. Fosite calls this during the refresh grant before issuing the
// replacement pair.
func (s *Store) RotateRefreshToken(ctx context.Context, requestID string, refreshTokenSignature string) error {
	if err := s.deleteRow(ctx, rowTypeRefreshToken, refreshTokenSignature); err != nil {
		return err
	}
	return s.deleteByRequestID(ctx, rowTypeAccessToken, requestID)
}

// -----------------------
// oauth2.TokenRevocationStorage
// -----------------------

// RevokeAccessToken removes all access tokens issued for the grant.
func (s *Store) RevokeAccessToken(ctx context.Context, requestID string) error {
	return s.deleteByRequestID(ctx, rowTypeAccessToken, requestID)
}

// RevokeRefreshToken removes all refresh tokens issued for the grant.
func (s *Store) RevokeRefreshToken(ctx context.Context, requestID string) error {
	return s.deleteByRequestID(ctx, rowTypeRefreshToken, requestID)
}

// RevokeRefreshTokenMaybeGracePeriod revokes immediately; grace periods are
// not supported.
func (s *Store) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, requestID string, _ string) error {
	return s.RevokeRefreshToken(ctx, requestID)
}

// -----------------------
// pkce.PKCERequestStorage
// -----------------------

// CreatePKCERequestSession stores the PKCE challenge alongside the code.
func (s *Store) CreatePKCERequestSession(ctx context.Context, signature string, request fosite.Requester) error {
	expiry := s.rowExpiry(request, fosite.AuthorizeCode, s.cfg.AuthCodeLifespan)
	return s.createRow(ctx, rowTypePKCE, signature, request, expiry)
}

// GetPKCERequestSession retrieves the PKCE request session.
func (s *Store) GetPKCERequestSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	request, _, err := s.getRow(ctx, rowTypePKCE, signature, session)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, fosite.ErrNotFound.WithHint("PKCE request not found")
	}
	return request, nil
}

// DeletePKCERequestSession removes the PKCE request session.
func (s *Store) DeletePKCERequestSession(ctx context.Context, signature string) error {
	return s.deleteRow(ctx, rowTypePKCE, signature)
}

// Compile-time interface compliance checks.
var (
	_ fosite.ClientManager           = (*Store)(nil)
	_ foauth2.CoreStorage            = (*Store)(nil)
	_ foauth2.TokenRevocationStorage = (*Store)(nil)
	_ pkce.PKCERequestStorage        = (*Store)(nil)
)
