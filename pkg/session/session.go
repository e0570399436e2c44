// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session manages session issuance, resolution, sliding renewal,
// revocation, and the optional cookie cache and secondary-storage cache.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/logger"
	"github.com/stacklok/betterauth/pkg/schema"
)

// Session is the authenticated session view.
type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// User is the public user view emitted alongside sessions.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	Name          string    `json:"name"`
	Image         string    `json:"image,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`

	// Extra carries plugin-contributed returned fields, e.g.
	// twoFactorEnabled.
	Extra map[string]any `json:"-"`
}

// Config tunes the session subsystem.
type Config struct {
	// ExpiresIn is the session lifetime. Default 7 days.
	ExpiresIn time.Duration
	// UpdateAge is the sliding-renewal threshold: a database hit older than
	// this bumps createdAt and rewrites the token cookie. Default 24h.
	UpdateAge time.Duration
	// CookieCache enables the session-data cookie.
	CookieCache CookieCacheConfig
	// StoreInSecondary mirrors sessions into the secondary store when one
	// is configured.
	StoreInSecondary bool
	// Bearer accepts `Authorization: Bearer <token>` in place of the
	// session cookie.
	Bearer bool
}

// CookieCacheConfig tunes the session-data cookie.
type CookieCacheConfig struct {
	Enabled bool
	// Strategy is compact (default), jwt, or jwe. The legacy "base64-hmac"
	// alias is accepted and normalized to compact. The composition layer
	// builds the codec; the manager only stores the choice.
	Strategy string
	// MaxAge bounds how long the cookie is trusted without a database read.
	// Default 5 minutes.
	MaxAge time.Duration
	// Version invalidates outstanding cookies when it changes.
	Version string
}

func (c *Config) applyDefaults() {
	if c.ExpiresIn <= 0 {
		c.ExpiresIn = 7 * 24 * time.Hour
	}
	if c.UpdateAge <= 0 {
		c.UpdateAge = 24 * time.Hour
	}
	if c.CookieCache.MaxAge <= 0 {
		c.CookieCache.MaxAge = 5 * time.Minute
	}
	if c.CookieCache.Version == "" {
		c.CookieCache.Version = "1"
	}
}

// Manager owns session persistence and the caches around it.
type Manager struct {
	rt  *endpoint.Runtime
	cfg Config
	now func() time.Time
}

// NewManager creates a session manager bound to the runtime.
func NewManager(rt *endpoint.Runtime, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{rt: rt, cfg: cfg, now: time.Now}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Create issues a new session for the user. The token is an opaque random
// credential, never derivable from the session id.
func (m *Manager) Create(ctx context.Context, userID, ipAddress, userAgent string) (*Session, error) {
	token, err := crypto.GenerateToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}

	now := m.now().UTC()
	record, err := m.rt.Adapter.Create(ctx, schema.ModelSession, db.Record{
		"token":     token,
		"userId":    userID,
		"expiresAt": now.Add(m.cfg.ExpiresIn),
		"createdAt": now,
		"updatedAt": now,
		"ipAddress": ipAddress,
		"userAgent": userAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s := sessionFromRecord(record)
	m.cacheInSecondary(ctx, s)
	return s, nil
}

// Get resolves a token to a live session, consulting the secondary store
// first. Expired sessions are deleted and reported absent. A session past its
// update age is renewed: createdAt bumped to now and expiry extended.
func (m *Manager) Get(ctx context.Context, token string) (*Session, bool, error) {
	if s := m.fromSecondary(ctx, token); s != nil {
		return s, false, nil
	}

	record, err := m.rt.Adapter.FindOne(ctx, schema.ModelSession, []db.Where{db.Eq("token", token)})
	if err != nil {
		return nil, false, fmt.Errorf("finding session: %w", err)
	}
	if record == nil {
		return nil, false, nil
	}

	s := sessionFromRecord(record)
	now := m.now().UTC()
	if !s.ExpiresAt.After(now) {
		if err := m.Delete(ctx, token); err != nil {
			logger.Debugf("failed to delete expired session: %v", err)
		}
		return nil, false, nil
	}

	if now.Sub(s.CreatedAt) > m.cfg.UpdateAge {
		renewed, err := m.rt.Adapter.Update(ctx, schema.ModelSession,
			[]db.Where{db.Eq("token", token)}, db.Record{
				"createdAt": now,
				"updatedAt": now,
				"expiresAt": now.Add(m.cfg.ExpiresIn),
			})
		if err != nil {
			return nil, false, fmt.Errorf("renewing session: %w", err)
		}
		s = sessionFromRecord(renewed)
		m.cacheInSecondary(ctx, s)
		return s, true, nil
	}

	m.cacheInSecondary(ctx, s)
	return s, false, nil
}

// GetUser loads the public user view for a session.
func (m *Manager) GetUser(ctx context.Context, userID string) (*User, error) {
	record, err := m.rt.Adapter.FindOne(ctx, schema.ModelUser, []db.Where{db.Eq("id", userID)})
	if err != nil {
		return nil, fmt.Errorf("finding user: %w", err)
	}
	if record == nil {
		return nil, nil
	}
	return UserFromRecord(record), nil
}

// Delete revokes one session in both storages.
func (m *Manager) Delete(ctx context.Context, token string) error {
	if m.rt.Secondary != nil {
		if err := m.rt.Secondary.Delete(ctx, secondaryKey(token)); err != nil {
			logger.Debugf("failed to drop session from secondary storage: %v", err)
		}
	}
	return m.rt.Adapter.Delete(ctx, schema.ModelSession, []db.Where{db.Eq("token", token)})
}

// DeleteUserSessions revokes every session of a user.
func (m *Manager) DeleteUserSessions(ctx context.Context, userID string) error {
	if m.rt.Secondary != nil {
		sessions, err := m.List(ctx, userID)
		if err == nil {
			for _, s := range sessions {
				if err := m.rt.Secondary.Delete(ctx, secondaryKey(s.Token)); err != nil {
					logger.Debugf("failed to drop session from secondary storage: %v", err)
				}
			}
		}
	}
	_, err := m.rt.Adapter.DeleteMany(ctx, schema.ModelSession, []db.Where{db.Eq("userId", userID)})
	return err
}

// List returns the user's live sessions, newest first.
func (m *Manager) List(ctx context.Context, userID string) ([]*Session, error) {
	records, err := m.rt.Adapter.FindMany(ctx, schema.ModelSession, db.FindManyOptions{
		Where:  []db.Where{db.Eq("userId", userID)},
		SortBy: &db.SortBy{Field: "createdAt", Direction: "desc"},
	})
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	now := m.now().UTC()
	out := make([]*Session, 0, len(records))
	for _, r := range records {
		s := sessionFromRecord(r)
		if s.ExpiresAt.After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func secondaryKey(token string) string {
	return "session:" + token
}

func (m *Manager) cacheInSecondary(ctx context.Context, s *Session) {
	if m.rt.Secondary == nil || !m.cfg.StoreInSecondary {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := m.rt.Secondary.Set(ctx, secondaryKey(s.Token), string(data), ttl); err != nil {
		// Cache miss on next read falls back to the database.
		logger.Debugf("failed to cache session in secondary storage: %v", err)
	}
}

func (m *Manager) fromSecondary(ctx context.Context, token string) *Session {
	if m.rt.Secondary == nil || !m.cfg.StoreInSecondary {
		return nil
	}
	data, ok, err := m.rt.Secondary.Get(ctx, secondaryKey(token))
	if err != nil || !ok {
		return nil
	}
	var s Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil
	}
	if !s.ExpiresAt.After(m.now()) {
		return nil
	}
	return &s
}

func sessionFromRecord(r db.Record) *Session {
	return &Session{
		ID:        asString(r["id"]),
		Token:     asString(r["token"]),
		UserID:    asString(r["userId"]),
		ExpiresAt: asTime(r["expiresAt"]),
		CreatedAt: asTime(r["createdAt"]),
		UpdatedAt: asTime(r["updatedAt"]),
		IPAddress: asString(r["ipAddress"]),
		UserAgent: asString(r["userAgent"]),
	}
}

// UserFromRecord builds the public user view, folding unknown returned
// fields into Extra.
func UserFromRecord(r db.Record) *User {
	u := &User{
		ID:            asString(r["id"]),
		Email:         asString(r["email"]),
		EmailVerified: asBool(r["emailVerified"]),
		Name:          asString(r["name"]),
		Image:         asString(r["image"]),
		CreatedAt:     asTime(r["createdAt"]),
		UpdatedAt:     asTime(r["updatedAt"]),
	}
	known := map[string]bool{
		"id": true, "email": true, "emailVerified": true, "name": true,
		"image": true, "createdAt": true, "updatedAt": true,
	}
	for k, v := range r {
		if !known[k] && v != nil {
			if u.Extra == nil {
				u.Extra = make(map[string]any)
			}
			u.Extra[k] = v
		}
	}
	return u
}

// PublicView renders the user as a JSON object including Extra fields.
func (u *User) PublicView() map[string]any {
	out := map[string]any{
		"id":            u.ID,
		"email":         u.Email,
		"emailVerified": u.EmailVerified,
		"name":          u.Name,
		"createdAt":     u.CreatedAt,
		"updatedAt":     u.UpdatedAt,
	}
	if u.Image != "" {
		out["image"] = u.Image
	}
	for k, v := range u.Extra {
		out[k] = v
	}
	return out
}

func (s *Session) asMap() map[string]any {
	data, _ := json.Marshal(s)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

func sessionFromMap(m map[string]any) *Session {
	return &Session{
		ID:        asString(m["id"]),
		Token:     asString(m["token"]),
		UserID:    asString(m["userId"]),
		ExpiresAt: asTime(m["expiresAt"]),
		CreatedAt: asTime(m["createdAt"]),
		UpdatedAt: asTime(m["updatedAt"]),
		IPAddress: asString(m["ipAddress"]),
		UserAgent: asString(m["userAgent"]),
	}
}

func userFromMap(m map[string]any) *User {
	return UserFromRecord(db.Record(m))
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	case float64:
		return time.UnixMilli(int64(t))
	}
	return time.Time{}
}
