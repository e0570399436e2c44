// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"strings"
	"time"

	"github.com/stacklok/betterauth/pkg/cookies"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/logger"
)

// Context value keys.
const (
	ctxKeySession = "session"
	ctxKeyUser    = "session_user"
	ctxKeyPending = "pending_session"
	ctxKeyRenewed = "session_renewed"
	ctxKeyRevoked = "session_revoked"
	ctxKeyDirty   = "session_dirty"
)

type pendingSession struct {
	session      *Session
	user         *User
	dontRemember bool
}

// FromContext returns the resolved session and user, if any.
func FromContext(c *endpoint.Context) (*Session, *User, bool) {
	sv, ok := c.Get(ctxKeySession)
	if !ok {
		return nil, nil, false
	}
	uv, _ := c.Get(ctxKeyUser)
	s, _ := sv.(*Session)
	u, _ := uv.(*User)
	if s == nil || u == nil {
		return nil, nil, false
	}
	return s, u, true
}

// SetPending attaches a freshly issued session to the context; the
// serialization after-hook writes the cookies once at response time.
func (m *Manager) SetPending(c *endpoint.Context, s *Session, u *User, dontRemember bool) {
	c.Set(ctxKeyPending, &pendingSession{session: s, user: u, dontRemember: dontRemember})
	c.Set(ctxKeySession, s)
	c.Set(ctxKeyUser, u)
}

// ClearPending drops a previously attached pending session (used by the
// two-factor gate to withhold the session it just revoked).
func (m *Manager) ClearPending(c *endpoint.Context) {
	c.Delete(ctxKeyPending)
	c.Delete(ctxKeySession)
	c.Delete(ctxKeyUser)
}

// MarkDirty flags that user or session state changed; the after-hook
// re-issues the cookie cache so stale snapshots never outlive a mutation.
func MarkDirty(c *endpoint.Context) {
	c.Set(ctxKeyDirty, true)
}

// MarkRevoked flags that the current session was revoked; the after-hook
// clears the auth cookies.
func MarkRevoked(c *endpoint.Context) {
	c.Set(ctxKeyRevoked, true)
}

// Hooks returns the session subsystem's dispatcher hooks: a before hook that
// resolves the inbound session and an after hook that serializes cookies.
func (m *Manager) Hooks() []endpoint.Hook {
	return []endpoint.Hook{
		{Before: m.resolve},
		{After: m.serialize},
	}
}

// resolve finds the caller's session: bearer token, then signed token cookie,
// then (cache enabled) the session-data cookie, trusted without a database
// read until it expires.
func (m *Manager) resolve(c *endpoint.Context) error {
	if token := m.bearerToken(c); token != "" {
		return m.resolveToken(c, token)
	}

	if token, ok := c.SignedCookie(cookies.NameSessionToken); ok {
		if m.resolveFromCache(c, token) {
			return nil
		}
		return m.resolveToken(c, token)
	}
	return nil
}

func (m *Manager) bearerToken(c *endpoint.Context) string {
	if !m.cfg.Bearer {
		return ""
	}
	auth := c.Header("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func (m *Manager) resolveToken(c *endpoint.Context, token string) error {
	s, renewed, err := m.Get(c.Context(), token)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	u, err := m.GetUser(c.Context(), s.UserID)
	if err != nil {
		return err
	}
	if u == nil {
		return nil
	}
	c.Set(ctxKeySession, s)
	c.Set(ctxKeyUser, u)
	if renewed {
		c.Set(ctxKeyRenewed, true)
	}
	return nil
}

// resolveFromCache trusts a valid session-data cookie matching the configured
// version, skipping the database entirely.
func (m *Manager) resolveFromCache(c *endpoint.Context, token string) bool {
	if !m.cfg.CookieCache.Enabled || m.rt.CacheCodec == nil {
		return false
	}
	raw, ok := m.rt.Cookies.GetChunked(c.Request, cookies.NameSessionData)
	if !ok {
		return false
	}
	payload, err := m.rt.CacheCodec.Decode(raw)
	if err != nil {
		return false
	}
	if payload.Version != m.cfg.CookieCache.Version {
		logger.Debugw("ignoring session cache with stale version",
			"got", payload.Version, "want", m.cfg.CookieCache.Version)
		return false
	}

	s := sessionFromMap(payload.Session)
	if s.Token != token || !s.ExpiresAt.After(m.now()) {
		return false
	}
	c.Set(ctxKeySession, s)
	c.Set(ctxKeyUser, userFromMap(payload.User))
	return true
}

// serialize writes the auth cookies at response time: new sessions get a
// token cookie (and optional cache), renewals rewrite the token cookie, and
// revocations clear everything.
func (m *Manager) serialize(c *endpoint.Context, _ *endpoint.Response) error {
	if revoked, _ := c.Get(ctxKeyRevoked); revoked == true {
		m.clearCookies(c)
		return nil
	}

	if pv, ok := c.Get(ctxKeyPending); ok {
		pending := pv.(*pendingSession)
		m.writeCookies(c, pending.session, pending.user, pending.dontRemember)
		return nil
	}

	s, u, ok := FromContext(c)
	if !ok {
		return nil
	}
	renewed, _ := c.Get(ctxKeyRenewed)
	dirty, _ := c.Get(ctxKeyDirty)
	if renewed == true || dirty == true {
		m.writeCookies(c, s, u, m.rt.Cookies.DontRemember(c.Request))
	}
	return nil
}

func (m *Manager) writeCookies(c *endpoint.Context, s *Session, u *User, dontRemember bool) {
	maxAge := cookies.SessionTokenMaxAge(dontRemember, time.Until(s.ExpiresAt))
	m.rt.Cookies.SetSigned(c.Writer, cookies.NameSessionToken, s.Token,
		cookies.Attributes{MaxAge: maxAge})
	if dontRemember {
		m.rt.Cookies.SetDontRemember(c.Writer)
	}
	m.writeCache(c, s, u, dontRemember)
}

func (m *Manager) writeCache(c *endpoint.Context, s *Session, u *User, dontRemember bool) {
	if !m.cfg.CookieCache.Enabled || m.rt.CacheCodec == nil {
		return
	}
	encoded, err := m.rt.CacheCodec.Encode(cookies.CachePayload{
		Session:   s.asMap(),
		User:      u.PublicView(),
		UpdatedAt: m.now().UnixMilli(),
		Version:   m.cfg.CookieCache.Version,
	}, m.now().Add(m.cfg.CookieCache.MaxAge))
	if err != nil {
		logger.Errorf("failed to encode session cache cookie: %v", err)
		return
	}
	maxAge := cookies.SessionTokenMaxAge(dontRemember, m.cfg.CookieCache.MaxAge)
	m.rt.Cookies.SetChunked(c.Writer, c.Request, cookies.NameSessionData, encoded,
		cookies.Attributes{MaxAge: maxAge})
}

func (m *Manager) clearCookies(c *endpoint.Context) {
	c.ClearCookie(cookies.NameSessionToken)
	c.ClearCookie(cookies.NameSessionData)
	c.ClearCookie(cookies.NameDontRemember)
}
