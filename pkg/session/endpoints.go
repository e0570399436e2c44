// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"net/http"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/endpoint"
)

// RequireSession is a middleware rejecting unauthenticated requests.
func RequireSession(c *endpoint.Context) (any, error) {
	if _, _, ok := FromContext(c); !ok {
		return nil, apierror.Unauthorized(apierror.CodeSessionNotFound)
	}
	return nil, nil
}

// Endpoints returns the session management routes.
func (m *Manager) Endpoints() []endpoint.Endpoint {
	return []endpoint.Endpoint{
		{
			Name: "get-session", Method: http.MethodGet, Path: "/get-session",
			Handler: m.handleGetSession, ClientExposed: true,
		},
		{
			// Short-route alias for clients that call GET /session.
			Name: "session", Method: http.MethodGet, Path: "/session",
			Handler: m.handleGetSession, ClientExposed: true,
		},
		{
			Name: "sign-out", Method: http.MethodPost, Path: "/sign-out",
			Handler: m.handleSignOut, ClientExposed: true,
		},
		{
			Name: "list-sessions", Method: http.MethodGet, Path: "/list-sessions",
			Middlewares: []endpoint.HandlerFunc{RequireSession},
			Handler:     m.handleListSessions, ClientExposed: true,
		},
		{
			Name: "revoke-session", Method: http.MethodPost, Path: "/revoke-session",
			Middlewares: []endpoint.HandlerFunc{RequireSession},
			Handler:     m.handleRevokeSession, ClientExposed: true,
		},
		{
			Name: "revoke-sessions", Method: http.MethodPost, Path: "/revoke-sessions",
			Middlewares: []endpoint.HandlerFunc{RequireSession},
			Handler:     m.handleRevokeSessions, ClientExposed: true,
		},
		{
			Name: "revoke-other-sessions", Method: http.MethodPost, Path: "/revoke-other-sessions",
			Middlewares: []endpoint.HandlerFunc{RequireSession},
			Handler:     m.handleRevokeOtherSessions, ClientExposed: true,
		},
	}
}

// handleGetSession returns the resolved session and user, or null for
// anonymous callers (not an error, so clients can probe cheaply).
func (m *Manager) handleGetSession(c *endpoint.Context) (any, error) {
	s, u, ok := FromContext(c)
	if !ok {
		return nil, nil
	}
	return map[string]any{"session": s, "user": u.PublicView()}, nil
}

func (m *Manager) handleSignOut(c *endpoint.Context) (any, error) {
	if s, _, ok := FromContext(c); ok {
		if err := m.Delete(c.Context(), s.Token); err != nil {
			return nil, apierror.Internal("failed to delete session", err)
		}
	}
	MarkRevoked(c)
	return map[string]any{"success": true}, nil
}

func (m *Manager) handleListSessions(c *endpoint.Context) (any, error) {
	s, _, _ := FromContext(c)
	sessions, err := m.List(c.Context(), s.UserID)
	if err != nil {
		return nil, apierror.Internal("failed to list sessions", err)
	}
	return sessions, nil
}

// handleRevokeSession revokes one of the caller's sessions by token.
func (m *Manager) handleRevokeSession(c *endpoint.Context) (any, error) {
	var body struct {
		Token string `json:"token"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	if body.Token == "" {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "token is required")
	}

	current, _, _ := FromContext(c)
	target, _, err := m.Get(c.Context(), body.Token)
	if err != nil {
		return nil, apierror.Internal("failed to find session", err)
	}
	if target == nil || target.UserID != current.UserID {
		return nil, apierror.NotFound(apierror.CodeSessionNotFound)
	}

	if err := m.Delete(c.Context(), body.Token); err != nil {
		return nil, apierror.Internal("failed to revoke session", err)
	}
	if body.Token == current.Token {
		MarkRevoked(c)
	}
	return map[string]any{"status": true}, nil
}

func (m *Manager) handleRevokeSessions(c *endpoint.Context) (any, error) {
	s, _, _ := FromContext(c)
	if err := m.DeleteUserSessions(c.Context(), s.UserID); err != nil {
		return nil, apierror.Internal("failed to revoke sessions", err)
	}
	MarkRevoked(c)
	return map[string]any{"status": true}, nil
}

// handleRevokeOtherSessions keeps the current session and revokes the rest.
func (m *Manager) handleRevokeOtherSessions(c *endpoint.Context) (any, error) {
	current, _, _ := FromContext(c)
	sessions, err := m.List(c.Context(), current.UserID)
	if err != nil {
		return nil, apierror.Internal("failed to list sessions", err)
	}
	for _, s := range sessions {
		if s.Token == current.Token {
			continue
		}
		if err := m.Delete(c.Context(), s.Token); err != nil {
			return nil, apierror.Internal("failed to revoke session", err)
		}
	}
	return map[string]any{"status": true}, nil
}
