// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauthclient

import (
	"net/http"
	"time"

	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/session"
)

// Endpoints returns the OAuth client route table.
func (s *Service) Endpoints() []endpoint.Endpoint {
	strict := &endpoint.Rule{Window: 10 * time.Second, Max: 10}
	return []endpoint.Endpoint{
		{
			Name: "sign-in-social", Method: http.MethodPost, Path: "/sign-in/social",
			Handler: s.handleSignInSocial, RateLimit: strict, ClientExposed: true,
		},
		{
			Name: "link-social", Method: http.MethodPost, Path: "/link-social",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleLinkSocial, RateLimit: strict, ClientExposed: true,
		},
		{
			Name: "oauth-callback", Method: http.MethodGet, Path: "/callback/{providerId}",
			Handler: s.handleCallback, ClientExposed: true,
		},
		{
			Name: "refresh-token", Method: http.MethodPost, Path: "/refresh-token",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleRefreshToken, ClientExposed: true,
		},
	}
}
