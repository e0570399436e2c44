// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"net/http"
	"time"

	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/session"
)

// Endpoints returns the credentials route table. Sign-in and sign-up carry a
// stricter default rate limit than the global one.
func (s *Service) Endpoints() []endpoint.Endpoint {
	strict := &endpoint.Rule{Window: 10 * time.Second, Max: 10}
	eps := []endpoint.Endpoint{
		{
			Name: "sign-up-email", Method: http.MethodPost, Path: "/sign-up/email",
			Handler: s.handleSignUpEmail, RateLimit: strict, ClientExposed: true,
		},
		{
			Name: "sign-in-email", Method: http.MethodPost, Path: "/sign-in/email",
			Handler: s.handleSignInEmail, RateLimit: strict, ClientExposed: true,
		},
		{
			Name: "verify-email", Method: http.MethodGet, Path: "/verify-email",
			Handler: s.handleVerifyEmail, ClientExposed: true,
		},
		{
			Name: "send-verification-email", Method: http.MethodPost, Path: "/send-verification-email",
			Handler: s.handleSendVerificationEmail, RateLimit: strict, ClientExposed: true,
		},
		{
			Name: "forget-password", Method: http.MethodPost, Path: "/forget-password",
			Handler: s.handleForgetPassword, RateLimit: strict, ClientExposed: true,
		},
		{
			Name: "reset-password", Method: http.MethodPost, Path: "/reset-password",
			Handler: s.handleResetPassword, RateLimit: strict, ClientExposed: true,
		},
		{
			Name: "change-password", Method: http.MethodPost, Path: "/change-password",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleChangePassword, ClientExposed: true,
		},
		{
			Name: "set-password", Method: http.MethodPost, Path: "/set-password",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleSetPassword,
		},
		{
			Name: "update-user", Method: http.MethodPost, Path: "/update-user",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleUpdateUser, ClientExposed: true,
		},
		{
			Name: "change-email", Method: http.MethodPost, Path: "/change-email",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleChangeEmail, ClientExposed: true,
		},
		{
			Name: "delete-user", Method: http.MethodPost, Path: "/delete-user",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleDeleteUser, ClientExposed: true,
		},
		{
			Name: "list-accounts", Method: http.MethodGet, Path: "/accounts",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleListAccounts, ClientExposed: true,
		},
		{
			Name: "unlink-account", Method: http.MethodPost, Path: "/unlink-account",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleUnlinkAccount, ClientExposed: true,
		},
	}

	if s.cfg.MagicLink.Enabled {
		eps = append(eps,
			endpoint.Endpoint{
				Name: "sign-in-magic-link", Method: http.MethodPost, Path: "/sign-in/magic-link",
				Handler: s.handleSignInMagicLink, RateLimit: strict, ClientExposed: true,
			},
			endpoint.Endpoint{
				Name: "verify-magic-link", Method: http.MethodGet, Path: "/magic-link/verify",
				Handler: s.handleVerifyMagicLink, ClientExposed: true,
			},
		)
	}
	if s.cfg.PhoneOTP.Enabled {
		eps = append(eps,
			endpoint.Endpoint{
				Name: "send-phone-otp", Method: http.MethodPost, Path: "/phone-number/send-otp",
				Handler: s.handleSendPhoneOTP, RateLimit: strict, ClientExposed: true,
			},
			endpoint.Endpoint{
				Name: "verify-phone-otp", Method: http.MethodPost, Path: "/phone-number/verify",
				Handler: s.handleVerifyPhoneOTP, RateLimit: strict, ClientExposed: true,
			},
		)
	}
	return eps
}
