// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package twofactor

import (
	"net/http"
	"time"

	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/session"
)

// Endpoints returns the two-factor route table. Verification endpoints carry
// a strict rate limit on top of the attempt counters.
func (s *Service) Endpoints() []endpoint.Endpoint {
	strict := &endpoint.Rule{Window: 10 * time.Second, Max: 10}
	eps := []endpoint.Endpoint{
		{
			Name: "two-factor-enable", Method: http.MethodPost, Path: "/two-factor/enable",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleEnable, ClientExposed: true,
		},
		{
			Name: "two-factor-disable", Method: http.MethodPost, Path: "/two-factor/disable",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleDisable, ClientExposed: true,
		},
		{
			Name: "two-factor-get-totp-uri", Method: http.MethodPost, Path: "/two-factor/get-totp-uri",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleGetTOTPURI, ClientExposed: true,
		},
		{
			Name: "two-factor-generate-backup-codes", Method: http.MethodPost, Path: "/two-factor/generate-backup-codes",
			Middlewares: []endpoint.HandlerFunc{session.RequireSession},
			Handler:     s.handleGenerateBackupCodes, ClientExposed: true,
		},
		{
			Name: "two-factor-verify-totp", Method: http.MethodPost, Path: "/two-factor/verify-totp",
			Handler: s.handleVerifyTOTP, RateLimit: strict, ClientExposed: true,
		},
		{
			Name: "two-factor-verify-backup-code", Method: http.MethodPost, Path: "/two-factor/verify-backup-code",
			Handler: s.handleVerifyBackupCode, RateLimit: strict, ClientExposed: true,
		},
	}
	if s.cfg.SendOTP != nil {
		eps = append(eps,
			endpoint.Endpoint{
				Name: "two-factor-send-otp", Method: http.MethodPost, Path: "/two-factor/send-otp",
				Handler: s.handleSendOTP, RateLimit: strict, ClientExposed: true,
			},
			endpoint.Endpoint{
				Name: "two-factor-verify-otp", Method: http.MethodPost, Path: "/two-factor/verify-otp",
				Handler: s.handleVerifyOTP, RateLimit: strict, ClientExposed: true,
			},
		)
	}
	return eps
}
