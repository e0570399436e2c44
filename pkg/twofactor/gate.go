// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package twofactor

import (
	"net/http"
	"strings"

	"github.com/stacklok/betterauth/pkg/cookies"
	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/logger"
	"github.com/stacklok/betterauth/pkg/session"
)

// Hooks returns the post sign-in gate. It must be registered before the
// session serialization hook so a revoked session never reaches the cookies.
func (s *Service) Hooks() []endpoint.Hook {
	return []endpoint.Hook{{
		Matcher: endpoint.PathMatcher("/sign-in/email"),
		After:   s.gate,
	}}
}

// gate intercepts successful password sign-ins for users with a second factor
// enrolled: the just-issued session is revoked, a pending identifier is parked
// in the verification table and the two_factor cookie, and the response is
// rewritten to {twoFactorRedirect: true}. A valid trust-device cookie skips
// the gate and is refreshed.
func (s *Service) gate(c *endpoint.Context, resp *endpoint.Response) error {
	if resp.Status != http.StatusOK {
		return nil
	}
	sess, u, ok := session.FromContext(c)
	if !ok || !enabled(u) {
		return nil
	}

	if s.deviceTrusted(c, u.ID) {
		s.refreshTrustDevice(c, u.ID)
		return nil
	}

	// Withhold the session until the second factor verifies.
	if err := s.sessions.Delete(c.Context(), sess.Token); err != nil {
		return err
	}
	s.sessions.ClearPending(c)
	session.MarkRevoked(c)

	pendingID, err := s.createPending(c, u.ID)
	if err != nil {
		return err
	}

	body, ok := resp.Body.(map[string]any)
	if !ok {
		body = make(map[string]any)
		resp.Body = body
	}
	for k := range body {
		delete(body, k)
	}
	body["twoFactorRedirect"] = true
	body["verificationToken"] = pendingID
	return nil
}

// trustDeviceMAC binds a trust identifier to its user.
func (s *Service) trustDeviceMAC(userID, identifier string) string {
	return crypto.SignHMAC([]byte(s.rt.Secret), userID+"!"+identifier)
}

// issueTrustDevice writes a trust_device cookie `identifier!mac` with a
// matching verification row so the next sign-in skips the gate.
func (s *Service) issueTrustDevice(c *endpoint.Context, userID string) error {
	identifier, err := crypto.GenerateToken(32)
	if err != nil {
		return err
	}
	if err := s.createVerificationRow(c.Context(), trustDevicePrefix+identifier, userID, s.cfg.TrustDeviceMaxAge); err != nil {
		return err
	}
	value := identifier + "!" + s.trustDeviceMAC(userID, identifier)
	c.SetSignedCookie(cookies.NameTrustDevice, value, int(s.cfg.TrustDeviceMaxAge.Seconds()))
	return nil
}

// deviceTrusted accepts only a cookie whose MAC matches the user and whose
// identifier row is still present and unexpired.
func (s *Service) deviceTrusted(c *endpoint.Context, userID string) bool {
	value, ok := c.SignedCookie(cookies.NameTrustDevice)
	if !ok {
		return false
	}
	identifier, mac, ok := strings.Cut(value, "!")
	if !ok {
		return false
	}
	if !crypto.VerifyHMAC([]byte(s.rt.Secret), userID+"!"+identifier, mac) {
		return false
	}
	row, err := s.peekVerificationRow(c.Context(), trustDevicePrefix+identifier)
	if err != nil || row == nil {
		return false
	}
	rowUser, _ := row["value"].(string)
	return rowUser == userID
}

// refreshTrustDevice rotates the trusted identifier on each successful
// sign-in, extending the trust window.
func (s *Service) refreshTrustDevice(c *endpoint.Context, userID string) {
	value, ok := c.SignedCookie(cookies.NameTrustDevice)
	if ok {
		if identifier, _, found := strings.Cut(value, "!"); found {
			if err := s.deleteVerificationRow(c.Context(), trustDevicePrefix+identifier); err != nil {
				logger.Debugf("failed to drop old trust-device row: %v", err)
			}
		}
	}
	if err := s.issueTrustDevice(c, userID); err != nil {
		logger.Errorf("failed to refresh trust-device cookie: %v", err)
	}
}
