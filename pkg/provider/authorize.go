// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"
	foauth2 "github.com/ory/fosite/handler/oauth2"
	fositejwt "github.com/ory/fosite/token/jwt"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/cookies"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/logger"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

// pendingMaxAge bounds how long an interrupted authorize request (login,
// consent, select-account) stays resumable.
const pendingMaxAge = 10 * time.Minute

// pendingAuthorization is the authorize request snapshot carried through the
// login/consent/select-account interruptions in a signed cookie.
type pendingAuthorization struct {
	Query     string    `json:"query"`
	UserID    string    `json:"userId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func encodePending(p pendingAuthorization) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodePending(value string) (*pendingAuthorization, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, false
	}
	var p pendingAuthorization
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	return &p, true
}

// handleAuthorize runs the authorization-code state machine. Fosite validates
// the protocol surface (client, redirect_uri exact match, response type,
// PKCE); this handler decides between login, select-account, consent, and
// direct code issuance based on the session and prompt.
func (s *Service) handleAuthorize(c *endpoint.Context) (any, error) {
	ctx := c.Context()

	ar, err := s.oauth2.NewAuthorizeRequest(ctx, c.Request)
	if err != nil {
		logger.Debugw("authorize request rejected", "error", err)
		s.oauth2.WriteAuthorizeError(ctx, c.Writer, ar, err)
		return endpoint.Handled, nil
	}

	prompt := ar.GetRequestForm().Get("prompt")
	_, u, signedIn := session.FromContext(c)

	if !signedIn || prompt == "login" {
		if prompt == "none" {
			s.oauth2.WriteAuthorizeError(ctx, c.Writer, ar, fosite.ErrLoginRequired)
			return endpoint.Handled, nil
		}
		return s.redirectToLogin(c)
	}

	if prompt == "select_account" && s.cfg.SelectedAccount != nil && !s.cfg.SelectedAccount(c) {
		return s.redirectToSelectAccount(c, u)
	}

	required, err := s.consentRequired(ctx, ar, u.ID, prompt)
	if err != nil {
		return nil, err
	}
	if required {
		if prompt == "none" {
			s.oauth2.WriteAuthorizeError(ctx, c.Writer, ar, fosite.ErrConsentRequired)
			return endpoint.Handled, nil
		}
		return s.redirectToConsent(c, u)
	}

	grantRequested(ar)
	resp, err := s.oauth2.NewAuthorizeResponse(ctx, ar, s.newTokenSession(ar, u))
	if err != nil {
		logger.Debugw("failed to issue authorization code", "error", err)
		s.oauth2.WriteAuthorizeError(ctx, c.Writer, ar, err)
		return endpoint.Handled, nil
	}
	s.oauth2.WriteAuthorizeResponse(ctx, c.Writer, ar, resp)
	return endpoint.Handled, nil
}

// grantRequested grants every requested scope and audience. Scope narrowing
// happens upstream: the request only reaches issuance once consent covers the
// full requested set.
func grantRequested(ar fosite.AuthorizeRequester) {
	for _, scope := range ar.GetRequestedScopes() {
		ar.GrantScope(scope)
	}
	for _, audience := range ar.GetRequestedAudience() {
		ar.GrantAudience(audience)
	}
}

// redirectToLogin stashes the authorize request and forwards the user to the
// login page; the sign-in after hook resumes the flow.
func (s *Service) redirectToLogin(c *endpoint.Context) (any, error) {
	if s.cfg.LoginPage == "" {
		return nil, apierror.Unauthorized(apierror.CodeSessionNotFound)
	}
	pending, err := encodePending(pendingAuthorization{
		Query:     c.Request.URL.RawQuery,
		ExpiresAt: s.now().Add(pendingMaxAge),
	})
	if err != nil {
		return nil, apierror.Internal("failed to encode pending authorization", err)
	}
	c.SetSignedCookie(cookies.NameLoginPrompt, pending, int(pendingMaxAge.Seconds()))
	return nil, c.Redirect(appendQuery(s.cfg.LoginPage, c.Request.URL.Query()))
}

func (s *Service) redirectToSelectAccount(c *endpoint.Context, u *session.User) (any, error) {
	if s.cfg.SelectAccountPage == "" {
		return s.redirectToConsent(c, u)
	}
	pending, err := encodePending(pendingAuthorization{
		Query:     c.Request.URL.RawQuery,
		UserID:    u.ID,
		ExpiresAt: s.now().Add(pendingMaxAge),
	})
	if err != nil {
		return nil, apierror.Internal("failed to encode pending authorization", err)
	}
	c.SetSignedCookie(cookies.NameSelectAccount, pending, int(pendingMaxAge.Seconds()))
	return nil, c.Redirect(appendQuery(s.cfg.SelectAccountPage, c.Request.URL.Query()))
}

func (s *Service) redirectToConsent(c *endpoint.Context, u *session.User) (any, error) {
	pending, err := encodePending(pendingAuthorization{
		Query:     c.Request.URL.RawQuery,
		UserID:    u.ID,
		ExpiresAt: s.now().Add(pendingMaxAge),
	})
	if err != nil {
		return nil, apierror.Internal("failed to encode pending authorization", err)
	}
	c.SetSignedCookie(cookies.NameConsent, pending, int(pendingMaxAge.Seconds()))
	if s.cfg.ConsentPage == "" {
		// No consent page; the client application drives POST /consent.
		return map[string]any{"consentRequired": true}, nil
	}
	q := url.Values{}
	q.Set("client_id", c.Query("client_id"))
	q.Set("scope", c.Query("scope"))
	return nil, c.Redirect(appendQuery(s.cfg.ConsentPage, q))
}

// consentRequired checks prompt, the client's skip_consent flag, and the
// recorded consent for (user, client). Recorded scopes short-circuit when
// they are a superset of the requested ones.
func (s *Service) consentRequired(ctx context.Context, ar fosite.AuthorizeRequester, userID, prompt string) (bool, error) {
	if prompt == "consent" {
		return true, nil
	}
	if client, ok := ar.GetClient().(*Client); ok && client.SkipConsent {
		return false, nil
	}
	row, err := s.rt.Adapter.FindOne(ctx, schema.ModelOAuthConsent, []db.Where{
		db.Eq("userId", userID),
		db.Eq("clientId", ar.GetClient().GetID()),
	})
	if err != nil {
		return false, apierror.Internal("failed to look up consent", err)
	}
	if row == nil {
		return true, nil
	}
	granted, _ := row["scopes"].(string)
	return !scopeSuperset(granted, ar.GetRequestedScopes()), nil
}

// scopeSuperset reports whether every requested scope is contained in the
// space-separated recorded scope string.
func scopeSuperset(recorded string, requested []string) bool {
	have := make(map[string]bool)
	for _, scope := range strings.Fields(recorded) {
		have[scope] = true
	}
	for _, scope := range requested {
		if !have[scope] {
			return false
		}
	}
	return true
}

// handleConsent consumes the consent cookie. Accepting records the scopes
// against (user, client) and issues the code; declining returns the client's
// redirect URI with error=access_denied.
func (s *Service) handleConsent(c *endpoint.Context) (any, error) {
	var body struct {
		Accept bool `json:"accept"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	_, u, _ := session.FromContext(c)

	pending, err := s.consumePending(c, cookies.NameConsent, u.ID)
	if err != nil {
		return nil, err
	}
	query, err := url.ParseQuery(pending.Query)
	if err != nil {
		return nil, apierror.Unauthorized(apierror.CodeInvalidState)
	}

	if !body.Accept {
		return map[string]any{"redirectURI": deniedRedirect(query)}, nil
	}

	ctx := c.Context()
	if err := s.recordConsent(ctx, u.ID, query.Get("client_id"), query["scope"]); err != nil {
		return nil, err
	}
	redirectURI, err := s.issueCode(ctx, pending.Query, u)
	if err != nil {
		return nil, err
	}
	return map[string]any{"redirectURI": redirectURI}, nil
}

// handleSelectedAccount consumes the select-account cookie and continues to
// either the consent page or straight to code issuance.
func (s *Service) handleSelectedAccount(c *endpoint.Context) (any, error) {
	_, u, _ := session.FromContext(c)

	pending, err := s.consumePending(c, cookies.NameSelectAccount, u.ID)
	if err != nil {
		return nil, err
	}

	ctx := c.Context()
	ar, err := s.rebuildAuthorizeRequest(ctx, pending.Query)
	if err != nil {
		return nil, apierror.Unauthorized(apierror.CodeInvalidState)
	}
	required, err := s.consentRequired(ctx, ar, u.ID, "")
	if err != nil {
		return nil, err
	}
	if required {
		if _, err := s.redirectToConsent(c, u); err != nil {
			return nil, err
		}
		q := url.Values{}
		q.Set("client_id", ar.GetClient().GetID())
		q.Set("scope", strings.Join(ar.GetRequestedScopes(), " "))
		return map[string]any{"redirectURI": appendQuery(s.cfg.ConsentPage, q)}, nil
	}
	redirectURI, err := s.issueCode(ctx, pending.Query, u)
	if err != nil {
		return nil, err
	}
	return map[string]any{"redirectURI": redirectURI}, nil
}

// consumePending reads, clears, and validates a pending-authorization cookie.
// The cookie is single-use regardless of outcome.
func (s *Service) consumePending(c *endpoint.Context, name, userID string) (*pendingAuthorization, error) {
	value, ok := c.SignedCookie(name)
	c.ClearCookie(name)
	if !ok {
		return nil, apierror.Unauthorized(apierror.CodeInvalidState)
	}
	pending, ok := decodePending(value)
	if !ok || s.now().After(pending.ExpiresAt) {
		return nil, apierror.Unauthorized(apierror.CodeInvalidState)
	}
	if pending.UserID != "" && pending.UserID != userID {
		return nil, apierror.Unauthorized(apierror.CodeInvalidState)
	}
	return pending, nil
}

// issueCode replays the stored authorize query through fosite and returns the
// client redirect URI carrying code and state.
func (s *Service) issueCode(ctx context.Context, query string, u *session.User) (string, error) {
	ar, err := s.rebuildAuthorizeRequest(ctx, query)
	if err != nil {
		return "", apierror.Unauthorized(apierror.CodeInvalidState)
	}
	grantRequested(ar)
	resp, err := s.oauth2.NewAuthorizeResponse(ctx, ar, s.newTokenSession(ar, u))
	if err != nil {
		logger.Debugw("failed to issue authorization code", "error", err)
		return "", apierror.New(apierror.KindBadRequest, apierror.CodeInvalidClient, "authorization request could not be completed")
	}
	redirectURI := ar.GetRedirectURI()
	q := redirectURI.Query()
	for key, values := range resp.GetParameters() {
		for _, v := range values {
			q.Set(key, v)
		}
	}
	redirectURI.RawQuery = q.Encode()
	return redirectURI.String(), nil
}

func (s *Service) rebuildAuthorizeRequest(ctx context.Context, query string) (fosite.AuthorizeRequester, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.issuer+"/oauth2/authorize?"+query, nil)
	if err != nil {
		return nil, err
	}
	return s.oauth2.NewAuthorizeRequest(ctx, req)
}

// recordConsent upserts the consent row, unioning newly accepted scopes with
// any recorded earlier.
func (s *Service) recordConsent(ctx context.Context, userID, clientID string, scopeParams []string) error {
	scopes := strings.Fields(strings.Join(scopeParams, " "))
	now := s.now().UTC()
	row, err := s.rt.Adapter.FindOne(ctx, schema.ModelOAuthConsent, []db.Where{
		db.Eq("userId", userID),
		db.Eq("clientId", clientID),
	})
	if err != nil {
		return apierror.Internal("failed to look up consent", err)
	}
	if row == nil {
		_, err = s.rt.Adapter.Create(ctx, schema.ModelOAuthConsent, db.Record{
			"id":        uuid.New().String(),
			"userId":    userID,
			"clientId":  clientID,
			"scopes":    strings.Join(scopes, " "),
			"createdAt": now,
			"updatedAt": now,
		})
	} else {
		existing, _ := row["scopes"].(string)
		merged := strings.Fields(existing)
		seen := make(map[string]bool, len(merged))
		for _, scope := range merged {
			seen[scope] = true
		}
		for _, scope := range scopes {
			if !seen[scope] {
				seen[scope] = true
				merged = append(merged, scope)
			}
		}
		_, err = s.rt.Adapter.Update(ctx, schema.ModelOAuthConsent,
			[]db.Where{db.Eq("id", row["id"])},
			db.Record{"scopes": strings.Join(merged, " "), "updatedAt": now})
	}
	if err != nil {
		return apierror.Internal("failed to record consent", err)
	}
	return nil
}

// newTokenSession builds the fosite session for a grant. Profile claims are
// copied in so the token and userinfo endpoints can answer without another
// user lookup; scope filtering happens at claim-emission time.
func (s *Service) newTokenSession(ar fosite.AuthorizeRequester, u *session.User) *foauth2.JWTSession {
	extra := map[string]interface{}{
		"email":          u.Email,
		"email_verified": u.EmailVerified,
		"name":           u.Name,
	}
	if u.Image != "" {
		extra["picture"] = u.Image
	}
	if nonce := ar.GetRequestForm().Get("nonce"); nonce != "" {
		extra["nonce"] = nonce
	}
	return &foauth2.JWTSession{
		JWTClaims: &fositejwt.JWTClaims{
			Issuer:   s.issuer,
			Subject:  u.ID,
			IssuedAt: s.now().UTC(),
			Extra:    extra,
		},
		JWTHeader: &fositejwt.Headers{Extra: map[string]interface{}{}},
		Subject:   u.ID,
		Username:  u.Email,
	}
}

// Hooks returns the sign-in resume hook: when a login completes while an
// authorize request is pending, the response is rewritten to send the client
// back to /authorize.
func (s *Service) Hooks() []endpoint.Hook {
	return []endpoint.Hook{{
		Matcher: func(c *endpoint.Context) bool {
			return strings.HasPrefix(c.RoutePath(), "/sign-in")
		},
		After: func(c *endpoint.Context, resp *endpoint.Response) error {
			if resp.Status != http.StatusOK {
				return nil
			}
			value, ok := c.SignedCookie(cookies.NameLoginPrompt)
			if !ok {
				return nil
			}
			c.ClearCookie(cookies.NameLoginPrompt)
			pending, ok := decodePending(value)
			if !ok || s.now().After(pending.ExpiresAt) {
				return nil
			}
			query, err := url.ParseQuery(pending.Query)
			if err != nil {
				return nil
			}
			// Drop prompt=login so the resumed request does not loop.
			if query.Get("prompt") == "login" {
				query.Del("prompt")
			}
			body, ok := resp.Body.(map[string]any)
			if !ok {
				return nil
			}
			body["redirect"] = true
			body["url"] = s.issuer + "/oauth2/authorize?" + query.Encode()
			return nil
		},
	}}
}

// deniedRedirect builds the error redirect for a declined consent.
func deniedRedirect(query url.Values) string {
	target, err := url.Parse(query.Get("redirect_uri"))
	if err != nil || target.String() == "" {
		return ""
	}
	q := target.Query()
	q.Set("error", "access_denied")
	if state := query.Get("state"); state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	return target.String()
}

// appendQuery merges query values onto a page URL.
func appendQuery(page string, values url.Values) string {
	target, err := url.Parse(page)
	if err != nil {
		return page
	}
	q := target.Query()
	for key, vs := range values {
		for _, v := range vs {
			q.Set(key, v)
		}
	}
	target.RawQuery = q.Encode()
	return target.String()
}
