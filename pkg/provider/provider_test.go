// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/betterauth/pkg/cookies"
	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/db/memory"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

const testSecret = "test-secret-at-least-32-characters-long"

type testEnv struct {
	rt       *endpoint.Runtime
	sessions *session.Manager
	svc      *Service
	handler  http.Handler
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	s, err := schema.Merge(schema.Core(), schema.OIDCProvider())
	require.NoError(t, err)

	rt := &endpoint.Runtime{
		Secret:   testSecret,
		BaseURL:  "http://auth.test",
		BasePath: "/api/auth",
		Adapter:  memory.New(s),
		Cookies:  cookies.New(cookies.Config{Secret: testSecret}),
	}
	sessions := session.NewManager(rt, session.Config{})
	svc, err := NewService(rt, sessions, cfg)
	require.NoError(t, err)

	d := endpoint.NewDispatcher(rt, nil)
	hooks := sessions.Hooks()
	d.AddHooks(hooks[0])
	d.AddHooks(svc.Hooks()...)
	d.AddHooks(hooks[1])
	d.Register(sessions.Endpoints()...)
	d.Register(svc.Endpoints()...)
	// Stand-in for the credentials sign-in route, so the resume hook has a
	// response to rewrite.
	d.Register(endpoint.Endpoint{
		Name: "sign-in-email", Method: http.MethodPost, Path: "/sign-in/email",
		Handler: func(*endpoint.Context) (any, error) {
			return map[string]any{"token": "stub"}, nil
		},
	})

	return &testEnv{rt: rt, sessions: sessions, svc: svc, handler: d.Handler()}
}

// signIn seeds a user and returns browser-style session cookies.
func (e *testEnv) signIn(t *testing.T) (db.Record, []*http.Cookie) {
	t.Helper()
	ctx := context.Background()
	now := e.svc.now().UTC()
	user, err := e.rt.Adapter.Create(ctx, schema.ModelUser, db.Record{
		"email": "ada@example.com", "name": "Ada", "emailVerified": true,
		"createdAt": now, "updatedAt": now,
	})
	require.NoError(t, err)

	s, err := e.sessions.Create(ctx, user["id"].(string), "", "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	e.rt.Cookies.SetSigned(rec, cookies.NameSessionToken, s.Token, cookies.Attributes{MaxAge: 3600})
	var cks []*http.Cookie
	for _, c := range rec.Result().Cookies() {
		cks = append(cks, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return user, cks
}

func (e *testEnv) registerClient(t *testing.T, reg *ClientRegistration) *ClientRegistration {
	t.Helper()
	out, err := e.svc.RegisterClient(context.Background(), reg)
	require.NoError(t, err)
	return out
}

func (e *testEnv) request(t *testing.T, method, path string, body string, header http.Header, cks ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/api/auth"+path, strings.NewReader(body))
	for k, vs := range header {
		req.Header[k] = vs
	}
	for _, c := range cks {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func authorizeQuery(clientID, redirectURI, scope, verifier string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {scope},
		"state":                 {"opaque-state"},
		"code_challenge":        {crypto.ComputePKCEChallenge(verifier)},
		"code_challenge_method": {crypto.PKCEChallengeMethodS256},
	}
}

func formHeader() http.Header {
	return http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
}

func TestDiscoveryDocument(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	w := e.request(t, http.MethodGet, "/.well-known/openid-configuration", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "http://auth.test/api/auth", doc["issuer"])
	assert.Equal(t, "http://auth.test/api/auth/oauth2/authorize", doc["authorization_endpoint"])
	assert.Equal(t, "http://auth.test/api/auth/oauth2/token", doc["token_endpoint"])
	assert.Equal(t, "http://auth.test/api/auth/jwks", doc["jwks_uri"])
	assert.Contains(t, doc["scopes_supported"], "openid")
	assert.NotEmpty(t, w.Header().Get("Cache-Control"))
}

func TestJWKSServesSigningKey(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	w := e.request(t, http.MethodGet, "/jwks", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "EC", jwks.Keys[0]["kty"])
	assert.Equal(t, "ES256", jwks.Keys[0]["alg"])
	assert.NotEmpty(t, jwks.Keys[0]["kid"])
}

func TestAuthorizeRejectsUnregisteredRedirectURI(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.registerClient(t, &ClientRegistration{
		ClientID: "web-app", RedirectURLs: []string{"http://client.test/callback"},
		AuthMethod: "none", SkipConsent: true,
	})
	_, cks := e.signIn(t)

	q := authorizeQuery("web-app", "http://evil.test/callback", "openid", crypto.GeneratePKCEVerifier())
	w := e.request(t, http.MethodGet, "/oauth2/authorize?"+q.Encode(), "", nil, cks...)

	// Unknown redirect URIs never get a redirect; fosite answers directly.
	require.NotEqual(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestAuthorizePromptNoneWithoutSession(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{LoginPage: "http://auth.test/login"})
	e.registerClient(t, &ClientRegistration{
		ClientID: "web-app", RedirectURLs: []string{"http://client.test/callback"},
		AuthMethod: "none", SkipConsent: true,
	})

	q := authorizeQuery("web-app", "http://client.test/callback", "openid", crypto.GeneratePKCEVerifier())
	q.Set("prompt", "none")
	w := e.request(t, http.MethodGet, "/oauth2/authorize?"+q.Encode(), "", nil)

	require.Contains(t, []int{http.StatusFound, http.StatusSeeOther}, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "error=login_required")
}

func TestLoginResumeHook(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{LoginPage: "http://auth.test/login"})
	e.registerClient(t, &ClientRegistration{
		ClientID: "web-app", RedirectURLs: []string{"http://client.test/callback"},
		AuthMethod: "none", SkipConsent: true,
	})

	// Anonymous authorize stashes the request and redirects to login.
	q := authorizeQuery("web-app", "http://client.test/callback", "openid", crypto.GeneratePKCEVerifier())
	w := e.request(t, http.MethodGet, "/oauth2/authorize?"+q.Encode(), "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "http://auth.test/login")

	var prompt *http.Cookie
	for _, c := range w.Result().Cookies() {
		if strings.Contains(c.Name, cookies.NameLoginPrompt) && c.Value != "" {
			prompt = &http.Cookie{Name: c.Name, Value: c.Value}
		}
	}
	require.NotNil(t, prompt, "login prompt cookie must be set")

	// Completing sign-in with the prompt cookie rewrites the response to
	// send the browser back to /authorize.
	w = e.request(t, http.MethodPost, "/sign-in/email", `{}`, nil, prompt)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["redirect"])
	assert.Contains(t, body["url"], "/oauth2/authorize?")
	assert.Contains(t, body["url"], "client_id=web-app")
}

func TestConsentFlow(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.registerClient(t, &ClientRegistration{
		ClientID: "web-app", RedirectURLs: []string{"http://client.test/callback"},
		AuthMethod: "none",
	})
	_, cks := e.signIn(t)

	verifier := crypto.GeneratePKCEVerifier()
	q := authorizeQuery("web-app", "http://client.test/callback", "openid", verifier)

	// First authorize: consent is pending, no code yet.
	w := e.request(t, http.MethodGet, "/oauth2/authorize?"+q.Encode(), "", nil, cks...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"consentRequired":true`)

	var consent *http.Cookie
	for _, c := range w.Result().Cookies() {
		if strings.Contains(c.Name, cookies.NameConsent) && c.Value != "" {
			consent = &http.Cookie{Name: c.Name, Value: c.Value}
		}
	}
	require.NotNil(t, consent, "consent cookie must be set")

	// Accepting issues the code on the client redirect URI.
	w = e.request(t, http.MethodPost, "/oauth2/consent", `{"accept":true}`, nil, append(cks, consent)...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		RedirectURI string `json:"redirectURI"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	loc, err := url.Parse(resp.RedirectURI)
	require.NoError(t, err)
	assert.Equal(t, "client.test", loc.Host)
	assert.NotEmpty(t, loc.Query().Get("code"))
	assert.Equal(t, "opaque-state", loc.Query().Get("state"))

	// Consent is recorded: the next authorize skips straight to the code.
	w = e.request(t, http.MethodGet, "/oauth2/authorize?"+q.Encode(), "", nil, cks...)
	require.Contains(t, []int{http.StatusFound, http.StatusSeeOther}, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Location"), "code=")
}

func TestConsentDeclined(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.registerClient(t, &ClientRegistration{
		ClientID: "web-app", RedirectURLs: []string{"http://client.test/callback"},
		AuthMethod: "none",
	})
	_, cks := e.signIn(t)

	q := authorizeQuery("web-app", "http://client.test/callback", "openid", crypto.GeneratePKCEVerifier())
	w := e.request(t, http.MethodGet, "/oauth2/authorize?"+q.Encode(), "", nil, cks...)
	require.Equal(t, http.StatusOK, w.Code)
	var consent *http.Cookie
	for _, c := range w.Result().Cookies() {
		if strings.Contains(c.Name, cookies.NameConsent) && c.Value != "" {
			consent = &http.Cookie{Name: c.Name, Value: c.Value}
		}
	}
	require.NotNil(t, consent)

	w = e.request(t, http.MethodPost, "/oauth2/consent", `{"accept":false}`, nil, append(cks, consent)...)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		RedirectURI string `json:"redirectURI"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.RedirectURI, "error=access_denied")
	assert.Contains(t, resp.RedirectURI, "state=opaque-state")

	// Declining records nothing.
	n, err := e.rt.Adapter.Count(context.Background(), schema.ModelOAuthConsent, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

// issueCodeFor runs the full signed-in authorize and returns the code.
func (e *testEnv) issueCodeFor(t *testing.T, cks []*http.Cookie, scope, verifier string) string {
	t.Helper()
	q := authorizeQuery("web-app", "http://client.test/callback", scope, verifier)
	w := e.request(t, http.MethodGet, "/oauth2/authorize?"+q.Encode(), "", nil, cks...)
	require.Contains(t, []int{http.StatusFound, http.StatusSeeOther}, w.Code, w.Body.String())
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code, "authorize must issue a code")
	return code
}

func TestRefreshTokenRotation(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.registerClient(t, &ClientRegistration{
		ClientID: "web-app", RedirectURLs: []string{"http://client.test/callback"},
		AuthMethod: "none", SkipConsent: true,
	})
	_, cks := e.signIn(t)

	verifier := crypto.GeneratePKCEVerifier()
	code := e.issueCodeFor(t, cks, "openid offline_access", verifier)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"http://client.test/callback"},
		"client_id":     {"web-app"},
		"code_verifier": {verifier},
	}
	w := e.request(t, http.MethodPost, "/oauth2/token", form.Encode(), formHeader())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var grant struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grant))
	require.NotEmpty(t, grant.RefreshToken, "offline_access grants a refresh token")

	refresh := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {grant.RefreshToken},
		"client_id":     {"web-app"},
	}
	w = e.request(t, http.MethodPost, "/oauth2/token", refresh.Encode(), formHeader())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rotated struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, grant.RefreshToken, rotated.RefreshToken, "refresh tokens rotate")

	// The consumed refresh token no longer works.
	w = e.request(t, http.MethodPost, "/oauth2/token", refresh.Encode(), formHeader())
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_grant")
}

func TestIntrospection(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.registerClient(t, &ClientRegistration{
		ClientID: "web-app", RedirectURLs: []string{"http://client.test/callback"},
		AuthMethod: "none", SkipConsent: true,
	})
	e.registerClient(t, &ClientRegistration{
		ClientID: "introspector", ClientSecret: "confidential-secret",
		RedirectURLs: []string{"http://rs.test/callback"},
	})
	_, cks := e.signIn(t)

	verifier := crypto.GeneratePKCEVerifier()
	code := e.issueCodeFor(t, cks, "openid", verifier)
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"http://client.test/callback"},
		"client_id":     {"web-app"},
		"code_verifier": {verifier},
	}
	w := e.request(t, http.MethodPost, "/oauth2/token", form.Encode(), formHeader())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var grant struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grant))

	header := formHeader()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.SetBasicAuth("introspector", "confidential-secret")
	header.Set("Authorization", req.Header.Get("Authorization"))

	body := url.Values{"token": {grant.AccessToken}}
	w = e.request(t, http.MethodPost, "/oauth2/introspect", body.Encode(), header)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var active struct {
		Active bool   `json:"active"`
		Sub    string `json:"sub"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.True(t, active.Active)

	// Garbage is inactive, not an error.
	body = url.Values{"token": {"not-a-token"}}
	w = e.request(t, http.MethodPost, "/oauth2/introspect", body.Encode(), header)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.False(t, active.Active)
}

func TestDynamicRegistration(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{AllowDynamicRegistration: true})

	w := e.request(t, http.MethodPost, "/oauth2/register",
		`{"redirect_uris":["https://client.test/callback"],"client_name":"Acme"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		ClientID     string   `json:"client_id"`
		ClientSecret string   `json:"client_secret"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ClientID)
	assert.NotEmpty(t, resp.ClientSecret)
	assert.Equal(t, []string{"https://client.test/callback"}, resp.RedirectURIs)

	// Relative redirect URIs are rejected per RFC 7591.
	w = e.request(t, http.MethodPost, "/oauth2/register",
		`{"redirect_uris":["/callback"]}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_redirect_uri")
}

func TestDynamicRegistrationDisabled(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	w := e.request(t, http.MethodPost, "/oauth2/register",
		`{"redirect_uris":["https://client.test/callback"]}`, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}
