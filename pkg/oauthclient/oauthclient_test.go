// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauthclient

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
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/db/memory"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

const testSecret = "test-secret-at-least-32-characters-long"

// fakeProvider is an upstream OAuth2 server: a token endpoint and a userinfo
// endpoint, no OIDC discovery.
type fakeProvider struct {
	srv *httptest.Server

	// lastVerifier records the PKCE verifier the token request carried.
	lastVerifier string
	// profile is what userinfo returns.
	profile map[string]any
	// refreshed counts refresh_token grants.
	refreshed int
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{
		profile: map[string]any{
			"sub":            "subject-1",
			"email":          "ada@x.io",
			"email_verified": true,
			"name":           "Ada",
			"picture":        "https://img.test/ada.png",
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		fp.lastVerifier = r.FormValue("code_verifier")
		if r.FormValue("grant_type") == "refresh_token" {
			fp.refreshed++
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-" + r.FormValue("grant_type"),
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "refresh-1",
			"scope":         "openid profile email",
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fp.profile)
	})
	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

type testEnv struct {
	rt      *endpoint.Runtime
	svc     *Service
	handler http.Handler
	fp      *fakeProvider
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	fp := newFakeProvider(t)

	rt := &endpoint.Runtime{
		Secret:   testSecret,
		BaseURL:  "http://auth.test",
		BasePath: "/api/auth",
		Adapter:  memory.New(schema.Core()),
		Cookies:  cookies.New(cookies.Config{Secret: testSecret}),
	}
	cfg := Config{
		Providers: []Provider{{
			ID:               "acme",
			ClientID:         "client-1",
			ClientSecret:     "secret-1",
			AuthorizationURL: fp.srv.URL + "/authorize",
			TokenURL:         fp.srv.URL + "/token",
			UserInfoURL:      fp.srv.URL + "/userinfo",
			Scopes:           []string{"openid", "profile"},
			UsePKCE:          true,
		}},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sessions := session.NewManager(rt, session.Config{})
	svc := NewService(rt, sessions, cfg)

	d := endpoint.NewDispatcher(rt, nil)
	d.AddHooks(sessions.Hooks()...)
	d.Register(sessions.Endpoints()...)
	d.Register(svc.Endpoints()...)
	return &testEnv{rt: rt, svc: svc, handler: d.Handler(), fp: fp}
}

// startSignIn runs /sign-in/social and returns the provider URL and the
// state cookie to carry into the callback.
func (e *testEnv) startSignIn(t *testing.T, body map[string]any) (*url.URL, []*http.Cookie) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-in/social", strings.NewReader(string(data)))
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		URL      string `json:"url"`
		Redirect bool   `json:"redirect"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Redirect)
	u, err := url.Parse(resp.URL)
	require.NoError(t, err)

	var cks []*http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Value != "" {
			cks = append(cks, &http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return u, cks
}

func (e *testEnv) callback(t *testing.T, query string, cks []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/auth/callback/acme?"+query, nil)
	for _, c := range cks {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestSignInSocialBuildsAuthorizationURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	u, cks := env.startSignIn(t, map[string]any{"provider": "acme"})

	q := u.Query()
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "http://auth.test/api/auth/callback/acme", q.Get("redirect_uri"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Contains(t, q.Get("scope"), "openid")

	found := false
	for _, c := range cks {
		if c.Name == "better-auth.state" {
			found = true
		}
	}
	assert.True(t, found, "signed state cookie must be set")
}

func TestUnknownProviderRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-in/social",
		strings.NewReader(`{"provider":"nope"}`))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "PROVIDER_NOT_FOUND")
}

func TestCallbackProvisionsUserAndSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	u, cks := env.startSignIn(t, map[string]any{
		"provider": "acme", "callbackURL": "http://app.test/done",
	})
	state := u.Query().Get("state")

	w := env.callback(t, "code=abc&state="+state, cks)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	assert.Equal(t, "http://app.test/done", w.Header().Get("Location"))

	// PKCE verifier traveled to the token endpoint.
	assert.NotEmpty(t, env.fp.lastVerifier)

	ctx := context.Background()
	user, err := env.rt.Adapter.FindOne(ctx, schema.ModelUser, []db.Where{db.Eq("email", "ada@x.io")})
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, true, user["emailVerified"])

	account, err := env.rt.Adapter.FindOne(ctx, schema.ModelAccount, []db.Where{
		db.Eq("providerId", "acme"), db.Eq("accountId", "subject-1"),
	})
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, user["id"], account["userId"])
	assert.Equal(t, "refresh-1", account["refreshToken"])

	var sessionCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "better-auth.session_token" && c.Value != "" {
			sessionCookie = c
		}
	}
	assert.NotNil(t, sessionCookie, "session cookie must be set on the redirect")
}

func TestCallbackNewUserURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	u, cks := env.startSignIn(t, map[string]any{
		"provider":           "acme",
		"callbackURL":        "http://app.test/done",
		"newUserCallbackURL": "http://app.test/welcome",
	})
	state := u.Query().Get("state")

	w := env.callback(t, "code=abc&state="+state, cks)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "http://app.test/welcome", w.Header().Get("Location"))

	// Second round-trip is no longer a first login.
	u, cks = env.startSignIn(t, map[string]any{
		"provider":           "acme",
		"callbackURL":        "http://app.test/done",
		"newUserCallbackURL": "http://app.test/welcome",
	})
	w = env.callback(t, "code=abc&state="+u.Query().Get("state"), cks)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "http://app.test/done", w.Header().Get("Location"))
}

func TestForgedStateRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	_, cks := env.startSignIn(t, map[string]any{"provider": "acme"})

	w := env.callback(t, "code=abc&state=forged", cks)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_STATE")
}

func TestStateCookieSingleUse(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	u, cks := env.startSignIn(t, map[string]any{
		"provider": "acme", "callbackURL": "http://app.test/done",
	})
	state := u.Query().Get("state")

	w := env.callback(t, "code=abc&state="+state, cks)
	require.Equal(t, http.StatusFound, w.Code)

	// Replaying without the cleared cookie fails.
	w = env.callback(t, "code=abc&state="+state, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProviderErrorRedirectsToErrorURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	u, cks := env.startSignIn(t, map[string]any{
		"provider":         "acme",
		"callbackURL":      "http://app.test/done",
		"errorCallbackURL": "http://app.test/oops",
	})
	state := u.Query().Get("state")

	w := env.callback(t, "error=access_denied&state="+state, cks)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.test", loc.Host)
	assert.Equal(t, "/oops", loc.Path)
	assert.NotEmpty(t, loc.Query().Get("error"))
}

func TestUntrustedProviderCannotAutoLink(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()

	// The email already belongs to a credential user.
	_, err := env.rt.Adapter.Create(ctx, schema.ModelUser, db.Record{
		"email": "ada@x.io", "emailVerified": true, "name": "Ada",
	})
	require.NoError(t, err)

	u, cks := env.startSignIn(t, map[string]any{
		"provider": "acme", "errorCallbackURL": "http://app.test/oops",
	})
	w := env.callback(t, "code=abc&state="+u.Query().Get("state"), cks)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "error=account_already_linked")
}

func TestTrustedProviderAutoLinks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *Config) {
		cfg.Linking.TrustedProviders = []string{"acme"}
	})
	ctx := context.Background()

	existing, err := env.rt.Adapter.Create(ctx, schema.ModelUser, db.Record{
		"email": "ada@x.io", "emailVerified": true, "name": "Ada",
	})
	require.NoError(t, err)

	u, cks := env.startSignIn(t, map[string]any{
		"provider": "acme", "callbackURL": "http://app.test/done",
	})
	w := env.callback(t, "code=abc&state="+u.Query().Get("state"), cks)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	account, err := env.rt.Adapter.FindOne(ctx, schema.ModelAccount, []db.Where{
		db.Eq("providerId", "acme"), db.Eq("accountId", "subject-1"),
	})
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, existing["id"], account["userId"])
}

func TestDisableSignUpBlocksProvisioning(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *Config) {
		cfg.DisableSignUp = true
	})
	u, cks := env.startSignIn(t, map[string]any{
		"provider": "acme", "errorCallbackURL": "http://app.test/oops",
	})
	w := env.callback(t, "code=abc&state="+u.Query().Get("state"), cks)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "error=sign_up_disabled")
}

func TestRefreshTokenRotatesStoredTokens(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	// Sign in through the provider first so a session and account exist.
	u, cks := env.startSignIn(t, map[string]any{"provider": "acme"})
	w := env.callback(t, "code=abc&state="+u.Query().Get("state"), cks)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var sessionCks []*http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Value != "" {
			sessionCks = append(sessionCks, &http.Cookie{Name: c.Name, Value: c.Value})
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh-token",
		strings.NewReader(`{"providerId":"acme"}`))
	for _, c := range sessionCks {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, env.fp.refreshed)
	assert.Contains(t, rec.Body.String(), "access-refresh_token")

	account, err := env.rt.Adapter.FindOne(context.Background(), schema.ModelAccount, []db.Where{
		db.Eq("providerId", "acme"), db.Eq("accountId", "subject-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "access-refresh_token", account["accessToken"])
}

func TestMergeScopes(t *testing.T) {
	t.Parallel()

	got := mergeScopes([]string{"openid", "profile"}, []string{"email", "profile"})
	assert.Equal(t, []string{"openid", "profile", "email"}, got)
}
