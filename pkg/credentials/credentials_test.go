// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/cookies"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/db/memory"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

const testSecret = "test-secret-at-least-32-characters-long"

// mailbox records delivered emails and SMS for assertions.
type mailbox struct {
	mu     sync.Mutex
	emails []deliveredEmail
	sms    []deliveredSMS
}

type deliveredEmail struct{ email, url, token string }
type deliveredSMS struct{ phone, code string }

func (m *mailbox) email(_ context.Context, email, url, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails = append(m.emails, deliveredEmail{email, url, token})
	return nil
}

func (m *mailbox) phone(_ context.Context, phone, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sms = append(m.sms, deliveredSMS{phone, code})
	return nil
}

func (m *mailbox) lastEmail(t *testing.T) deliveredEmail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.emails)
	return m.emails[len(m.emails)-1]
}

func (m *mailbox) lastSMS(t *testing.T) deliveredSMS {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sms)
	return m.sms[len(m.sms)-1]
}

type testEnv struct {
	rt       *endpoint.Runtime
	sessions *session.Manager
	svc      *Service
	handler  http.Handler
	mail     *mailbox
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	s, err := schema.Merge(schema.Core(), schema.Phone())
	require.NoError(t, err)
	s, err = schema.Merge(s, schema.TwoFactor())
	require.NoError(t, err)

	rt := &endpoint.Runtime{
		Secret:   testSecret,
		BaseURL:  "http://auth.test",
		BasePath: "/api/auth",
		Adapter:  memory.New(s),
		Cookies:  cookies.New(cookies.Config{Secret: testSecret}),
	}
	mail := &mailbox{}
	if cfg.SendVerificationEmail == nil {
		cfg.SendVerificationEmail = mail.email
	}
	if cfg.SendResetPassword == nil {
		cfg.SendResetPassword = mail.email
	}
	if cfg.SendMagicLink == nil {
		cfg.SendMagicLink = mail.email
	}
	if cfg.SendPhoneOTP == nil {
		cfg.SendPhoneOTP = mail.phone
	}

	sessions := session.NewManager(rt, session.Config{})
	svc := NewService(rt, sessions, cfg)

	d := endpoint.NewDispatcher(rt, nil)
	d.AddHooks(sessions.Hooks()...)
	d.Register(sessions.Endpoints()...)
	d.Register(svc.Endpoints()...)
	return &testEnv{rt: rt, sessions: sessions, svc: svc, handler: d.Handler(), mail: mail}
}

func (e *testEnv) post(t *testing.T, path string, body any, cks ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/auth"+path, strings.NewReader(string(data)))
	for _, c := range cks {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(t *testing.T, path string, cks ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/auth"+path, nil)
	for _, c := range cks {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) signUp(t *testing.T, email, password string) (map[string]any, []*http.Cookie) {
	t.Helper()
	w := e.post(t, "/sign-up/email", map[string]any{
		"name": "Ada", "email": email, "password": password,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp, sessionCookies(w)
}

func sessionCookies(w *httptest.ResponseRecorder) []*http.Cookie {
	var out []*http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.MaxAge >= 0 && c.Value != "" {
			out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return out
}

func TestSignUpCreatesSessionAndCookie(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	w := env.post(t, "/sign-up/email", map[string]any{
		"name": "Ada", "email": "ada@x.io", "password": "pw_longer_than_8",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Token string         `json:"token"`
		User  map[string]any `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "ada@x.io", resp.User["email"])
	assert.Equal(t, false, resp.User["emailVerified"])

	var found *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "better-auth.session_token" {
			found = c
		}
	}
	require.NotNil(t, found, "session token cookie must be set")
	assert.True(t, found.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, found.SameSite)
}

func TestSignUpValidations(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})

	w := env.post(t, "/sign-up/email", map[string]any{"name": "A", "email": "not-an-email", "password": "pw_longer_than_8"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), apierror.CodeInvalidEmail)

	w = env.post(t, "/sign-up/email", map[string]any{"name": "A", "email": "a@x.io", "password": "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), apierror.CodePasswordTooShort)

	env.signUp(t, "dup@x.io", "pw_longer_than_8")
	w = env.post(t, "/sign-up/email", map[string]any{"name": "A", "email": "dup@x.io", "password": "pw_longer_than_8"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), apierror.CodeUserAlreadyExists)
}

func TestEmailCaseInsensitive(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	resp, _ := env.signUp(t, "Ada@X.io", "pw_longer_than_8")

	user := resp["user"].(map[string]any)
	assert.Equal(t, "ada@x.io", user["email"], "email is stored lower-cased")

	// Any case variant signs in to the same account.
	w := env.post(t, "/sign-in/email", map[string]any{"email": "ada@x.io", "password": "pw_longer_than_8"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.post(t, "/sign-in/email", map[string]any{"email": "ADA@X.IO", "password": "pw_longer_than_8"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Case variants are duplicates, not new users.
	w = env.post(t, "/sign-up/email", map[string]any{
		"name": "Ada", "email": "aDa@x.Io", "password": "pw_longer_than_8",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), apierror.CodeUserAlreadyExists)

	n, err := env.rt.Adapter.Count(context.Background(), schema.ModelUser, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSignInWrongPassword(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.signUp(t, "ada@x.io", "pw_longer_than_8")

	w := env.post(t, "/sign-in/email", map[string]any{"email": "ada@x.io", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), apierror.CodeInvalidEmailOrPassword)

	// Unknown email yields the same code.
	w = env.post(t, "/sign-in/email", map[string]any{"email": "nobody@x.io", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), apierror.CodeInvalidEmailOrPassword)
}

func TestSignInSuccess(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.signUp(t, "ada@x.io", "pw_longer_than_8")

	w := env.post(t, "/sign-in/email", map[string]any{"email": "ada@x.io", "password": "pw_longer_than_8"})
	require.Equal(t, http.StatusOK, w.Code)

	cks := sessionCookies(w)
	got := env.get(t, "/get-session", cks...)
	assert.Equal(t, http.StatusOK, got.Code)
	assert.Contains(t, got.Body.String(), "ada@x.io")
}

func TestEmailVerificationRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.signUp(t, "ada@x.io", "pw_longer_than_8")

	delivered := env.mail.lastEmail(t)
	assert.Equal(t, "ada@x.io", delivered.email)
	require.NotEmpty(t, delivered.token)

	w := env.get(t, "/verify-email?token="+delivered.token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	user, err := env.rt.Adapter.FindOne(context.Background(), schema.ModelUser, nil)
	require.NoError(t, err)
	assert.Equal(t, true, user["emailVerified"])

	// Idempotent: the same token verifies again.
	w = env.get(t, "/verify-email?token="+delivered.token)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVerifyEmailExpiredTokenRedirectsWithError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.signUp(t, "ada@x.io", "pw_longer_than_8")

	expired, err := signVerificationToken(testSecret, "ada@x.io", "", -time.Minute)
	require.NoError(t, err)

	w := env.get(t, "/verify-email?token=" + expired + "&callbackURL=http%3A%2F%2Fapp.test%2Fdone")
	require.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "error=token_expired")

	// Without a callback the failure surfaces as JSON.
	w = env.get(t, "/verify-email?token="+expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), apierror.CodeTokenExpired)
}

func TestRequireEmailVerificationBlocksSignIn(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{RequireEmailVerification: true})
	resp, _ := env.signUp(t, "ada@x.io", "pw_longer_than_8")
	assert.Nil(t, resp["token"], "no session before verification")

	w := env.post(t, "/sign-in/email", map[string]any{"email": "ada@x.io", "password": "pw_longer_than_8"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), apierror.CodeEmailNotVerified)

	delivered := env.mail.lastEmail(t)
	env.get(t, "/verify-email?token="+delivered.token)

	w = env.post(t, "/sign-in/email", map[string]any{"email": "ada@x.io", "password": "pw_longer_than_8"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPasswordResetFlow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.signUp(t, "ada@x.io", "pw_longer_than_8")

	w := env.post(t, "/forget-password", map[string]any{"email": "ada@x.io"})
	require.Equal(t, http.StatusOK, w.Code)
	delivered := env.mail.lastEmail(t)

	w = env.post(t, "/reset-password", map[string]any{
		"token": delivered.token, "newPassword": "brand_new_password",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// New password works, old one does not.
	w = env.post(t, "/sign-in/email", map[string]any{"email": "ada@x.io", "password": "brand_new_password"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.post(t, "/sign-in/email", map[string]any{"email": "ada@x.io", "password": "pw_longer_than_8"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// The token is single-use.
	w = env.post(t, "/reset-password", map[string]any{
		"token": delivered.token, "newPassword": "yet_another_password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChangePassword(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	_, cks := env.signUp(t, "ada@x.io", "pw_longer_than_8")

	w := env.post(t, "/change-password", map[string]any{
		"currentPassword": "wrong", "newPassword": "brand_new_password",
	}, cks...)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), apierror.CodeInvalidPassword)

	w = env.post(t, "/change-password", map[string]any{
		"currentPassword": "pw_longer_than_8", "newPassword": "brand_new_password",
	}, cks...)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.post(t, "/sign-in/email", map[string]any{"email": "ada@x.io", "password": "brand_new_password"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChangeEmailVerifiedFlow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	_, cks := env.signUp(t, "ada@x.io", "pw_longer_than_8")

	// Verify the current address first.
	env.get(t, "/verify-email?token="+env.mail.lastEmail(t).token)

	w := env.post(t, "/change-email", map[string]any{"newEmail": "new@x.io"}, cks...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The confirmation token goes to the old address and carries updateTo.
	delivered := env.mail.lastEmail(t)
	assert.Equal(t, "ada@x.io", delivered.email)

	w = env.get(t, "/verify-email?token="+delivered.token, cks...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	user, err := env.rt.Adapter.FindOne(context.Background(), schema.ModelUser, nil)
	require.NoError(t, err)
	assert.Equal(t, "new@x.io", user["email"])
	assert.Equal(t, false, user["emailVerified"], "new address starts unverified")
}

func TestDeleteUserCascades(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{CascadeTwoFactor: true})
	_, cks := env.signUp(t, "ada@x.io", "pw_longer_than_8")
	ctx := context.Background()

	user, err := env.rt.Adapter.FindOne(ctx, schema.ModelUser, nil)
	require.NoError(t, err)
	userID, _ := user["id"].(string)

	// Leave a reset token and a twoFactor row behind to check they cascade.
	w := env.post(t, "/forget-password", map[string]any{"email": "ada@x.io"})
	require.Equal(t, http.StatusOK, w.Code)
	_, err = env.rt.Adapter.Create(ctx, schema.ModelTwoFactor, map[string]any{
		"userId": userID, "secret": "sealed", "backupCodes": "sealed",
	})
	require.NoError(t, err)

	w = env.post(t, "/delete-user", map[string]any{"password": "pw_longer_than_8"}, cks...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for _, model := range []string{
		schema.ModelUser, schema.ModelSession, schema.ModelAccount,
		schema.ModelVerification, schema.ModelTwoFactor,
	} {
		n, err := env.rt.Adapter.Count(ctx, model, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "%s rows should be gone", model)
	}
}

func TestChangeEmailTokenRejectedFromOtherSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	_, adaCks := env.signUp(t, "ada@x.io", "pw_longer_than_8")
	_, eveCks := env.signUp(t, "eve@x.io", "pw_longer_than_8")

	// Eve verifies her address and starts an email change.
	env.get(t, "/verify-email?token="+env.mail.lastEmail(t).token)
	w := env.post(t, "/change-email", map[string]any{"newEmail": "stolen@x.io"}, eveCks...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	eveToken := env.mail.lastEmail(t).token

	// Ada's session cannot apply Eve's change link.
	w = env.get(t, "/verify-email?token="+eveToken, adaCks...)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), apierror.CodeInvalidToken)

	eve, err := env.rt.Adapter.FindOne(context.Background(), schema.ModelUser,
		[]db.Where{db.Eq("email", "eve@x.io")})
	require.NoError(t, err)
	require.NotNil(t, eve, "eve's email must be unchanged")

	// Eve's own session applies it.
	w = env.get(t, "/verify-email?token="+eveToken, eveCks...)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestMagicLinkFlow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{MagicLink: MagicLinkConfig{Enabled: true}})

	w := env.post(t, "/sign-in/magic-link", map[string]any{"email": "ada@x.io", "name": "Ada"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	delivered := env.mail.lastEmail(t)

	w = env.get(t, "/magic-link/verify?token="+delivered.token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "ada@x.io")

	// Single use.
	w = env.get(t, "/magic-link/verify?token="+delivered.token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPhoneOTPFlowAndAttemptCeiling(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PhoneOTP: PhoneOTPConfig{Enabled: true, AllowedAttempts: 3}})

	w := env.post(t, "/phone-number/send-otp", map[string]any{"phoneNumber": "+15551234567"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	code := env.mail.lastSMS(t).code
	require.Len(t, code, 6)

	// Burn all attempts with wrong codes.
	for i := 0; i < 3; i++ {
		w = env.post(t, "/phone-number/verify", map[string]any{
			"phoneNumber": "+15551234567", "code": "000000",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), apierror.CodeInvalidOTP)
	}

	// Ceiling reached: even the correct code rejects.
	w = env.post(t, "/phone-number/verify", map[string]any{
		"phoneNumber": "+15551234567", "code": code,
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), apierror.CodeTooManyAttempts)

	// A fresh send resets the counter and the new code signs in.
	w = env.post(t, "/phone-number/send-otp", map[string]any{"phoneNumber": "+15551234567"})
	require.Equal(t, http.StatusOK, w.Code)
	code = env.mail.lastSMS(t).code

	w = env.post(t, "/phone-number/verify", map[string]any{
		"phoneNumber": "+15551234567", "code": code,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"token"`)
}

func TestUpdateUser(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	_, cks := env.signUp(t, "ada@x.io", "pw_longer_than_8")

	w := env.post(t, "/update-user", map[string]any{"name": "Ada Lovelace"}, cks...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "Ada Lovelace")
}

func TestUnlinkLastAccountRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	_, cks := env.signUp(t, "ada@x.io", "pw_longer_than_8")

	w := env.post(t, "/unlink-account", map[string]any{"providerId": "credential"}, cks...)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), apierror.CodeLastAccount)
}
