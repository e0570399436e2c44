// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package betterauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/betterauth/pkg/cookies"
	"github.com/stacklok/betterauth/pkg/session"
)

// API invokes auth endpoints server-side, without a network round trip.
// Requests are synthesized against the engine's handler so every hook, rate
// limit, and cookie rule applies exactly as it would over HTTP.
type API struct {
	auth *Auth
}

// API returns the server-side invocation surface.
func (a *Auth) API() *API {
	return &API{auth: a}
}

// Error is a failed endpoint invocation.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// SignUpEmailParams registers a new email credential account.
type SignUpEmailParams struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInEmailParams authenticates an email credential account.
type SignInEmailParams struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe *bool  `json:"rememberMe,omitempty"`
}

// SessionResult is the outcome of an endpoint that establishes a session.
type SessionResult struct {
	Token string        `json:"token"`
	User  *session.User `json:"user"`
}

// SessionState is the resolved session returned by GetSession.
type SessionState struct {
	Session *session.Session `json:"session"`
	User    *session.User    `json:"user"`
}

// SignUpEmail registers a user and, when auto sign-in applies, returns the
// new session token.
func (api *API) SignUpEmail(ctx context.Context, params SignUpEmailParams) (*SessionResult, error) {
	var out SessionResult
	resp, err := api.do(ctx, http.MethodPost, "/sign-up/email", params, "", &out)
	if err != nil {
		return nil, err
	}
	if out.Token == "" {
		out.Token = api.sessionTokenFrom(resp)
	}
	return &out, nil
}

// SignInEmail authenticates and returns the session token.
func (api *API) SignInEmail(ctx context.Context, params SignInEmailParams) (*SessionResult, error) {
	var out SessionResult
	resp, err := api.do(ctx, http.MethodPost, "/sign-in/email", params, "", &out)
	if err != nil {
		return nil, err
	}
	if out.Token == "" {
		out.Token = api.sessionTokenFrom(resp)
	}
	return &out, nil
}

// GetSession resolves a session token. A missing or expired session returns
// (nil, nil), matching the HTTP endpoint's null response.
func (api *API) GetSession(ctx context.Context, token string) (*SessionState, error) {
	var out SessionState
	if _, err := api.do(ctx, http.MethodGet, "/get-session", nil, token, &out); err != nil {
		return nil, err
	}
	if out.Session == nil {
		return nil, nil
	}
	return &out, nil
}

// SignOut revokes the session behind the token.
func (api *API) SignOut(ctx context.Context, token string) error {
	_, err := api.do(ctx, http.MethodPost, "/sign-out", nil, token, nil)
	return err
}

// ListSessions lists the live sessions of the token's user.
func (api *API) ListSessions(ctx context.Context, token string) ([]*session.Session, error) {
	var out []*session.Session
	if _, err := api.do(ctx, http.MethodGet, "/list-sessions", nil, token, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RevokeOtherSessions revokes every session of the user except the current.
func (api *API) RevokeOtherSessions(ctx context.Context, token string) error {
	_, err := api.do(ctx, http.MethodPost, "/revoke-other-sessions", nil, token, nil)
	return err
}

// Do invokes an arbitrary endpoint path with a JSON body and optional session
// token, decoding the response into out (which may be nil).
func (api *API) Do(ctx context.Context, method, path string, body any, token string, out any) error {
	_, err := api.do(ctx, method, path, body, token, out)
	return err
}

// apiRecorder captures the synthesized response in memory.
type apiRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newAPIRecorder() *apiRecorder {
	return &apiRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *apiRecorder) Header() http.Header { return r.header }

func (r *apiRecorder) WriteHeader(status int) { r.status = status }

func (r *apiRecorder) Write(p []byte) (int, error) { return r.body.Write(p) }

func (api *API) do(ctx context.Context, method, path string, body any, token string, out any) (*apiRecorder, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	url := strings.TrimSuffix(api.auth.opts.BaseURL, "/") + api.auth.opts.BasePath + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		api.attachSession(req, token)
	}

	rec := newAPIRecorder()
	api.auth.handler.ServeHTTP(rec, req)

	if rec.status >= 400 {
		apiErr := &Error{Status: rec.status}
		if err := json.Unmarshal(rec.body.Bytes(), apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(rec.body.String())
		}
		return rec, apiErr
	}
	if out != nil && rec.body.Len() > 0 {
		if err := json.Unmarshal(rec.body.Bytes(), out); err != nil {
			return rec, fmt.Errorf("decoding response body: %w", err)
		}
	}
	return rec, nil
}

// attachSession carries the token the way a browser would: as the signed
// session-token cookie. Serializing through the cookie manager keeps the
// resolve hook on its normal path.
func (api *API) attachSession(req *http.Request, token string) {
	rec := newAPIRecorder()
	api.auth.runtime.Cookies.SetSigned(rec, cookies.NameSessionToken, token, cookies.Attributes{})
	for _, c := range (&http.Response{Header: rec.header}).Cookies() {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// sessionTokenFrom recovers the session token from the Set-Cookie headers of
// a synthesized response.
func (api *API) sessionTokenFrom(rec *apiRecorder) string {
	fake := &http.Request{Header: http.Header{}}
	for _, c := range (&http.Response{Header: rec.header}).Cookies() {
		if c.Value == "" {
			continue
		}
		fake.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	token, _ := api.auth.runtime.Cookies.GetSigned(fake, cookies.NameSessionToken)
	return token
}
