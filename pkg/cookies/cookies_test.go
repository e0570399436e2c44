// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cookies

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-at-least-32-characters-long"

func newTestManager(secure bool) *Manager {
	return New(Config{Secret: testSecret, Secure: secure})
}

func requestWithCookies(w *httptest.ResponseRecorder) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range w.Result().Cookies() {
		if c.MaxAge >= 0 && c.Value != "" {
			r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return r
}

func TestNamePrefixes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "better-auth.session_token", newTestManager(false).Name(NameSessionToken))
	assert.Equal(t, "__Secure-better-auth.session_token", newTestManager(true).Name(NameSessionToken))
}

func TestSignedCookieRoundTrip(t *testing.T) {
	t.Parallel()

	m := newTestManager(false)
	w := httptest.NewRecorder()
	m.SetSigned(w, NameSessionToken, "tok-abc.def", Attributes{MaxAge: 600})

	got, ok := m.GetSigned(requestWithCookies(w), NameSessionToken)
	require.True(t, ok)
	assert.Equal(t, "tok-abc.def", got)

	c := w.Result().Cookies()[0]
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
}

func TestSignedCookieRejectsTampering(t *testing.T) {
	t.Parallel()

	m := newTestManager(false)
	w := httptest.NewRecorder()
	m.SetSigned(w, NameSessionToken, "tok-abc", Attributes{})

	c := w.Result().Cookies()[0]
	// Flip a bit in the signature portion.
	flipped := []byte(c.Value)
	flipped[len(flipped)-1] ^= 1

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: c.Name, Value: string(flipped)})
	_, ok := m.GetSigned(r, NameSessionToken)
	assert.False(t, ok)
}

func TestChunkingSmallValueSingleCookie(t *testing.T) {
	t.Parallel()

	m := newTestManager(false)
	w := httptest.NewRecorder()
	value := strings.Repeat("a", maxCookieValueSize-1)
	m.SetChunked(w, nil, NameSessionData, value, Attributes{MaxAge: 300})

	set := w.Result().Cookies()
	require.Len(t, set, 1)
	assert.Equal(t, m.Name(NameSessionData), set[0].Name)

	got, ok := m.GetChunked(requestWithCookies(w), NameSessionData)
	require.True(t, ok)
	assert.Equal(t, value, got)
}

func TestChunkingLargeValue(t *testing.T) {
	t.Parallel()

	m := newTestManager(false)
	w := httptest.NewRecorder()
	// 2.5 chunks worth.
	value := strings.Repeat("a", maxCookieValueSize) +
		strings.Repeat("b", maxCookieValueSize) +
		strings.Repeat("c", 100)
	m.SetChunked(w, nil, NameSessionData, value, Attributes{MaxAge: 300})

	var chunkNames []string
	for _, c := range w.Result().Cookies() {
		if c.MaxAge >= 0 && c.Value != "" {
			chunkNames = append(chunkNames, c.Name)
		}
	}
	assert.Equal(t, []string{
		m.Name(NameSessionData) + ".0",
		m.Name(NameSessionData) + ".1",
		m.Name(NameSessionData) + ".2",
	}, chunkNames)

	got, ok := m.GetChunked(requestWithCookies(w), NameSessionData)
	require.True(t, ok)
	assert.Equal(t, value, got)
}

func TestChunkedToPlainClearsOldChunks(t *testing.T) {
	t.Parallel()

	m := newTestManager(false)
	first := httptest.NewRecorder()
	m.SetChunked(first, nil, NameSessionData, strings.Repeat("x", maxCookieValueSize+10), Attributes{})
	r := requestWithCookies(first)

	second := httptest.NewRecorder()
	m.SetChunked(second, r, NameSessionData, "small", Attributes{})

	cleared := map[string]bool{}
	for _, c := range second.Result().Cookies() {
		if c.MaxAge < 0 {
			cleared[c.Name] = true
		}
	}
	assert.True(t, cleared[m.Name(NameSessionData)+".0"], "chunk 0 should be expired")
	assert.True(t, cleared[m.Name(NameSessionData)+".1"], "chunk 1 should be expired")
}

func TestDontRememberMarker(t *testing.T) {
	t.Parallel()

	m := newTestManager(false)
	w := httptest.NewRecorder()
	m.SetDontRemember(w)
	assert.True(t, m.DontRemember(requestWithCookies(w)))

	empty := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, m.DontRemember(empty))
}
