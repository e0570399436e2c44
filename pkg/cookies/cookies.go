// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cookies implements the auth cookie layer: prefixed names, HMAC
// signed values, browser-limit chunking, and the session-data cookie cache
// with its compact, jwt, and jwe strategies.
package cookies

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/logger"
)

// Browsers cap a single cookie at 4096 bytes including name and attributes;
// values longer than this are split into numbered chunks.
const maxCookieValueSize = 4093

// Canonical cookie base names.
const (
	NameSessionToken  = "session_token"
	NameSessionData   = "session_data"
	NameDontRemember  = "dont_remember"
	NameState         = "state"
	NamePKCEVerifier  = "pk_code_verifier"
	NameTwoFactor     = "two_factor"
	NameTrustDevice   = "trust_device"
	NameConsent       = "oauth_consent"
	NameSelectAccount = "oauth_select_account"
	NameLoginPrompt   = "oidc_login_prompt"
)

// Attributes carries per-write cookie attributes. MaxAge zero means a browser
// session cookie; negative clears.
type Attributes struct {
	MaxAge   int
	SameSite http.SameSite
	HTTPOnly bool
	Path     string
}

// Manager issues and reads auth cookies for one configured deployment.
type Manager struct {
	secret []byte
	prefix string
	secure bool
	domain string
	path   string
}

// Config configures a Manager.
type Config struct {
	// Secret signs every cookie. Required.
	Secret string
	// Prefix defaults to "better-auth".
	Prefix string
	// Secure adds the __Secure- name prefix and the Secure attribute.
	Secure bool
	// Domain is set on cookies when cross-subdomain cookies are enabled.
	Domain string
	// Path defaults to "/".
	Path string
}

// New creates a cookie manager.
func New(cfg Config) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = "better-auth"
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &Manager{
		secret: []byte(cfg.Secret),
		prefix: cfg.Prefix,
		secure: cfg.Secure,
		domain: cfg.Domain,
		path:   cfg.Path,
	}
}

// Name returns the full cookie name: `<__Secure-><prefix>.<name>`.
func (m *Manager) Name(name string) string {
	full := m.prefix + "." + name
	if m.secure {
		return "__Secure-" + full
	}
	return full
}

// Secure reports whether cookies carry the Secure attribute.
func (m *Manager) Secure() bool {
	return m.secure
}

func (m *Manager) baseCookie(name, value string, attrs Attributes) *http.Cookie {
	sameSite := attrs.SameSite
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	path := attrs.Path
	if path == "" {
		path = m.path
	}
	return &http.Cookie{
		Name:     m.Name(name),
		Value:    value,
		Path:     path,
		Domain:   m.domain,
		MaxAge:   attrs.MaxAge,
		Secure:   m.secure,
		HttpOnly: attrs.HTTPOnly,
		SameSite: sameSite,
	}
}

// SetSigned writes a signed cookie. The stored value is `value.sig` with
// sig = HMAC-SHA-256(secret, fullName + "." + value), base64url unpadded.
func (m *Manager) SetSigned(w http.ResponseWriter, name, value string, attrs Attributes) {
	attrs.HTTPOnly = true
	signed := value + "." + crypto.SignHMAC(m.secret, m.Name(name)+"."+value)
	http.SetCookie(w, m.baseCookie(name, signed, attrs))
}

// GetSigned reads and verifies a signed cookie, returning its value and
// whether a valid cookie was present. Tampered cookies are treated as absent.
func (m *Manager) GetSigned(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(m.Name(name))
	if err != nil || c.Value == "" {
		return "", false
	}
	value, ok := m.verify(name, c.Value)
	if !ok {
		logger.Debugw("rejecting cookie with invalid signature", "cookie", m.Name(name))
	}
	return value, ok
}

// verify splits `value.sig` at the last dot and checks the HMAC.
func (m *Manager) verify(name, raw string) (string, bool) {
	i := strings.LastIndexByte(raw, '.')
	if i < 0 {
		return "", false
	}
	value, sig := raw[:i], raw[i+1:]
	if !crypto.VerifyHMAC(m.secret, m.Name(name)+"."+value, sig) {
		return "", false
	}
	return value, true
}

// Set writes an unsigned cookie. Used for values that carry their own
// integrity protection (JWTs, JWE compact serializations).
func (m *Manager) Set(w http.ResponseWriter, name, value string, attrs Attributes) {
	attrs.HTTPOnly = true
	http.SetCookie(w, m.baseCookie(name, value, attrs))
}

// Get reads an unsigned cookie.
func (m *Manager) Get(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(m.Name(name))
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// Clear expires the named cookie and any chunks it previously occupied.
func (m *Manager) Clear(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, m.baseCookie(name, "", Attributes{MaxAge: -1, HTTPOnly: true}))
	m.clearChunks(w, r, name, 0)
}

// SetChunked writes value as a single cookie when it fits, or as numbered
// `<name>.0`, `<name>.1`, ... chunks when it exceeds the browser limit. Prior
// chunks beyond the new count are expired so stale suffixes never survive a
// shrinking write.
func (m *Manager) SetChunked(w http.ResponseWriter, r *http.Request, name, value string, attrs Attributes) {
	attrs.HTTPOnly = true
	if len(value) < maxCookieValueSize {
		http.SetCookie(w, m.baseCookie(name, value, attrs))
		m.clearChunks(w, r, name, 0)
		return
	}

	var n int
	for i := 0; i < len(value); i += maxCookieValueSize {
		end := i + maxCookieValueSize
		if end > len(value) {
			end = len(value)
		}
		http.SetCookie(w, m.baseCookie(fmt.Sprintf("%s.%d", name, n), value[i:end], attrs))
		n++
	}
	// The unchunked name becomes stale once chunks take over.
	http.SetCookie(w, m.baseCookie(name, "", Attributes{MaxAge: -1, HTTPOnly: true}))
	m.clearChunks(w, r, name, n)
}

// GetChunked reassembles a possibly chunked cookie. A plain cookie wins; else
// chunks are collected by numeric suffix, sorted, and concatenated.
func (m *Manager) GetChunked(r *http.Request, name string) (string, bool) {
	if v, ok := m.Get(r, name); ok {
		return v, true
	}

	prefix := m.Name(name) + "."
	type chunk struct {
		idx   int
		value string
	}
	var chunks []chunk
	for _, c := range r.Cookies() {
		if !strings.HasPrefix(c.Name, prefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(c.Name, prefix))
		if err != nil {
			continue
		}
		chunks = append(chunks, chunk{idx: idx, value: c.Value})
	}
	if len(chunks) == 0 {
		return "", false
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].idx < chunks[j].idx })

	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.value)
	}
	return b.String(), true
}

// clearChunks expires every inbound chunk cookie with suffix >= from.
func (m *Manager) clearChunks(w http.ResponseWriter, r *http.Request, name string, from int) {
	if r == nil {
		return
	}
	prefix := m.Name(name) + "."
	for _, c := range r.Cookies() {
		if !strings.HasPrefix(c.Name, prefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(c.Name, prefix))
		if err != nil || idx < from {
			continue
		}
		cleared := m.baseCookie(name, "", Attributes{MaxAge: -1, HTTPOnly: true})
		cleared.Name = c.Name
		http.SetCookie(w, cleared)
	}
}

// SetDontRemember writes the signed marker that downgrades the session-token
// cookie to a browser session cookie.
func (m *Manager) SetDontRemember(w http.ResponseWriter) {
	m.SetSigned(w, NameDontRemember, "true", Attributes{})
}

// DontRemember reports whether a valid don't-remember marker is present.
func (m *Manager) DontRemember(r *http.Request) bool {
	v, ok := m.GetSigned(r, NameDontRemember)
	return ok && v == "true"
}

// SessionTokenMaxAge resolves the max-age for the session-token cookie:
// zero (browser session cookie) when don't-remember is in effect.
func SessionTokenMaxAge(dontRemember bool, expiresIn time.Duration) int {
	if dontRemember {
		return 0
	}
	return int(expiresIn.Seconds())
}
