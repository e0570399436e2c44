// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/stacklok/betterauth/pkg/crypto"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/schema"
)

// Client is a registered OAuth application. It extends fosite's client with
// the consent short-circuit flag.
type Client struct {
	fosite.DefaultClient
	SkipConsent bool
	Name        string
}

func clientFromRecord(row db.Record, serverScopes []string) *Client {
	clientID, _ := row["clientId"].(string)
	secret, _ := row["clientSecret"].(string)
	name, _ := row["name"].(string)
	redirectURLs, _ := row["redirectURLs"].(string)
	authMethod, _ := row["tokenEndpointAuthMethod"].(string)
	skipConsent, _ := row["skipConsent"].(bool)

	var redirects []string
	for _, u := range strings.Split(redirectURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			redirects = append(redirects, u)
		}
	}

	return &Client{
		DefaultClient: fosite.DefaultClient{
			ID:            clientID,
			Secret:        []byte(secret),
			RedirectURIs:  redirects,
			GrantTypes:    []string{"authorization_code", "refresh_token"},
			ResponseTypes: []string{"code"},
			Scopes:        serverScopes,
			Public:        authMethod == "none" || secret == "",
		},
		SkipConsent: skipConsent,
		Name:        name,
	}
}

// secretHasher implements fosite.Hasher over the configured client-secret
// storage strategy. "Hash" produces the stored form; "Compare" checks a
// presented secret against it.
type secretHasher struct {
	strategy string
	secret   []byte
	pw       crypto.Argon2idHasher
}

func (h *secretHasher) Hash(_ context.Context, data []byte) ([]byte, error) {
	switch h.strategy {
	case SecretStrategyPlain:
		return data, nil
	case SecretStrategyEncrypted:
		enc, err := crypto.Encrypt(h.secret, string(data))
		if err != nil {
			return nil, err
		}
		return []byte(enc), nil
	default:
		hashed, err := h.pw.Hash(string(data))
		if err != nil {
			return nil, err
		}
		return []byte(hashed), nil
	}
}

func (h *secretHasher) Compare(_ context.Context, hash, data []byte) error {
	switch h.strategy {
	case SecretStrategyPlain:
		if subtle.ConstantTimeCompare(hash, data) != 1 {
			return errors.New("client secret mismatch")
		}
		return nil
	case SecretStrategyEncrypted:
		plain, err := crypto.Decrypt(h.secret, string(hash))
		if err != nil {
			return fmt.Errorf("failed to decrypt client secret: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(plain), data) != 1 {
			return errors.New("client secret mismatch")
		}
		return nil
	default:
		ok, err := h.pw.Verify(string(data), string(hash))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("client secret mismatch")
		}
		return nil
	}
}

var _ fosite.Hasher = (*secretHasher)(nil)

// ClientRegistration describes a client created programmatically (trusted
// first-party applications configured at init) or via dynamic registration.
type ClientRegistration struct {
	ClientID     string
	ClientSecret string
	Name         string
	RedirectURLs []string
	AuthMethod   string
	Type         string
	SkipConsent  bool
	Disabled     bool
	UserID       string
	LogoURI      string
}

// RegisterClient persists a client. A missing client ID is generated; the
// secret is stored in the configured strategy's form.
func (s *Service) RegisterClient(ctx context.Context, reg *ClientRegistration) (*ClientRegistration, error) {
	if reg.ClientID == "" {
		reg.ClientID = uuid.New().String()
	}
	if reg.AuthMethod == "" {
		if reg.ClientSecret == "" {
			reg.AuthMethod = "none"
		} else {
			reg.AuthMethod = "client_secret_basic"
		}
	}
	if reg.Type == "" {
		reg.Type = "web"
	}

	storedSecret := ""
	if reg.ClientSecret != "" {
		hasher := &secretHasher{strategy: s.cfg.ClientSecretStrategy, secret: []byte(s.rt.Secret)}
		hashed, err := hasher.Hash(ctx, []byte(reg.ClientSecret))
		if err != nil {
			return nil, fmt.Errorf("failed to store client secret: %w", err)
		}
		storedSecret = string(hashed)
	}

	now := s.now().UTC()
	_, err := s.rt.Adapter.Create(ctx, schema.ModelOAuthApp, db.Record{
		"id":                      uuid.New().String(),
		"clientId":                reg.ClientID,
		"clientSecret":            storedSecret,
		"name":                    reg.Name,
		"redirectURLs":            strings.Join(reg.RedirectURLs, ","),
		"tokenEndpointAuthMethod": reg.AuthMethod,
		"type":                    reg.Type,
		"disabled":                reg.Disabled,
		"skipConsent":             reg.SkipConsent,
		"logoURI":                 reg.LogoURI,
		"userId":                  reg.UserID,
		"createdAt":               now,
		"updatedAt":               now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return reg, nil
}

// expiredRowCleanup removes expired token rows. Called opportunistically from
// the token endpoint so abandoned codes and tokens do not accumulate.
func (s *Service) expiredRowCleanup(ctx context.Context) {
	_, _ = s.rt.Adapter.DeleteMany(ctx, schema.ModelOAuthToken, []db.Where{
		{Field: "expiresAt", Operator: db.OpLt, Value: s.now().UTC()},
	})
}
