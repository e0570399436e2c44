// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package schema

// Model names for the core entities.
const (
	ModelUser         = "user"
	ModelSession      = "session"
	ModelAccount      = "account"
	ModelVerification = "verification"
	ModelTwoFactor    = "twoFactor"
	ModelOAuthApp     = "oauthApplication"
	ModelOAuthToken   = "oauthAccessToken"
	ModelOAuthConsent = "oauthConsent"
	ModelRateLimit    = "rateLimit"
)

// Core returns the built-in schema: user, session, account, verification.
// Plugin tables (twoFactor, oauthApplication, ...) are contributed by their
// plugins and merged at init.
func Core() Schema {
	return Schema{
		ModelUser: {
			Fields: []Field{
				{Name: "id", Type: TypeString, Required: true, Unique: true, Returned: true},
				{Name: "email", Type: TypeString, Required: true, Unique: true, Input: true, Returned: true, Sortable: true},
				{Name: "emailVerified", Type: TypeBoolean, Required: true, DefaultValue: false, Returned: true},
				{Name: "name", Type: TypeString, Required: true, Input: true, Returned: true, Sortable: true},
				{Name: "image", Type: TypeString, Input: true, Returned: true},
				{Name: "createdAt", Type: TypeDate, Required: true, Returned: true, Sortable: true},
				{Name: "updatedAt", Type: TypeDate, Required: true, Returned: true, Sortable: true},
			},
		},
		ModelSession: {
			Fields: []Field{
				{Name: "id", Type: TypeString, Required: true, Unique: true, Returned: true},
				{Name: "token", Type: TypeString, Required: true, Unique: true},
				{Name: "userId", Type: TypeString, Required: true, Returned: true,
					Reference: &Reference{Model: ModelUser, Field: "id", OnDelete: "cascade"}},
				{Name: "expiresAt", Type: TypeDate, Required: true, Returned: true},
				{Name: "createdAt", Type: TypeDate, Required: true, Returned: true},
				{Name: "updatedAt", Type: TypeDate, Required: true, Returned: true},
				{Name: "ipAddress", Type: TypeString, Returned: true},
				{Name: "userAgent", Type: TypeString, Returned: true},
			},
		},
		ModelAccount: {
			Fields: []Field{
				{Name: "id", Type: TypeString, Required: true, Unique: true, Returned: true},
				{Name: "userId", Type: TypeString, Required: true, Returned: true,
					Reference: &Reference{Model: ModelUser, Field: "id", OnDelete: "cascade"}},
				{Name: "providerId", Type: TypeString, Required: true, Returned: true},
				{Name: "accountId", Type: TypeString, Required: true, Returned: true},
				{Name: "password", Type: TypeString},
				{Name: "accessToken", Type: TypeString},
				{Name: "refreshToken", Type: TypeString},
				{Name: "idToken", Type: TypeString},
				{Name: "accessTokenExpiresAt", Type: TypeDate},
				{Name: "refreshTokenExpiresAt", Type: TypeDate},
				{Name: "scope", Type: TypeString, Returned: true},
				{Name: "createdAt", Type: TypeDate, Required: true, Returned: true},
				{Name: "updatedAt", Type: TypeDate, Required: true, Returned: true},
			},
		},
		ModelVerification: {
			Fields: []Field{
				{Name: "id", Type: TypeString, Required: true, Unique: true},
				{Name: "identifier", Type: TypeString, Required: true},
				{Name: "value", Type: TypeString, Required: true},
				{Name: "expiresAt", Type: TypeDate, Required: true},
				{Name: "createdAt", Type: TypeDate, Required: true},
				{Name: "updatedAt", Type: TypeDate, Required: true},
			},
		},
	}
}

// TwoFactor returns the schema contributed by the two-factor plugin.
func TwoFactor() Schema {
	return Schema{
		ModelTwoFactor: {
			Fields: []Field{
				{Name: "id", Type: TypeString, Required: true, Unique: true},
				{Name: "userId", Type: TypeString, Required: true, Unique: true,
					Reference: &Reference{Model: ModelUser, Field: "id", OnDelete: "cascade"}},
				{Name: "secret", Type: TypeString, Required: true},
				{Name: "backupCodes", Type: TypeString, Required: true},
			},
		},
		ModelUser: {
			Fields: []Field{
				{Name: "twoFactorEnabled", Type: TypeBoolean, DefaultValue: false, Returned: true},
			},
		},
	}
}

// Phone returns the schema contributed by phone OTP sign-in.
func Phone() Schema {
	return Schema{
		ModelUser: {
			Fields: []Field{
				{Name: "phoneNumber", Type: TypeString, Unique: true, Returned: true},
				{Name: "phoneNumberVerified", Type: TypeBoolean, DefaultValue: false, Returned: true},
			},
		},
	}
}

// OIDCProvider returns the schema contributed by the OIDC provider plugin.
func OIDCProvider() Schema {
	return Schema{
		ModelOAuthApp: {
			Fields: []Field{
				{Name: "id", Type: TypeString, Required: true, Unique: true},
				{Name: "clientId", Type: TypeString, Required: true, Unique: true, Returned: true},
				{Name: "clientSecret", Type: TypeString},
				{Name: "name", Type: TypeString, Input: true, Returned: true},
				{Name: "redirectURLs", Type: TypeString, Required: true, Input: true, Returned: true},
				{Name: "tokenEndpointAuthMethod", Type: TypeString, Input: true, Returned: true},
				{Name: "type", Type: TypeString, Required: true, DefaultValue: "web", Returned: true},
				{Name: "disabled", Type: TypeBoolean, DefaultValue: false},
				{Name: "skipConsent", Type: TypeBoolean, DefaultValue: false},
				{Name: "logoURI", Type: TypeString, Input: true, Returned: true},
				{Name: "userId", Type: TypeString,
					Reference: &Reference{Model: ModelUser, Field: "id", OnDelete: "cascade"}},
				{Name: "metadata", Type: TypeJSON},
				{Name: "createdAt", Type: TypeDate, Required: true},
				{Name: "updatedAt", Type: TypeDate, Required: true},
			},
		},
		ModelOAuthToken: {
			Fields: []Field{
				{Name: "id", Type: TypeString, Required: true, Unique: true},
				{Name: "signature", Type: TypeString, Required: true, Unique: true},
				{Name: "tokenType", Type: TypeString, Required: true},
				{Name: "requestId", Type: TypeString, Required: true},
				{Name: "clientId", Type: TypeString, Required: true},
				{Name: "userId", Type: TypeString},
				{Name: "payload", Type: TypeJSON, Required: true},
				{Name: "active", Type: TypeBoolean, Required: true, DefaultValue: true},
				{Name: "expiresAt", Type: TypeDate, Required: true},
				{Name: "createdAt", Type: TypeDate, Required: true},
			},
		},
		ModelOAuthConsent: {
			Fields: []Field{
				{Name: "id", Type: TypeString, Required: true, Unique: true},
				{Name: "userId", Type: TypeString, Required: true,
					Reference: &Reference{Model: ModelUser, Field: "id", OnDelete: "cascade"}},
				{Name: "clientId", Type: TypeString, Required: true},
				{Name: "scopes", Type: TypeString, Required: true},
				{Name: "createdAt", Type: TypeDate, Required: true},
				{Name: "updatedAt", Type: TypeDate, Required: true},
			},
		},
	}
}

// RateLimit returns the schema for the database-backed rate limiter storage.
func RateLimit() Schema {
	return Schema{
		ModelRateLimit: {
			Fields: []Field{
				{Name: "id", Type: TypeString, Required: true, Unique: true},
				{Name: "key", Type: TypeString, Required: true, Unique: true},
				{Name: "count", Type: TypeNumber, Required: true},
				{Name: "lastRequest", Type: TypeNumber, Required: true},
			},
		},
	}
}
