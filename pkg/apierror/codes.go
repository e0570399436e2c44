// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package apierror

import "sync"

// Core error codes. Plugins contribute additional codes through Register.
const (
	CodeInternalError             = "INTERNAL_SERVER_ERROR"
	CodeInvalidBody               = "INVALID_BODY"
	CodeInvalidQuery              = "INVALID_QUERY"
	CodeInvalidOrigin             = "INVALID_ORIGIN"
	CodeRateLimited               = "RATE_LIMITED"
	CodeInvalidEmail              = "INVALID_EMAIL"
	CodeInvalidPassword           = "INVALID_PASSWORD"
	CodeInvalidEmailOrPassword    = "INVALID_EMAIL_OR_PASSWORD"
	CodePasswordTooShort          = "PASSWORD_TOO_SHORT"
	CodePasswordTooLong           = "PASSWORD_TOO_LONG"
	CodeUserAlreadyExists         = "USER_ALREADY_EXISTS_USE_ANOTHER_EMAIL"
	CodeUserNotFound              = "USER_NOT_FOUND"
	CodeUserEmailNotFound         = "USER_EMAIL_NOT_FOUND"
	CodeEmailNotVerified          = "EMAIL_NOT_VERIFIED"
	CodeEmailCannotBeUpdated      = "EMAIL_CAN_NOT_BE_UPDATED"
	CodeSessionExpired            = "SESSION_EXPIRED"
	CodeSessionNotFound           = "SESSION_NOT_FOUND"
	CodeCredentialAccountNotFound = "CREDENTIAL_ACCOUNT_NOT_FOUND"
	CodeAccountNotFound           = "ACCOUNT_NOT_FOUND"
	CodeAccountAlreadyLinked      = "ACCOUNT_ALREADY_LINKED_TO_DIFFERENT_USER"
	CodeLastAccount               = "FAILED_TO_UNLINK_LAST_ACCOUNT"
	CodeInvalidToken              = "INVALID_TOKEN"
	CodeTokenExpired              = "TOKEN_EXPIRED"
	CodeProviderNotFound          = "PROVIDER_NOT_FOUND"
	CodeInvalidState              = "INVALID_STATE"
	CodeInvalidCallbackURL        = "INVALID_CALLBACK_URL"
	CodeSignUpDisabled            = "SIGN_UP_DISABLED"
	CodeEmailMismatch             = "EMAIL_DOES_NOT_MATCH"
	CodeInvalidOTP                = "INVALID_OTP"
	CodeOTPExpired                = "OTP_EXPIRED"
	CodeTooManyAttempts           = "TOO_MANY_ATTEMPTS"
	CodePhoneNumberNotFound       = "PHONE_NUMBER_NOT_FOUND"
	CodeInvalidTwoFactorCookie    = "INVALID_TWO_FACTOR_COOKIE"
	CodeTwoFactorNotEnabled       = "TWO_FACTOR_NOT_ENABLED"
	CodeInvalidTOTPCode           = "INVALID_TOTP_CODE"
	CodeInvalidBackupCode         = "INVALID_BACKUP_CODE"
	CodeInvalidClient             = "INVALID_CLIENT"
	CodeInvalidRedirectURI        = "INVALID_REDIRECT_URI"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]string{
		CodeInternalError:             "Internal server error",
		CodeInvalidBody:               "Invalid request body",
		CodeInvalidQuery:              "Invalid query parameters",
		CodeInvalidOrigin:             "Origin not trusted",
		CodeRateLimited:               "Too many requests. Please try again later.",
		CodeInvalidEmail:              "Invalid email address",
		CodeInvalidPassword:           "Invalid password",
		CodeInvalidEmailOrPassword:    "Invalid email or password",
		CodePasswordTooShort:          "Password is too short",
		CodePasswordTooLong:           "Password is too long",
		CodeUserAlreadyExists:         "User already exists. Use another email.",
		CodeUserNotFound:              "User not found",
		CodeUserEmailNotFound:         "User email not found",
		CodeEmailNotVerified:          "Email is not verified",
		CodeEmailCannotBeUpdated:      "Email can not be updated",
		CodeSessionExpired:            "Session expired. Re-authenticate to continue.",
		CodeSessionNotFound:           "Session not found",
		CodeCredentialAccountNotFound: "Credential account not found",
		CodeAccountNotFound:           "Account not found",
		CodeAccountAlreadyLinked:      "Account is already linked to a different user",
		CodeLastAccount:               "You can't unlink your last account",
		CodeInvalidToken:              "Invalid token",
		CodeTokenExpired:              "Token expired",
		CodeProviderNotFound:          "Provider not found",
		CodeInvalidState:              "Invalid state",
		CodeInvalidCallbackURL:        "Invalid callback URL",
		CodeSignUpDisabled:            "Sign-up is disabled",
		CodeEmailMismatch:             "Email does not match",
		CodeInvalidOTP:                "Invalid OTP",
		CodeOTPExpired:                "OTP expired",
		CodeTooManyAttempts:           "Too many attempts",
		CodePhoneNumberNotFound:       "Phone number not found",
		CodeInvalidTwoFactorCookie:    "Invalid two-factor cookie",
		CodeTwoFactorNotEnabled:       "Two-factor authentication is not enabled",
		CodeInvalidTOTPCode:           "Invalid TOTP code",
		CodeInvalidBackupCode:         "Invalid backup code",
		CodeInvalidClient:             "Invalid client",
		CodeInvalidRedirectURI:        "Invalid redirect URI",
	}
)

// Register adds plugin-contributed codes to the registry. Existing codes are
// not overwritten; the first registration wins.
func Register(codes map[string]string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for code, msg := range codes {
		if _, ok := registry[code]; !ok {
			registry[code] = msg
		}
	}
}

// Message returns the registered human-readable message for a code. Unknown
// codes return the code itself so the response is never empty.
func Message(code string) string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if msg, ok := registry[code]; ok {
		return msg
	}
	return code
}

// Codes returns a snapshot of all registered codes and messages.
func Codes() map[string]string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make(map[string]string, len(registry))
	for k, v := range registry {
		out[k] = v
	}
	return out
}
