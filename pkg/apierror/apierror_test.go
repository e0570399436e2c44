// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want int
	}{
		{KindBadRequest, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindUnprocessableEntity, http.StatusUnprocessableEntity},
		{KindTooManyRequests, http.StatusTooManyRequests},
		{KindInternal, http.StatusInternalServerError},
		{Kind("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.kind.Status(), string(tc.kind))
	}
}

func TestNewDefaultsMessageFromRegistry(t *testing.T) {
	t.Parallel()

	err := Unauthorized(CodeInvalidEmailOrPassword)
	assert.Equal(t, CodeInvalidEmailOrPassword, err.Code)
	assert.Equal(t, Message(CodeInvalidEmailOrPassword), err.Message)

	custom := New(KindBadRequest, CodeInvalidBody, "field x is required")
	assert.Equal(t, "field x is required", custom.Message)
}

func TestRegisterPluginCodes(t *testing.T) {
	t.Parallel()

	Register(map[string]string{"TEST_PLUGIN_CODE": "Plugin says no"})
	assert.Equal(t, "Plugin says no", Message("TEST_PLUGIN_CODE"))
	assert.Equal(t, "NEVER_REGISTERED", Message("NEVER_REGISTERED"), "unknown codes echo the code")
}

func TestUnwrapAndAs(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := Internal("failed to persist session", cause)
	wrapped := fmt.Errorf("handling request: %w", err)

	got := As(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, KindInternal, got.Kind)
	assert.ErrorIs(t, wrapped, cause)
	assert.True(t, IsKind(wrapped, KindInternal))
	assert.False(t, IsKind(wrapped, KindBadRequest))
	assert.Nil(t, As(errors.New("plain")))
}

func TestWithExtraAndHeaderDoNotMutate(t *testing.T) {
	t.Parallel()

	base := TooManyRequests(CodeRateLimited)
	withRetry := base.WithHeader("Retry-After", "10").WithExtra("window", 10)

	assert.Nil(t, base.Headers)
	assert.Nil(t, base.Extra)
	assert.Equal(t, "10", withRetry.Headers.Get("Retry-After"))
	assert.Equal(t, 10, withRetry.Extra["window"])
}

func TestRedirectIsNotAPIError(t *testing.T) {
	t.Parallel()

	r := NewRedirect("https://example.com/next")
	assert.Nil(t, As(r))
	assert.Contains(t, r.Error(), "https://example.com/next")
}
