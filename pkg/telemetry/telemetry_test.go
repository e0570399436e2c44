// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/betterauth/pkg/endpoint"
)

func TestRequestMetricsRecorded(t *testing.T) {
	t.Parallel()

	m := New()
	rt := &endpoint.Runtime{BasePath: "/api/auth"}
	d := endpoint.NewDispatcher(rt, nil)
	d.AddHooks(m.Hooks()...)
	d.Register(endpoint.Endpoint{
		Name: "ok", Method: http.MethodGet, Path: "/ok",
		Handler: func(*endpoint.Context) (any, error) {
			return map[string]any{"ok": true}, nil
		},
	})
	h := d.Handler()

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth/ok", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `betterauth_requests_total{method="GET",path="/ok",status="200"} 3`)
	assert.Contains(t, body, "betterauth_request_duration_seconds_count")
}
