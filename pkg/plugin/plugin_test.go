// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
)

// stampPlugin contributes one endpoint, one after hook, a schema table, and
// an error code.
type stampPlugin struct {
	Base
}

func (stampPlugin) Endpoints() []endpoint.Endpoint {
	return []endpoint.Endpoint{{
		Name: "stamp", Method: http.MethodGet, Path: "/stamp",
		Handler: func(*endpoint.Context) (any, error) {
			return map[string]any{"ok": true}, nil
		},
	}}
}

func (stampPlugin) Hooks() []endpoint.Hook {
	return []endpoint.Hook{{
		After: func(_ *endpoint.Context, resp *endpoint.Response) error {
			if body, ok := resp.Body.(map[string]any); ok {
				body["stamped"] = true
			}
			return nil
		},
	}}
}

func (stampPlugin) Schema() schema.Schema {
	return schema.Schema{
		"stamp": {Fields: []schema.Field{
			{Name: "id", Type: schema.TypeString, Required: true, Unique: true},
		}},
	}
}

func (stampPlugin) ErrorCodes() map[string]string {
	return map[string]string{"STAMP_REJECTED": "Stamp rejected"}
}

func TestCompose(t *testing.T) {
	t.Parallel()

	rt := &endpoint.Runtime{BasePath: "/api/auth"}
	d := endpoint.NewDispatcher(rt, nil)

	merged, err := Compose(d, nil, schema.Core(), stampPlugin{Base: Base{Name: "stamp"}})
	require.NoError(t, err)

	_, ok := merged["stamp"]
	assert.True(t, ok, "plugin table should be merged")
	assert.Equal(t, "Stamp rejected", apierror.Message("STAMP_REJECTED"))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/stamp", nil)
	w := httptest.NewRecorder()
	d.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["stamped"], "after hook should observe the response")
}

func TestBaseContributesNothing(t *testing.T) {
	t.Parallel()

	b := Base{Name: "noop"}
	assert.Equal(t, "noop", b.ID())
	assert.Nil(t, b.Endpoints())
	assert.Nil(t, b.Hooks())
	assert.Nil(t, b.Schema())
	assert.Nil(t, b.RateLimitRules())
	assert.Nil(t, b.ErrorCodes())
}
