// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	old := Get()
	t.Cleanup(func() { Set(old) })

	var buf bytes.Buffer
	Set(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})))
	return &buf
}

func TestInfowEmitsKeyValues(t *testing.T) {
	t.Parallel()
	buf := capture(t, slog.LevelInfo)

	Infow("session created", "user_id", "u_1", "remember", true)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session created", entry["msg"])
	assert.Equal(t, "u_1", entry["user_id"])
	assert.Equal(t, true, entry["remember"])
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	t.Parallel()
	buf := capture(t, slog.LevelInfo)

	Debugw("cookie cache hit", "strategy", "compact")
	assert.Zero(t, buf.Len())
}

func TestFormattedHelpers(t *testing.T) {
	t.Parallel()
	buf := capture(t, slog.LevelDebug)

	Errorf("token exchange failed for provider %q", "github")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, `token exchange failed for provider "github"`, entry["msg"])
	assert.Equal(t, "ERROR", entry["level"])
}
