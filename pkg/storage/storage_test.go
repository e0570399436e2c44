// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()
	testRoundTrip(t, NewMemoryStore())
}

func TestRedisStoreRoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newRedisStore(t)
	testRoundTrip(t, s)
}

func testRoundTrip(t *testing.T, s Secondary) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	value, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", value)

	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent key is fine.
	require.NoError(t, s.Delete(ctx, "k"))
}

func TestMemoryStoreExpiry(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Second))
	now = now.Add(2 * time.Second)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreExpiry(t *testing.T) {
	t.Parallel()

	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrementCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for name, s := range map[string]Secondary{"memory": NewMemoryStore()} {
		t.Run(name, func(t *testing.T) {
			for want := int64(1); want <= 3; want++ {
				got, err := s.Increment(ctx, "counter", time.Minute)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		})
	}

	t.Run("redis", func(t *testing.T) {
		s, _ := newRedisStore(t)
		for want := int64(1); want <= 3; want++ {
			got, err := s.Increment(ctx, "counter", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})
}

func TestIncrementWindowResets(t *testing.T) {
	t.Parallel()

	s, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, "counter", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	got, err := s.Increment(ctx, "counter", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "expired window should restart the count")
}
