// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/schema"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	s, err := schema.Merge(schema.Core(), schema.TwoFactor())
	require.NoError(t, err)
	return New(s)
}

func createUser(t *testing.T, a *Adapter, email string) db.Record {
	t.Helper()
	now := time.Now().UTC()
	user, err := a.Create(context.Background(), schema.ModelUser, db.Record{
		"email":         email,
		"emailVerified": false,
		"name":          "Test User",
		"createdAt":     now,
		"updatedAt":     now,
	})
	require.NoError(t, err)
	return user
}

func TestCreateGeneratesID(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	user := createUser(t, a, "ada@example.com")
	assert.NotEmpty(t, user["id"])
}

func TestCreateEnforcesUnique(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	createUser(t, a, "ada@example.com")

	_, err := a.Create(context.Background(), schema.ModelUser, db.Record{
		"email": "ada@example.com",
		"name":  "Duplicate",
	})
	assert.True(t, errors.Is(err, db.ErrAlreadyExists))
}

func TestFindOneReturnsNilWhenAbsent(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	user, err := a.FindOne(context.Background(), schema.ModelUser, []db.Where{db.Eq("email", "nobody@example.com")})
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestFindManySortLimitOffset(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	for _, email := range []string{"c@example.com", "a@example.com", "b@example.com"} {
		createUser(t, a, email)
	}

	ctx := context.Background()
	users, err := a.FindMany(ctx, schema.ModelUser, db.FindManyOptions{
		SortBy: &db.SortBy{Field: "email", Direction: "asc"},
		Limit:  2,
		Offset: 1,
	})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "b@example.com", users[0]["email"])
	assert.Equal(t, "c@example.com", users[1]["email"])
}

func TestUpdateReturnsNilWhenNothingMatched(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	updated, err := a.Update(context.Background(), schema.ModelUser,
		[]db.Where{db.Eq("id", "missing")}, db.Record{"name": "x"})
	require.NoError(t, err)
	assert.Nil(t, updated)
}

func TestUpdateManyAndDeleteManyCounts(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()
	createUser(t, a, "a@example.com")
	createUser(t, a, "b@example.com")

	n, err := a.UpdateMany(ctx, schema.ModelUser, nil, db.Record{"emailVerified": true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = a.DeleteMany(ctx, schema.ModelUser,
		[]db.Where{db.Eq("email", "a@example.com")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := a.Count(ctx, schema.ModelUser, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRecordsAreIsolatedCopies(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()
	user := createUser(t, a, "ada@example.com")

	// Mutating the returned record must not leak into storage.
	user["name"] = "mutated"
	stored, err := a.FindOne(ctx, schema.ModelUser, []db.Where{db.Eq("id", user["id"])})
	require.NoError(t, err)
	assert.Equal(t, "Test User", stored["name"])
}

func TestTransactionWritesApply(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	err := a.Transaction(ctx, func(tx db.Adapter) error {
		now := time.Now().UTC()
		_, err := tx.Create(ctx, schema.ModelUser, db.Record{
			"email": "tx@example.com", "name": "Tx", "emailVerified": false,
			"createdAt": now, "updatedAt": now,
		})
		return err
	})
	require.NoError(t, err)

	user, err := a.FindOne(ctx, schema.ModelUser, []db.Where{db.Eq("email", "tx@example.com")})
	require.NoError(t, err)
	assert.NotNil(t, user)
}
