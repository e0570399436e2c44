// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the optional secondary (key-value) storage used to
// cache session payloads and back the rate limiter, with in-memory and Redis
// implementations.
package storage

import (
	"context"
	"time"
)

// Secondary is a TTL-aware key-value store. Absent keys are not errors:
// Get returns ("", false, nil).
type Secondary interface {
	// Get returns the value and whether the key exists and is unexpired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores the value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment atomically increments a counter, setting its expiry to ttl
	// when the counter is created. It returns the post-increment value.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
