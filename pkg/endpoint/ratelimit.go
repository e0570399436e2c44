// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/storage"
)

// Rule is a fixed-window rate-limit rule.
type Rule struct {
	// Window is the fixed window length.
	Window time.Duration
	// Max is the number of requests allowed per window. Zero disables
	// limiting for the matched path.
	Max int
}

// RateLimitConfig configures the limiter.
type RateLimitConfig struct {
	// Enabled defaults to false in development deployments; the composition
	// layer enables it for production.
	Enabled bool
	// Window and Max are the defaults (10s / 100 requests).
	Window time.Duration
	Max    int
	// Rules overrides limits per route path (e.g. "/sign-in/email").
	// Plugins contribute entries at init.
	Rules map[string]Rule
	// Storage selects the counter backend.
	Storage RateLimitStorage
}

// RateLimitStorage is the counter backend: in-process memory by default, the
// secondary store or the database for multi-replica deployments.
type RateLimitStorage interface {
	// Hit records one request against key within a fixed window and returns
	// the post-increment count for the current window.
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimiter enforces fixed-window limits keyed by client IP and route path.
type RateLimiter struct {
	cfg RateLimitConfig
}

// NewRateLimiter creates a limiter, defaulting window/max/storage.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 100
	}
	if cfg.Storage == nil {
		cfg.Storage = NewSecondaryRateLimitStorage(storage.NewMemoryStore())
	}
	return &RateLimiter{cfg: cfg}
}

// AddRules merges plugin-contributed rules; existing paths keep their rule.
func (l *RateLimiter) AddRules(rules map[string]Rule) {
	if l.cfg.Rules == nil {
		l.cfg.Rules = make(map[string]Rule, len(rules))
	}
	for path, rule := range rules {
		if _, ok := l.cfg.Rules[path]; !ok {
			l.cfg.Rules[path] = rule
		}
	}
}

// Allow records the request and reports whether it is within limits. When
// limited, retryAfter is the window to wait before retrying.
func (l *RateLimiter) Allow(ctx context.Context, ip, path string) (allowed bool, retryAfter time.Duration, err error) {
	if l == nil || !l.cfg.Enabled {
		return true, 0, nil
	}

	rule := l.rule(path)
	if rule.Max <= 0 {
		return true, 0, nil
	}

	count, err := l.cfg.Storage.Hit(ctx, ip+":"+path, rule.Window)
	if err != nil {
		return false, 0, fmt.Errorf("rate limit storage: %w", err)
	}
	if count > int64(rule.Max) {
		return false, rule.Window, nil
	}
	return true, 0, nil
}

func (l *RateLimiter) rule(path string) Rule {
	if rule, ok := l.cfg.Rules[path]; ok {
		if rule.Window <= 0 {
			rule.Window = l.cfg.Window
		}
		return rule
	}
	return Rule{Window: l.cfg.Window, Max: l.cfg.Max}
}

// RetryAfterSeconds formats a Retry-After header value, rounding up.
func RetryAfterSeconds(d time.Duration) string {
	return fmt.Sprintf("%d", int(math.Ceil(d.Seconds())))
}

// secondaryRateLimitStorage counts in a Secondary store (memory or Redis).
type secondaryRateLimitStorage struct {
	store storage.Secondary
}

// NewSecondaryRateLimitStorage backs the limiter with a Secondary store.
func NewSecondaryRateLimitStorage(store storage.Secondary) RateLimitStorage {
	return &secondaryRateLimitStorage{store: store}
}

func (s *secondaryRateLimitStorage) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.store.Increment(ctx, "rate-limit:"+key, window)
}

// dbRateLimitStorage counts in the rateLimit table for deployments without a
// secondary store. The read-modify-write runs inside a transaction.
type dbRateLimitStorage struct {
	adapter db.Adapter
	now     func() time.Time
}

// NewDBRateLimitStorage backs the limiter with the primary database.
func NewDBRateLimitStorage(adapter db.Adapter) RateLimitStorage {
	return &dbRateLimitStorage{adapter: adapter, now: time.Now}
}

func (s *dbRateLimitStorage) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	var count int64
	err := s.adapter.Transaction(ctx, func(tx db.Adapter) error {
		now := s.now().UnixMilli()
		row, err := tx.FindOne(ctx, schema.ModelRateLimit, []db.Where{db.Eq("key", key)})
		if err != nil {
			return err
		}
		if row == nil {
			count = 1
			_, err = tx.Create(ctx, schema.ModelRateLimit, db.Record{
				"key": key, "count": int64(1), "lastRequest": now,
			})
			return err
		}

		last, _ := row["lastRequest"].(int64)
		prev, _ := row["count"].(int64)
		if now-last > window.Milliseconds() {
			// Window elapsed, restart the count.
			count = 1
			_, err = tx.Update(ctx, schema.ModelRateLimit,
				[]db.Where{db.Eq("key", key)}, db.Record{"count": int64(1), "lastRequest": now})
			return err
		}
		count = prev + 1
		_, err = tx.Update(ctx, schema.ModelRateLimit,
			[]db.Where{db.Eq("key", key)}, db.Record{"count": count})
		return err
	})
	return count, err
}
