// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package plugin defines the extension points a feature contributes to the
// engine: endpoints, dispatcher hooks, schema tables, rate-limit rules, and
// error codes. Contributions are composed exactly once at initialization;
// the resulting registries are immutable at request time.
package plugin

import (
	"fmt"

	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
)

// Plugin is one feature's contribution to the engine. The built-in
// subsystems implement it alongside user-supplied plugins.
type Plugin interface {
	// ID names the plugin, e.g. "two-factor".
	ID() string

	// Endpoints returns routes to add to the dispatcher.
	Endpoints() []endpoint.Endpoint

	// Hooks returns before/after hooks, run in composition order.
	Hooks() []endpoint.Hook

	// Schema returns tables and fields to merge into the descriptor.
	Schema() schema.Schema

	// RateLimitRules returns per-path overrides for the limiter.
	RateLimitRules() map[string]endpoint.Rule

	// ErrorCodes returns machine codes and messages to register.
	ErrorCodes() map[string]string
}

// Base is a no-op Plugin to embed; implementations override what they
// contribute.
type Base struct {
	// Name is returned by ID.
	Name string
}

// ID returns the plugin name.
func (b Base) ID() string { return b.Name }

// Endpoints contributes nothing.
func (Base) Endpoints() []endpoint.Endpoint { return nil }

// Hooks contributes nothing.
func (Base) Hooks() []endpoint.Hook { return nil }

// Schema contributes nothing.
func (Base) Schema() schema.Schema { return nil }

// RateLimitRules contributes nothing.
func (Base) RateLimitRules() map[string]endpoint.Rule { return nil }

// ErrorCodes contributes nothing.
func (Base) ErrorCodes() map[string]string { return nil }

// Compose folds every plugin's contributions into the dispatcher, the
// limiter, the error-code registry, and the schema. It returns the merged
// schema. Hook and endpoint order follows the plugins slice.
func Compose(d *endpoint.Dispatcher, limiter *endpoint.RateLimiter, base schema.Schema, plugins ...Plugin) (schema.Schema, error) {
	merged := base
	for _, p := range plugins {
		d.Register(p.Endpoints()...)
		d.AddHooks(p.Hooks()...)
		if limiter != nil {
			if rules := p.RateLimitRules(); len(rules) > 0 {
				limiter.AddRules(rules)
			}
		}
		if codes := p.ErrorCodes(); len(codes) > 0 {
			apierror.Register(codes)
		}
		if s := p.Schema(); s != nil {
			var err error
			merged, err = schema.Merge(merged, s)
			if err != nil {
				return nil, fmt.Errorf("merging schema of plugin %q: %w", p.ID(), err)
			}
		}
	}
	return merged, nil
}
