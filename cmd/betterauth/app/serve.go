// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/betterauth/pkg/betterauth"
	"github.com/stacklok/betterauth/pkg/db/sqlite"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/logger"
	"github.com/stacklok/betterauth/pkg/provider"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/storage"
	"github.com/stacklok/betterauth/pkg/twofactor"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 30 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication server",
		Long: `Start the authentication server. Every setting is also readable from the
environment with the BETTER_AUTH prefix, e.g. BETTER_AUTH_LISTEN or
BETTER_AUTH_DATABASE. The signing secret is only read from BETTER_AUTH_SECRET.`,
		RunE: runServe,
	}

	cmd.Flags().String("listen", ":3000", "Address to listen on")
	cmd.Flags().String("base-url", "http://localhost:3000", "Externally visible base URL")
	cmd.Flags().String("base-path", "/api/auth", "Route prefix for auth endpoints")
	cmd.Flags().String("database", "betterauth.db", "SQLite database path")
	cmd.Flags().String("redis", "", "Redis address for the secondary store (optional)")
	cmd.Flags().StringSlice("trusted-origins", nil, "Additional trusted origins")
	cmd.Flags().Bool("rate-limit", true, "Enable request rate limiting")
	cmd.Flags().Bool("metrics", false, "Expose Prometheus metrics on /metrics")
	cmd.Flags().Bool("two-factor", false, "Enable two-factor authentication endpoints")
	cmd.Flags().Bool("oidc-provider", false, "Enable the OAuth 2.0 / OIDC provider endpoints")
	cmd.Flags().String("login-page", "", "Login page URL for interrupted OIDC authorize requests")

	serveViper.SetEnvPrefix("BETTER_AUTH")
	serveViper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	serveViper.AutomaticEnv()
	if err := serveViper.BindPFlags(cmd.Flags()); err != nil {
		logger.Errorf("Failed to bind serve flags: %v", err)
	}

	return cmd
}

var serveViper = viper.New()

// serveSchema merges every table the enabled subsystems can touch. Optional
// tables are cheap; a missing one is a runtime error.
func serveSchema() (schema.Schema, error) {
	s := schema.Core()
	for _, extra := range []schema.Schema{
		schema.TwoFactor(), schema.Phone(), schema.OIDCProvider(), schema.RateLimit(),
	} {
		var err error
		s, err = schema.Merge(s, extra)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	v := serveViper

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := serveSchema()
	if err != nil {
		return fmt.Errorf("failed to build schema: %w", err)
	}

	dbPath := v.GetString("database")
	adapter, err := sqlite.Open(ctx, dbPath, s)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			logger.Errorf("Failed to close database: %v", err)
		}
	}()

	opts := betterauth.Options{
		BaseURL:        v.GetString("base-url"),
		BasePath:       v.GetString("base-path"),
		TrustedOrigins: v.GetStringSlice("trusted-origins"),
		Database:       adapter,
		RateLimit:      endpoint.RateLimitConfig{Enabled: v.GetBool("rate-limit")},
		Metrics:        v.GetBool("metrics"),
	}

	if addr := v.GetString("redis"); addr != "" {
		redisStore, err := storage.NewRedisStore(ctx, addr)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer func() {
			if err := redisStore.Close(); err != nil {
				logger.Errorf("Failed to close redis client: %v", err)
			}
		}()
		opts.SecondaryStorage = redisStore
		opts.Session.StoreInSecondary = true
	}

	if v.GetBool("two-factor") {
		opts.TwoFactor = &twofactor.Config{}
	}
	if v.GetBool("oidc-provider") {
		opts.Provider = &provider.Config{
			LoginPage:   v.GetString("login-page"),
			RequirePKCE: true,
		}
	}

	auth, err := betterauth.New(opts)
	if err != nil {
		return fmt.Errorf("failed to initialize auth engine: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", auth.Handler())
	if m := auth.Metrics(); m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	addr := v.GetString("listen")
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	logger.Infof("Starting auth server on %s (base path %s)", addr, auth.BasePath())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down auth server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
