// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the betterauth command-line
// application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/betterauth/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "betterauth",
	DisableAutoGenTag: true,
	Short:             "Framework-agnostic authentication server",
	Long: `betterauth serves a complete authentication and authorization API:
email and password credentials, sessions, social sign-in, two-factor
authentication, and an OAuth 2.0 / OIDC provider, backed by SQLite with an
optional Redis cache.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the betterauth CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSchemaCmd())

	return rootCmd
}
