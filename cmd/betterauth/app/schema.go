// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/betterauth/pkg/schema"
)

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the SQLite DDL for the full schema",
		Long: `Print the CREATE TABLE statements for every table the server can use,
including the optional two-factor, phone, OIDC provider, and rate-limit
tables. Useful for provisioning databases out of band.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := serveSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), schema.GenerateSQLite(s))
			return err
		},
	}
}
