// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/stacklok/betterauth/pkg/schema"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// migrate applies the versioned core migrations using goose, then executes the
// generated DDL for any plugin tables present in the schema. Plugin DDL uses
// CREATE TABLE IF NOT EXISTS so the second pass is idempotent.
func migrate(ctx context.Context, db *sql.DB, s schema.Schema) error {
	// The embedded filesystem has files under "migrations/", so we need
	// to strip that prefix to get a flat filesystem of .sql files.
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	plugin := schema.Schema{}
	for model, table := range s {
		if isCoreModel(model) {
			continue
		}
		plugin[model] = table
	}
	if len(plugin) == 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx, schema.GenerateSQLite(plugin)); err != nil {
		return fmt.Errorf("failed to apply plugin schema: %w", err)
	}

	// Plugin fields added to core tables (e.g. user.twoFactorEnabled) arrive
	// as ALTER TABLE statements; duplicate-column errors mean the column is
	// already present from a previous run.
	for _, stmt := range pluginColumnDDL(s) {
		if _, err := db.ExecContext(ctx, stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("failed to add plugin column: %w", err)
		}
	}
	return nil
}

func isCoreModel(model string) bool {
	switch model {
	case schema.ModelUser, schema.ModelSession, schema.ModelAccount, schema.ModelVerification:
		return true
	}
	return false
}

// pluginColumnDDL returns ALTER TABLE statements for fields that plugins added
// to the core tables beyond the baseline migration.
func pluginColumnDDL(s schema.Schema) []string {
	core := schema.Core()
	var stmts []string
	for _, model := range s.Models() {
		if !isCoreModel(model) {
			continue
		}
		for _, f := range s[model].Fields {
			if _, ok := core.Field(model, f.Name); ok {
				continue
			}
			col := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				quoteIdent(s.TableName(model)), quoteIdent(f.Column()), schema.SQLiteColumnType(f.Type))
			if f.DefaultValue != nil {
				col += fmt.Sprintf(" DEFAULT %s", schema.SQLiteDefaultLiteral(f.DefaultValue))
			}
			stmts = append(stmts, col)
		}
	}
	return stmts
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}
