// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"strings"
)

// SQLiteColumnType maps a logical field type to its SQLite storage class.
// Booleans are stored as 0/1 integers and dates as RFC 3339 strings; the
// adapter transforms values on the way in and out.
func SQLiteColumnType(t FieldType) string {
	switch t {
	case TypeNumber:
		return "INTEGER"
	case TypeBoolean:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// GenerateSQLite renders CREATE TABLE statements for the schema in the
// SQLite dialect. The output is deterministic so it can be embedded in a
// migration file and diffed across releases.
func GenerateSQLite(s Schema) string {
	var b strings.Builder
	for _, model := range s.Models() {
		table := s[model]
		b.WriteString(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (\n", s.TableName(model)))

		lines := make([]string, 0, len(table.Fields)+2)
		for _, f := range table.Fields {
			line := fmt.Sprintf("    %q %s", f.Column(), SQLiteColumnType(f.Type))
			if f.Name == "id" {
				line += " PRIMARY KEY"
			} else {
				if f.Required {
					line += " NOT NULL"
				}
				if f.Unique {
					line += " UNIQUE"
				}
			}
			if f.DefaultValue != nil {
				line += " DEFAULT " + sqliteLiteral(f.DefaultValue)
			}
			lines = append(lines, line)
		}
		for _, f := range table.Fields {
			if f.Reference == nil {
				continue
			}
			onDelete := f.Reference.OnDelete
			if onDelete == "" {
				onDelete = "no action"
			}
			lines = append(lines, fmt.Sprintf("    FOREIGN KEY (%q) REFERENCES %q (%q) ON DELETE %s",
				f.Column(), s.TableName(f.Reference.Model), f.Reference.Field, strings.ToUpper(onDelete)))
		}

		b.WriteString(strings.Join(lines, ",\n"))
		b.WriteString("\n);\n\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// SQLiteDefaultLiteral renders a default value as a SQLite literal.
func SQLiteDefaultLiteral(v any) string {
	return sqliteLiteral(v)
}

func sqliteLiteral(v any) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "1"
		}
		return "0"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	default:
		return fmt.Sprintf("%v", val)
	}
}
