// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite provides the SQLite database adapter backed by
// modernc.org/sqlite. All queries are parameterized; logical field names are
// mapped to physical columns and values are transformed per field type
// (booleans to 0/1, dates to RFC 3339 strings).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/schema"
)

// Adapter implements db.Adapter on a SQLite database.
type Adapter struct {
	sdb    *sql.DB
	schema schema.Schema
	genID  func() string

	// execer is the statement target: the pool, or a transaction when this
	// adapter was created by Transaction.
	execer interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
		QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
		QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	}
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithIDGenerator overrides the default UUID id generator.
func WithIDGenerator(gen func() string) Option {
	return func(a *Adapter) {
		a.genID = gen
	}
}

// Open opens (or creates) the database at path, applies the embedded core
// migrations plus generated DDL for plugin tables, and returns the adapter.
// Use ":memory:" for an ephemeral database in tests.
func Open(ctx context.Context, path string, s schema.Schema, opts ...Option) (*Adapter, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	sdb.SetMaxOpenConns(1)

	a := &Adapter{
		sdb:    sdb,
		schema: s,
		genID:  func() string { return uuid.NewString() },
		execer: sdb,
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := migrate(ctx, sdb, s); err != nil {
		_ = sdb.Close()
		return nil, err
	}
	return a, nil
}

// Close closes the underlying database.
func (a *Adapter) Close() error {
	return a.sdb.Close()
}

var _ db.Adapter = (*Adapter)(nil)

// Create inserts a record and returns it with the resolved id.
func (a *Adapter) Create(ctx context.Context, model string, data db.Record) (db.Record, error) {
	record := make(db.Record, len(data)+1)
	for k, v := range data {
		record[k] = v
	}
	if _, ok := record["id"]; !ok {
		record["id"] = a.genID()
	}

	columns := make([]string, 0, len(record))
	placeholders := make([]string, 0, len(record))
	args := make([]any, 0, len(record))
	for field, value := range record {
		columns = append(columns, quoteIdent(a.column(model, field)))
		placeholders = append(placeholders, "?")
		args = append(args, a.toDB(model, field, value))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(a.table(model)), strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	if _, err := a.execer.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", db.ErrAlreadyExists, model)
		}
		return nil, fmt.Errorf("inserting %s: %w", model, err)
	}
	return a.FindOne(ctx, model, []db.Where{db.Eq("id", record["id"])})
}

// FindOne returns the first matching record or nil.
func (a *Adapter) FindOne(ctx context.Context, model string, where []db.Where) (db.Record, error) {
	records, err := a.FindMany(ctx, model, db.FindManyOptions{Where: where, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// FindMany returns matching records honoring limit/offset/sort.
func (a *Adapter) FindMany(ctx context.Context, model string, opts db.FindManyOptions) ([]db.Record, error) {
	clause, args := a.whereSQL(model, opts.Where)

	query := "SELECT * FROM " + quoteIdent(a.table(model)) + clause
	if opts.SortBy != nil {
		dir := "ASC"
		if strings.EqualFold(opts.SortBy.Direction, "desc") {
			dir = "DESC"
		}
		query += " ORDER BY " + quoteIdent(a.column(model, opts.SortBy.Field)) + " " + dir
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := a.execer.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", model, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	var out []db.Record
	for rows.Next() {
		values := make([]any, len(columns))
		scan := make([]any, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", model, err)
		}
		record := make(db.Record, len(columns))
		for i, col := range columns {
			field := a.fieldForColumn(model, col)
			record[field] = a.fromDB(model, field, values[i])
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Count returns the number of matching records.
func (a *Adapter) Count(ctx context.Context, model string, where []db.Where) (int64, error) {
	clause, args := a.whereSQL(model, where)
	var n int64
	err := a.execer.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+quoteIdent(a.table(model))+clause, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", model, err)
	}
	return n, nil
}

// Update mutates the first matching record and returns it.
func (a *Adapter) Update(ctx context.Context, model string, where []db.Where, update db.Record) (db.Record, error) {
	existing, err := a.FindOne(ctx, model, where)
	if err != nil || existing == nil {
		return nil, err
	}

	setSQL, args := a.setSQL(model, update)
	args = append(args, a.toDB(model, "id", existing["id"]))
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		quoteIdent(a.table(model)), setSQL, quoteIdent(a.column(model, "id")))
	if _, err := a.execer.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("updating %s: %w", model, err)
	}
	return a.FindOne(ctx, model, []db.Where{db.Eq("id", existing["id"])})
}

// UpdateMany mutates all matching records.
func (a *Adapter) UpdateMany(ctx context.Context, model string, where []db.Where, update db.Record) (int64, error) {
	setSQL, args := a.setSQL(model, update)
	clause, whereArgs := a.whereSQL(model, where)
	args = append(args, whereArgs...)

	res, err := a.execer.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s%s", quoteIdent(a.table(model)), setSQL, clause), args...)
	if err != nil {
		return 0, fmt.Errorf("updating %s: %w", model, err)
	}
	return res.RowsAffected()
}

// Delete removes the first matching record.
func (a *Adapter) Delete(ctx context.Context, model string, where []db.Where) error {
	existing, err := a.FindOne(ctx, model, where)
	if err != nil || existing == nil {
		return err
	}
	_, err = a.execer.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(a.table(model)), quoteIdent(a.column(model, "id"))),
		a.toDB(model, "id", existing["id"]))
	if err != nil {
		return fmt.Errorf("deleting %s: %w", model, err)
	}
	return nil
}

// DeleteMany removes all matching records and returns the count deleted.
func (a *Adapter) DeleteMany(ctx context.Context, model string, where []db.Where) (int64, error) {
	clause, args := a.whereSQL(model, where)
	res, err := a.execer.ExecContext(ctx,
		"DELETE FROM "+quoteIdent(a.table(model))+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting %s: %w", model, err)
	}
	return res.RowsAffected()
}

// Transaction runs fn inside a database transaction.
func (a *Adapter) Transaction(ctx context.Context, fn func(tx db.Adapter) error) error {
	tx, err := a.sdb.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	child := &Adapter{sdb: a.sdb, schema: a.schema, genID: a.genID, execer: tx}
	if err := fn(child); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (a *Adapter) table(model string) string {
	return a.schema.TableName(model)
}

func (a *Adapter) column(model, field string) string {
	if f, ok := a.schema.Field(model, field); ok {
		return f.Column()
	}
	return field
}

func (a *Adapter) fieldForColumn(model, column string) string {
	for _, f := range a.schema[model].Fields {
		if f.Column() == column {
			return f.Name
		}
	}
	return column
}

// toDB transforms a logical value into its SQLite representation.
func (a *Adapter) toDB(model, field string, value any) any {
	if value == nil {
		return nil
	}
	f, ok := a.schema.Field(model, field)
	if !ok {
		if t, isTime := value.(time.Time); isTime {
			return t.UTC().Format(time.RFC3339Nano)
		}
		return value
	}
	switch f.Type {
	case schema.TypeBoolean:
		if b, isBool := value.(bool); isBool {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	case schema.TypeDate:
		if t, isTime := value.(time.Time); isTime {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return value
}

// fromDB reverses toDB.
func (a *Adapter) fromDB(model, field string, value any) any {
	if value == nil {
		return nil
	}
	f, ok := a.schema.Field(model, field)
	if !ok {
		return value
	}
	switch f.Type {
	case schema.TypeBoolean:
		switch n := value.(type) {
		case int64:
			return n != 0
		case bool:
			return n
		}
	case schema.TypeDate:
		switch s := value.(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		case time.Time:
			return s
		}
	case schema.TypeNumber:
		if n, isInt := value.(int64); isInt {
			return n
		}
	}
	if b, isBytes := value.([]byte); isBytes {
		return string(b)
	}
	return value
}

func (a *Adapter) setSQL(model string, update db.Record) (string, []any) {
	sets := make([]string, 0, len(update))
	args := make([]any, 0, len(update))
	for field, value := range update {
		sets = append(sets, quoteIdent(a.column(model, field))+" = ?")
		args = append(args, a.toDB(model, field, value))
	}
	return strings.Join(sets, ", "), args
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
