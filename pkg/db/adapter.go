// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package db defines the narrow CRUD contract every storage backend
// implements, together with the where-clause model shared by all adapters.
// Records cross the boundary as map[string]any keyed by logical field names;
// adapters handle field-name mapping and per-backend value transforms.
package db

import (
	"context"
	"errors"
)

// ErrAlreadyExists is returned by Create when a unique constraint is violated.
var ErrAlreadyExists = errors.New("record already exists")

// Operator enumerates where-clause comparison operators.
type Operator string

// Where-clause operators.
const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
)

// Connector combines a where entry with the running result.
type Connector string

// Where-clause connectors.
const (
	ConnectorAnd Connector = "AND"
	ConnectorOr  Connector = "OR"
)

// Where is a single clause. A zero Operator means OpEq and a zero Connector
// means ConnectorAnd.
type Where struct {
	Field     string
	Value     any
	Operator  Operator
	Connector Connector
}

// Eq is shorthand for an equality clause.
func Eq(field string, value any) Where {
	return Where{Field: field, Value: value, Operator: OpEq}
}

// SortBy orders a FindMany result.
type SortBy struct {
	Field string
	// Direction is "asc" or "desc".
	Direction string
}

// Record is a row keyed by logical field names.
type Record = map[string]any

// FindManyOptions bundles the optional arguments of FindMany.
type FindManyOptions struct {
	Where  []Where
	Limit  int
	Offset int
	SortBy *SortBy
}

// Adapter is the CRUD contract the auth engine consumes. Implementations must
// be safe for concurrent use. Delete-style operations used for single-use
// token consumption must be atomic (checked by affected rows).
type Adapter interface {
	// Create inserts a record and returns it with the resolved id.
	Create(ctx context.Context, model string, data Record) (Record, error)

	// FindOne returns the first matching record or nil when absent.
	FindOne(ctx context.Context, model string, where []Where) (Record, error)

	// FindMany returns matching records honoring limit/offset/sort.
	FindMany(ctx context.Context, model string, opts FindManyOptions) ([]Record, error)

	// Count returns the number of matching records.
	Count(ctx context.Context, model string, where []Where) (int64, error)

	// Update mutates the first matching record and returns it, or nil when
	// nothing matched.
	Update(ctx context.Context, model string, where []Where, update Record) (Record, error)

	// UpdateMany mutates all matching records and returns the count affected.
	UpdateMany(ctx context.Context, model string, where []Where, update Record) (int64, error)

	// Delete removes the first matching record. Absent records are not an error.
	Delete(ctx context.Context, model string, where []Where) error

	// DeleteMany removes all matching records and returns the count deleted.
	DeleteMany(ctx context.Context, model string, where []Where) (int64, error)

	// Transaction runs fn with a transactional adapter, rolling back when fn
	// returns an error. Backends without native transactions run fn against
	// themselves and the rollback is a documented no-op.
	Transaction(ctx context.Context, fn func(tx Adapter) error) error
}

// normalize fills in the defaulted operator and connector of a clause.
func (w Where) normalize() Where {
	if w.Operator == "" {
		w.Operator = OpEq
	}
	if w.Connector == "" {
		w.Connector = ConnectorAnd
	}
	return w
}
