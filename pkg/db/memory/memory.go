// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package memory provides the in-memory database adapter. It is thread-safe
// and suitable for development, tests, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/schema"
)

// Adapter implements db.Adapter with in-memory slices of records.
//
// Transaction runs the callback under the global write lock; there is no
// rollback, matching the documented no-op semantics for backends without
// native transactions.
type Adapter struct {
	mu      sync.RWMutex
	schema  schema.Schema
	tables  map[string][]db.Record
	genID   func() string
	inTx    bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithIDGenerator overrides the default UUID id generator.
func WithIDGenerator(gen func() string) Option {
	return func(a *Adapter) {
		a.genID = gen
	}
}

// New creates an empty in-memory adapter for the given schema.
func New(s schema.Schema, opts ...Option) *Adapter {
	a := &Adapter{
		schema: s,
		tables: make(map[string][]db.Record),
		genID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ db.Adapter = (*Adapter)(nil)

// Create inserts a record, generating an id when absent and enforcing unique
// fields declared in the schema.
func (a *Adapter) Create(_ context.Context, model string, data db.Record) (db.Record, error) {
	a.lock()
	defer a.unlock()

	record := cloneRecord(data)
	if _, ok := record["id"]; !ok {
		record["id"] = a.genID()
	}

	for _, f := range a.schema[model].Fields {
		if !f.Unique {
			continue
		}
		value, ok := record[f.Name]
		if !ok {
			continue
		}
		for _, existing := range a.tables[model] {
			if existingValue, ok := existing[f.Name]; ok && existingValue == value {
				return nil, fmt.Errorf("%w: %s.%s", db.ErrAlreadyExists, model, f.Name)
			}
		}
	}

	a.tables[model] = append(a.tables[model], record)
	return cloneRecord(record), nil
}

// FindOne returns the first matching record or nil.
func (a *Adapter) FindOne(_ context.Context, model string, where []db.Where) (db.Record, error) {
	a.rlock()
	defer a.runlock()

	for _, record := range a.tables[model] {
		if db.Matches(record, where) {
			return cloneRecord(record), nil
		}
	}
	return nil, nil
}

// FindMany returns matching records honoring sort, offset and limit.
func (a *Adapter) FindMany(_ context.Context, model string, opts db.FindManyOptions) ([]db.Record, error) {
	a.rlock()
	defer a.runlock()

	var out []db.Record
	for _, record := range a.tables[model] {
		if db.Matches(record, opts.Where) {
			out = append(out, cloneRecord(record))
		}
	}

	if opts.SortBy != nil {
		field, desc := opts.SortBy.Field, opts.SortBy.Direction == "desc"
		sort.SliceStable(out, func(i, j int) bool {
			less := lessValue(out[i][field], out[j][field])
			if desc {
				return !less && !equalLoose(out[i][field], out[j][field])
			}
			return less
		})
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Count returns the number of matching records.
func (a *Adapter) Count(_ context.Context, model string, where []db.Where) (int64, error) {
	a.rlock()
	defer a.runlock()

	var n int64
	for _, record := range a.tables[model] {
		if db.Matches(record, where) {
			n++
		}
	}
	return n, nil
}

// Update mutates the first matching record.
func (a *Adapter) Update(_ context.Context, model string, where []db.Where, update db.Record) (db.Record, error) {
	a.lock()
	defer a.unlock()

	for i, record := range a.tables[model] {
		if db.Matches(record, where) {
			for k, v := range update {
				a.tables[model][i][k] = v
			}
			return cloneRecord(a.tables[model][i]), nil
		}
	}
	return nil, nil
}

// UpdateMany mutates all matching records.
func (a *Adapter) UpdateMany(_ context.Context, model string, where []db.Where, update db.Record) (int64, error) {
	a.lock()
	defer a.unlock()

	var n int64
	for i, record := range a.tables[model] {
		if db.Matches(record, where) {
			for k, v := range update {
				a.tables[model][i][k] = v
			}
			n++
		}
	}
	return n, nil
}

// Delete removes the first matching record.
func (a *Adapter) Delete(_ context.Context, model string, where []db.Where) error {
	a.lock()
	defer a.unlock()

	for i, record := range a.tables[model] {
		if db.Matches(record, where) {
			a.tables[model] = append(a.tables[model][:i], a.tables[model][i+1:]...)
			return nil
		}
	}
	return nil
}

// DeleteMany removes all matching records and returns the count deleted.
func (a *Adapter) DeleteMany(_ context.Context, model string, where []db.Where) (int64, error) {
	a.lock()
	defer a.unlock()

	kept := a.tables[model][:0]
	var deleted int64
	for _, record := range a.tables[model] {
		if db.Matches(record, where) {
			deleted++
			continue
		}
		kept = append(kept, record)
	}
	a.tables[model] = kept
	return deleted, nil
}

// Transaction runs fn under the global write lock. There is no rollback.
func (a *Adapter) Transaction(ctx context.Context, fn func(tx db.Adapter) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tx := &Adapter{schema: a.schema, tables: a.tables, genID: a.genID, inTx: true}
	return fn(tx)
}

// Transactional child adapters share the parent's lock, already held.
func (a *Adapter) lock() {
	if !a.inTx {
		a.mu.Lock()
	}
}

func (a *Adapter) unlock() {
	if !a.inTx {
		a.mu.Unlock()
	}
}

func (a *Adapter) rlock() {
	if !a.inTx {
		a.mu.RLock()
	}
}

func (a *Adapter) runlock() {
	if !a.inTx {
		a.mu.RUnlock()
	}
}

func cloneRecord(r db.Record) db.Record {
	out := make(db.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func lessValue(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Before(tb)
		}
	}
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}

func equalLoose(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
