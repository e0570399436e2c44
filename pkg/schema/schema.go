// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the canonical entity schema consumed by database
// adapters and the migration generator. Plugins contribute additional tables
// and fields; Merge composes them once at initialization.
package schema

import (
	"fmt"
	"sort"
)

// FieldType enumerates the logical field types adapters must support.
type FieldType string

// Logical field types.
const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeJSON    FieldType = "json"
)

// Reference describes a foreign-key relation.
type Reference struct {
	Model    string
	Field    string
	OnDelete string // "cascade", "set null", or "no action"
}

// Field describes a single column of a model.
type Field struct {
	Name         string
	Type         FieldType
	Required     bool
	Unique       bool
	Sortable     bool
	DefaultValue any
	Reference    *Reference

	// Input controls whether the field is accepted from API request bodies.
	Input bool

	// Returned controls whether the field is emitted in public views.
	Returned bool

	// FieldName overrides the physical column name when it differs from the
	// logical name (e.g. id mapped to _id for document stores).
	FieldName string
}

// Column returns the physical column name for the field.
func (f Field) Column() string {
	if f.FieldName != "" {
		return f.FieldName
	}
	return f.Name
}

// Table describes one model.
type Table struct {
	// ModelName overrides the physical table name.
	ModelName string
	Fields    []Field
}

// Schema maps model names to table definitions.
type Schema map[string]Table

// Table returns the physical table name for a model.
func (s Schema) TableName(model string) string {
	if t, ok := s[model]; ok && t.ModelName != "" {
		return t.ModelName
	}
	return model
}

// Field looks up a field definition by logical name.
func (s Schema) Field(model, name string) (Field, bool) {
	t, ok := s[model]
	if !ok {
		return Field{}, false
	}
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Models returns model names in deterministic order, parents before children
// so generated DDL satisfies foreign-key constraints.
func (s Schema) Models() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	// Stable topological ordering by reference depth.
	depth := map[string]int{}
	var depthOf func(string, map[string]bool) int
	depthOf = func(model string, seen map[string]bool) int {
		if d, ok := depth[model]; ok {
			return d
		}
		if seen[model] {
			return 0 // reference cycle, resolved by id-keyed relations at runtime
		}
		seen[model] = true
		max := 0
		for _, f := range s[model].Fields {
			if f.Reference != nil {
				if d := depthOf(f.Reference.Model, seen) + 1; d > max {
					max = d
				}
			}
		}
		depth[model] = max
		return max
	}
	for _, name := range names {
		depthOf(name, map[string]bool{})
	}
	sort.SliceStable(names, func(i, j int) bool {
		return depth[names[i]] < depth[names[j]]
	})
	return names
}

// Merge combines plugin-contributed tables into the base schema. New models
// are added whole; for existing models, new fields are appended and existing
// fields must not conflict.
func Merge(base Schema, extra Schema) (Schema, error) {
	out := make(Schema, len(base)+len(extra))
	for name, table := range base {
		out[name] = table
	}
	for name, table := range extra {
		existing, ok := out[name]
		if !ok {
			out[name] = table
			continue
		}
		for _, f := range table.Fields {
			if _, dup := out.Field(name, f.Name); dup {
				return nil, fmt.Errorf("schema merge: model %q already defines field %q", name, f.Name)
			}
			existing.Fields = append(existing.Fields, f)
		}
		out[name] = existing
	}
	return out, nil
}
