// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Matches evaluates a where-clause sequence against a record. The first entry
// seeds the truth value; each subsequent entry combines with its connector
// left to right (AND tightens, OR loosens), with no precedence rewriting.
func Matches(record Record, where []Where) bool {
	if len(where) == 0 {
		return true
	}
	result := matchClause(record, where[0].normalize())
	for _, raw := range where[1:] {
		w := raw.normalize()
		hit := matchClause(record, w)
		if w.Connector == ConnectorOr {
			result = result || hit
		} else {
			result = result && hit
		}
	}
	return result
}

func matchClause(record Record, w Where) bool {
	value, ok := record[w.Field]
	if !ok {
		// Absent fields only match negative operators.
		return w.Operator == OpNe || w.Operator == OpNotIn
	}

	switch w.Operator {
	case OpEq:
		return equalValues(value, w.Value)
	case OpNe:
		return !equalValues(value, w.Value)
	case OpIn:
		return containsValue(w.Value, value)
	case OpNotIn:
		return !containsValue(w.Value, value)
	case OpGt:
		return compareValues(value, w.Value) > 0
	case OpGte:
		return compareValues(value, w.Value) >= 0
	case OpLt:
		return compareValues(value, w.Value) < 0
	case OpLte:
		return compareValues(value, w.Value) <= 0
	case OpContains:
		return strings.Contains(asString(value), asString(w.Value))
	case OpStartsWith:
		return strings.HasPrefix(asString(value), asString(w.Value))
	case OpEndsWith:
		return strings.HasSuffix(asString(value), asString(w.Value))
	}
	return false
}

func equalValues(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	if na, oka := asFloat(a); oka {
		if nb, okb := asFloat(b); okb {
			return na == nb
		}
	}
	return reflect.DeepEqual(a, b)
}

func containsValue(list any, value any) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return equalValues(list, value)
	}
	for i := 0; i < rv.Len(); i++ {
		if equalValues(rv.Index(i).Interface(), value) {
			return true
		}
	}
	return false
}

// compareValues orders two values: -1, 0, or 1. Times compare temporally,
// numbers numerically, everything else lexically.
func compareValues(a, b any) int {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return 1
			default:
				return 0
			}
		}
	}
	if na, oka := asFloat(a); oka {
		if nb, okb := asFloat(b); okb {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(asString(a), asString(b))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%v", v)
}
