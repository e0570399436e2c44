// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/stacklok/betterauth/pkg/db"
)

// whereSQL renders a where-clause sequence as a parameterized SQL fragment
// (" WHERE ...") plus its argument list. Clauses combine strictly left to
// right with their connectors; parentheses preserve that order against SQL's
// native AND/OR precedence. Returns an empty string for an empty sequence.
func (a *Adapter) whereSQL(model string, where []db.Where) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}

	expr, args := a.clauseSQL(model, where[0])
	for _, w := range where[1:] {
		connector := "AND"
		if w.Connector == db.ConnectorOr {
			connector = "OR"
		}
		next, nextArgs := a.clauseSQL(model, w)
		expr = fmt.Sprintf("(%s) %s %s", expr, connector, next)
		args = append(args, nextArgs...)
	}
	return " WHERE " + expr, args
}

func (a *Adapter) clauseSQL(model string, w db.Where) (string, []any) {
	col := quoteIdent(a.column(model, w.Field))
	value := a.toDB(model, w.Field, w.Value)

	op := w.Operator
	if op == "" {
		op = db.OpEq
	}
	switch op {
	case db.OpEq:
		if value == nil {
			return col + " IS NULL", nil
		}
		return col + " = ?", []any{value}
	case db.OpNe:
		if value == nil {
			return col + " IS NOT NULL", nil
		}
		return col + " != ?", []any{value}
	case db.OpGt:
		return col + " > ?", []any{value}
	case db.OpGte:
		return col + " >= ?", []any{value}
	case db.OpLt:
		return col + " < ?", []any{value}
	case db.OpLte:
		return col + " <= ?", []any{value}
	case db.OpIn, db.OpNotIn:
		values := a.sliceValues(model, w.Field, w.Value)
		if len(values) == 0 {
			// IN () matches nothing; NOT IN () matches everything.
			if op == db.OpIn {
				return "1 = 0", nil
			}
			return "1 = 1", nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		kw := "IN"
		if op == db.OpNotIn {
			kw = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, kw, placeholders), values
	case db.OpContains:
		return col + " LIKE ? ESCAPE '\\'", []any{"%" + escapeLike(fmt.Sprintf("%v", w.Value)) + "%"}
	case db.OpStartsWith:
		return col + " LIKE ? ESCAPE '\\'", []any{escapeLike(fmt.Sprintf("%v", w.Value)) + "%"}
	case db.OpEndsWith:
		return col + " LIKE ? ESCAPE '\\'", []any{"%" + escapeLike(fmt.Sprintf("%v", w.Value))}
	}
	// Unknown operator: match nothing rather than everything.
	return "1 = 0", nil
}

func (a *Adapter) sliceValues(model, field string, value any) []any {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{a.toDB(model, field, value)}
	}
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out = append(out, a.toDB(model, field, rv.Index(i).Interface()))
	}
	return out
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
