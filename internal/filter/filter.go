// Package filter builds parameterized SQL WHERE clauses from typed
// expressions. Column names are supplied by code; values always become
// positional arguments.
package filter

import (
	"fmt"
	"strings"
)

// Expr is one predicate of a WHERE clause.
type Expr interface {
	// render writes the predicate using placeholders starting at next and
	// returns the args it consumed. An empty predicate is skipped.
	render(next int) (string, []any)
}

type equals struct {
	column string
	value  any
}

// Equals matches column = value.
func Equals(column string, value any) Expr {
	return equals{column: column, value: value}
}

func (e equals) render(next int) (string, []any) {
	return fmt.Sprintf("%s = $%d", e.column, next), []any{e.value}
}

type rangeExpr struct {
	column   string
	min, max any
}

// Range matches min <= column <= max. A nil bound is open.
func Range(column string, min, max any) Expr {
	return rangeExpr{column: column, min: min, max: max}
}

func (r rangeExpr) render(next int) (string, []any) {
	var parts []string
	var args []any
	if r.min != nil {
		parts = append(parts, fmt.Sprintf("%s >= $%d", r.column, next+len(args)))
		args = append(args, r.min)
	}
	if r.max != nil {
		parts = append(parts, fmt.Sprintf("%s <= $%d", r.column, next+len(args)))
		args = append(args, r.max)
	}
	return strings.Join(parts, " AND "), args
}

type in struct {
	column string
	values any
}

// In matches column = ANY(values). values must be a slice pgx can encode as
// an array. An empty slice matches nothing.
func In[T any](column string, values []T) Expr {
	return in{column: column, values: values}
}

func (e in) render(next int) (string, []any) {
	return fmt.Sprintf("%s = ANY($%d)", e.column, next), []any{e.values}
}

type like struct {
	columns []string
	term    string
}

// Like matches when any of columns contains term, case-insensitive. LIKE
// metacharacters in term are escaped.
func Like(term string, columns ...string) Expr {
	return like{columns: columns, term: term}
}

func (l like) render(next int) (string, []any) {
	if l.term == "" || len(l.columns) == 0 {
		return "", nil
	}
	ors := make([]string, len(l.columns))
	for i, c := range l.columns {
		ors[i] = fmt.Sprintf("%s ILIKE $%d", c, next)
	}
	return "(" + strings.Join(ors, " OR ") + ")", []any{"%" + EscapeLike(l.term) + "%"}
}

type raw struct {
	sql string
}

// Raw embeds a fixed predicate with no arguments, e.g. "o.in_stock".
func Raw(sql string) Expr {
	return raw{sql: sql}
}

func (r raw) render(int) (string, []any) {
	return r.sql, nil
}

// EscapeLike escapes LIKE wildcards in s.
func EscapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Builder accumulates expressions. Nil expressions are ignored so optional
// filters can be added unconditionally.
type Builder struct {
	exprs []Expr
}

// Add appends expressions.
func (b *Builder) Add(exprs ...Expr) *Builder {
	for _, e := range exprs {
		if e != nil {
			b.exprs = append(b.exprs, e)
		}
	}
	return b
}

// Build renders "WHERE ..." (or "" with no predicates) with placeholders
// numbered from start, and returns the matching args.
func (b *Builder) Build(start int) (string, []any) {
	return Build(start, b.exprs...)
}

// Build renders exprs joined by AND. See Builder.Build.
func Build(start int, exprs ...Expr) (string, []any) {
	var parts []string
	var args []any
	for _, e := range exprs {
		if e == nil {
			continue
		}
		sql, a := e.render(start + len(args))
		if sql == "" {
			continue
		}
		parts = append(parts, sql)
		args = append(args, a...)
	}
	if len(parts) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(parts, " AND "), args
}
