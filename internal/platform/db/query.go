package db

import (
	"fmt"
	"sort"
	"strings"
)

// FilterKind says how a query-string filter becomes a WHERE fragment.
type FilterKind int

const (
	FilterEq       FilterKind = iota // column = $n
	FilterContains                   // column ILIKE '%' || $n || '%'
	FilterPrefix                     // column ILIKE $n || '%'
	FilterAnyOf                      // $n = ANY(column), for text[] columns
)

// Filter maps a request parameter to a column.
type Filter struct {
	Column string
	Kind   FilterKind
}

// SelectQuery accumulates ANDed conditions for a single-table SELECT.
type SelectQuery struct {
	table   string
	cols    string
	where   []string
	args    []any
	orderBy string
}

func NewSelectQuery(table, cols string) *SelectQuery {
	return &SelectQuery{table: table, cols: cols}
}

// Next returns the placeholder index the next argument will take.
func (q *SelectQuery) Next() int { return len(q.args) + 1 }

// Where appends a clause. Use %d in clause for each placeholder; they are
// numbered in order starting at Next().
func (q *SelectQuery) Where(clause string, args ...any) *SelectQuery {
	idx := make([]any, len(args))
	for i := range args {
		idx[i] = q.Next() + i
	}
	q.where = append(q.where, fmt.Sprintf(clause, idx...))
	q.args = append(q.args, args...)
	return q
}

// Eq appends column = value.
func (q *SelectQuery) Eq(column string, value any) *SelectQuery {
	return q.Where(column+" = $%d", value)
}

// Apply adds one condition per non-empty parameter that has a filter
// configured. Parameters are visited in name order so argument positions are
// stable.
func (q *SelectQuery) Apply(params map[string]string, filters map[string]Filter) *SelectQuery {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f, ok := filters[name]
		value := params[name]
		if !ok || value == "" {
			continue
		}
		switch f.Kind {
		case FilterContains:
			q.Where(f.Column+" ILIKE '%%' || $%d || '%%'", value)
		case FilterPrefix:
			q.Where(f.Column+" ILIKE $%d || '%%'", value)
		case FilterAnyOf:
			q.Where("$%d = ANY("+f.Column+")", value)
		default:
			q.Eq(f.Column, value)
		}
	}
	return q
}

func (q *SelectQuery) OrderBy(orderBy string) *SelectQuery {
	q.orderBy = orderBy
	return q
}

func (q *SelectQuery) whereSQL() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// SQL returns the unpaginated SELECT.
func (q *SelectQuery) SQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s%s", q.cols, q.table, q.whereSQL())
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	return sql
}

func (q *SelectQuery) Args() []any { return q.args }

func (q *SelectQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", q.table, q.whereSQL())
}

// PageSQL returns SQL() with LIMIT and OFFSET placeholders appended.
func (q *SelectQuery) PageSQL() string {
	return fmt.Sprintf("%s LIMIT $%d OFFSET $%d", q.SQL(), q.Next(), q.Next()+1)
}

// PageArgs returns Args() followed by limit and offset.
func (q *SelectQuery) PageArgs(limit, offset int) []any {
	out := make([]any, 0, len(q.args)+2)
	out = append(out, q.args...)
	return append(out, limit, offset)
}
