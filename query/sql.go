package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownField indicates a filter or order references a field the store
// does not expose.
var ErrUnknownField = errors.New("query: unknown field")

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

// QuestionMark renders SQLite/MySQL style "?" placeholders.
func QuestionMark(int) string { return "?" }

// Dollar renders PostgreSQL style "$n" placeholders.
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Compiler turns a Query into SQL clauses for one table.
type Compiler struct {
	// Columns maps document field names to quoted column expressions.
	Columns     map[string]string
	Placeholder Placeholder
	// DefaultLimit applies when Query.Limit <= 0.
	DefaultLimit int
}

// Compile renders " WHERE ... ORDER BY ... LIMIT ... OFFSET ..." and its args.
func (c Compiler) Compile(q Query) (string, []any, error) {
	var (
		b    strings.Builder
		args []any
	)

	if q.Filter != nil {
		where, err := c.where(q.Filter, &args)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}

	if len(q.OrderBy) > 0 {
		parts := make([]string, 0, len(q.OrderBy))
		for _, order := range q.OrderBy {
			column, ok := c.Columns[order.Field]
			if !ok {
				return "", nil, fmt.Errorf("%w %q in order", ErrUnknownField, order.Field)
			}
			direction := "ASC"
			if order.Desc {
				direction = "DESC"
			}
			parts = append(parts, column+" "+direction)
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(parts, ", "))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = c.DefaultLimit
	}
	if limit > 0 {
		args = append(args, limit)
		b.WriteString(" LIMIT ")
		b.WriteString(c.placeholder(len(args)))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		b.WriteString(" OFFSET ")
		b.WriteString(c.placeholder(len(args)))
	}

	return b.String(), args, nil
}

func (c Compiler) where(filter Filter, args *[]any) (string, error) {
	switch f := filter.(type) {
	case Equal:
		column, ok := c.Columns[f.Field]
		if !ok {
			return "", fmt.Errorf("%w %q in filter", ErrUnknownField, f.Field)
		}
		if f.Value == nil {
			return column + " IS NULL", nil
		}
		*args = append(*args, f.Value)
		return column + " = " + c.placeholder(len(*args)), nil
	case And:
		return c.join(f, " AND ", "1=1", args)
	case Or:
		return c.join(f, " OR ", "1=0", args)
	default:
		return "", fmt.Errorf("query: unsupported filter %T", filter)
	}
}

func (c Compiler) join(filters []Filter, sep, empty string, args *[]any) (string, error) {
	if len(filters) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(filters))
	for _, member := range filters {
		part, err := c.where(member, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (c Compiler) placeholder(n int) string {
	if c.Placeholder == nil {
		return QuestionMark(n)
	}
	return c.Placeholder(n)
}
