// Package compiler turns a canonical query into literal SQL text for one
// dialect.
package compiler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/duckmesh/querygen/internal/canonical"
	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/qerr"
)

// NoColumnsSelection is emitted in place of an empty select list.
const NoColumnsSelection = "1 AS no_queryable_columns"

type binding struct {
	ref   string
	name  string
	table *catalog.Table
}

type compilation struct {
	dialect Dialect
	scope   []binding
	aliases map[string]struct{}
}

// Compile renders q for dialect. It performs no I/O and produces identical
// output for identical input. When cat is non-nil every table in FROM and
// JOIN must belong to it; otherwise a compile error is returned.
func Compile(q *canonical.Query, dialect Dialect, cat *catalog.Catalog) (string, error) {
	if _, ok := dialects[dialect]; !ok {
		return "", qerr.New(qerr.KindCompile, "unsupported dialect %q", dialect)
	}
	if q == nil || strings.TrimSpace(q.Primary.Name) == "" {
		return "", qerr.New(qerr.KindCompile, "query has no primary table")
	}

	c := &compilation{dialect: dialect, aliases: map[string]struct{}{}}
	for _, ref := range q.Tables() {
		if err := c.bind(ref, cat); err != nil {
			return "", err
		}
	}
	for _, item := range q.Columns {
		if item.Alias != "" {
			c.aliases[strings.ToLower(item.Alias)] = struct{}{}
		}
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if q.Distinct {
		b.WriteString("DISTINCT ")
	}
	if len(q.Columns) == 0 {
		b.WriteString(NoColumnsSelection)
	}
	for i, item := range q.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		expr, err := c.expression(canonical.Normalize(item.Expr), false)
		if err != nil {
			return "", err
		}
		b.WriteString(expr)
		if item.Alias != "" {
			b.WriteString(" AS ")
			b.WriteString(dialect.QuoteIdent(item.Alias))
		}
	}

	b.WriteString(" FROM ")
	b.WriteString(c.tableSQL(c.scope[0]))

	for i, join := range q.Joins {
		keyword, err := c.joinKeyword(join.Kind)
		if err != nil {
			return "", err
		}
		on, err := c.condition(join.On)
		if err != nil {
			return "", fmt.Errorf("compile join %s: %w", join.Table.Name, err)
		}
		b.WriteString(" ")
		b.WriteString(keyword)
		b.WriteString(" ")
		b.WriteString(c.tableSQL(c.scope[i+1]))
		b.WriteString(" ON ")
		b.WriteString(on)
	}

	if len(q.Filters) > 0 {
		parts := make([]string, 0, len(q.Filters))
		for _, filter := range q.Filters {
			part, err := c.filter(filter, len(q.Filters) > 1)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(parts, " AND "))
	}

	if len(q.GroupBy) > 0 {
		parts := make([]string, 0, len(q.GroupBy))
		for _, expr := range q.GroupBy {
			part, err := c.expression(canonical.Normalize(expr), true)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(parts, ", "))
	}

	if len(q.OrderBy) > 0 {
		parts := make([]string, 0, len(q.OrderBy))
		for _, item := range q.OrderBy {
			part, err := c.expression(canonical.Normalize(item.Expr), true)
			if err != nil {
				return "", err
			}
			if item.Desc {
				part += " DESC"
			}
			parts = append(parts, part)
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(parts, ", "))
	}

	if q.Limit != nil {
		if *q.Limit < 0 {
			return "", qerr.New(qerr.KindCompile, "limit must not be negative")
		}
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(*q.Limit))
	}
	if q.Offset != nil && *q.Offset > 0 {
		if q.Limit == nil && dialect.UnboundedLimit() != "" {
			b.WriteString(" LIMIT ")
			b.WriteString(dialect.UnboundedLimit())
		}
		b.WriteString(" OFFSET ")
		b.WriteString(strconv.Itoa(*q.Offset))
	}
	return b.String(), nil
}

func (c *compilation) bind(ref canonical.TableRef, cat *catalog.Catalog) error {
	b := binding{ref: ref.Ref(), name: ref.Name}
	if cat != nil {
		table, ok := cat.Table(ref.Name)
		if !ok {
			return qerr.New(qerr.KindCompile, "table %q is not in scope", ref.Name)
		}
		b.table = table
		b.name = table.Name
		if ref.Alias == "" {
			b.ref = table.Name
		}
	}
	for _, existing := range c.scope {
		if strings.EqualFold(existing.ref, b.ref) {
			return qerr.New(qerr.KindCompile, "table reference %q is used twice", b.ref)
		}
	}
	c.scope = append(c.scope, b)
	return nil
}

func (c *compilation) tableSQL(b binding) string {
	name := c.dialect.QuoteIdent(b.name)
	if strings.EqualFold(b.ref, b.name) {
		return name
	}
	return name + " AS " + c.dialect.QuoteIdent(b.ref)
}

func (c *compilation) joinKeyword(kind canonical.JoinKind) (string, error) {
	switch kind {
	case canonical.JoinLeft:
		return "LEFT JOIN", nil
	case canonical.JoinRight:
		return "RIGHT JOIN", nil
	case canonical.JoinFull:
		if !c.dialect.SupportsFullJoin() {
			return "", qerr.New(qerr.KindCompile, "%s does not support FULL JOIN", c.dialect)
		}
		return "FULL JOIN", nil
	default:
		return "JOIN", nil
	}
}

// resolve binds a column reference to a table in scope. A qualifier naming
// an aliased table is rebound to its alias so the same logical column always
// renders the same way.
func (c *compilation) resolve(ref canonical.ColumnRef, allowAliases bool) (canonical.ColumnRef, *catalog.Column, error) {
	if ref.Qualifier != "" {
		b, ok := c.lookup(ref.Qualifier)
		if !ok {
			return ref, nil, qerr.New(qerr.KindCompile, "unknown table alias %q in %s", ref.Qualifier, ref.String())
		}
		ref.Qualifier = b.ref
		if b.table == nil || ref.Name == "*" {
			return ref, nil, nil
		}
		col, _ := b.table.Column(ref.Name)
		return ref, col, nil
	}
	if ref.Name == "*" {
		return ref, nil, nil
	}
	if allowAliases {
		if _, ok := c.aliases[strings.ToLower(ref.Name)]; ok {
			return ref, nil, nil
		}
	}
	if len(c.scope) == 1 {
		if c.scope[0].table == nil {
			return ref, nil, nil
		}
		col, _ := c.scope[0].table.Column(ref.Name)
		return ref, col, nil
	}

	var owner *binding
	var column *catalog.Column
	for i := range c.scope {
		if c.scope[i].table == nil {
			continue
		}
		if col, ok := c.scope[i].table.Column(ref.Name); ok {
			if owner != nil {
				// Ambiguous; left bare for the validator to report.
				return ref, nil, nil
			}
			owner, column = &c.scope[i], col
		}
	}
	if owner == nil {
		return ref, nil, nil
	}
	ref.Qualifier = owner.ref
	return ref, column, nil
}

func (c *compilation) lookup(qualifier string) (binding, bool) {
	for _, b := range c.scope {
		if strings.EqualFold(b.ref, qualifier) {
			return b, true
		}
	}
	var found binding
	matches := 0
	for _, b := range c.scope {
		if strings.EqualFold(b.name, qualifier) {
			found = b
			matches++
		}
	}
	return found, matches == 1
}

func (c *compilation) expression(expr canonical.Expression, allowAliases bool) (string, error) {
	sql, _, err := c.expressionWithColumn(expr, allowAliases)
	return sql, err
}

func (c *compilation) expressionWithColumn(expr canonical.Expression, allowAliases bool) (string, *catalog.Column, error) {
	switch e := expr.(type) {
	case canonical.ColumnRef:
		ref, col, err := c.resolve(e, allowAliases)
		if err != nil {
			return "", nil, err
		}
		if ref.Qualifier == "" {
			return c.dialect.QuoteIdent(ref.Name), col, nil
		}
		return c.dialect.QuoteIdent(ref.Qualifier) + "." + c.dialect.QuoteIdent(ref.Name), col, nil
	case canonical.Aggregate:
		arg := "*"
		if e.Arg != nil {
			inner, err := c.expression(e.Arg, false)
			if err != nil {
				return "", nil, err
			}
			arg = inner
		}
		if e.Distinct {
			arg = "DISTINCT " + arg
		}
		return strings.ToUpper(e.Func) + "(" + arg + ")", nil, nil
	case canonical.RawExpression:
		if strings.TrimSpace(e.SQL) == "" {
			return "", nil, qerr.New(qerr.KindCompile, "empty expression")
		}
		if err := c.checkFragment(e.SQL); err != nil {
			return "", nil, err
		}
		return e.SQL, nil, nil
	default:
		return "", nil, qerr.New(qerr.KindCompile, "unsupported expression %T", expr)
	}
}

func (c *compilation) condition(cond canonical.Condition) (string, error) {
	left, err := c.expression(cond.Left, false)
	if err != nil {
		return "", err
	}
	right, err := c.expression(cond.Right, false)
	if err != nil {
		return "", err
	}
	op := cond.Operator
	if op == "" {
		op = canonical.OpEq
	}
	return left + " " + string(op) + " " + right, nil
}

func (c *compilation) filter(f canonical.Filter, parenthesizeRaw bool) (string, error) {
	if f.Raw != "" {
		if err := c.checkFragment(f.Raw); err != nil {
			return "", err
		}
		if parenthesizeRaw {
			return "(" + f.Raw + ")", nil
		}
		return f.Raw, nil
	}
	f = canonical.NormalizeFilter(f)
	left, col, err := c.expressionWithColumn(canonical.Normalize(f.Expr), false)
	if err != nil {
		return "", err
	}

	switch f.Operator {
	case canonical.OpIsNull, canonical.OpIsNotNull:
		return left + " " + string(f.Operator), nil
	case canonical.OpIs:
		f.Operator = canonical.OpEq
	case canonical.OpIsNot:
		f.Operator = canonical.OpNe
	case canonical.OpIn, canonical.OpNotIn:
		values, ok := f.Value.([]any)
		if !ok {
			values = []any{f.Value}
		}
		if len(values) == 0 {
			return "", qerr.New(qerr.KindCompile, "%s filter on %s has no values", f.Operator, left)
		}
		parts := make([]string, 0, len(values))
		for _, v := range values {
			lit, err := c.literal(v, col)
			if err != nil {
				return "", err
			}
			parts = append(parts, lit)
		}
		return left + " " + string(f.Operator) + " (" + strings.Join(parts, ", ") + ")", nil
	case canonical.OpBetween:
		values, ok := f.Value.([]any)
		if !ok || len(values) != 2 {
			return "", qerr.New(qerr.KindCompile, "BETWEEN filter on %s needs exactly two values", left)
		}
		low, err := c.literal(values[0], col)
		if err != nil {
			return "", err
		}
		high, err := c.literal(values[1], col)
		if err != nil {
			return "", err
		}
		return left + " BETWEEN " + low + " AND " + high, nil
	case canonical.OpILike, canonical.OpNotILike:
		value, err := c.literal(f.Value, col)
		if err != nil {
			return "", err
		}
		if c.dialect.SupportsILike() {
			return left + " " + string(f.Operator) + " " + value, nil
		}
		like := "LIKE"
		if f.Operator == canonical.OpNotILike {
			like = "NOT LIKE"
		}
		return "LOWER(" + left + ") " + like + " LOWER(" + value + ")", nil
	}

	value, err := c.literal(f.Value, col)
	if err != nil {
		return "", err
	}
	return left + " " + string(f.Operator) + " " + value, nil
}

// literal inlines v. Values compared against a boolean column are coerced
// to the dialect's boolean form.
func (c *compilation) literal(v any, col *catalog.Column) (string, error) {
	if col != nil && col.IsBoolean() {
		if b, ok := truthy(v); ok {
			return c.dialect.BoolLiteral(b), nil
		}
	}
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		return c.dialect.BoolLiteral(x), nil
	case string:
		return c.dialect.QuoteString(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case json.Number:
		return x.String(), nil
	case time.Time:
		return c.dialect.QuoteString(x.UTC().Format("2006-01-02 15:04:05")), nil
	default:
		return "", qerr.New(qerr.KindCompile, "unsupported literal of type %T", v)
	}
}

func truthy(v any) (bool, bool) {
	switch x := v.(type) {
	case nil:
		return false, false
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "t", "yes", "y":
			return true, true
		default:
			return false, true
		}
	case int:
		return x != 0, true
	case int64:
		return x != 0, true
	case float64:
		return x != 0, true
	default:
		return false, false
	}
}
