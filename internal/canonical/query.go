// Package canonical holds the dialect-neutral query representation that the
// compiler turns into SQL.
package canonical

import "strings"

// Expression is a sealed sum type: ColumnRef, Aggregate or RawExpression.
type Expression interface {
	expressionNode()
}

// ColumnRef names a column, optionally qualified by a table name or alias.
// Name "*" selects every column.
type ColumnRef struct {
	Qualifier string
	Name      string
}

// Aggregate applies an aggregate function. A nil Arg means COUNT(*).
type Aggregate struct {
	Func     string
	Arg      Expression
	Distinct bool
}

// RawExpression is SQL text passed through verbatim.
type RawExpression struct {
	SQL string
}

func (ColumnRef) expressionNode()     {}
func (Aggregate) expressionNode()     {}
func (RawExpression) expressionNode() {}

func (c ColumnRef) String() string {
	if c.Qualifier == "" {
		return c.Name
	}
	return c.Qualifier + "." + c.Name
}

type TableRef struct {
	Name  string
	Alias string
}

// Ref is the identifier other clauses use to reach this table.
func (t TableRef) Ref() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

type JoinKind string

const (
	JoinInner JoinKind = "INNER"
	JoinLeft  JoinKind = "LEFT"
	JoinRight JoinKind = "RIGHT"
	JoinFull  JoinKind = "FULL"
)

func ParseJoinKind(raw string) JoinKind {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	upper = strings.TrimSuffix(upper, " JOIN")
	upper = strings.TrimSuffix(upper, " OUTER")
	switch upper {
	case "LEFT":
		return JoinLeft
	case "RIGHT":
		return JoinRight
	case "FULL":
		return JoinFull
	default:
		return JoinInner
	}
}

type Condition struct {
	Left     Expression
	Operator Operator
	Right    Expression
}

type Join struct {
	Table TableRef
	Kind  JoinKind
	On    Condition
}

type SelectItem struct {
	Expr  Expression
	Alias string
}

// Filter is either a structured predicate or, when Raw is set, a predicate
// string emitted as-is.
type Filter struct {
	Expr     Expression
	Operator Operator
	Value    any
	Raw      string
}

type OrderItem struct {
	Expr Expression
	Desc bool
}

type Query struct {
	Primary  TableRef
	Joins    []Join
	Columns  []SelectItem
	Filters  []Filter
	GroupBy  []Expression
	OrderBy  []OrderItem
	Limit    *int
	Offset   *int
	Distinct bool
}

// Tables lists the primary table followed by joined tables in declaration
// order.
func (q *Query) Tables() []TableRef {
	if q == nil {
		return nil
	}
	out := make([]TableRef, 0, len(q.Joins)+1)
	if q.Primary.Name != "" {
		out = append(out, q.Primary)
	}
	for _, join := range q.Joins {
		out = append(out, join.Table)
	}
	return out
}

func (q *Query) TableNames() []string {
	refs := q.Tables()
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
	}
	return names
}

func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	out := *q
	out.Joins = append([]Join(nil), q.Joins...)
	out.Columns = append([]SelectItem(nil), q.Columns...)
	out.Filters = make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		if values, ok := f.Value.([]any); ok {
			f.Value = append([]any(nil), values...)
		}
		out.Filters[i] = f
	}
	out.GroupBy = append([]Expression(nil), q.GroupBy...)
	out.OrderBy = append([]OrderItem(nil), q.OrderBy...)
	if q.Limit != nil {
		limit := *q.Limit
		out.Limit = &limit
	}
	if q.Offset != nil {
		offset := *q.Offset
		out.Offset = &offset
	}
	return &out
}

// ColumnRefs collects every column reference reachable from expr.
func ColumnRefs(expr Expression) []ColumnRef {
	switch e := expr.(type) {
	case ColumnRef:
		return []ColumnRef{e}
	case Aggregate:
		if e.Arg == nil {
			return nil
		}
		return ColumnRefs(e.Arg)
	case RawExpression:
		return nil
	default:
		return nil
	}
}

func IntPtr(v int) *int {
	return &v
}
