package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type wireQuery struct {
	PrimaryTable json.RawMessage   `json:"primary_table"`
	Joins        []json.RawMessage `json:"joins,omitempty"`
	Columns      []json.RawMessage `json:"columns,omitempty"`
	Filters      []json.RawMessage `json:"filters,omitempty"`
	GroupBy      []json.RawMessage `json:"group_by,omitempty"`
	OrderBy      []json.RawMessage `json:"order_by,omitempty"`
	Limit        *int              `json:"limit,omitempty"`
	Offset       *int              `json:"offset,omitempty"`
	Distinct     bool              `json:"distinct,omitempty"`
}

type wireTable struct {
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
}

type wireJoin struct {
	Table string          `json:"table"`
	Alias string          `json:"alias,omitempty"`
	Type  string          `json:"type,omitempty"`
	On    json.RawMessage `json:"on"`
}

type wireCondition struct {
	LeftColumn  string `json:"left_column"`
	Operator    string `json:"operator,omitempty"`
	RightColumn string `json:"right_column"`
	Left        string `json:"left,omitempty"`
	Right       string `json:"right,omitempty"`
}

type wireColumn struct {
	Column     string `json:"column,omitempty"`
	Expression string `json:"expression,omitempty"`
	Aggregate  string `json:"aggregate,omitempty"`
	Alias      string `json:"alias,omitempty"`
	Distinct   bool   `json:"distinct,omitempty"`
}

type wireFilter struct {
	Column   string `json:"column"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value"`
}

type wireOrder struct {
	Column    string `json:"column"`
	Direction string `json:"direction,omitempty"`
	Order     string `json:"order,omitempty"`
}

// Decode parses the loose JSON produced by a query-construction model. Each
// column, filter and sort key is resolved into its Expression variant here,
// once.
func Decode(data []byte) (*Query, error) {
	var q Query
	if err := q.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &q, nil
}

func (q *Query) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var w wireQuery
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("decode canonical query: %w", err)
	}

	out := Query{Limit: w.Limit, Offset: w.Offset, Distinct: w.Distinct}

	primary, err := decodeTable(w.PrimaryTable)
	if err != nil {
		return fmt.Errorf("decode primary_table: %w", err)
	}
	out.Primary = primary

	for i, raw := range w.Joins {
		join, err := decodeJoin(raw)
		if err != nil {
			return fmt.Errorf("decode joins[%d]: %w", i, err)
		}
		out.Joins = append(out.Joins, join)
	}
	for i, raw := range w.Columns {
		item, distinct, err := decodeColumn(raw)
		if err != nil {
			return fmt.Errorf("decode columns[%d]: %w", i, err)
		}
		if distinct && i == 0 {
			out.Distinct = true
		}
		out.Columns = append(out.Columns, item)
	}
	for i, raw := range w.Filters {
		filter, err := decodeFilter(raw)
		if err != nil {
			return fmt.Errorf("decode filters[%d]: %w", i, err)
		}
		out.Filters = append(out.Filters, filter)
	}
	for i, raw := range w.GroupBy {
		text, err := decodeColumnText(raw)
		if err != nil {
			return fmt.Errorf("decode group_by[%d]: %w", i, err)
		}
		out.GroupBy = append(out.GroupBy, ParseExpression(text))
	}
	for i, raw := range w.OrderBy {
		item, err := decodeOrder(raw)
		if err != nil {
			return fmt.Errorf("decode order_by[%d]: %w", i, err)
		}
		out.OrderBy = append(out.OrderBy, item)
	}

	*q = out
	return nil
}

func (q Query) MarshalJSON() ([]byte, error) {
	w := wireQuery{Limit: q.Limit, Offset: q.Offset, Distinct: q.Distinct}
	var err error
	if w.PrimaryTable, err = json.Marshal(wireTable{Name: q.Primary.Name, Alias: q.Primary.Alias}); err != nil {
		return nil, err
	}
	for _, join := range q.Joins {
		on, err := json.Marshal(wireCondition{
			LeftColumn:  FormatExpression(join.On.Left),
			Operator:    string(join.On.Operator),
			RightColumn: FormatExpression(join.On.Right),
		})
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(wireJoin{Table: join.Table.Name, Alias: join.Table.Alias, Type: string(join.Kind), On: on})
		if err != nil {
			return nil, err
		}
		w.Joins = append(w.Joins, raw)
	}
	for _, item := range q.Columns {
		col := wireColumn{Alias: item.Alias}
		switch e := item.Expr.(type) {
		case Aggregate:
			col.Aggregate = e.Func
			col.Distinct = e.Distinct
			col.Column = "*"
			if e.Arg != nil {
				col.Column = FormatExpression(e.Arg)
			}
		case RawExpression:
			col.Expression = e.SQL
		default:
			col.Column = FormatExpression(item.Expr)
		}
		raw, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		w.Columns = append(w.Columns, raw)
	}
	for _, filter := range q.Filters {
		var raw []byte
		if filter.Raw != "" {
			raw, err = json.Marshal(filter.Raw)
		} else {
			raw, err = json.Marshal(wireFilter{Column: FormatExpression(filter.Expr), Operator: string(filter.Operator), Value: filter.Value})
		}
		if err != nil {
			return nil, err
		}
		w.Filters = append(w.Filters, raw)
	}
	for _, expr := range q.GroupBy {
		raw, err := json.Marshal(FormatExpression(expr))
		if err != nil {
			return nil, err
		}
		w.GroupBy = append(w.GroupBy, raw)
	}
	for _, item := range q.OrderBy {
		dir := "ASC"
		if item.Desc {
			dir = "DESC"
		}
		raw, err := json.Marshal(wireOrder{Column: FormatExpression(item.Expr), Direction: dir})
		if err != nil {
			return nil, err
		}
		w.OrderBy = append(w.OrderBy, raw)
	}
	return json.Marshal(w)
}

func decodeTable(raw json.RawMessage) (TableRef, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return TableRef{}, nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return splitTableAlias(name), nil
	}
	var t wireTable
	if err := json.Unmarshal(raw, &t); err != nil {
		return TableRef{}, err
	}
	return TableRef{Name: strings.TrimSpace(t.Name), Alias: strings.TrimSpace(t.Alias)}, nil
}

// splitTableAlias accepts "orders", "orders o" and "orders AS o".
func splitTableAlias(text string) TableRef {
	fields := strings.Fields(text)
	switch {
	case len(fields) == 2:
		return TableRef{Name: fields[0], Alias: fields[1]}
	case len(fields) == 3 && strings.EqualFold(fields[1], "AS"):
		return TableRef{Name: fields[0], Alias: fields[2]}
	default:
		return TableRef{Name: strings.TrimSpace(text)}
	}
}

func decodeJoin(raw json.RawMessage) (Join, error) {
	var w wireJoin
	if err := json.Unmarshal(raw, &w); err != nil {
		return Join{}, err
	}
	join := Join{Kind: ParseJoinKind(w.Type)}
	join.Table = splitTableAlias(w.Table)
	if w.Alias != "" {
		join.Table.Alias = strings.TrimSpace(w.Alias)
	}
	if len(bytes.TrimSpace(w.On)) == 0 {
		return Join{}, fmt.Errorf("join on %q has no condition", w.Table)
	}

	var text string
	if err := json.Unmarshal(w.On, &text); err == nil {
		cond, ok := parseConditionText(text)
		if !ok {
			return Join{}, fmt.Errorf("unsupported join condition %q", text)
		}
		join.On = cond
		return join, nil
	}
	var cond wireCondition
	if err := json.Unmarshal(w.On, &cond); err != nil {
		return Join{}, err
	}
	left, right := cond.LeftColumn, cond.RightColumn
	if left == "" {
		left = cond.Left
	}
	if right == "" {
		right = cond.Right
	}
	if left == "" || right == "" {
		return Join{}, fmt.Errorf("join on %q has an incomplete condition", w.Table)
	}
	op, ok := ParseOperator(cond.Operator)
	if !ok {
		return Join{}, fmt.Errorf("unsupported join operator %q", cond.Operator)
	}
	join.On = Condition{Left: ParseExpression(left), Operator: op, Right: ParseExpression(right)}
	return join, nil
}

func parseConditionText(text string) (Condition, bool) {
	for _, op := range []string{"<=", ">=", "!=", "<>", "=", "<", ">"} {
		if i := strings.Index(text, op); i > 0 {
			parsed, _ := ParseOperator(op)
			return Condition{
				Left:     ParseExpression(text[:i]),
				Operator: parsed,
				Right:    ParseExpression(text[i+len(op):]),
			}, true
		}
	}
	return Condition{}, false
}

func decodeColumn(raw json.RawMessage) (SelectItem, bool, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		rest, distinct := SplitDistinct(text)
		return SelectItem{Expr: ParseExpression(rest)}, distinct, nil
	}
	var w wireColumn
	if err := json.Unmarshal(raw, &w); err != nil {
		return SelectItem{}, false, err
	}
	source := w.Column
	if source == "" {
		source = w.Expression
	}
	if strings.TrimSpace(source) == "" && w.Aggregate == "" {
		return SelectItem{}, false, fmt.Errorf("column entry has neither column nor expression")
	}
	rest, distinct := SplitDistinct(source)
	item := SelectItem{Alias: strings.TrimSpace(w.Alias)}
	if w.Aggregate == "" {
		item.Expr = ParseExpression(rest)
		return item, distinct || w.Distinct, nil
	}

	fn, ok := AggregateFunc(w.Aggregate)
	if !ok {
		// Unknown function names are kept as raw calls.
		item.Expr = RawExpression{SQL: strings.ToUpper(w.Aggregate) + "(" + source + ")"}
		return item, false, nil
	}
	agg := Aggregate{Func: fn, Distinct: distinct || w.Distinct}
	if strings.TrimSpace(rest) != "*" && strings.TrimSpace(rest) != "" {
		agg.Arg = ParseExpression(rest)
	}
	item.Expr = Normalize(agg)
	return item, false, nil
}

func decodeFilter(raw json.RawMessage) (Filter, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return Filter{}, fmt.Errorf("empty filter")
		}
		return Filter{Raw: strings.TrimSpace(text)}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var w wireFilter
	if err := dec.Decode(&w); err != nil {
		return Filter{}, err
	}
	if strings.TrimSpace(w.Column) == "" {
		return Filter{}, fmt.Errorf("filter has no column")
	}
	op, ok := ParseOperator(w.Operator)
	if !ok {
		return Filter{}, fmt.Errorf("unsupported filter operator %q", w.Operator)
	}
	return NormalizeFilter(Filter{
		Expr:     ParseExpression(w.Column),
		Operator: op,
		Value:    normalizeValue(w.Value),
	}), nil
}

// NormalizeFilter rewrites NULL comparisons into IS [NOT] NULL and splits a
// comma-separated IN list given as a single string.
func NormalizeFilter(f Filter) Filter {
	if f.Raw != "" {
		return f
	}
	if s, ok := f.Value.(string); ok && strings.EqualFold(strings.TrimSpace(s), "NULL") {
		f.Value = nil
	}
	switch f.Operator {
	case OpEq, OpIs:
		if f.Value == nil {
			f.Operator = OpIsNull
		}
	case OpNe, OpIsNot:
		if f.Value == nil {
			f.Operator = OpIsNotNull
		}
	case OpIn, OpNotIn:
		if s, ok := f.Value.(string); ok {
			parts := strings.Split(strings.Trim(strings.TrimSpace(s), "()"), ",")
			values := make([]any, 0, len(parts))
			for _, part := range parts {
				values = append(values, strings.Trim(strings.TrimSpace(part), `'"`))
			}
			f.Value = values
		}
	}
	return f
}

func normalizeValue(v any) any {
	switch value := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(value.String(), 10, 64); err == nil {
			return i
		}
		if f, err := value.Float64(); err == nil {
			return f
		}
		return value.String()
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func decodeColumnText(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var w struct {
		Column string `json:"column"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return "", err
	}
	if w.Column == "" {
		return "", fmt.Errorf("entry has no column")
	}
	return w.Column, nil
}

func decodeOrder(raw json.RawMessage) (OrderItem, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		fields := strings.Fields(text)
		if len(fields) > 1 {
			last := strings.ToUpper(fields[len(fields)-1])
			if last == "DESC" || last == "ASC" {
				expr := strings.TrimSpace(text[:strings.LastIndex(text, fields[len(fields)-1])])
				return OrderItem{Expr: ParseExpression(expr), Desc: last == "DESC"}, nil
			}
		}
		return OrderItem{Expr: ParseExpression(text)}, nil
	}
	var w wireOrder
	if err := json.Unmarshal(raw, &w); err != nil {
		return OrderItem{}, err
	}
	if w.Column == "" {
		return OrderItem{}, fmt.Errorf("order entry has no column")
	}
	dir := w.Direction
	if dir == "" {
		dir = w.Order
	}
	return OrderItem{
		Expr: ParseExpression(w.Column),
		Desc: strings.HasPrefix(strings.ToUpper(strings.TrimSpace(dir)), "DESC"),
	}, nil
}
