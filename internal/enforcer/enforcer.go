// Package enforcer removes non-queryable tables and restricted columns from
// queries, both before compilation on the structured form and afterwards on
// the generated SQL text.
package enforcer

import (
	"strings"

	"github.com/duckmesh/querygen/internal/canonical"
	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/compiler"
	"github.com/duckmesh/querygen/internal/sqlparse"
)

type Result struct {
	Query    *canonical.Query
	Warnings []Warning
	// Blocked is set when no queryable table is left to select from.
	Blocked bool
}

type columnStatus struct {
	name       string
	restricted bool
	removed    bool
}

type scope struct {
	cat      *catalog.Catalog
	active   []canonical.TableRef
	removed  []canonical.TableRef
	warnings []Warning
}

// Enforce applies the catalog's queryability rules to a copy of q. Applying
// it to its own output changes nothing.
func Enforce(q *canonical.Query, cat *catalog.Catalog) Result {
	if q == nil {
		return Result{}
	}
	out := q.Clone()
	if cat == nil {
		return Result{Query: out}
	}
	s := &scope{cat: cat}

	if !s.queryable(out.Primary.Name) {
		old := out.Primary
		s.remove(old)
		promoted := -1
		for i, join := range out.Joins {
			if s.queryable(join.Table.Name) {
				promoted = i
				break
			}
		}
		if promoted < 0 {
			for _, join := range out.Joins {
				s.remove(join.Table)
			}
			return Result{Query: out, Warnings: Dedupe(s.warnings), Blocked: true}
		}
		out.Primary = out.Joins[promoted].Table
		out.Joins = append(out.Joins[:promoted:promoted], out.Joins[promoted+1:]...)
		s.warnings = append(s.warnings, NewWarning(WarningPromotedPrimary, out.Primary.Name,
			"Table '%s' is not queryable; '%s' is used as the primary table instead.", old.Name, out.Primary.Name))
	}
	s.active = append(s.active, out.Primary)

	candidates := make([]canonical.Join, 0, len(out.Joins))
	for _, join := range out.Joins {
		if !s.queryable(join.Table.Name) {
			s.remove(join.Table)
			continue
		}
		candidates = append(candidates, join)
	}
	joins := candidates[:0:0]
	for _, join := range candidates {
		if s.dependsOnRemoved(join.On) {
			s.removed = append(s.removed, join.Table)
			s.warnings = append(s.warnings, NewWarning(WarningNonQueryableTable, join.Table.Name,
				"Table '%s' was removed from the query because it joins through a non-queryable table.", join.Table.Name))
			continue
		}
		s.active = append(s.active, join.Table)
		joins = append(joins, join)
	}
	out.Joins = joins

	columns := make([]canonical.SelectItem, 0, len(out.Columns))
	kept := map[string]struct{}{}
	dropped := map[string]struct{}{}
	for _, item := range out.Columns {
		if expanded, ok := s.expandStar(item); ok {
			columns = append(columns, expanded...)
			continue
		}
		if s.rejects(columnRefs(item.Expr)) {
			if item.Alias != "" {
				dropped[strings.ToLower(item.Alias)] = struct{}{}
			}
			continue
		}
		if item.Alias != "" {
			kept[strings.ToLower(item.Alias)] = struct{}{}
		}
		columns = append(columns, item)
	}
	out.Columns = columns

	aliasAllowed := func(expr canonical.Expression) (decided, keep bool) {
		ref, ok := expr.(canonical.ColumnRef)
		if !ok || ref.Qualifier != "" {
			return false, false
		}
		key := strings.ToLower(ref.Name)
		if _, ok := kept[key]; ok {
			return true, true
		}
		if _, ok := dropped[key]; ok {
			return true, false
		}
		return false, false
	}

	filters := out.Filters[:0:0]
	for _, f := range out.Filters {
		var refs []canonical.ColumnRef
		if f.Raw != "" {
			refs = fragmentRefs(f.Raw)
		} else {
			refs = columnRefs(f.Expr)
		}
		if s.rejects(refs) {
			continue
		}
		filters = append(filters, f)
	}
	out.Filters = filters

	groupBy := out.GroupBy[:0:0]
	for _, expr := range out.GroupBy {
		if decided, keep := aliasAllowed(expr); decided {
			if keep {
				groupBy = append(groupBy, expr)
			}
			continue
		}
		if s.rejects(columnRefs(expr)) {
			continue
		}
		groupBy = append(groupBy, expr)
	}
	out.GroupBy = groupBy

	orderBy := out.OrderBy[:0:0]
	for _, item := range out.OrderBy {
		if decided, keep := aliasAllowed(item.Expr); decided {
			if keep {
				orderBy = append(orderBy, item)
			}
			continue
		}
		if s.rejects(columnRefs(item.Expr)) {
			continue
		}
		orderBy = append(orderBy, item)
	}
	out.OrderBy = orderBy

	return Result{Query: out, Warnings: Dedupe(s.warnings)}
}

// queryable treats tables missing from the catalog as allowed; scope
// containment is enforced by the compiler.
func (s *scope) queryable(name string) bool {
	t, ok := s.cat.Table(name)
	return !ok || t.Queryable
}

func (s *scope) remove(ref canonical.TableRef) {
	s.removed = append(s.removed, ref)
	s.warnings = append(s.warnings, tableWarning(ref.Name))
}

func (s *scope) dependsOnRemoved(on canonical.Condition) bool {
	refs := append(columnRefs(on.Left), columnRefs(on.Right)...)
	for _, ref := range refs {
		if ref.Qualifier != "" && matchRef(s.removed, ref.Qualifier) != nil {
			return true
		}
	}
	return false
}

// rejects reports whether any reference touches a removed table or a
// restricted column, recording a warning for each restricted column.
func (s *scope) rejects(refs []canonical.ColumnRef) bool {
	reject := false
	for _, ref := range refs {
		if ref.Name == "*" {
			continue
		}
		if ref.Qualifier != "" {
			if matchRef(s.removed, ref.Qualifier) != nil {
				reject = true
				continue
			}
			table := matchRef(s.active, ref.Qualifier)
			if table == nil {
				continue
			}
			if status, ok := s.status(table.Name, ref.Name); ok && status.restricted {
				s.warnings = append(s.warnings, columnWarning(s.tableName(table.Name), status))
				reject = true
			}
			continue
		}

		found := false
		for _, table := range s.active {
			status, ok := s.status(table.Name, ref.Name)
			if !ok {
				continue
			}
			found = true
			if status.restricted {
				s.warnings = append(s.warnings, columnWarning(s.tableName(table.Name), status))
				reject = true
			}
		}
		if found {
			continue
		}
		for _, table := range s.removed {
			if _, ok := s.status(table.Name, ref.Name); ok {
				reject = true
				break
			}
		}
	}
	return reject
}

// expandStar replaces * or t.* with the visible columns when a table in
// its reach has restricted columns.
func (s *scope) expandStar(item canonical.SelectItem) ([]canonical.SelectItem, bool) {
	ref, ok := item.Expr.(canonical.ColumnRef)
	if !ok || ref.Name != "*" {
		return nil, false
	}
	tables := s.active
	if ref.Qualifier != "" {
		if matchRef(s.removed, ref.Qualifier) != nil {
			return nil, true
		}
		table := matchRef(s.active, ref.Qualifier)
		if table == nil {
			return nil, false
		}
		tables = []canonical.TableRef{*table}
	}

	restricted := false
	for _, table := range tables {
		t, ok := s.cat.Table(table.Name)
		if !ok {
			continue
		}
		for _, col := range t.Columns {
			if col.Restricted() {
				restricted = true
				s.warnings = append(s.warnings, columnWarning(t.Name, statusOf(col)))
			}
		}
	}
	if !restricted {
		return nil, false
	}

	var out []canonical.SelectItem
	for _, table := range tables {
		t, ok := s.cat.Table(table.Name)
		if !ok {
			out = append(out, canonical.SelectItem{Expr: canonical.ColumnRef{Qualifier: table.Ref(), Name: "*"}})
			continue
		}
		for _, col := range t.Columns {
			if col.Restricted() {
				continue
			}
			expr := canonical.ColumnRef{Name: col.Name}
			if len(s.active) > 1 || ref.Qualifier != "" {
				expr.Qualifier = table.Ref()
			}
			out = append(out, canonical.SelectItem{Expr: expr})
		}
	}
	return out, true
}

func (s *scope) status(table, column string) (columnStatus, bool) {
	col, ok := s.cat.Column(table, column)
	if !ok {
		return columnStatus{}, false
	}
	return statusOf(*col), true
}

func (s *scope) tableName(name string) string {
	if t, ok := s.cat.Table(name); ok {
		return t.Name
	}
	return name
}

func statusOf(col catalog.Column) columnStatus {
	return columnStatus{
		name:       col.Name,
		restricted: col.Restricted(),
		removed:    col.Queryable && col.Masking == catalog.MaskRemove,
	}
}

// matchRef finds the table a qualifier names, by alias first and then by
// table name.
func matchRef(tables []canonical.TableRef, qualifier string) *canonical.TableRef {
	for i := range tables {
		if strings.EqualFold(tables[i].Ref(), qualifier) {
			return &tables[i]
		}
	}
	for i := range tables {
		if strings.EqualFold(tables[i].Name, qualifier) {
			return &tables[i]
		}
	}
	return nil
}

func columnRefs(expr canonical.Expression) []canonical.ColumnRef {
	switch e := canonical.Normalize(expr).(type) {
	case canonical.ColumnRef:
		return []canonical.ColumnRef{e}
	case canonical.Aggregate:
		if e.Arg == nil {
			return nil
		}
		return columnRefs(e.Arg)
	case canonical.RawExpression:
		return fragmentRefs(e.SQL)
	default:
		return nil
	}
}

func fragmentRefs(text string) []canonical.ColumnRef {
	parsed := sqlparse.FragmentColumns(text, compiler.Postgres)
	refs := make([]canonical.ColumnRef, 0, len(parsed))
	for _, ref := range parsed {
		refs = append(refs, canonical.ColumnRef{Qualifier: ref.Qualifier, Name: ref.Name})
	}
	return refs
}
