package enforcer

import (
	"strings"

	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/compiler"
	"github.com/duckmesh/querygen/internal/sqlparse"
)

type SQLResult struct {
	Warnings []Warning
	// Blocked is set when every table the statement reads is non-queryable.
	Blocked bool
	// Violations names each offending table or table.column once.
	Violations []string
}

func (r SQLResult) OK() bool {
	return !r.Blocked && len(r.Violations) == 0
}

// EnforceSQL checks generated SQL text against the same rules Enforce
// applies to structured queries. It reports instead of rewriting.
func EnforceSQL(sqlText string, dialect compiler.Dialect, cat *catalog.Catalog) (SQLResult, error) {
	stmt, err := sqlparse.Parse(sqlText, dialect)
	if err != nil {
		return SQLResult{}, err
	}
	return EnforceStatement(stmt, cat), nil
}

func EnforceStatement(stmt *sqlparse.Statement, cat *catalog.Catalog) SQLResult {
	var res SQLResult
	if stmt == nil || cat == nil {
		return res
	}
	seen := map[string]struct{}{}
	violate := func(entity string, w Warning) {
		key := strings.ToLower(entity)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		res.Violations = append(res.Violations, entity)
		res.Warnings = append(res.Warnings, w)
	}

	var active []sqlparse.TableRef
	blockedTables := 0
	for _, ref := range stmt.Tables {
		t, ok := cat.Table(ref.Name)
		if ok && !t.Queryable {
			blockedTables++
			violate(t.Name, tableWarning(t.Name))
			continue
		}
		active = append(active, ref)
	}
	res.Blocked = len(stmt.Tables) > 0 && blockedTables == len(stmt.Tables)

	checkColumn := func(table, column string) {
		col, ok := cat.Column(table, column)
		if !ok || !col.Restricted() {
			return
		}
		t, _ := cat.Table(table)
		violate(t.Name+"."+col.Name, columnWarning(t.Name, statusOf(*col)))
	}
	checkStar := func(table string) {
		t, ok := cat.Table(table)
		if !ok || !t.Queryable {
			return
		}
		for _, col := range t.Columns {
			if col.Restricted() {
				violate(t.Name+"."+col.Name, columnWarning(t.Name, statusOf(col)))
			}
		}
	}

	for _, ref := range stmt.Columns {
		if ref.Qualifier != "" {
			table, ok := stmt.ResolveQualifier(ref.Qualifier)
			if !ok || table == nil {
				continue
			}
			if ref.Name == "*" {
				checkStar(table.Name)
				continue
			}
			checkColumn(table.Name, ref.Name)
			continue
		}
		for _, table := range active {
			checkColumn(table.Name, ref.Name)
		}
	}
	if stmt.HasBareStar() {
		for _, table := range active {
			checkStar(table.Name)
		}
	}
	res.Warnings = Dedupe(res.Warnings)
	return res
}
