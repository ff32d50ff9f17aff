package validation

import (
	"fmt"
	"strings"

	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/enforcer"
	"github.com/duckmesh/querygen/internal/sqlparse"
)

// checkSchema resolves every table and column against scope. Tables or
// columns outside scope, non-queryable ones included, are reported as not
// found so a correction cannot reintroduce them.
func checkSchema(stmt *sqlparse.Statement, scope *catalog.Catalog) []string {
	if scope == nil {
		return nil
	}
	var errs []string
	known := map[string]*catalog.Table{}
	for _, ref := range stmt.Tables {
		t, ok := scope.Table(ref.Name)
		if !ok || !t.Queryable {
			errs = append(errs, fmt.Sprintf("Schema Error: table '%s' not found", ref.Name))
			continue
		}
		known[strings.ToLower(ref.Name)] = t
	}

	visible := func(t *catalog.Table, column string) bool {
		col, ok := t.Column(column)
		return ok && !col.Restricted()
	}

	derived := len(stmt.Derived) > 0 || len(stmt.CTEs) > 0
	for _, ref := range stmt.Columns {
		if ref.Name == "*" {
			continue
		}
		if ref.Qualifier != "" {
			table, ok := stmt.ResolveQualifier(ref.Qualifier)
			if !ok || table == nil {
				continue
			}
			t, ok := known[strings.ToLower(table.Name)]
			if !ok {
				continue
			}
			if !visible(t, ref.Name) {
				errs = append(errs, fmt.Sprintf("Schema Error: column '%s.%s' not found", table.Name, ref.Name))
			}
			continue
		}
		if derived || stmt.IsSelectAlias(ref.Name) || len(known) == 0 || len(known) < len(stmt.TableNames()) {
			continue
		}
		found := false
		for _, t := range known {
			if visible(t, ref.Name) {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, fmt.Sprintf("Schema Error: column '%s' not found", ref.Name))
		}
	}
	return errs
}

const blockedMessage = "Policy Error: none of the tables this query reads may be queried"

// policyErrors turns text enforcement violations into correctable schema
// errors. Columns exposed only through a star get their own message so the
// correction lists columns explicitly.
func policyErrors(stmt *sqlparse.Statement, res enforcer.SQLResult) []string {
	var errs []string
	for _, entity := range res.Violations {
		table, column, isColumn := strings.Cut(entity, ".")
		switch {
		case !isColumn:
			errs = append(errs, fmt.Sprintf("Schema Error: table '%s' not found", table))
		case namesColumn(stmt, column):
			errs = append(errs, fmt.Sprintf("Schema Error: column '%s.%s' not found", table, column))
		default:
			errs = append(errs, fmt.Sprintf("Schema Error: '*' is not allowed on table '%s'; list its columns explicitly", table))
		}
	}
	return errs
}

func namesColumn(stmt *sqlparse.Statement, column string) bool {
	for _, ref := range stmt.Columns {
		if strings.EqualFold(ref.Name, column) {
			return true
		}
	}
	return false
}
