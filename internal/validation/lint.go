package validation

import (
	"fmt"
	"strings"

	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/sqlparse"
)

// Finding is one lint result. Rules whose code starts with one of
// blockingPrefixes make the query invalid; the rest are advisory.
type Finding struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var blockingPrefixes = []string{"AM", "RF", "ST"}

func (f Finding) Blocking() bool {
	for _, prefix := range blockingPrefixes {
		if strings.HasPrefix(f.Code, prefix) {
			return true
		}
	}
	return false
}

// Lint runs the structural rules over stmt. scope may be nil, in which
// case the rules that need column ownership are skipped.
func Lint(stmt *sqlparse.Statement, scope *catalog.Catalog) []Finding {
	if stmt == nil {
		return nil
	}
	var findings []Finding
	seen := map[string]struct{}{}
	add := func(code, format string, args ...any) {
		f := Finding{Code: code, Message: fmt.Sprintf(format, args...)}
		if _, ok := seen[f.Message]; ok {
			return
		}
		seen[f.Message] = struct{}{}
		findings = append(findings, f)
	}

	lintReferences(stmt, add)
	lintAmbiguous(stmt, scope, add)
	lintGrouping(stmt, scope, add)

	for _, alias := range stmt.ImplicitAliases {
		add("AL01", "Implicit alias '%s'; use AS to declare aliases.", alias)
	}
	if mixedKeywordCase(stmt.Tokens) {
		add("CP01", "Keywords mix upper and lower case.")
	}
	for i, line := range strings.Split(stmt.SQL, "\n") {
		if strings.TrimRight(line, " \t\r") != strings.TrimRight(line, "\r") {
			add("LT01", "Trailing whitespace on line %d.", i+1)
		}
	}
	return findings
}

type addFunc func(code, format string, args ...any)

// RF01: a qualifier that names no table, alias, subquery or CTE.
func lintReferences(stmt *sqlparse.Statement, add addFunc) {
	for _, ref := range stmt.Columns {
		if ref.Qualifier == "" {
			continue
		}
		if _, ok := stmt.ResolveQualifier(ref.Qualifier); !ok {
			add("RF01", "Reference '%s' uses unknown table or alias '%s'.", ref.String(), ref.Qualifier)
		}
	}
}

// AM01: an unqualified column that more than one joined table provides.
func lintAmbiguous(stmt *sqlparse.Statement, scope *catalog.Catalog, add addFunc) {
	if scope == nil || len(stmt.Tables) < 2 {
		return
	}
	for _, ref := range stmt.Columns {
		if ref.Qualifier != "" || ref.Name == "*" || stmt.IsSelectAlias(ref.Name) {
			continue
		}
		var owners []string
		for _, table := range stmt.Tables {
			if _, ok := scope.Column(table.Name, ref.Name); ok {
				owners = append(owners, table.Ref())
			}
		}
		if len(owners) > 1 {
			add("AM01", "Column '%s' is ambiguous; it exists in %s. Qualify it with a table alias.",
				ref.Name, strings.Join(owners, ", "))
		}
	}
}

// ST01: a select item outside any aggregate that is not grouped when the
// query aggregates.
func lintGrouping(stmt *sqlparse.Statement, scope *catalog.Catalog, add addFunc) {
	if stmt.HasSetOp || stmt.GroupByOrdinal {
		return
	}
	aggregated := stmt.HasGroupBy
	for _, item := range stmt.Select {
		if item.Aggregated && !item.Windowed {
			aggregated = true
		}
	}
	if !aggregated {
		return
	}
	for _, item := range stmt.Select {
		if item.Windowed || (item.Alias != "" && containsFold(stmt.GroupByAliases, item.Alias)) {
			continue
		}
		for _, ref := range item.Columns {
			if ref.Name == "*" || grouped(stmt, scope, ref) {
				continue
			}
			add("ST01", "Column '%s' must appear in GROUP BY or be used in an aggregate function.", ref.String())
		}
	}
}

func grouped(stmt *sqlparse.Statement, scope *catalog.Catalog, ref sqlparse.ColumnRef) bool {
	owner := ownerOf(stmt, scope, ref)
	for _, g := range stmt.GroupBy {
		if !strings.EqualFold(g.Name, ref.Name) {
			continue
		}
		if g.Qualifier == "" || ref.Qualifier == "" {
			return true
		}
		if strings.EqualFold(g.Qualifier, ref.Qualifier) || strings.EqualFold(ownerOf(stmt, scope, g), owner) {
			return true
		}
	}
	// Grouping by a primary key makes the table's other columns
	// functionally dependent on it.
	if owner == "" || scope == nil {
		return false
	}
	for _, g := range stmt.GroupBy {
		if !strings.EqualFold(ownerOf(stmt, scope, g), owner) {
			continue
		}
		if col, ok := scope.Column(owner, g.Name); ok && col.PrimaryKey {
			return true
		}
	}
	return false
}

// ownerOf returns the base table a column reference belongs to, or "" when
// it cannot be decided.
func ownerOf(stmt *sqlparse.Statement, scope *catalog.Catalog, ref sqlparse.ColumnRef) string {
	if ref.Qualifier != "" {
		if table, ok := stmt.ResolveQualifier(ref.Qualifier); ok && table != nil {
			return table.Name
		}
		return ""
	}
	if len(stmt.Tables) == 1 {
		return stmt.Tables[0].Name
	}
	if scope == nil {
		return ""
	}
	owner := ""
	for _, table := range stmt.Tables {
		if _, ok := scope.Column(table.Name, ref.Name); ok {
			if owner != "" {
				return ""
			}
			owner = table.Name
		}
	}
	return owner
}

func mixedKeywordCase(tokens []sqlparse.Token) bool {
	upper, lower := false, false
	for _, tok := range tokens {
		if tok.Type != sqlparse.TOKEN_KEYWORD || tok.Raw == "" {
			continue
		}
		switch tok.Raw {
		case strings.ToUpper(tok.Raw):
			upper = true
		case strings.ToLower(tok.Raw):
			lower = true
		default:
			return true
		}
	}
	return upper && lower
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
