package sqlparse

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/duckmesh/querygen/internal/qerr"
)

// checkPostgres runs the PostgreSQL parser over sql. It catches syntax the
// scanner accepts, and confirms the single statement is a SELECT.
func checkPostgres(sql string) error {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return qerr.Wrap(err, qerr.KindSyntax, "Syntax error: %s", strings.TrimSpace(err.Error()))
	}
	if len(result.Stmts) != 1 {
		return qerr.New(qerr.KindSyntax, "Multiple statements not allowed")
	}
	sel, ok := result.Stmts[0].Stmt.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		return qerr.New(qerr.KindSyntax, "Only SELECT queries are allowed")
	}
	if sel.SelectStmt.IntoClause != nil {
		return qerr.New(qerr.KindSyntax, "Forbidden keyword detected: INTO")
	}
	return nil
}

// PostgresTables lists the relations a PostgreSQL statement reads, CTE
// references included, using the server's own grammar.
func PostgresTables(sql string) ([]string, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, qerr.Wrap(err, qerr.KindSyntax, "Syntax error: %s", strings.TrimSpace(err.Error()))
	}
	seen := map[string]struct{}{}
	var tables []string
	for _, stmt := range result.Stmts {
		collectTables(stmt.Stmt, seen, &tables)
	}
	return tables, nil
}

func collectTables(node *pg_query.Node, seen map[string]struct{}, tables *[]string) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		collectSelectTables(n.SelectStmt, seen, tables)
	case *pg_query.Node_RangeVar:
		name := n.RangeVar.Relname
		if _, ok := seen[strings.ToLower(name)]; !ok {
			seen[strings.ToLower(name)] = struct{}{}
			*tables = append(*tables, name)
		}
	case *pg_query.Node_JoinExpr:
		collectTables(n.JoinExpr.Larg, seen, tables)
		collectTables(n.JoinExpr.Rarg, seen, tables)
		collectTables(n.JoinExpr.Quals, seen, tables)
	case *pg_query.Node_RangeSubselect:
		collectTables(n.RangeSubselect.Subquery, seen, tables)
	case *pg_query.Node_SubLink:
		collectTables(n.SubLink.Subselect, seen, tables)
	case *pg_query.Node_BoolExpr:
		for _, arg := range n.BoolExpr.Args {
			collectTables(arg, seen, tables)
		}
	case *pg_query.Node_AExpr:
		collectTables(n.AExpr.Lexpr, seen, tables)
		collectTables(n.AExpr.Rexpr, seen, tables)
	case *pg_query.Node_CommonTableExpr:
		collectTables(n.CommonTableExpr.Ctequery, seen, tables)
	}
}

func collectSelectTables(sel *pg_query.SelectStmt, seen map[string]struct{}, tables *[]string) {
	if sel == nil {
		return
	}
	if sel.Larg != nil {
		collectSelectTables(sel.Larg, seen, tables)
	}
	if sel.Rarg != nil {
		collectSelectTables(sel.Rarg, seen, tables)
	}
	if sel.WithClause != nil {
		for _, cte := range sel.WithClause.Ctes {
			collectTables(cte, seen, tables)
		}
	}
	for _, from := range sel.FromClause {
		collectTables(from, seen, tables)
	}
	collectTables(sel.WhereClause, seen, tables)
}
