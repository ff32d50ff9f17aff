// Package duckdb runs sandbox checks against an in-memory DuckDB database
// holding empty copies of the catalog tables, so generated SQL can be planned
// without access to the tenant database.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/qerr"
	"github.com/duckmesh/querygen/internal/sandbox"
)

type Executor struct {
	Scope   *catalog.Catalog
	Timeout time.Duration
}

func NewExecutor(scope *catalog.Catalog, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	return &Executor{Scope: scope, Timeout: timeout}
}

// Factory builds an offline executor per request scope.
func Factory(timeout time.Duration) sandbox.Factory {
	return func(scope *catalog.Catalog) sandbox.Executor {
		return NewExecutor(scope, timeout)
	}
}

func (e *Executor) ExecuteZeroRow(ctx context.Context, sqlText string) error {
	sqlText = sandbox.StripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return qerr.New(qerr.KindSyntax, "SQL query is empty")
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	if e.Scope != nil {
		for _, table := range e.Scope.Tables {
			if _, err := db.ExecContext(ctx, CreateTableSQL(table)); err != nil {
				return fmt.Errorf("create table %q: %w", table.Name, err)
			}
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	rows, err := db.QueryContext(checkCtx, sandbox.ZeroRowSQL(sqlText))
	if err != nil {
		return sandbox.Classify(ctx, checkCtx, err, e.Timeout)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return sandbox.Classify(ctx, checkCtx, err, e.Timeout)
	}
	return nil
}

// CreateTableSQL renders an empty table for t. Columns the catalog marks as
// non-queryable are still created; the enforcer decides what may be read.
func CreateTableSQL(t catalog.Table) string {
	cols := make([]string, 0, len(t.Columns))
	for _, col := range t.Columns {
		cols = append(cols, quoteIdent(col.Name)+" "+duckType(col.DataType))
	}
	if len(cols) == 0 {
		cols = append(cols, quoteIdent("_placeholder")+" INTEGER")
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(t.Name), strings.Join(cols, ", "))
}

// duckType maps a source column type onto a DuckDB type. Anything not
// recognised becomes VARCHAR so the table can always be created.
func duckType(dataType string) string {
	kind := strings.ToLower(strings.TrimSpace(dataType))
	base := kind
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	base = strings.TrimSuffix(base, " unsigned")
	switch base {
	case "tinyint":
		if kind == "tinyint(1)" {
			return "BOOLEAN"
		}
		return "TINYINT"
	case "smallint", "int2", "smallserial":
		return "SMALLINT"
	case "int", "integer", "int4", "mediumint", "serial":
		return "INTEGER"
	case "bigint", "int8", "bigserial", "hugeint":
		return "BIGINT"
	case "decimal", "numeric", "money":
		return "DECIMAL(38, 10)"
	case "real", "float4", "float":
		return "FLOAT"
	case "double", "double precision", "float8":
		return "DOUBLE"
	case "bool", "boolean", "bit":
		return "BOOLEAN"
	case "date":
		return "DATE"
	case "time", "time without time zone":
		return "TIME"
	case "timestamp", "datetime", "timestamp without time zone":
		return "TIMESTAMP"
	case "timestamptz", "timestamp with time zone":
		return "TIMESTAMPTZ"
	case "interval":
		return "INTERVAL"
	case "uuid":
		return "UUID"
	case "json", "jsonb":
		return "JSON"
	case "blob", "bytea", "binary", "varbinary", "longblob":
		return "BLOB"
	default:
		return "VARCHAR"
	}
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
