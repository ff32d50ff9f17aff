package duckdb

import (
	"context"
	"testing"
	"time"

	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/qerr"
)

func shopScope() *catalog.Catalog {
	return &catalog.Catalog{
		TenantID: "acme",
		Tables: []catalog.Table{
			{Name: "orders", Queryable: true, Columns: []catalog.Column{
				{Name: "id", DataType: "bigint", Queryable: true, PrimaryKey: true},
				{Name: "customer_id", DataType: "bigint", Queryable: true},
				{Name: "total", DataType: "numeric(12,2)", Queryable: true},
				{Name: "created_at", DataType: "timestamp with time zone", Queryable: true},
				{Name: "is_paid", DataType: "tinyint(1)", Queryable: true},
			}},
			{Name: "customers", Queryable: true, Columns: []catalog.Column{
				{Name: "id", DataType: "int", Queryable: true, PrimaryKey: true},
				{Name: "name", DataType: "character varying(255)", Queryable: true},
			}},
		},
	}
}

func TestExecuteZeroRowAcceptsValidQuery(t *testing.T) {
	exec := NewExecutor(shopScope(), time.Second)
	sqlText := `SELECT c.name, SUM(o.total) AS revenue
FROM orders AS o JOIN customers AS c ON o.customer_id = c.id
WHERE o.is_paid = TRUE AND o.created_at >= DATE '2024-01-01'
GROUP BY c.name ORDER BY revenue DESC LIMIT 10;`
	if err := exec.ExecuteZeroRow(context.Background(), sqlText); err != nil {
		t.Fatalf("ExecuteZeroRow() error = %v", err)
	}
}

func TestExecuteZeroRowReportsUnknownColumnAsSchemaError(t *testing.T) {
	exec := NewExecutor(shopScope(), time.Second)
	err := exec.ExecuteZeroRow(context.Background(), "SELECT email FROM customers")
	if err == nil {
		t.Fatal("expected error")
	}
	if !qerr.Is(err, qerr.KindSchema) {
		t.Fatalf("kind = %s, err = %v", qerr.KindOf(err), err)
	}
}

func TestExecuteZeroRowReportsUnknownTable(t *testing.T) {
	exec := NewExecutor(shopScope(), time.Second)
	err := exec.ExecuteZeroRow(context.Background(), "SELECT id FROM refunds")
	if !qerr.Is(err, qerr.KindSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestExecuteZeroRowRejectsEmptySQL(t *testing.T) {
	err := NewExecutor(shopScope(), 0).ExecuteZeroRow(context.Background(), " ; ")
	if !qerr.Is(err, qerr.KindSyntax) {
		t.Fatalf("expected syntax error, got %v", err)
	}
}

func TestFactoryBindsScope(t *testing.T) {
	exec := Factory(time.Second)(shopScope())
	if err := exec.ExecuteZeroRow(context.Background(), "SELECT id FROM orders"); err != nil {
		t.Fatalf("ExecuteZeroRow() error = %v", err)
	}
}

func TestCreateTableSQL(t *testing.T) {
	got := CreateTableSQL(catalog.Table{Name: "Order", Columns: []catalog.Column{
		{Name: "id", DataType: "serial"},
		{Name: "flag", DataType: "boolean"},
		{Name: "payload", DataType: "jsonb"},
		{Name: "note", DataType: "text"},
	}})
	want := `CREATE TABLE "Order" ("id" INTEGER, "flag" BOOLEAN, "payload" JSON, "note" VARCHAR)`
	if got != want {
		t.Fatalf("CreateTableSQL() = %q, want %q", got, want)
	}
	if got := CreateTableSQL(catalog.Table{Name: "empty"}); got != `CREATE TABLE "empty" ("_placeholder" INTEGER)` {
		t.Fatalf("CreateTableSQL(empty) = %q", got)
	}
}
