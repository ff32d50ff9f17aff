package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckmesh/querygen/internal/canonical"
	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/qerr"
)

func shopCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		TenantID: "acme",
		Tables: []catalog.Table{
			{Name: "orders", Queryable: true, Columns: []catalog.Column{
				{Name: "id", DataType: "integer", Queryable: true, PrimaryKey: true},
				{Name: "customer_id", DataType: "integer", Queryable: true, ForeignKey: true},
				{Name: "total", DataType: "numeric", Queryable: true},
				{Name: "status", DataType: "text", Queryable: true},
				{Name: "is_paid", DataType: "boolean", Queryable: true},
			}},
			{Name: "customers", Queryable: true, Columns: []catalog.Column{
				{Name: "id", DataType: "integer", Queryable: true, PrimaryKey: true},
				{Name: "name", DataType: "text", Queryable: true},
			}},
		},
		Relationships: []catalog.Relationship{
			{SourceTable: "orders", SourceColumn: "customer_id", TargetTable: "customers", TargetColumn: "id", Kind: catalog.RelationshipDeclared},
		},
	}
}

func decode(t *testing.T, raw string) *canonical.Query {
	t.Helper()
	q, err := canonical.Decode([]byte(raw))
	require.NoError(t, err)
	return q
}

const activeOrdersPerCustomer = `{
  "primary_table": {"name": "orders", "alias": "o"},
  "joins": [{"table": "customers", "alias": "c", "type": "INNER",
             "on": {"left_column": "o.customer_id", "operator": "=", "right_column": "c.id"}}],
  "columns": ["c.name", {"column": "o.id", "aggregate": "COUNT", "alias": "order_count"}],
  "filters": [{"column": "o.status", "operator": "=", "value": "active"}],
  "group_by": ["c.name"]
}`

func TestCompileOrdersPerCustomerPostgres(t *testing.T) {
	sql, err := Compile(decode(t, activeOrdersPerCustomer), Postgres, shopCatalog())
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT c.name, COUNT(o.id) AS order_count FROM orders AS o JOIN customers AS c ON o.customer_id = c.id WHERE o.status = 'active' GROUP BY c.name",
		sql)
}

func TestCompileIsDeterministic(t *testing.T) {
	q := decode(t, activeOrdersPerCustomer)
	for _, dialect := range []Dialect{Postgres, MySQL, SQLite, DuckDB} {
		first, err := Compile(q, dialect, shopCatalog())
		require.NoError(t, err)
		second, err := Compile(q, dialect, shopCatalog())
		require.NoError(t, err)
		assert.Equal(t, first, second, dialect)
	}
}

func TestCompileRejectsTablesOutsideScope(t *testing.T) {
	scope := shopCatalog().Subset([]string{"orders"})
	_, err := Compile(decode(t, activeOrdersPerCustomer), Postgres, scope)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindCompile))

	_, err = Compile(decode(t, `{"primary_table": "invoices", "columns": ["id"]}`), Postgres, shopCatalog())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"invoices"`)
}

func TestCompileRejectsStructurallyInvalidQueries(t *testing.T) {
	cases := map[string]*canonical.Query{
		"nil query":          nil,
		"no primary":         {Columns: []canonical.SelectItem{{Expr: canonical.ColumnRef{Name: "id"}}}},
		"unknown alias":      decode(t, `{"primary_table": "orders o", "columns": ["x.id"]}`),
		"unknown join alias": decode(t, `{"primary_table": "orders o", "joins": [{"table": "customers", "alias": "c", "on": "o.customer_id = z.id"}]}`),
		"duplicate alias":    decode(t, `{"primary_table": "orders o", "joins": [{"table": "customers", "alias": "o", "on": "o.customer_id = o.id"}]}`),
		"empty between":      decode(t, `{"primary_table": "orders", "filters": [{"column": "total", "operator": "between", "value": [1]}]}`),
		"negative limit":     decode(t, `{"primary_table": "orders", "limit": -1}`),
	}
	for name, q := range cases {
		_, err := Compile(q, Postgres, shopCatalog())
		require.Error(t, err, name)
		assert.Equal(t, qerr.KindCompile, qerr.KindOf(err), name)
	}

	_, err := Compile(decode(t, `{"primary_table": "orders"}`), Dialect("oracle"), nil)
	assert.True(t, qerr.Is(err, qerr.KindCompile))
}

func TestCompileZeroColumnsUsesPlaceholder(t *testing.T) {
	sql, err := Compile(decode(t, `{"primary_table": "orders"}`), Postgres, shopCatalog())
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1 AS no_queryable_columns FROM orders", sql)
}

func TestCompileBindsColumnsToAliases(t *testing.T) {
	q := decode(t, `{
	  "primary_table": {"name": "orders", "alias": "o"},
	  "joins": [{"table": "customers", "alias": "c", "on": {"left_column": "orders.customer_id", "right_column": "customers.id"}}],
	  "columns": ["name", "orders.total", "id", {"column": "total", "aggregate": "sum", "alias": "revenue"}],
	  "order_by": ["revenue DESC", "name"]
	}`)
	sql, err := Compile(q, Postgres, shopCatalog())
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT c.name, o.total, id, SUM(o.total) AS revenue FROM orders AS o JOIN customers AS c ON o.customer_id = c.id ORDER BY revenue DESC, c.name",
		sql)
}

func TestCompileUnwrapsAggregateText(t *testing.T) {
	q := &canonical.Query{
		Primary: canonical.TableRef{Name: "orders"},
		Columns: []canonical.SelectItem{
			{Expr: canonical.ColumnRef{Name: "COUNT(DISTINCT customer_id)"}, Alias: "buyers"},
			{Expr: canonical.Aggregate{Func: "AVG", Arg: canonical.ColumnRef{Name: "AVG(total)"}}},
		},
	}
	sql, err := Compile(q, Postgres, shopCatalog())
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(DISTINCT customer_id) AS buyers, AVG(total) FROM orders", sql)
}

func TestCompileOperatorsPerDialect(t *testing.T) {
	q := decode(t, `{
	  "primary_table": "orders",
	  "columns": ["id"],
	  "filters": [
	    {"column": "status", "operator": "ilike", "value": "%ship%"},
	    {"column": "status", "operator": "not in", "value": "cancelled, refunded"},
	    {"column": "total", "operator": "between", "value": [10, 99.5]},
	    {"column": "customer_id", "operator": "=", "value": null},
	    {"column": "is_paid", "operator": "=", "value": "yes"}
	  ],
	  "limit": 10,
	  "offset": 20
	}`)

	pg, err := Compile(q, Postgres, shopCatalog())
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id FROM orders WHERE status ILIKE '%ship%' AND status NOT IN ('cancelled', 'refunded') AND total BETWEEN 10 AND 99.5 AND customer_id IS NULL AND is_paid = TRUE LIMIT 10 OFFSET 20",
		pg)

	my, err := Compile(q, MySQL, shopCatalog())
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id FROM orders WHERE LOWER(status) LIKE LOWER('%ship%') AND status NOT IN ('cancelled', 'refunded') AND total BETWEEN 10 AND 99.5 AND customer_id IS NULL AND is_paid = 1 LIMIT 10 OFFSET 20",
		my)

	offsetOnly := decode(t, `{"primary_table": "orders o", "columns": ["o.id"], "offset": 5}`)
	want := map[Dialect]string{
		Postgres: "SELECT o.id FROM orders AS o OFFSET 5",
		DuckDB:   "SELECT o.id FROM orders AS o OFFSET 5",
		MySQL:    "SELECT o.id FROM orders AS o LIMIT 18446744073709551615 OFFSET 5",
		SQLite:   "SELECT o.id FROM orders AS o LIMIT -1 OFFSET 5",
	}
	for dialect, expected := range want {
		got, err := Compile(offsetOnly, dialect, shopCatalog())
		require.NoError(t, err, dialect)
		assert.Equal(t, expected, got, dialect)
	}
}

func TestCompileRejectsUnknownAliasesInRawFragments(t *testing.T) {
	cases := map[string]string{
		"raw filter":     `{"primary_table": "orders o", "columns": ["o.id"], "filters": ["z.status = 'x'"]}`,
		"raw expression": `{"primary_table": "orders o", "columns": [{"expression": "z.total * 2"}]}`,
		"second filter":  `{"primary_table": "orders o", "columns": ["o.id"], "filters": ["o.total > 5", "c.name = 'bob'"]}`,
	}
	for name, raw := range cases {
		_, err := Compile(decode(t, raw), Postgres, shopCatalog())
		require.Error(t, err, name)
		assert.Equal(t, qerr.KindCompile, qerr.KindOf(err), name)
		assert.Contains(t, err.Error(), "unknown table alias", name)
	}
}

func TestCompileAcceptsRawFragmentsOverKnownTables(t *testing.T) {
	cases := map[string]string{
		`{"primary_table": "orders o", "columns": ["o.id"], "filters": ["o.status = 'a.b'"]}`:                                                  "SELECT o.id FROM orders AS o WHERE o.status = 'a.b'",
		`{"primary_table": "orders o", "columns": ["o.id"], "filters": ["orders.total > 1.5"]}`:                                                "SELECT o.id FROM orders AS o WHERE orders.total > 1.5",
		`{"primary_table": "orders o", "columns": ["o.id"], "filters": ["o.customer_id IN (SELECT x.id FROM customers AS x WHERE x.id > 3)"]}`: "SELECT o.id FROM orders AS o WHERE o.customer_id IN (SELECT x.id FROM customers AS x WHERE x.id > 3)",
		`{"primary_table": "orders o", "columns": ["o.id"], "filters": ["pg_catalog.lower(o.status) = 'x'"]}`:                                  "SELECT o.id FROM orders AS o WHERE pg_catalog.lower(o.status) = 'x'",
	}
	for raw, want := range cases {
		got, err := Compile(decode(t, raw), Postgres, shopCatalog())
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestCompileQuotesAndEscapes(t *testing.T) {
	cat := &catalog.Catalog{Tables: []catalog.Table{{
		Name: "Order", Queryable: true,
		Columns: []catalog.Column{{Name: "user", Queryable: true}, {Name: "note", Queryable: true}},
	}}}
	q := decode(t, `{"primary_table": "Order", "columns": ["user"], "filters": [{"column": "note", "operator": "=", "value": "O'Brien \\ co"}]}`)

	pg, err := Compile(q, Postgres, cat)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "user" FROM "Order" WHERE note = 'O''Brien \ co'`, pg)

	my, err := Compile(q, MySQL, cat)
	require.NoError(t, err)
	assert.Equal(t, "SELECT `user` FROM `Order` WHERE note = 'O''Brien \\\\ co'", my)
}

func TestCompileJoinKinds(t *testing.T) {
	q := decode(t, `{"primary_table": "orders o", "columns": ["o.id"], "joins": [{"table": "customers c", "type": "FULL OUTER", "on": "o.customer_id = c.id"}]}`)

	sql, err := Compile(q, DuckDB, shopCatalog())
	require.NoError(t, err)
	assert.Equal(t, "SELECT o.id FROM orders AS o FULL JOIN customers AS c ON o.customer_id = c.id", sql)

	_, err = Compile(q, MySQL, shopCatalog())
	assert.True(t, qerr.Is(err, qerr.KindCompile))

	q.Joins[0].Kind = canonical.JoinLeft
	sql, err = Compile(q, MySQL, shopCatalog())
	require.NoError(t, err)
	assert.Equal(t, "SELECT o.id FROM orders AS o LEFT JOIN customers AS c ON o.customer_id = c.id", sql)
}

func TestCompileWithoutCatalogKeepsReferencesAsGiven(t *testing.T) {
	sql, err := Compile(decode(t, `{"primary_table": "events", "columns": ["kind", "COUNT(*)"], "filters": ["ts > now() - interval '1 day'"], "group_by": ["kind"]}`), DuckDB, nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT kind, COUNT(*) FROM events WHERE ts > now() - interval '1 day' GROUP BY kind", sql)
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	d, err = ParseDialect("mariadb")
	require.NoError(t, err)
	assert.Equal(t, MySQL, d)

	_, err = ParseDialect("oracle")
	assert.Error(t, err)
}
