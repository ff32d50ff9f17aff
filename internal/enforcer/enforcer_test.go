package enforcer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckmesh/querygen/internal/canonical"
	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/compiler"
)

func shopCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		TenantID: "acme",
		Tables: []catalog.Table{
			{Name: "orders", Queryable: true, Columns: []catalog.Column{
				{Name: "id", DataType: "integer", Queryable: true, PrimaryKey: true},
				{Name: "customer_id", DataType: "integer", Queryable: true, ForeignKey: true},
				{Name: "total", DataType: "numeric", Queryable: true},
			}},
			{Name: "customers", Queryable: true, Columns: []catalog.Column{
				{Name: "id", DataType: "integer", Queryable: true, PrimaryKey: true},
				{Name: "name", DataType: "text", Queryable: true},
				{Name: "email", DataType: "text", Queryable: false, Sensitive: true},
				{Name: "ssn", DataType: "text", Queryable: true, Sensitive: true, Masking: catalog.MaskRemove},
			}},
			{Name: "audit_log", Queryable: false, Columns: []catalog.Column{
				{Name: "id", DataType: "integer", Queryable: true},
				{Name: "order_id", DataType: "integer", Queryable: true},
				{Name: "actor", DataType: "text", Queryable: true},
			}},
		},
	}
}

func decode(t *testing.T, raw string) *canonical.Query {
	t.Helper()
	q, err := canonical.Decode([]byte(raw))
	require.NoError(t, err)
	return q
}

func compile(t *testing.T, q *canonical.Query) string {
	t.Helper()
	sql, err := compiler.Compile(q, compiler.Postgres, shopCatalog())
	require.NoError(t, err)
	return sql
}

const customerEmails = `{
  "primary_table": {"name": "orders", "alias": "o"},
  "joins": [{"table": "customers", "alias": "c", "type": "INNER",
             "on": {"left_column": "o.customer_id", "operator": "=", "right_column": "c.id"}}],
  "columns": ["c.name", "c.email", "o.total"]
}`

func TestEnforceRemovesNonQueryableColumn(t *testing.T) {
	res := Enforce(decode(t, customerEmails), shopCatalog())

	require.False(t, res.Blocked)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarningNonQueryableColumn, res.Warnings[0].Kind)
	assert.Equal(t, "customers.email", res.Warnings[0].Entity)
	assert.Equal(t, SeverityWarning, res.Warnings[0].Severity)
	assert.Equal(t,
		"SELECT c.name, o.total FROM orders AS o JOIN customers AS c ON o.customer_id = c.id",
		compile(t, res.Query))
}

func TestEnforceDedupesWarningsAcrossClauses(t *testing.T) {
	q := decode(t, `{
	  "primary_table": {"name": "customers", "alias": "c"},
	  "columns": ["c.name", "email", {"column": "c.email", "aggregate": "COUNT", "alias": "emails"}],
	  "filters": [{"column": "c.email", "operator": "LIKE", "value": "%@example.com"}, "c.email IS NOT NULL AND c.id > 3"],
	  "group_by": ["c.name", "c.email"],
	  "order_by": [{"column": "emails", "direction": "desc"}, "c.name"]
	}`)
	res := Enforce(q, shopCatalog())

	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "customers.email", res.Warnings[0].Entity)
	assert.Equal(t, "SELECT c.name FROM customers AS c GROUP BY c.name ORDER BY c.name", compile(t, res.Query))
}

func TestEnforceReportsRemoveMaskedColumnAsRestricted(t *testing.T) {
	res := Enforce(decode(t, `{"primary_table": "customers", "columns": ["name", "ssn"]}`), shopCatalog())

	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarningRestrictedColumn, res.Warnings[0].Kind)
	assert.Equal(t, "customers.ssn", res.Warnings[0].Entity)
	assert.Equal(t, "SELECT name FROM customers", compile(t, res.Query))
}

func TestEnforcePromotesFirstQueryableJoin(t *testing.T) {
	q := decode(t, `{
	  "primary_table": {"name": "audit_log", "alias": "a"},
	  "joins": [
	    {"table": "orders", "alias": "o", "on": {"left_column": "a.order_id", "operator": "=", "right_column": "o.id"}},
	    {"table": "customers", "alias": "c", "on": {"left_column": "o.customer_id", "operator": "=", "right_column": "c.id"}}
	  ],
	  "columns": ["a.actor", "o.total", "c.name"],
	  "filters": [{"column": "a.actor", "operator": "=", "value": "system"}]
	}`)
	res := Enforce(q, shopCatalog())

	require.False(t, res.Blocked)
	kinds := map[WarningKind]string{}
	for _, w := range res.Warnings {
		kinds[w.Kind] = w.Entity
	}
	assert.Equal(t, "audit_log", kinds[WarningNonQueryableTable])
	assert.Equal(t, "orders", kinds[WarningPromotedPrimary])
	assert.Equal(t,
		"SELECT o.total, c.name FROM orders AS o JOIN customers AS c ON o.customer_id = c.id",
		compile(t, res.Query))
}

func TestEnforceSignalsBlockedWhenNothingIsQueryable(t *testing.T) {
	res := Enforce(decode(t, `{"primary_table": "audit_log", "columns": ["actor"]}`), shopCatalog())

	assert.True(t, res.Blocked)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarningNonQueryableTable, res.Warnings[0].Kind)
}

func TestEnforceDropsNonQueryableJoinAndItsReferences(t *testing.T) {
	q := decode(t, `{
	  "primary_table": {"name": "orders", "alias": "o"},
	  "joins": [{"table": "audit_log", "alias": "a", "type": "LEFT",
	             "on": {"left_column": "a.order_id", "operator": "=", "right_column": "o.id"}}],
	  "columns": ["o.id", "a.actor", "actor"],
	  "order_by": ["a.actor"]
	}`)
	res := Enforce(q, shopCatalog())

	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "audit_log", res.Warnings[0].Entity)
	assert.Equal(t, "SELECT o.id FROM orders AS o", compile(t, res.Query))
}

func TestEnforceExpandsStarAroundRestrictedColumns(t *testing.T) {
	res := Enforce(decode(t, `{"primary_table": "customers", "columns": ["*"]}`), shopCatalog())

	assert.Len(t, res.Warnings, 2)
	assert.Equal(t, "SELECT id, name FROM customers", compile(t, res.Query))

	plain := Enforce(decode(t, `{"primary_table": "orders", "columns": ["*"]}`), shopCatalog())
	assert.Empty(t, plain.Warnings)
	assert.Equal(t, "SELECT * FROM orders", compile(t, plain.Query))
}

func TestEnforceIsIdempotent(t *testing.T) {
	inputs := []string{
		customerEmails,
		`{"primary_table": "customers", "columns": ["*"]}`,
		`{"primary_table": {"name": "audit_log", "alias": "a"},
		  "joins": [{"table": "orders", "alias": "o", "on": {"left_column": "a.order_id", "operator": "=", "right_column": "o.id"}}],
		  "columns": ["a.actor", "o.total"]}`,
	}
	for _, raw := range inputs {
		first := Enforce(decode(t, raw), shopCatalog())
		second := Enforce(first.Query, shopCatalog())

		assert.Empty(t, second.Warnings)
		assert.Equal(t, first.Query, second.Query)
		assert.Equal(t, compile(t, first.Query), compile(t, second.Query))
	}
}

func TestEnforceDoesNotMutateInput(t *testing.T) {
	q := decode(t, customerEmails)
	_ = Enforce(q, shopCatalog())
	assert.Len(t, q.Columns, 3)
}

func TestStructuredAndTextEnforcementAgree(t *testing.T) {
	q := decode(t, customerEmails)

	unfiltered, err := EnforceSQL(compile(t, q), compiler.Postgres, shopCatalog())
	require.NoError(t, err)
	assert.Equal(t, []string{"customers.email"}, unfiltered.Violations)

	structured := Enforce(q, shopCatalog())
	require.Len(t, structured.Warnings, 1)
	assert.Equal(t, structured.Warnings, unfiltered.Warnings)

	filtered, err := EnforceSQL(compile(t, structured.Query), compiler.Postgres, shopCatalog())
	require.NoError(t, err)
	assert.True(t, filtered.OK())
	assert.Empty(t, filtered.Warnings)
}

func TestEnforceSQLDetectsStarsAndBlockedTables(t *testing.T) {
	res, err := EnforceSQL("SELECT * FROM customers LIMIT 5", compiler.Postgres, shopCatalog())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"customers.email", "customers.ssn"}, res.Violations)

	res, err = EnforceSQL("SELECT c.* FROM orders o JOIN customers c ON o.customer_id = c.id", compiler.Postgres, shopCatalog())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"customers.email", "customers.ssn"}, res.Violations)

	res, err = EnforceSQL("SELECT actor FROM audit_log", compiler.Postgres, shopCatalog())
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, []string{"audit_log"}, res.Violations)

	res, err = EnforceSQL("SELECT o.id, COUNT(*) AS n FROM orders o GROUP BY o.id ORDER BY n", compiler.Postgres, shopCatalog())
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestEnforceSQLReturnsParseErrors(t *testing.T) {
	_, err := EnforceSQL("DELETE FROM customers", compiler.Postgres, shopCatalog())
	require.Error(t, err)
}
