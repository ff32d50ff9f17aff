package correction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckmesh/querygen/internal/canonical"
	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/compiler"
	"github.com/duckmesh/querygen/internal/nl2sql"
	"github.com/duckmesh/querygen/internal/qerr"
)

type fakeProvider struct {
	result nl2sql.CorrectionResult
	err    error
	got    []nl2sql.CorrectionRequest
}

func (f *fakeProvider) Correct(_ context.Context, req nl2sql.CorrectionRequest) (nl2sql.CorrectionResult, error) {
	f.got = append(f.got, req)
	return f.result, f.err
}

func scope() *catalog.Catalog {
	col := func(name string) catalog.Column { return catalog.Column{Name: name, DataType: "text", Queryable: true} }
	return &catalog.Catalog{
		TenantID: "acme",
		Tables: []catalog.Table{
			{Name: "orders", Queryable: true, Columns: []catalog.Column{col("id"), col("customer_id"), col("total")}},
			{Name: "customers", Queryable: true, Columns: []catalog.Column{col("id"), col("name"), {Name: "email", Queryable: false}}},
			{Name: "products", Queryable: true, Columns: []catalog.Column{col("id"), col("sku")}},
		},
	}
}

func tableNames(tables []nl2sql.TableContext) []string {
	var out []string
	for _, t := range tables {
		out = append(out, t.Name)
	}
	return out
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, Normalize("SELECT  id\n FROM Orders;"), Normalize("select id from orders"))
	assert.Equal(t, Normalize("SELECT id FROM STRASSE"), Normalize("select id from straße"))
	assert.NotEqual(t, Normalize("SELECT id FROM orders"), Normalize("SELECT id FROM orders LIMIT 10"))
	assert.Equal(t, "select 1", Normalize("SELECT 1 ; ;"))
}

func TestProposePinsSchemaToFailedSQLTables(t *testing.T) {
	provider := &fakeProvider{result: nl2sql.CorrectionResult{SQL: "SELECT o.total, c.name FROM orders o JOIN customers c ON o.customer_id = c.id", Note: "renamed column"}}
	corrector := New(provider, nil)

	for _, dialect := range []compiler.Dialect{compiler.Postgres, compiler.MySQL} {
		attempt, err := corrector.Propose(context.Background(), Request{
			TenantID:  "acme",
			Dialect:   dialect,
			Iteration: 1,
			FailedSQL: "SELECT o.totl, c.name FROM orders o JOIN customers c ON o.customer_id = c.id",
			Errors:    []string{"Schema Error: column 'orders.totl' not found"},
			Scope:     scope(),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, attempt.Iteration)
		assert.Equal(t, "renamed column", attempt.Note)
		assert.Equal(t, "Schema Error: column 'orders.totl' not found", attempt.ErrorSummary)

		req := provider.got[len(provider.got)-1]
		assert.Equal(t, []string{"orders", "customers"}, tableNames(req.Tables))
		assert.Equal(t, []string{"customers.email"}, req.Restricted)
		assert.Equal(t, string(dialect), req.Dialect)
	}
}

func TestPinnedSchemaFallsBackToCanonicalTables(t *testing.T) {
	q := &canonical.Query{
		Primary: canonical.TableRef{Name: "products"},
		Joins:   []canonical.Join{{Table: canonical.TableRef{Name: "orders"}}},
	}
	pinned := PinnedSchema("SELEC sku FROM", compiler.MySQL, q, scope())
	assert.Equal(t, []string{"products", "orders"}, pinned.TableNames())

	whole := PinnedSchema("SELECT 1", compiler.MySQL, nil, scope())
	assert.Len(t, whole.Tables, 3)

	outside := PinnedSchema("SELECT * FROM refunds", compiler.Postgres, nil, scope())
	assert.Len(t, outside.Tables, 3, "tables outside scope are never pinned")
}

func TestProposeRejectsIdenticalFix(t *testing.T) {
	provider := &fakeProvider{result: nl2sql.CorrectionResult{SQL: "select id  from orders;", Note: "fixed it"}}
	attempt, err := New(provider, nil).Propose(context.Background(), Request{
		Dialect:   compiler.Postgres,
		Iteration: 2,
		FailedSQL: "SELECT id FROM orders",
		Errors:    []string{"Database execution error: boom"},
		Scope:     scope(),
	})
	require.ErrorIs(t, err, ErrIdenticalFix)
	assert.Equal(t, "select id  from orders;", attempt.ProposedSQL)
	assert.Contains(t, IdenticalFixMessage(attempt.Note), "You claimed to fix: fixed it")
}

func TestProposeWrapsProviderFailures(t *testing.T) {
	provider := &fakeProvider{err: errors.New("status=500")}
	_, err := New(provider, nil).Propose(context.Background(), Request{FailedSQL: "SELECT 1", Scope: scope()})
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindProvider))

	_, err = New(nil, nil).Propose(context.Background(), Request{FailedSQL: "SELECT 1"})
	assert.True(t, qerr.Is(err, qerr.KindProvider))
}
