package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/duckmesh/querygen/internal/catalog"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ catalog.Repository = (*Repository)(nil)

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func (r *Repository) ListTenants(ctx context.Context) ([]catalog.Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT tenant_id, name, status, created_at
FROM tenant
WHERE status = 'active'
ORDER BY tenant_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tenants := make([]catalog.Tenant, 0)
	for rows.Next() {
		var tenant catalog.Tenant
		if err := rows.Scan(&tenant.TenantID, &tenant.Name, &tenant.Status, &tenant.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant row: %w", err)
		}
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenant rows: %w", err)
	}
	return tenants, nil
}

func (r *Repository) LoadCatalog(ctx context.Context, tenantID string) (*catalog.Catalog, error) {
	tables, err := r.loadTables(ctx, r.db, tenantID)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, catalog.ErrNotFound
	}
	if err := r.loadColumns(ctx, r.db, tenantID, tables); err != nil {
		return nil, err
	}
	relationships, err := r.loadRelationships(ctx, r.db, tenantID)
	if err != nil {
		return nil, err
	}

	out := &catalog.Catalog{
		TenantID:      tenantID,
		Relationships: relationships,
		LoadedAt:      time.Now().UTC(),
	}
	for _, table := range tables {
		out.Tables = append(out.Tables, *table)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("validate catalog for tenant %s: %w", tenantID, err)
	}
	return out, nil
}

func (r *Repository) loadTables(ctx context.Context, q dbTX, tenantID string) ([]*catalog.Table, error) {
	rows, err := q.QueryContext(ctx, `
SELECT table_name, description, queryable
FROM schema_table
WHERE tenant_id = $1
ORDER BY table_name ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list schema tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]*catalog.Table, 0)
	for rows.Next() {
		table := &catalog.Table{}
		if err := rows.Scan(&table.Name, &table.Description, &table.Queryable); err != nil {
			return nil, fmt.Errorf("scan schema table row: %w", err)
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema table rows: %w", err)
	}
	return tables, nil
}

func (r *Repository) loadColumns(ctx context.Context, q dbTX, tenantID string, tables []*catalog.Table) error {
	byName := make(map[string]*catalog.Table, len(tables))
	for _, table := range tables {
		byName[table.Name] = table
	}

	rows, err := q.QueryContext(ctx, `
SELECT t.table_name, c.column_name, c.data_type, c.queryable, c.sensitive,
       c.masking_strategy, c.is_primary_key, c.is_foreign_key, c.sample_values
FROM schema_column c
JOIN schema_table t ON t.table_id = c.table_id
WHERE t.tenant_id = $1
ORDER BY t.table_name ASC, c.ordinal ASC`, tenantID)
	if err != nil {
		return fmt.Errorf("list schema columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			tableName string
			masking   string
			samples   []byte
			col       catalog.Column
		)
		if err := rows.Scan(
			&tableName,
			&col.Name,
			&col.DataType,
			&col.Queryable,
			&col.Sensitive,
			&masking,
			&col.PrimaryKey,
			&col.ForeignKey,
			&samples,
		); err != nil {
			return fmt.Errorf("scan schema column row: %w", err)
		}
		col.Masking = catalog.MaskingStrategy(masking)
		if len(samples) > 0 {
			if err := json.Unmarshal(samples, &col.SampleValues); err != nil {
				return fmt.Errorf("decode sample values for %s.%s: %w", tableName, col.Name, err)
			}
		}
		table, ok := byName[tableName]
		if !ok {
			continue
		}
		table.Columns = append(table.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate schema column rows: %w", err)
	}
	return nil
}

func (r *Repository) loadRelationships(ctx context.Context, q dbTX, tenantID string) ([]catalog.Relationship, error) {
	rows, err := q.QueryContext(ctx, `
SELECT source_table, source_column, target_table, target_column, kind
FROM schema_relationship
WHERE tenant_id = $1
ORDER BY source_table ASC, source_column ASC, target_table ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list schema relationships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	relationships := make([]catalog.Relationship, 0)
	for rows.Next() {
		var (
			rel  catalog.Relationship
			kind string
		)
		if err := rows.Scan(&rel.SourceTable, &rel.SourceColumn, &rel.TargetTable, &rel.TargetColumn, &kind); err != nil {
			return nil, fmt.Errorf("scan schema relationship row: %w", err)
		}
		rel.Kind = catalog.RelationshipKind(kind)
		relationships = append(relationships, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema relationship rows: %w", err)
	}
	return relationships, nil
}

func (r *Repository) LoadAgentConfig(ctx context.Context, tenantID string) (catalog.AgentConfig, error) {
	query := `
SELECT tenant_id, dialect, max_rows, sandbox_enabled, updated_at
FROM agent_config
WHERE tenant_id = $1`

	var cfg catalog.AgentConfig
	if err := r.db.QueryRowContext(ctx, query, tenantID).Scan(
		&cfg.TenantID,
		&cfg.Dialect,
		&cfg.MaxRows,
		&cfg.SandboxEnabled,
		&cfg.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.AgentConfig{}, catalog.ErrNotFound
		}
		return catalog.AgentConfig{}, fmt.Errorf("get agent config: %w", err)
	}
	return cfg, nil
}

func (r *Repository) LoadSensitivityRules(ctx context.Context, tenantID string) (catalog.SensitivityRules, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT rule_kind, table_name, column_name, masking_strategy, sensitivity_level
FROM sensitivity_rule
WHERE tenant_id = $1
ORDER BY rule_id ASC`, tenantID)
	if err != nil {
		return catalog.SensitivityRules{}, fmt.Errorf("list sensitivity rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules catalog.SensitivityRules
	for rows.Next() {
		var kind, table, column, masking, level string
		if err := rows.Scan(&kind, &table, &column, &masking, &level); err != nil {
			return catalog.SensitivityRules{}, fmt.Errorf("scan sensitivity rule row: %w", err)
		}
		switch kind {
		case "forbidden":
			rules.ForbiddenFields = append(rules.ForbiddenFields, catalog.FieldRef{Table: table, Column: column})
		case "sensitive":
			rules.SensitiveColumns = append(rules.SensitiveColumns, catalog.SensitiveColumn{
				Table:   table,
				Column:  column,
				Masking: catalog.MaskingStrategy(masking),
				Level:   level,
			})
		default:
			return catalog.SensitivityRules{}, fmt.Errorf("unknown sensitivity rule kind %q", kind)
		}
	}
	if err := rows.Err(); err != nil {
		return catalog.SensitivityRules{}, fmt.Errorf("iterate sensitivity rule rows: %w", err)
	}
	return rules, nil
}

func (r *Repository) LoadEmbeddings(ctx context.Context, tenantID string) ([]catalog.TableEmbedding, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT table_name, content, model, vector_json, updated_at
FROM schema_embedding
WHERE tenant_id = $1
ORDER BY table_name ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list schema embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	embeddings := make([]catalog.TableEmbedding, 0)
	for rows.Next() {
		var (
			item   catalog.TableEmbedding
			vector []byte
		)
		if err := rows.Scan(&item.TableName, &item.Content, &item.Model, &vector, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schema embedding row: %w", err)
		}
		if err := json.Unmarshal(vector, &item.Vector); err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", item.TableName, err)
		}
		embeddings = append(embeddings, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema embedding rows: %w", err)
	}
	return embeddings, nil
}

func (r *Repository) UpsertEmbeddings(ctx context.Context, tenantID string, embeddings []catalog.TableEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertEmbeddings(ctx, tx, tenantID, embeddings); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func upsertEmbeddings(ctx context.Context, q dbTX, tenantID string, embeddings []catalog.TableEmbedding) error {
	query := `
INSERT INTO schema_embedding (tenant_id, table_name, content, model, vector_json, updated_at)
VALUES ($1, $2, $3, $4, $5::jsonb, now())
ON CONFLICT (tenant_id, table_name)
DO UPDATE SET content = EXCLUDED.content,
              model = EXCLUDED.model,
              vector_json = EXCLUDED.vector_json,
              updated_at = EXCLUDED.updated_at`

	for _, item := range embeddings {
		vector, err := json.Marshal(item.Vector)
		if err != nil {
			return fmt.Errorf("encode embedding for %s: %w", item.TableName, err)
		}
		if _, err := q.ExecContext(ctx, query, tenantID, item.TableName, item.Content, item.Model, string(vector)); err != nil {
			return fmt.Errorf("upsert embedding for %s: %w", item.TableName, err)
		}
	}
	return nil
}
