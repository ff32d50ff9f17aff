// Package file serves tenant catalogs from a YAML file. Each YAML document
// in the file describes one tenant. It backs the dev profile and the
// offline compile command.
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/duckmesh/querygen/internal/catalog"
)

type Document struct {
	TenantID      string            `yaml:"tenant_id"`
	Name          string            `yaml:"name"`
	Dialect       string            `yaml:"dialect"`
	MaxRows       int               `yaml:"max_rows"`
	Sandbox       bool              `yaml:"sandbox"`
	Tables        []tableDoc        `yaml:"tables"`
	Relationships []relationshipDoc `yaml:"relationships"`
	Sensitivity   sensitivityDoc    `yaml:"sensitivity"`
}

type tableDoc struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Queryable   *bool       `yaml:"queryable"`
	Columns     []columnDoc `yaml:"columns"`
}

type columnDoc struct {
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Queryable  *bool    `yaml:"queryable"`
	Sensitive  bool     `yaml:"sensitive"`
	Masking    string   `yaml:"masking"`
	PrimaryKey bool     `yaml:"primary_key"`
	ForeignKey bool     `yaml:"foreign_key"`
	Samples    []string `yaml:"samples"`
}

type relationshipDoc struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Kind string `yaml:"kind"`
}

type sensitivityDoc struct {
	Forbidden []string       `yaml:"forbidden"`
	Sensitive []sensitiveDoc `yaml:"sensitive"`
}

type sensitiveDoc struct {
	Field   string `yaml:"field"`
	Masking string `yaml:"masking"`
	Level   string `yaml:"level"`
}

type tenantEntry struct {
	catalog *catalog.Catalog
	rules   catalog.SensitivityRules
	config  catalog.AgentConfig
	name    string
}

// Repository implements catalog.Repository over parsed documents.
// Embeddings are kept in memory.
type Repository struct {
	tenants map[string]tenantEntry
	order   []string

	mu         sync.RWMutex
	embeddings map[string]map[string]catalog.TableEmbedding
}

func Open(path string) (*Repository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	repo, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog file %s: %w", path, err)
	}
	return repo, nil
}

func Parse(data []byte) (*Repository, error) {
	repo := &Repository{
		tenants:    map[string]tenantEntry{},
		embeddings: map[string]map[string]catalog.TableEmbedding{},
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	loadedAt := time.Now().UTC()
	for {
		var doc Document
		err := decoder.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		entry, err := doc.build(loadedAt)
		if err != nil {
			return nil, err
		}
		if _, dup := repo.tenants[doc.TenantID]; dup {
			return nil, fmt.Errorf("duplicate tenant %q", doc.TenantID)
		}
		repo.tenants[doc.TenantID] = entry
		repo.order = append(repo.order, doc.TenantID)
	}
	if len(repo.order) == 0 {
		return nil, fmt.Errorf("no tenant documents")
	}
	return repo, nil
}

func (d Document) build(loadedAt time.Time) (tenantEntry, error) {
	if strings.TrimSpace(d.TenantID) == "" {
		return tenantEntry{}, fmt.Errorf("tenant_id is required")
	}
	cat := &catalog.Catalog{TenantID: d.TenantID, LoadedAt: loadedAt}
	for _, td := range d.Tables {
		t := catalog.Table{Name: td.Name, Description: td.Description, Queryable: boolOr(td.Queryable, true)}
		for _, cd := range td.Columns {
			masking := catalog.MaskingStrategy(strings.ToLower(cd.Masking))
			if masking == "" {
				masking = catalog.MaskNone
			}
			t.Columns = append(t.Columns, catalog.Column{
				Name:         cd.Name,
				DataType:     cd.Type,
				Queryable:    boolOr(cd.Queryable, true),
				Sensitive:    cd.Sensitive,
				Masking:      masking,
				PrimaryKey:   cd.PrimaryKey,
				ForeignKey:   cd.ForeignKey,
				SampleValues: cd.Samples,
			})
		}
		cat.Tables = append(cat.Tables, t)
	}
	for _, rd := range d.Relationships {
		srcTable, srcColumn, err := splitField(rd.From)
		if err != nil {
			return tenantEntry{}, fmt.Errorf("tenant %s relationship from: %w", d.TenantID, err)
		}
		dstTable, dstColumn, err := splitField(rd.To)
		if err != nil {
			return tenantEntry{}, fmt.Errorf("tenant %s relationship to: %w", d.TenantID, err)
		}
		kind := catalog.RelationshipKind(rd.Kind)
		if kind == "" {
			kind = catalog.RelationshipDeclared
		}
		cat.Relationships = append(cat.Relationships, catalog.Relationship{
			SourceTable: srcTable, SourceColumn: srcColumn,
			TargetTable: dstTable, TargetColumn: dstColumn,
			Kind: kind,
		})
	}
	if err := cat.Validate(); err != nil {
		return tenantEntry{}, fmt.Errorf("tenant %s: %w", d.TenantID, err)
	}

	var rules catalog.SensitivityRules
	for _, field := range d.Sensitivity.Forbidden {
		table, column := splitOptionalTable(field)
		rules.ForbiddenFields = append(rules.ForbiddenFields, catalog.FieldRef{Table: table, Column: column})
	}
	for _, s := range d.Sensitivity.Sensitive {
		table, column := splitOptionalTable(s.Field)
		rules.SensitiveColumns = append(rules.SensitiveColumns, catalog.SensitiveColumn{
			Table:   table,
			Column:  column,
			Masking: catalog.MaskingStrategy(strings.ToLower(s.Masking)),
			Level:   s.Level,
		})
	}

	return tenantEntry{
		catalog: cat,
		rules:   rules,
		name:    d.Name,
		config: catalog.AgentConfig{
			TenantID:       d.TenantID,
			Dialect:        d.Dialect,
			MaxRows:        d.MaxRows,
			SandboxEnabled: d.Sandbox,
			UpdatedAt:      loadedAt,
		},
	}, nil
}

func (r *Repository) HealthCheck(context.Context) error {
	return nil
}

func (r *Repository) ListTenants(context.Context) ([]catalog.Tenant, error) {
	out := make([]catalog.Tenant, 0, len(r.order))
	for _, id := range r.order {
		entry := r.tenants[id]
		out = append(out, catalog.Tenant{TenantID: id, Name: entry.name, Status: "active", CreatedAt: entry.catalog.LoadedAt})
	}
	return out, nil
}

func (r *Repository) LoadCatalog(_ context.Context, tenantID string) (*catalog.Catalog, error) {
	entry, ok := r.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, catalog.ErrNotFound)
	}
	return entry.catalog.Clone(), nil
}

func (r *Repository) LoadAgentConfig(_ context.Context, tenantID string) (catalog.AgentConfig, error) {
	entry, ok := r.tenants[tenantID]
	if !ok {
		return catalog.AgentConfig{}, fmt.Errorf("tenant %s: %w", tenantID, catalog.ErrNotFound)
	}
	return entry.config, nil
}

func (r *Repository) LoadSensitivityRules(_ context.Context, tenantID string) (catalog.SensitivityRules, error) {
	entry, ok := r.tenants[tenantID]
	if !ok {
		return catalog.SensitivityRules{}, fmt.Errorf("tenant %s: %w", tenantID, catalog.ErrNotFound)
	}
	return entry.rules, nil
}

func (r *Repository) LoadEmbeddings(_ context.Context, tenantID string) ([]catalog.TableEmbedding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored := r.embeddings[tenantID]
	out := make([]catalog.TableEmbedding, 0, len(stored))
	for _, e := range stored {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableName < out[j].TableName })
	return out, nil
}

func (r *Repository) UpsertEmbeddings(_ context.Context, tenantID string, embeddings []catalog.TableEmbedding) error {
	if _, ok := r.tenants[tenantID]; !ok {
		return fmt.Errorf("tenant %s: %w", tenantID, catalog.ErrNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := r.embeddings[tenantID]
	if stored == nil {
		stored = map[string]catalog.TableEmbedding{}
		r.embeddings[tenantID] = stored
	}
	for _, e := range embeddings {
		stored[strings.ToLower(e.TableName)] = e
	}
	return nil
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func splitField(field string) (string, string, error) {
	table, column, ok := strings.Cut(strings.TrimSpace(field), ".")
	if !ok || table == "" || column == "" {
		return "", "", fmt.Errorf("expected table.column, got %q", field)
	}
	return table, column, nil
}

func splitOptionalTable(field string) (string, string) {
	field = strings.TrimSpace(field)
	if table, column, ok := strings.Cut(field, "."); ok {
		return table, column
	}
	return "", field
}
