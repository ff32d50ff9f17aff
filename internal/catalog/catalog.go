package catalog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("catalog: not found")

type Repository interface {
	HealthCheck(ctx context.Context) error
	ListTenants(ctx context.Context) ([]Tenant, error)
	LoadCatalog(ctx context.Context, tenantID string) (*Catalog, error)
	LoadAgentConfig(ctx context.Context, tenantID string) (AgentConfig, error)
	LoadSensitivityRules(ctx context.Context, tenantID string) (SensitivityRules, error)
	LoadEmbeddings(ctx context.Context, tenantID string) ([]TableEmbedding, error)
	UpsertEmbeddings(ctx context.Context, tenantID string, embeddings []TableEmbedding) error
}

type Tenant struct {
	TenantID  string
	Name      string
	Status    string
	CreatedAt time.Time
}

type AgentConfig struct {
	TenantID       string
	Dialect        string
	MaxRows        int
	SandboxEnabled bool
	UpdatedAt      time.Time
}

type MaskingStrategy string

const (
	MaskNone    MaskingStrategy = "none"
	MaskFull    MaskingStrategy = "full"
	MaskPartial MaskingStrategy = "partial"
	MaskHash    MaskingStrategy = "hash"
	MaskRemove  MaskingStrategy = "remove"
)

type RelationshipKind string

const (
	RelationshipDeclared RelationshipKind = "declared"
	RelationshipInferred RelationshipKind = "inferred"
)

type Catalog struct {
	TenantID      string
	Tables        []Table
	Relationships []Relationship
	LoadedAt      time.Time
}

type Table struct {
	Name        string
	Description string
	Queryable   bool
	Columns     []Column
}

type Column struct {
	Name         string
	DataType     string
	Queryable    bool
	Sensitive    bool
	Masking      MaskingStrategy
	PrimaryKey   bool
	ForeignKey   bool
	SampleValues []string
}

type Relationship struct {
	SourceTable  string
	SourceColumn string
	TargetTable  string
	TargetColumn string
	Kind         RelationshipKind
}

type TableEmbedding struct {
	TableName string
	Content   string
	Model     string
	Vector    []float32
	UpdatedAt time.Time
}

type FieldRef struct {
	Table  string
	Column string
}

type SensitiveColumn struct {
	Table   string
	Column  string
	Masking MaskingStrategy
	Level   string
}

type SensitivityRules struct {
	ForbiddenFields  []FieldRef
	SensitiveColumns []SensitiveColumn
}
