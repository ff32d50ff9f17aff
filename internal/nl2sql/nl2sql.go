// Package nl2sql defines the language-model contracts the pipeline calls
// (intent classification, canonical query construction, SQL correction and
// text embedding) and an OpenAI-compatible client implementing them.
package nl2sql

import (
	"context"
	"encoding/json"
)

type IntentKind string

const (
	IntentDatabaseQuery IntentKind = "database_query"
	IntentGreeting      IntentKind = "greeting"
	IntentDataGuide     IntentKind = "data_guide"
	IntentOutOfScope    IntentKind = "out_of_scope"
)

type Intent struct {
	Kind                IntentKind `json:"primary_intent"`
	Summary             string     `json:"intent_summary,omitempty"`
	Refinement          bool       `json:"is_refinement"`
	Confidence          float64    `json:"confidence"`
	NeedsSchemaSearch   bool       `json:"needs_schema_search"`
	RequiredTables      []string   `json:"required_tables,omitempty"`
	NewEntities         []string   `json:"new_entities,omitempty"`
	Ambiguous           bool       `json:"is_ambiguous,omitempty"`
	ClarifyingQuestions []string   `json:"clarifying_questions,omitempty"`
	DirectResponse      string     `json:"direct_response,omitempty"`
	Rejected            bool       `json:"rejected,omitempty"`
}

// Conversational reports whether the message should be answered directly
// instead of generating SQL.
func (i Intent) Conversational() bool {
	switch i.Kind {
	case IntentGreeting, IntentDataGuide, IntentOutOfScope:
		return true
	}
	return i.Rejected || i.Ambiguous
}

type IntentRequest struct {
	TenantID        string
	Message         string
	PreviousMessage string
	PreviousSQL     string
	// Tables is the tenant's table list, used only as a summary.
	Tables     []string
	Restricted []string
}

type ColumnContext struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	PrimaryKey bool     `json:"primary_key,omitempty"`
	ForeignKey bool     `json:"foreign_key,omitempty"`
	Samples    []string `json:"sample_values,omitempty"`
}

type TableContext struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Columns     []ColumnContext `json:"columns"`
}

type BuildRequest struct {
	TenantID      string
	Message       string
	Dialect       string
	Intent        Intent
	Tables        []TableContext
	Relationships []string
	Restricted    []string
	PreviousSQL   string
	PreviousQuery json.RawMessage
}

type BuildResult struct {
	// Query is the canonical query JSON as returned by the model.
	Query json.RawMessage
	Note  string
	Model string
}

type CorrectionRequest struct {
	TenantID   string
	Dialect    string
	FailedSQL  string
	Errors     string
	Tables     []TableContext
	Restricted []string
}

type CorrectionResult struct {
	SQL  string
	Note string
}

type IntentClassifier interface {
	Classify(ctx context.Context, req IntentRequest) (Intent, error)
}

type QueryBuilder interface {
	Build(ctx context.Context, req BuildRequest) (BuildResult, error)
}

type Corrector interface {
	Correct(ctx context.Context, req CorrectionRequest) (CorrectionResult, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
