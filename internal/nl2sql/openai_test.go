package nl2sql

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/duckmesh/querygen/internal/catalog"
)

func TestStripMarkdownSQL(t *testing.T) {
	got := stripMarkdownSQL("```sql\nSELECT 1;\n```")
	if got != "SELECT 1;" {
		t.Fatalf("stripMarkdownSQL() = %q", got)
	}
}

type capturedRequest struct {
	Path  string
	Auth  string
	Model string
	Msgs  []map[string]string
	Input string
}

func fakeServer(t *testing.T, reply func(path string) (int, string)) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload struct {
			Model    string              `json:"model"`
			Messages []map[string]string `json:"messages"`
			Input    string              `json:"input"`
		}
		_ = json.Unmarshal(body, &payload)
		captured = append(captured, capturedRequest{
			Path:  r.URL.Path,
			Auth:  r.Header.Get("Authorization"),
			Model: payload.Model,
			Msgs:  payload.Messages,
			Input: payload.Input,
		})
		status, out := reply(r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(out))
	}))
	t.Cleanup(server.Close)
	return server, &captured
}

func chatReply(content string) string {
	out, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"content": content}}},
	})
	return string(out)
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(OpenAIConfig{BaseURL: baseURL + "/", APIKey: "k", Model: "m", EmbeddingModel: "e"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestClassifyDecodesIntent(t *testing.T) {
	server, captured := fakeServer(t, func(string) (int, string) {
		return http.StatusOK, chatReply("```json\n{\"primary_intent\":\"database_query\",\"confidence\":0.95,\"required_tables\":[\"orders\"],\"is_refinement\":true,\"new_entities\":[\"region\"]}\n```")
	})
	client := newTestClient(t, server.URL)

	intent, err := client.Classify(context.Background(), IntentRequest{
		Message:     "now split it by region",
		PreviousSQL: "SELECT COUNT(*) FROM orders",
		Tables:      []string{"orders", "customers"},
	})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if intent.Kind != IntentDatabaseQuery || intent.Confidence != 0.95 || !intent.Refinement {
		t.Fatalf("intent = %#v", intent)
	}
	if len(intent.RequiredTables) != 1 || intent.NewEntities[0] != "region" {
		t.Fatalf("intent tables = %#v", intent)
	}
	req := (*captured)[0]
	if req.Path != "/v1/chat/completions" || req.Auth != "Bearer k" || req.Model != "m" {
		t.Fatalf("request = %#v", req)
	}
	if !strings.Contains(req.Msgs[1]["content"], "Previous SQL: SELECT COUNT(*) FROM orders") {
		t.Fatalf("user prompt = %q", req.Msgs[1]["content"])
	}
}

func TestBuildReturnsRawCanonicalQuery(t *testing.T) {
	content := `{"primary_table":{"name":"orders","alias":"o"},"columns":["o.id"],"correction_note":"email omitted"}`
	server, captured := fakeServer(t, func(string) (int, string) { return http.StatusOK, chatReply(content) })
	client := newTestClient(t, server.URL)

	res, err := client.Build(context.Background(), BuildRequest{Message: "list orders", Dialect: "mysql"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if string(res.Query) != content || res.Note != "email omitted" || res.Model != "m" {
		t.Fatalf("result = %#v", res)
	}
	if !strings.Contains((*captured)[0].Msgs[0]["content"], "MySQL") {
		t.Fatalf("system prompt = %q", (*captured)[0].Msgs[0]["content"])
	}
}

func TestBuildRejectsNonJSON(t *testing.T) {
	server, _ := fakeServer(t, func(string) (int, string) { return http.StatusOK, chatReply("SELECT 1") })
	if _, err := newTestClient(t, server.URL).Build(context.Background(), BuildRequest{}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCorrectAcceptsJSONOrBareSQL(t *testing.T) {
	replies := []string{
		`{"generated_sql":"SELECT id FROM orders LIMIT 10","correction_note":"fixed column"}`,
		"```sql\nSELECT id FROM orders LIMIT 10\n```",
	}
	for _, reply := range replies {
		server, _ := fakeServer(t, func(string) (int, string) { return http.StatusOK, chatReply(reply) })
		res, err := newTestClient(t, server.URL).Correct(context.Background(), CorrectionRequest{
			FailedSQL: "SELECT idd FROM orders",
			Errors:    "Schema Error: column 'idd' not found",
		})
		if err != nil {
			t.Fatalf("Correct() error = %v", err)
		}
		if res.SQL != "SELECT id FROM orders LIMIT 10" {
			t.Fatalf("SQL = %q", res.SQL)
		}
	}
}

func TestEmbedUsesEmbeddingModel(t *testing.T) {
	server, captured := fakeServer(t, func(string) (int, string) {
		return http.StatusOK, `{"data":[{"embedding":[0.1,0.2,0.3]}]}`
	})
	vec, err := newTestClient(t, server.URL).Embed(context.Background(), "orders by customer")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 3 || vec[2] != float32(0.3) {
		t.Fatalf("vector = %#v", vec)
	}
	req := (*captured)[0]
	if req.Path != "/v1/embeddings" || req.Model != "e" || req.Input != "orders by customer" {
		t.Fatalf("request = %#v", req)
	}
}

func TestClientSurfacesHTTPErrors(t *testing.T) {
	server, _ := fakeServer(t, func(string) (int, string) { return http.StatusTooManyRequests, `{"error":"rate limited"}` })
	_, err := newTestClient(t, server.URL).Classify(context.Background(), IntentRequest{Message: "hi"})
	if err == nil || !strings.Contains(err.Error(), "status=429") {
		t.Fatalf("Classify() error = %v", err)
	}

	empty, _ := fakeServer(t, func(string) (int, string) { return http.StatusOK, `{"choices":[]}` })
	if _, err := newTestClient(t, empty.URL).Classify(context.Background(), IntentRequest{}); err == nil {
		t.Fatal("expected empty choices error")
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(OpenAIConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected base URL error")
	}
	if _, err := NewClient(OpenAIConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected api key error")
	}
}

func TestTableContextsHideRestrictedColumns(t *testing.T) {
	cat := &catalog.Catalog{
		Tables: []catalog.Table{
			{Name: "customers", Queryable: true, Columns: []catalog.Column{
				{Name: "id", DataType: "int", Queryable: true, PrimaryKey: true},
				{Name: "email", DataType: "text", Queryable: false},
				{Name: "tier", DataType: "text", Queryable: true, SampleValues: []string{"a", "b", "c", "d", "e", "f"}},
				{Name: "phone", DataType: "text", Queryable: true, Sensitive: true, Masking: catalog.MaskPartial, SampleValues: []string{"555"}},
			}},
			{Name: "audit_log", Queryable: false},
		},
		Relationships: []catalog.Relationship{{SourceTable: "orders", SourceColumn: "customer_id", TargetTable: "customers", TargetColumn: "id"}},
	}
	tables := TableContexts(cat)
	if len(tables) != 1 || len(tables[0].Columns) != 3 {
		t.Fatalf("tables = %#v", tables)
	}
	if len(tables[0].Columns[1].Samples) != maxSampleValues {
		t.Fatalf("samples = %#v", tables[0].Columns[1].Samples)
	}
	if tables[0].Columns[2].Samples != nil {
		t.Fatalf("sensitive samples leaked: %#v", tables[0].Columns[2].Samples)
	}
	restricted := RestrictedEntities(cat)
	if strings.Join(restricted, ",") != "customers.email,audit_log" {
		t.Fatalf("restricted = %#v", restricted)
	}
	if got := RelationshipLines(cat); got[0] != "orders.customer_id -> customers.id" {
		t.Fatalf("relationships = %#v", got)
	}
}
