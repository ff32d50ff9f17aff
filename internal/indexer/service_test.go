package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/duckmesh/querygen/internal/bus"
	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/indexstore"
	"github.com/duckmesh/querygen/internal/storage"
)

func TestTableContentSkipsRestrictedColumns(t *testing.T) {
	content := TableContent(catalog.Table{
		Name:        "customers",
		Description: "People who placed orders",
		Columns: []catalog.Column{
			{Name: "id", DataType: "integer", Queryable: true},
			{Name: "email", DataType: "text", Queryable: false},
			{Name: "ssn", DataType: "text", Queryable: true, Masking: catalog.MaskRemove},
			{Name: "name", Queryable: true},
		},
	})
	want := "Table: customers - People who placed orders\nColumns: id (integer), name"
	if content != want {
		t.Fatalf("TableContent() = %q, want %q", content, want)
	}
}

func TestRebuildTenantEmbedsChangedTablesOnly(t *testing.T) {
	cat := testCatalog()
	unchanged := TableContent(cat.Tables[0])
	repo := &stubCatalog{
		catalogs: map[string]*catalog.Catalog{"tenant-a": cat},
		embeddings: map[string][]catalog.TableEmbedding{"tenant-a": {
			{TableName: "customers", Content: unchanged, Model: "embed-small", Vector: []float32{1, 0}},
			{TableName: "orders", Content: "stale", Model: "embed-small", Vector: []float32{0, 1}},
		}},
	}
	embedder := &stubEmbedder{}
	objects := &stubObjects{data: map[string][]byte{}}
	invalidated := &stubInvalidator{}
	svc := &Service{
		Catalog:     repo,
		Embedder:    embedder,
		Snapshots:   indexstore.New(objects),
		Invalidator: invalidated,
		Config:      Config{BatchSize: 1, Model: "embed-small"},
		Clock: func() time.Time {
			return time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)
		},
	}

	summary, err := svc.RebuildTenant(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("RebuildTenant() error = %v", err)
	}
	if summary.Embedded != 1 || summary.Reused != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(embedder.texts) != 1 || !strings.HasPrefix(embedder.texts[0], "Table: orders") {
		t.Fatalf("embedded texts = %q", embedder.texts)
	}
	if len(repo.upserts) != 1 || repo.upserts[0][0].TableName != "orders" {
		t.Fatalf("upserts = %+v", repo.upserts)
	}
	if _, ok := objects.data["tenant-a/index/latest.parquet"]; !ok {
		t.Fatal("expected latest snapshot to be written")
	}
	if summary.Snapshot == "" {
		t.Fatal("expected snapshot key in summary")
	}
	if len(invalidated.tenants) != 1 || invalidated.tenants[0] != "tenant-a" {
		t.Fatalf("invalidated = %v", invalidated.tenants)
	}
}

func TestRebuildTenantSkipsNonQueryableTables(t *testing.T) {
	cat := testCatalog()
	cat.Tables[1].Queryable = false
	repo := &stubCatalog{catalogs: map[string]*catalog.Catalog{"tenant-a": cat}}
	embedder := &stubEmbedder{}
	svc := &Service{Catalog: repo, Embedder: embedder, Config: Config{Model: "embed-small"}}

	summary, err := svc.RebuildTenant(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("RebuildTenant() error = %v", err)
	}
	if summary.Embedded != 1 || len(embedder.texts) != 1 {
		t.Fatalf("summary = %+v texts = %q", summary, embedder.texts)
	}
}

func TestRebuildTenantAppliesSensitivityRules(t *testing.T) {
	repo := &stubCatalog{
		catalogs: map[string]*catalog.Catalog{"tenant-a": testCatalog()},
		rules: catalog.SensitivityRules{
			ForbiddenFields: []catalog.FieldRef{{Table: "customers", Column: "name"}},
		},
	}
	embedder := &stubEmbedder{}
	svc := &Service{Catalog: repo, Embedder: embedder}

	if _, err := svc.RebuildTenant(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("RebuildTenant() error = %v", err)
	}
	if strings.Contains(embedder.texts[0], "name") {
		t.Fatalf("forbidden column leaked into content: %q", embedder.texts[0])
	}
}

func TestProcessOnceContinuesPastFailingTenant(t *testing.T) {
	repo := &stubCatalog{
		tenants: []catalog.Tenant{
			{TenantID: "broken", Status: "active"},
			{TenantID: "tenant-a", Status: "active"},
			{TenantID: "paused", Status: "suspended"},
		},
		catalogs: map[string]*catalog.Catalog{"tenant-a": testCatalog()},
	}
	svc := &Service{Catalog: repo, Embedder: &stubEmbedder{}}

	summaries, err := svc.ProcessOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "rebuild tenant broken") {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if len(summaries) != 1 || summaries[0].TenantID != "tenant-a" || summaries[0].Embedded != 2 {
		t.Fatalf("summaries = %+v", summaries)
	}
	if _, ok := repo.loaded["paused"]; ok {
		t.Fatal("suspended tenant should be skipped")
	}
}

func TestRebuildTenantStopsOnEmbedError(t *testing.T) {
	repo := &stubCatalog{catalogs: map[string]*catalog.Catalog{"tenant-a": testCatalog()}}
	svc := &Service{Catalog: repo, Embedder: &stubEmbedder{err: errors.New("quota exceeded")}}

	if _, err := svc.RebuildTenant(context.Background(), "tenant-a"); err == nil {
		t.Fatal("expected embed error")
	}
	if len(repo.upserts) != 0 {
		t.Fatalf("upserts = %+v", repo.upserts)
	}
}

func TestDrainQueueAcksRebuiltTenantsAndNacksFailures(t *testing.T) {
	repo := &stubCatalog{catalogs: map[string]*catalog.Catalog{"tenant-a": testCatalog()}}
	queue := &stubQueue{claim: bus.Claim{Jobs: []bus.Job{
		{JobID: "1", TenantID: "tenant-a"},
		{JobID: "2", TenantID: "broken"},
		{JobID: "3", TenantID: "tenant-a"},
	}}}
	svc := &Service{Catalog: repo, Embedder: &stubEmbedder{}, Queue: queue, Config: Config{ConsumerID: "worker-1"}}

	summaries, err := svc.DrainQueue(context.Background())
	if err == nil || !strings.Contains(err.Error(), "tenant broken") {
		t.Fatalf("DrainQueue() error = %v", err)
	}
	if len(summaries) != 1 || summaries[0].TenantID != "tenant-a" {
		t.Fatalf("summaries = %+v", summaries)
	}
	if len(repo.upserts) != 1 {
		t.Fatalf("tenant-a should be rebuilt once, upserts = %d", len(repo.upserts))
	}
	if strings.Join(queue.acked, ",") != "1,3" || strings.Join(queue.nacked, ",") != "2" {
		t.Fatalf("acked = %v, nacked = %v", queue.acked, queue.nacked)
	}
	if queue.consumer != "worker-1" || !queue.requeued {
		t.Fatalf("queue = %+v", queue)
	}
}

func TestDrainQueueWithoutQueueIsNoop(t *testing.T) {
	svc := &Service{Catalog: &stubCatalog{}, Embedder: &stubEmbedder{}}
	summaries, err := svc.DrainQueue(context.Background())
	if err != nil || summaries != nil {
		t.Fatalf("DrainQueue() = %v, %v", summaries, err)
	}
}

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		TenantID: "tenant-a",
		Tables: []catalog.Table{
			{Name: "customers", Queryable: true, Columns: []catalog.Column{
				{Name: "id", DataType: "integer", Queryable: true},
				{Name: "name", DataType: "text", Queryable: true},
			}},
			{Name: "orders", Queryable: true, Columns: []catalog.Column{
				{Name: "id", DataType: "integer", Queryable: true},
				{Name: "total", DataType: "numeric", Queryable: true},
			}},
		},
	}
}

type stubCatalog struct {
	tenants    []catalog.Tenant
	catalogs   map[string]*catalog.Catalog
	rules      catalog.SensitivityRules
	embeddings map[string][]catalog.TableEmbedding
	upserts    [][]catalog.TableEmbedding
	loaded     map[string]bool
}

func (s *stubCatalog) ListTenants(context.Context) ([]catalog.Tenant, error) {
	return s.tenants, nil
}

func (s *stubCatalog) LoadCatalog(_ context.Context, tenantID string) (*catalog.Catalog, error) {
	if s.loaded == nil {
		s.loaded = map[string]bool{}
	}
	s.loaded[tenantID] = true
	cat, ok := s.catalogs[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, catalog.ErrNotFound)
	}
	return cat, nil
}

func (s *stubCatalog) LoadSensitivityRules(context.Context, string) (catalog.SensitivityRules, error) {
	return s.rules, nil
}

func (s *stubCatalog) LoadEmbeddings(_ context.Context, tenantID string) ([]catalog.TableEmbedding, error) {
	return s.embeddings[tenantID], nil
}

func (s *stubCatalog) UpsertEmbeddings(_ context.Context, _ string, embeddings []catalog.TableEmbedding) error {
	s.upserts = append(s.upserts, append([]catalog.TableEmbedding(nil), embeddings...))
	return nil
}

type stubEmbedder struct {
	texts []string
	err   error
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.texts = append(s.texts, text)
	return []float32{0.5, 0.5}, nil
}

type stubInvalidator struct {
	tenants []string
}

func (s *stubInvalidator) Invalidate(tenantID string) {
	s.tenants = append(s.tenants, tenantID)
}

type stubObjects struct {
	data map[string][]byte
}

func (s *stubObjects) Put(_ context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	s.data[key] = data
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *stubObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := s.data[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *stubObjects) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	data, ok := s.data[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *stubObjects) Delete(context.Context, string) error {
	return nil
}

type stubQueue struct {
	claim    bus.Claim
	consumer string
	requeued bool
	acked    []string
	nacked   []string
}

func (q *stubQueue) Publish(context.Context, string, string) (bus.PublishResult, error) {
	return bus.PublishResult{}, nil
}

func (q *stubQueue) Claim(_ context.Context, consumerID string, _ int, _ int) (bus.Claim, error) {
	q.consumer = consumerID
	return q.claim, nil
}

func (q *stubQueue) Ack(_ context.Context, _ string, jobIDs []string) error {
	q.acked = append(q.acked, jobIDs...)
	return nil
}

func (q *stubQueue) Nack(_ context.Context, _ string, jobIDs []string, _ string) error {
	q.nacked = append(q.nacked, jobIDs...)
	return nil
}

func (q *stubQueue) RequeueExpired(context.Context) (int, error) {
	q.requeued = true
	return 0, nil
}
