//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/duckmesh/querygen/internal/migrations"
)

func TestReindexQueuePublishClaimAckAndRequeue(t *testing.T) {
	adminDSN := strings.TrimSpace(os.Getenv("QUERYGEN_TEST_CATALOG_DSN"))
	if adminDSN == "" {
		t.Skip("QUERYGEN_TEST_CATALOG_DSN is not set")
	}

	testDSN, cleanup := createTemporaryDatabase(t, adminDSN)
	defer cleanup()

	db := openDB(t, testDSN)
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if _, err := migrations.NewRunner().Up(ctx, db, 0); err != nil {
		t.Fatalf("runner.Up() error = %v", err)
	}
	seedTenant(t, db, "tenant-a")
	seedTenant(t, db, "tenant-b")

	queue := NewReindexQueue(db)

	first, err := queue.Publish(ctx, "tenant-a", "schema edit")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	second, err := queue.Publish(ctx, "tenant-a", "second edit")
	if err != nil {
		t.Fatalf("Publish(duplicate) error = %v", err)
	}
	if !first.Inserted || second.Inserted || second.JobID != first.JobID {
		t.Fatalf("pending jobs were not coalesced: %#v %#v", first, second)
	}
	if _, err := queue.Publish(ctx, "tenant-b", "schema edit"); err != nil {
		t.Fatalf("Publish(tenant-b) error = %v", err)
	}

	claimed, err := queue.Claim(ctx, "worker-1", 10, 10)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimed.Jobs) != 2 {
		t.Fatalf("len(claimed.Jobs) = %d, want 2", len(claimed.Jobs))
	}
	if err := queue.Ack(ctx, "worker-1", []string{first.JobID}); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	assertJobState(t, db, first.JobID, "done")

	if err := queue.Ack(ctx, "worker-2", []string{claimed.Jobs[1].JobID}); err == nil {
		t.Fatal("expected ack by a foreign consumer to fail")
	}

	if _, err := db.ExecContext(ctx, `UPDATE reindex_job SET lease_until = NOW() - INTERVAL '5 second' WHERE state = 'claimed'`); err != nil {
		t.Fatalf("expire leases: %v", err)
	}
	requeued, err := queue.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("RequeueExpired() error = %v", err)
	}
	if requeued != 1 {
		t.Fatalf("RequeueExpired() = %d, want 1", requeued)
	}

	again, err := queue.Claim(ctx, "worker-2", 10, 10)
	if err != nil {
		t.Fatalf("Claim(again) error = %v", err)
	}
	if len(again.Jobs) != 1 || again.Jobs[0].TenantID != "tenant-b" || again.Jobs[0].Attempt != 2 {
		t.Fatalf("again.Jobs = %#v", again.Jobs)
	}
	if err := queue.Nack(ctx, "worker-2", []string{again.Jobs[0].JobID}, "embedder quota"); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	assertJobState(t, db, again.Jobs[0].JobID, "failed")
}

func openDB(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	return db
}

func seedTenant(t *testing.T, db *sql.DB, tenantID string) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO tenant (tenant_id, name) VALUES ($1, $2)`, tenantID, tenantID); err != nil {
		t.Fatalf("insert tenant error = %v", err)
	}
}

func assertJobState(t *testing.T, db *sql.DB, jobID, expectedState string) {
	t.Helper()
	var state string
	if err := db.QueryRow(`SELECT state FROM reindex_job WHERE job_id = $1`, jobID).Scan(&state); err != nil {
		t.Fatalf("query job state error = %v", err)
	}
	if state != expectedState {
		t.Fatalf("job %s state = %s, want %s", jobID, state, expectedState)
	}
}

func createTemporaryDatabase(t *testing.T, adminDSN string) (string, func()) {
	t.Helper()

	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("url.Parse(adminDSN) error = %v", err)
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		t.Fatal("admin DSN must include a database name")
	}

	adminDB, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("sql.Open(adminDSN) error = %v", err)
	}

	name := fmt.Sprintf("querygen_it_bus_%d", time.Now().UnixNano())
	if _, err := adminDB.Exec(`CREATE DATABASE ` + name); err != nil {
		t.Fatalf("CREATE DATABASE failed: %v", err)
	}

	testURL := *parsed
	testURL.Path = "/" + name

	cleanup := func() {
		defer func() { _ = adminDB.Close() }()
		if _, err := adminDB.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name); err != nil {
			t.Fatalf("terminate test db sessions: %v", err)
		}
		if _, err := adminDB.Exec(`DROP DATABASE ` + name); err != nil {
			t.Fatalf("DROP DATABASE failed: %v", err)
		}
	}
	return testURL.String(), cleanup
}
