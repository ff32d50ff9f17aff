package querygenctl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const shopCatalog = "../../catalog/file/testdata/shop.yaml"

func TestRunGenerateCommand(t *testing.T) {
	var gotMethod, gotPath, gotTenant string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotTenant = r.Header.Get("X-Tenant-ID")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"outcome":"success","sql":"SELECT 1"}`))
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"-tenant-id", "shop",
		"generate", "-conversation", "c1", "how", "many", "orders",
	}, Options{Stdout: &stdout, Stderr: &stderr, Timeout: 2 * time.Second})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/generate" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotTenant != "shop" {
		t.Fatalf("tenant header = %q", gotTenant)
	}
	if gotBody["message"] != "how many orders" || gotBody["conversation_id"] != "c1" || gotBody["tenant_id"] != "shop" {
		t.Fatalf("body = %#v", gotBody)
	}
	if !strings.Contains(stdout.String(), `"sql": "SELECT 1"`) {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunGenerateSQLOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"outcome":"success","sql":"SELECT id FROM orders LIMIT 5"}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-tenant-id", "shop", "generate", "-sql", "orders"}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if strings.TrimSpace(stdout.String()) != "SELECT id FROM orders LIMIT 5" {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunGenerateRequiresTenantAndMessage(t *testing.T) {
	if code := Run(context.Background(), []string{"generate", "orders"}, Options{}); code != 2 {
		t.Fatalf("missing tenant exit code = %d", code)
	}
	if code := Run(context.Background(), []string{"-tenant-id", "shop", "generate"}, Options{}); code != 2 {
		t.Fatalf("missing message exit code = %d", code)
	}
}

func TestRunInvalidateCommand(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"status":"invalidated"}`))
	}))
	defer srv.Close()

	code := Run(context.Background(), []string{"-base-url", srv.URL, "-tenant-id", "shop", "invalidate"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/tenants/shop/invalidate" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
}

func TestRunCompileOffline(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-tenant-id", "shop",
		"compile", "-catalog", shopCatalog, "-",
	}, Options{
		Stdin:  strings.NewReader(`{"primary_table": "customers", "columns": ["id", "email"], "limit": 3}`),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != "SELECT id FROM customers LIMIT 3" {
		t.Fatalf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "warning: ") {
		t.Fatalf("expected a warning for the removed column, stderr=%s", stderr.String())
	}
}

func TestRunCompileOfflineUsesTenantDialect(t *testing.T) {
	var stdout bytes.Buffer
	code := Run(context.Background(), []string{
		"-tenant-id", "warehouse",
		"compile", "-catalog", shopCatalog, "-",
	}, Options{
		Stdin:  strings.NewReader(`{"primary_table": "stock", "columns": ["sku"], "filters": [{"column": "sku", "operator": "ilike", "value": "%A%"}]}`),
		Stdout: &stdout,
	})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if strings.TrimSpace(stdout.String()) != "SELECT sku FROM stock WHERE LOWER(sku) LIKE LOWER('%A%')" {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunCompileOfflineReportsBlockedQuery(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-tenant-id", "shop",
		"compile", "-catalog", shopCatalog, "-",
	}, Options{
		Stdin:  strings.NewReader(`{"primary_table": "audit_log", "columns": ["id"]}`),
		Stderr: &stderr,
	})
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr.String(), "compile failed") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunCompileRemote(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"sql":"SELECT 1"}`))
	}))
	defer srv.Close()

	code := Run(context.Background(), []string{"-base-url", srv.URL, "-tenant-id", "shop", "compile", "-"}, Options{
		Stdin: strings.NewReader(`{"primary_table": "orders"}`),
	})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotPath != "/v1/compile" {
		t.Fatalf("path = %s", gotPath)
	}
	query, ok := gotBody["query"].(map[string]any)
	if !ok || query["primary_table"] != "orders" {
		t.Fatalf("body = %#v", gotBody)
	}
}

func TestRunCatalogCheck(t *testing.T) {
	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"catalog-check", shopCatalog}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout.String(), "shop: 3 tables, 1 relationships") {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error_code":"VALIDATION_FAILED"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-tenant-id", "shop", "generate", "orders"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "http 422") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"unknown"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected usage output")
	}
}
