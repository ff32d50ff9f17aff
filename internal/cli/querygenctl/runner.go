package querygenctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/duckmesh/querygen/internal/catalog"
	catalogfile "github.com/duckmesh/querygen/internal/catalog/file"
	"github.com/duckmesh/querygen/internal/compiler"
	"github.com/duckmesh/querygen/internal/pipeline"
	"github.com/duckmesh/querygen/internal/qerr"
)

type Options struct {
	BaseURL    string
	TenantID   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

type runner struct {
	client   *http.Client
	baseURL  string
	tenantID string
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	stdin := defaults.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}

	fs := flag.NewFlagSet("querygenctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "querygen API base URL")
	tenantID := fs.String("tenant-id", defaults.TenantID, "tenant the request runs for")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 30s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	r := &runner{
		client:   client,
		baseURL:  strings.TrimRight(*baseURL, "/"),
		tenantID: strings.TrimSpace(*tenantID),
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
	}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	switch command {
	case "health":
		return r.call(ctx, http.MethodGet, "/v1/health", nil)
	case "ready":
		return r.call(ctx, http.MethodGet, "/v1/ready", nil)
	case "generate":
		return r.generate(ctx, rest)
	case "compile":
		return r.compile(ctx, rest)
	case "invalidate":
		if r.tenantID == "" {
			_, _ = fmt.Fprintln(stderr, "invalidate requires -tenant-id")
			return 2
		}
		return r.call(ctx, http.MethodPost, "/v1/tenants/"+url.PathEscape(r.tenantID)+"/invalidate", nil)
	case "catalog-check":
		return r.catalogCheck(ctx, rest)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

func (r *runner) generate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.SetOutput(r.stderr)
	conversation := fs.String("conversation", "", "conversation id; follow-up messages refine the previous query")
	dialect := fs.String("dialect", "", "override the tenant's SQL dialect")
	sqlOnly := fs.Bool("sql", false, "print only the generated SQL")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if message == "" {
		_, _ = fmt.Fprintln(r.stderr, "generate requires a message")
		return 2
	}
	if r.tenantID == "" {
		_, _ = fmt.Fprintln(r.stderr, "generate requires -tenant-id")
		return 2
	}

	body, err := json.Marshal(pipeline.Request{
		TenantID:       r.tenantID,
		ConversationID: *conversation,
		Message:        message,
		Dialect:        *dialect,
	})
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "encode request: %v\n", err)
		return 1
	}
	if !*sqlOnly {
		return r.call(ctx, http.MethodPost, "/v1/generate", body)
	}

	code, responseBody, err := r.do(ctx, http.MethodPost, "/v1/generate", body)
	if exit, done := r.reportFailure(code, responseBody, err); done {
		return exit
	}
	var resp pipeline.Response
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		_, _ = fmt.Fprintf(r.stderr, "decode response: %v\n", err)
		return 1
	}
	if resp.SQL == "" {
		_, _ = fmt.Fprintln(r.stdout, resp.Message)
		return 0
	}
	_, _ = fmt.Fprintln(r.stdout, resp.SQL)
	return 0
}

// compile renders a canonical query to SQL. With -catalog it runs locally
// against a YAML catalog file, otherwise it asks the API.
func (r *runner) compile(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	fs.SetOutput(r.stderr)
	catalogPath := fs.String("catalog", "", "YAML catalog file for offline compilation")
	dialect := fs.String("dialect", "", "SQL dialect (postgres, mysql, sqlite, duckdb)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.stderr, "compile requires one canonical query file, or - for stdin")
		return 2
	}
	if r.tenantID == "" {
		_, _ = fmt.Fprintln(r.stderr, "compile requires -tenant-id")
		return 2
	}
	query, err := r.readInput(fs.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "read canonical query: %v\n", err)
		return 1
	}

	if strings.TrimSpace(*catalogPath) == "" {
		body, err := json.Marshal(map[string]any{
			"tenant_id": r.tenantID,
			"dialect":   *dialect,
			"query":     json.RawMessage(query),
		})
		if err != nil {
			_, _ = fmt.Fprintf(r.stderr, "encode request: %v\n", err)
			return 1
		}
		return r.call(ctx, http.MethodPost, "/v1/compile", body)
	}

	res, err := compileLocal(ctx, *catalogPath, r.tenantID, *dialect, query)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "compile failed: %s\n", qerr.Message(err))
		return 1
	}
	for _, w := range res.Warnings {
		_, _ = fmt.Fprintf(r.stderr, "warning: %s\n", w.Message)
	}
	_, _ = fmt.Fprintln(r.stdout, res.SQL)
	return 0
}

func compileLocal(ctx context.Context, path, tenantID, dialectName string, query []byte) (pipeline.CompileResult, error) {
	repo, err := catalogfile.Open(path)
	if err != nil {
		return pipeline.CompileResult{}, err
	}
	cat, err := repo.LoadCatalog(ctx, tenantID)
	if err != nil {
		return pipeline.CompileResult{}, err
	}
	rules, err := repo.LoadSensitivityRules(ctx, tenantID)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return pipeline.CompileResult{}, err
	}
	if dialectName == "" {
		agent, err := repo.LoadAgentConfig(ctx, tenantID)
		if err == nil {
			dialectName = agent.Dialect
		}
	}
	dialect := compiler.Postgres
	if dialectName != "" {
		if dialect, err = compiler.ParseDialect(dialectName); err != nil {
			return pipeline.CompileResult{}, err
		}
	}
	return pipeline.CompileCanonical(query, cat, rules, dialect)
}

func (r *runner) catalogCheck(ctx context.Context, args []string) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(r.stderr, "catalog-check requires one YAML catalog file")
		return 2
	}
	repo, err := catalogfile.Open(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "catalog invalid: %v\n", err)
		return 1
	}
	tenants, err := repo.ListTenants(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "list tenants: %v\n", err)
		return 1
	}
	for _, tenant := range tenants {
		cat, err := repo.LoadCatalog(ctx, tenant.TenantID)
		if err != nil {
			_, _ = fmt.Fprintf(r.stderr, "tenant %s: %v\n", tenant.TenantID, err)
			return 1
		}
		_, _ = fmt.Fprintf(r.stdout, "%s: %d tables, %d relationships\n", tenant.TenantID, len(cat.Tables), len(cat.Relationships))
	}
	return 0
}

func (r *runner) call(ctx context.Context, method, path string, body []byte) int {
	code, responseBody, err := r.do(ctx, method, path, body)
	if exit, done := r.reportFailure(code, responseBody, err); done {
		return exit
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(r.stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(r.stdout, string(responseBody))
	}
	return 0
}

func (r *runner) reportFailure(code int, body []byte, err error) (int, bool) {
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "request failed: %v\n", err)
		return 1, true
	}
	if code >= 400 {
		_, _ = fmt.Fprintf(r.stderr, "http %d: %s\n", code, strings.TrimSpace(string(body)))
		return 1, true
	}
	return 0, false
}

func (r *runner) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.tenantID != "" {
		req.Header.Set("X-Tenant-ID", r.tenantID)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func (r *runner) readInput(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(r.stdin)
	}
	return os.ReadFile(name)
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: querygenctl [flags] <command> [command flags] [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                          GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                           GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  generate [-conversation id] <message>")
	_, _ = fmt.Fprintln(w, "                                  POST /v1/generate")
	_, _ = fmt.Fprintln(w, "  compile [-catalog file] <query.json|->")
	_, _ = fmt.Fprintln(w, "                                  compile a canonical query, offline with -catalog")
	_, _ = fmt.Fprintln(w, "  invalidate                      POST /v1/tenants/{tenant}/invalidate")
	_, _ = fmt.Fprintln(w, "  catalog-check <catalog.yaml>    validate a YAML catalog file")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
