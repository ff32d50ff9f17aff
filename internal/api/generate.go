package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/compiler"
	"github.com/duckmesh/querygen/internal/config"
	"github.com/duckmesh/querygen/internal/observability"
	"github.com/duckmesh/querygen/internal/pipeline"
	"github.com/duckmesh/querygen/internal/qerr"
)

type compileRequest struct {
	TenantID string          `json:"tenant_id"`
	Dialect  string          `json:"dialect"`
	Query    json.RawMessage `json:"query"`
}

func handleGenerate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Generator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "GENERATE_NOT_CONFIGURED", "query generation is not configured", false, nil)
		return
	}

	var req pipeline.Request
	if !decodeBody(w, r, &req) {
		return
	}
	req.TenantID = tenantFromRequest(r, req.TenantID)
	if req.TenantID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TENANT_REQUIRED", "tenant_id is required", false, nil)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "MESSAGE_REQUIRED", "message is required", false, nil)
		return
	}
	if req.Dialect != "" {
		if _, err := compiler.ParseDialect(req.Dialect); err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "DIALECT_UNSUPPORTED", err.Error(), false, nil)
			return
		}
	}

	resp, err := deps.Generator.Generate(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrSuperseded):
			writeError(r.Context(), w, http.StatusConflict, "SUPERSEDED", "a newer request for this conversation replaced this one", false, map[string]any{"run_id": resp.RunID})
		case errors.Is(err, context.DeadlineExceeded):
			writeError(r.Context(), w, http.StatusGatewayTimeout, "RUN_TIMEOUT", "query generation timed out", true, map[string]any{"run_id": resp.RunID})
		case errors.Is(err, context.Canceled):
			writeError(r.Context(), w, http.StatusServiceUnavailable, "RUN_CANCELLED", "query generation was cancelled", true, map[string]any{"run_id": resp.RunID})
		default:
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", qerr.Message(err), false, nil)
		}
		return
	}

	switch resp.Outcome {
	case pipeline.OutcomeFailed, pipeline.OutcomeBlocked:
		status, code := errorStatus(resp.ErrorKind)
		writeError(r.Context(), w, status, code, resp.Error, transient(resp.ErrorKind), map[string]any{
			"run_id":   resp.RunID,
			"outcome":  resp.Outcome,
			"attempts": resp.Attempts,
			"last_sql": resp.LastSQL,
			"warnings": resp.Warnings,
		})
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleCompile(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Source == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CATALOG_NOT_CONFIGURED", "catalog dependency is not configured", false, nil)
		return
	}

	var req compileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TenantID = tenantFromRequest(r, req.TenantID)
	if req.TenantID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TENANT_REQUIRED", "tenant_id is required", false, nil)
		return
	}
	if len(req.Query) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "query is required", false, nil)
		return
	}

	cat, err := deps.Source.LoadCatalog(r.Context(), req.TenantID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "TENANT_NOT_FOUND", "no schema catalog is configured for this tenant", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to load schema catalog", true, map[string]any{"details": err.Error()})
		return
	}
	rules, err := deps.Source.LoadSensitivityRules(r.Context(), req.TenantID)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to load sensitivity rules", true, map[string]any{"details": err.Error()})
		return
	}
	dialect, err := resolveDialect(r.Context(), cfg, deps.Source, req)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "DIALECT_UNSUPPORTED", err.Error(), false, nil)
		return
	}

	res, err := pipeline.CompileCanonical(req.Query, cat, rules, dialect)
	if err != nil {
		status, code := errorStatus(qerr.KindOf(err))
		writeError(r.Context(), w, status, code, qerr.Message(err), false, map[string]any{"warnings": res.Warnings})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func handleInvalidate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Invalidator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "INVALIDATE_NOT_CONFIGURED", "cache invalidation is not configured", false, nil)
		return
	}
	tenantID := strings.TrimSpace(r.PathValue("tenant"))
	if tenantID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TENANT_REQUIRED", "tenant is required", false, nil)
		return
	}
	deps.Invalidator.Invalidate(tenantID)
	body := map[string]any{"tenant_id": tenantID, "status": "invalidated"}
	if deps.Reindex != nil {
		job, err := deps.Reindex.Publish(r.Context(), tenantID, "schema invalidated via api")
		if err != nil {
			observability.LoggerForContext(r.Context(), deps.Logger).WarnContext(r.Context(), "reindex request failed",
				slog.String("tenant_id", tenantID),
				slog.Any("error", err),
			)
			writeError(r.Context(), w, http.StatusServiceUnavailable, "REINDEX_UNAVAILABLE", "caches were invalidated but the reindex request failed", true, map[string]any{"tenant_id": tenantID})
			return
		}
		body["reindex_job_id"] = job.JobID
	}
	writeJSON(w, http.StatusOK, body)
}

func resolveDialect(ctx context.Context, cfg config.Config, src pipeline.Source, req compileRequest) (compiler.Dialect, error) {
	name := req.Dialect
	if name == "" {
		agent, err := src.LoadAgentConfig(ctx, req.TenantID)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return "", fmt.Errorf("load agent config: %w", err)
		}
		name = agent.Dialect
	}
	if name == "" {
		name = cfg.Pipeline.DefaultDialect
	}
	return compiler.ParseDialect(name)
}

func errorStatus(kind qerr.Kind) (int, string) {
	switch kind {
	case qerr.KindPolicyDenied:
		return http.StatusForbidden, "POLICY_DENIED"
	case qerr.KindConnection:
		return http.StatusServiceUnavailable, "SANDBOX_UNAVAILABLE"
	case qerr.KindProvider:
		return http.StatusBadGateway, "PROVIDER_ERROR"
	case qerr.KindCompile:
		return http.StatusUnprocessableEntity, "COMPILE_ERROR"
	case qerr.KindSchema, qerr.KindSyntax:
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED"
	case qerr.KindNoMatch:
		return http.StatusNotFound, "NO_MATCH"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// transient kinds may succeed when the same request is sent again.
func transient(kind qerr.Kind) bool {
	return kind == qerr.KindConnection || kind == qerr.KindProvider
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

// tenantFromRequest prefers the body value and falls back to X-Tenant-ID.
func tenantFromRequest(r *http.Request, fromBody string) string {
	if tenantID := strings.TrimSpace(fromBody); tenantID != "" {
		return tenantID
	}
	return strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
}
