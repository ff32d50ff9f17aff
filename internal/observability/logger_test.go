package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/duckmesh/querygen/internal/config"
)

func TestNewLoggerJSONIncludesServiceAttributes(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{Profile: config.ProfileTest, Service: config.ServiceConfig{Name: "querygen-api"}}
	cfg.Observability.LogJSON = true

	NewLogger(cfg, &buf).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json.Unmarshal() error = %v (%s)", err, buf.String())
	}
	if entry["service"] != "querygen-api" || entry["profile"] != "test" {
		t.Fatalf("entry = %#v", entry)
	}
}

func TestLoggerForContextAddsRunAndTrace(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{Service: config.ServiceConfig{Name: "querygen-api"}}
	logger := NewLogger(cfg, &buf)

	ctx := ContextWithRunID(ContextWithTraceID(context.Background(), "trace-9"), "run-7")
	if got := RunIDFromContext(ctx); got != "run-7" {
		t.Fatalf("RunIDFromContext() = %q", got)
	}
	LoggerForContext(ctx, logger).Info("stage_done")

	out := buf.String()
	if !strings.Contains(out, "trace_id=trace-9") || !strings.Contains(out, "run_id=run-7") {
		t.Fatalf("log output = %q", out)
	}
}

func TestLoggerForContextNilLogger(t *testing.T) {
	LoggerForContext(context.Background(), nil).Info("discarded")
}
