// Package correction asks the provider to repair SQL that failed
// validation, with the schema pinned to the tables the failed SQL uses.
package correction

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"

	"github.com/duckmesh/querygen/internal/canonical"
	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/compiler"
	"github.com/duckmesh/querygen/internal/nl2sql"
	"github.com/duckmesh/querygen/internal/observability"
	"github.com/duckmesh/querygen/internal/qerr"
	"github.com/duckmesh/querygen/internal/sqlparse"
)

// MaxAttempts bounds compile-and-correct cycles per turn: the first
// compile plus two corrections.
const MaxAttempts = 3

var ErrIdenticalFix = errors.New("correction: proposed SQL is identical to the failed SQL")

type Attempt struct {
	Iteration    int    `json:"iteration"`
	FailedSQL    string `json:"failed_sql"`
	ErrorSummary string `json:"error_summary"`
	ProposedSQL  string `json:"proposed_sql,omitempty"`
	Note         string `json:"note,omitempty"`
}

type Request struct {
	TenantID  string
	Dialect   compiler.Dialect
	Iteration int
	FailedSQL string
	Errors    []string
	// Scope is the restricted catalog the query was compiled against; the
	// pinned schema is always a subset of it.
	Scope *catalog.Catalog
	// Query is the canonical query the failed SQL came from, used when the
	// SQL itself cannot be parsed.
	Query *canonical.Query
}

type Corrector struct {
	Provider nl2sql.Corrector
	Logger   *slog.Logger
}

func New(provider nl2sql.Corrector, logger *slog.Logger) *Corrector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Corrector{Provider: provider, Logger: logger}
}

// Propose returns the provider's fix for req. A fix equal to the failed SQL
// after Normalize is returned together with ErrIdenticalFix. Provider
// failures are qerr provider errors.
func (c *Corrector) Propose(ctx context.Context, req Request) (Attempt, error) {
	attempt := Attempt{
		Iteration:    req.Iteration,
		FailedSQL:    req.FailedSQL,
		ErrorSummary: strings.Join(req.Errors, "\n"),
	}
	if c.Provider == nil {
		return attempt, qerr.New(qerr.KindProvider, "SQL correction is not configured")
	}
	pinned := PinnedSchema(req.FailedSQL, req.Dialect, req.Query, req.Scope)
	logger := observability.LoggerForContext(ctx, c.Logger)
	logger.Debug("requesting sql correction", "iteration", req.Iteration, "pinned_tables", pinned.TableNames())

	res, err := c.Provider.Correct(ctx, nl2sql.CorrectionRequest{
		TenantID:   req.TenantID,
		Dialect:    string(req.Dialect),
		FailedSQL:  req.FailedSQL,
		Errors:     attempt.ErrorSummary,
		Tables:     nl2sql.TableContexts(pinned),
		Restricted: nl2sql.RestrictedEntities(pinned),
	})
	if err != nil {
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		return attempt, qerr.Wrap(err, qerr.KindProvider, "SQL correction failed")
	}
	attempt.ProposedSQL = res.SQL
	attempt.Note = res.Note
	if Normalize(res.SQL) == Normalize(req.FailedSQL) {
		logger.Warn("sql corrector returned identical sql", "iteration", req.Iteration)
		return attempt, ErrIdenticalFix
	}
	return attempt, nil
}

// IdenticalFixMessage is the error fed into the next attempt after an
// identical fix.
func IdenticalFixMessage(note string) string {
	if strings.TrimSpace(note) == "" {
		note = "no note given"
	}
	return "The correction you provided is identical to the failed SQL. You claimed to fix: " + note +
		". Please actually apply the changes to the SQL code."
}

var folder = cases.Fold()

// Normalize collapses whitespace, folds case and drops trailing semicolons
// so that cosmetically different SQL compares equal.
func Normalize(sqlText string) string {
	collapsed := strings.Join(strings.Fields(sqlText), " ")
	for strings.HasSuffix(collapsed, ";") {
		collapsed = strings.TrimSpace(strings.TrimSuffix(collapsed, ";"))
	}
	return folder.String(collapsed)
}

// PinnedSchema restricts scope to the tables the failed SQL reads. It
// falls back to the canonical query's tables, and then to the whole scope.
func PinnedSchema(failedSQL string, dialect compiler.Dialect, q *canonical.Query, scope *catalog.Catalog) *catalog.Catalog {
	if scope == nil {
		return nil
	}
	names := failedTables(failedSQL, dialect)
	if pinned := scope.Subset(names); len(pinned.Tables) > 0 {
		return pinned
	}
	if q != nil {
		if pinned := scope.Subset(q.TableNames()); len(pinned.Tables) > 0 {
			return pinned
		}
	}
	return scope
}

func failedTables(failedSQL string, dialect compiler.Dialect) []string {
	if dialect == compiler.Postgres {
		if names, err := sqlparse.PostgresTables(failedSQL); err == nil && len(names) > 0 {
			return names
		}
	}
	stmt, err := sqlparse.Parse(failedSQL, dialect)
	if err != nil {
		return nil
	}
	return stmt.TableNames()
}
