// Package validation checks generated SQL before it is returned: static
// parsing, schema existence against the tables in scope, an optional
// zero-row sandbox run and a small set of lint rules.
package validation

import (
	"context"
	"log/slog"
	"strings"

	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/compiler"
	"github.com/duckmesh/querygen/internal/enforcer"
	"github.com/duckmesh/querygen/internal/observability"
	"github.com/duckmesh/querygen/internal/qerr"
	"github.com/duckmesh/querygen/internal/sandbox"
	"github.com/duckmesh/querygen/internal/sqlparse"
)

type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureSyntax     FailureKind = "syntax"
	FailureSchema     FailureKind = "schema"
	FailureSandbox    FailureKind = "sandbox"
	FailureLint       FailureKind = "lint"
	FailureConnection FailureKind = "connection"
	FailurePolicy     FailureKind = "policy"
)

const DefaultMaxRows = 10000

type Request struct {
	SQL     string
	Dialect compiler.Dialect
	// Scope is the restricted catalog the query was compiled against.
	Scope *catalog.Catalog
}

type Result struct {
	Valid    bool
	Errors   []string
	Warnings []enforcer.Warning
	Failure  FailureKind
	Lint     []Finding
	// Statement is nil when the SQL did not parse.
	Statement *sqlparse.Statement
}

// Err folds the result into a qerr, or nil when valid. Connection
// failures map to KindConnection and everything else to a correctable
// kind.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	msg := strings.Join(r.Errors, "\n")
	switch r.Failure {
	case FailureConnection:
		return qerr.New(qerr.KindConnection, "%s", msg)
	case FailurePolicy:
		return qerr.New(qerr.KindPolicyDenied, "%s", msg)
	case FailureSyntax:
		return qerr.New(qerr.KindSyntax, "%s", msg)
	default:
		return qerr.New(qerr.KindSchema, "%s", msg)
	}
}

type Validator struct {
	// Sandbox is nil when no zero-row check should run.
	Sandbox      sandbox.Factory
	MaxRows      int
	RequireLimit bool
	Logger       *slog.Logger
}

func New(sb sandbox.Factory, maxRows int, requireLimit bool, logger *slog.Logger) *Validator {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{Sandbox: sb, MaxRows: maxRows, RequireLimit: requireLimit, Logger: logger}
}

// Validate runs every check in order. The returned error is non-nil only
// when ctx is cancelled; validation findings are reported in Result.
func (v *Validator) Validate(ctx context.Context, req Request) (Result, error) {
	logger := observability.LoggerForContext(ctx, v.Logger)
	var res Result
	errs := newErrorList()

	stmt, err := sqlparse.Parse(req.SQL, req.Dialect)
	if err != nil {
		res.Failure = FailureSyntax
		res.Errors = []string{qerr.Message(err)}
		return res, nil
	}
	res.Statement = stmt

	policy := enforcer.EnforceStatement(stmt, req.Scope)
	if policy.Blocked {
		logger.Warn("generated sql reads only non-queryable tables", "tables", policy.Violations)
		return Result{
			Failure:   FailurePolicy,
			Errors:    []string{blockedMessage},
			Statement: stmt,
		}, nil
	}

	schemaErrs := append(checkSchema(stmt, req.Scope), policyErrors(stmt, policy)...)
	for _, msg := range schemaErrs {
		errs.add(msg)
	}
	if len(schemaErrs) > 0 {
		res.Failure = FailureSchema
	}

	if v.Sandbox != nil && len(schemaErrs) == 0 {
		if exec := v.Sandbox(req.Scope); exec != nil {
			err := exec.ExecuteZeroRow(ctx, req.SQL)
			switch {
			case err == nil:
				observability.ObserveSandboxCheck("ok")
			case ctx.Err() != nil:
				return Result{}, ctx.Err()
			case qerr.Is(err, qerr.KindConnection):
				observability.ObserveSandboxCheck("connection_error")
				logger.Warn("sandbox connection failure", "error", err)
				return Result{
					Failure:   FailureConnection,
					Errors:    []string{qerr.Message(err)},
					Statement: stmt,
				}, nil
			default:
				observability.ObserveSandboxCheck("query_error")
				logger.Debug("sandbox rejected query", "error", err)
				errs.add(qerr.Message(err))
				if res.Failure == FailureNone {
					res.Failure = FailureSandbox
				}
			}
		}
	} else {
		observability.ObserveSandboxCheck("skipped")
	}

	res.Lint = Lint(stmt, req.Scope)
	for _, finding := range res.Lint {
		if !finding.Blocking() {
			continue
		}
		errs.add(finding.Message)
		if res.Failure == FailureNone {
			res.Failure = FailureLint
		}
	}

	switch {
	case !stmt.HasLimit && v.RequireLimit:
		errs.add("LIMIT clause is required")
		if res.Failure == FailureNone {
			res.Failure = FailureLint
		}
	case !stmt.HasLimit:
		res.Warnings = append(res.Warnings, enforcer.NewWarning(enforcer.WarningMissingLimit, "",
			"No LIMIT clause found. Consider adding one."))
	case stmt.Limit > v.maxRows():
		res.Warnings = append(res.Warnings, enforcer.NewWarning(enforcer.WarningLimitExceedsMax, "LIMIT",
			"LIMIT %d exceeds the maximum allowed (%d).", stmt.Limit, v.maxRows()))
	}

	res.Errors = errs.items
	res.Valid = len(res.Errors) == 0
	if res.Valid {
		res.Failure = FailureNone
	}
	return res, nil
}

func (v *Validator) maxRows() int {
	if v.MaxRows <= 0 {
		return DefaultMaxRows
	}
	return v.MaxRows
}

type errorList struct {
	seen  map[string]struct{}
	items []string
}

func newErrorList() *errorList {
	return &errorList{seen: map[string]struct{}{}}
}

func (l *errorList) add(msg string) {
	if msg == "" {
		return
	}
	key := strings.ToLower(msg)
	if _, ok := l.seen[key]; ok {
		return
	}
	l.seen[key] = struct{}{}
	l.items = append(l.items, msg)
}
