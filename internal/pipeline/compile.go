package pipeline

import (
	"github.com/duckmesh/querygen/internal/canonical"
	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/compiler"
	"github.com/duckmesh/querygen/internal/enforcer"
	"github.com/duckmesh/querygen/internal/qerr"
)

type CompileResult struct {
	SQL      string             `json:"sql"`
	Dialect  string             `json:"dialect"`
	Warnings []enforcer.Warning `json:"warnings,omitempty"`
}

// CompileCanonical runs the enforce and compile stages on a canonical query
// without a language model or sandbox.
func CompileCanonical(data []byte, cat *catalog.Catalog, rules catalog.SensitivityRules, dialect compiler.Dialect) (CompileResult, error) {
	if cat == nil {
		return CompileResult{}, qerr.New(qerr.KindInternal, "No schema catalog is configured for this tenant")
	}
	q, err := canonical.Decode(data)
	if err != nil {
		return CompileResult{}, qerr.Wrap(err, qerr.KindCompile, "Canonical query could not be read")
	}
	view := catalog.ApplySensitivity(cat, rules)
	res := enforcer.Enforce(q, view)
	if res.Blocked {
		return CompileResult{Warnings: res.Warnings}, qerr.New(qerr.KindPolicyDenied, blockedMessage)
	}
	sqlText, err := compiler.Compile(res.Query, dialect, view)
	if err != nil {
		if qerr.KindOf(err) == qerr.KindInternal {
			err = qerr.Wrap(err, qerr.KindCompile, "Query could not be compiled")
		}
		return CompileResult{Warnings: res.Warnings}, err
	}
	return CompileResult{SQL: sqlText, Dialect: string(dialect), Warnings: res.Warnings}, nil
}
