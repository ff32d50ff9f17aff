// Package sandbox runs generated SQL against a database so that it fetches
// zero rows, surfacing semantic errors without reading data.
package sandbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/qerr"
)

type Executor interface {
	ExecuteZeroRow(ctx context.Context, sqlText string) error
}

// Factory returns the executor to use for a request whose tables are scope.
// Executors bound to a live database ignore scope; offline executors build
// their schema from it.
type Factory func(scope *catalog.Catalog) Executor

func Static(exec Executor) Factory {
	return func(*catalog.Catalog) Executor { return exec }
}

const DefaultTimeout = 10 * time.Second

// ZeroRowSQL wraps sqlText so the database plans and type-checks it but
// returns no rows.
func ZeroRowSQL(sqlText string) string {
	return "SELECT * FROM (" + StripTrailingSemicolons(sqlText) + ") AS sandbox_check LIMIT 0"
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// DriverName maps a sandbox driver setting to a registered database/sql
// driver.
func DriverName(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return "pgx", nil
	case "mysql", "mariadb":
		return "mysql", nil
	default:
		return "", fmt.Errorf("unsupported sandbox driver %q", driver)
	}
}

// Open returns a pool for the target database. The connection is not
// verified here; an unreachable database surfaces as a connection error on
// the first check.
func Open(driver, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sandbox dsn is required")
	}
	name, err := DriverName(driver)
	if err != nil {
		return nil, err
	}
	if name == "mysql" {
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return nil, fmt.Errorf("parse sandbox dsn: %w", err)
		}
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sandbox db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

type SQLExecutor struct {
	DB      *sql.DB
	Timeout time.Duration
}

func NewSQLExecutor(db *sql.DB, timeout time.Duration) *SQLExecutor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SQLExecutor{DB: db, Timeout: timeout}
}

func (e *SQLExecutor) ExecuteZeroRow(ctx context.Context, sqlText string) error {
	if e.DB == nil {
		return qerr.New(qerr.KindConnection, "Database connection error: sandbox database is not configured")
	}
	checkCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	rows, err := e.DB.QueryContext(checkCtx, ZeroRowSQL(sqlText))
	if err != nil {
		return Classify(ctx, checkCtx, err, e.Timeout)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return Classify(ctx, checkCtx, err, e.Timeout)
	}
	return nil
}

// Classify turns a driver error into a qerr. Connection-level failures
// become KindConnection and are never corrected. A timeout and any other
// execution error become KindSchema so the correction loop can react.
// Cancellation of the parent context is returned unchanged.
func Classify(parent, check context.Context, err error, timeout time.Duration) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(check.Err(), context.DeadlineExceeded) {
		return qerr.Wrap(err, qerr.KindSchema, "Database execution error: sandbox check timed out after %s", timeout)
	}
	if IsConnectionError(err) {
		return qerr.Wrap(err, qerr.KindConnection, "Database connection error: %s", firstLine(err.Error()))
	}
	return qerr.Wrap(err, qerr.KindSchema, "Database execution error: %s", firstLine(err.Error()))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
