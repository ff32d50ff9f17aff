package sandbox

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckmesh/querygen/internal/qerr"
)

func TestZeroRowSQLWrapsAndStripsSemicolons(t *testing.T) {
	got := ZeroRowSQL("SELECT id FROM orders LIMIT 5;;  ")
	assert.Equal(t, "SELECT * FROM (SELECT id FROM orders LIMIT 5) AS sandbox_check LIMIT 0", got)
}

func TestExecuteZeroRowSucceeds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM (SELECT id FROM orders) AS sandbox_check LIMIT 0")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	exec := NewSQLExecutor(db, time.Second)
	require.NoError(t, exec.ExecuteZeroRow(context.Background(), "SELECT id FROM orders;"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteZeroRowClassifiesSemanticErrorAsSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM (SELECT nope FROM orders) AS sandbox_check LIMIT 0")).
		WillReturnError(&pgconn.PgError{Code: "42703", Message: `column "nope" does not exist`})

	err = NewSQLExecutor(db, time.Second).ExecuteZeroRow(context.Background(), "SELECT nope FROM orders")
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindSchema))
	assert.Contains(t, qerr.Message(err), "Database execution error:")
	assert.Contains(t, qerr.Message(err), `column "nope" does not exist`)
}

func TestExecuteZeroRowClassifiesConnectionErrors(t *testing.T) {
	cases := map[string]error{
		"mysql invalid":  mysql.ErrInvalidConn,
		"mysql denied":   &mysql.MySQLError{Number: 1045, Message: "Access denied"},
		"pg auth":        &pgconn.PgError{Code: "28P01", Message: "password authentication failed"},
		"pg shutdown":    &pgconn.PgError{Code: "57P01", Message: "terminating connection"},
		"wrapped refuse": fmt.Errorf("dial: %w", errors.New("connection refused")),
	}
	for name, cause := range cases {
		t.Run(name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() { _ = db.Close() }()

			mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM (SELECT 1) AS sandbox_check LIMIT 0")).
				WillReturnError(cause)

			err = NewSQLExecutor(db, time.Second).ExecuteZeroRow(context.Background(), "SELECT 1")
			require.Error(t, err)
			assert.True(t, qerr.Is(err, qerr.KindConnection), "kind = %s", qerr.KindOf(err))
			assert.Contains(t, qerr.Message(err), "Database connection error:")
		})
	}
}

func TestExecuteZeroRowTimeoutIsSchemaError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM (SELECT pg_sleep_for_a_while()) AS sandbox_check LIMIT 0")).
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"x"}))

	err = NewSQLExecutor(db, 20*time.Millisecond).ExecuteZeroRow(context.Background(), "SELECT pg_sleep_for_a_while()")
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindSchema))
	assert.Contains(t, qerr.Message(err), "timed out after 20ms")
}

func TestExecuteZeroRowReturnsParentCancellation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM (SELECT 1) AS sandbox_check LIMIT 0")).
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"x"}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err = NewSQLExecutor(db, 5*time.Second).ExecuteZeroRow(ctx, "SELECT 1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsConnectionErrorRecognisesBadConn(t *testing.T) {
	// database/sql retries driver.ErrBadConn itself, so it is checked directly.
	assert.True(t, IsConnectionError(fmt.Errorf("query: %w", driver.ErrBadConn)))
	assert.True(t, IsConnectionError(&pgconn.ConnectError{Config: &pgconn.Config{}}))
}

func TestIsConnectionErrorIgnoresQueryErrors(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.False(t, IsConnectionError(&pgconn.PgError{Code: "42P01"}))
	assert.False(t, IsConnectionError(&mysql.MySQLError{Number: 1146, Message: "Table 'shop.x' doesn't exist"}))
	assert.False(t, IsConnectionError(errors.New("syntax error at or near \"FORM\"")))
}

func TestDriverNameAndOpen(t *testing.T) {
	name, err := DriverName("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, "pgx", name)

	name, err = DriverName("mariadb")
	require.NoError(t, err)
	assert.Equal(t, "mysql", name)

	_, err = DriverName("oracle")
	require.Error(t, err)

	_, err = Open("mysql", "")
	require.Error(t, err)

	_, err = Open("mysql", "user:pw@tcp(db:3306/shop")
	require.Error(t, err)

	db, err := Open("mysql", "user:pw@tcp(db:3306)/shop")
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
