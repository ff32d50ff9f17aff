package sandbox

import (
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// mysqlConnectionErrors lists server error numbers that mean the session
// could not be established or was lost.
var mysqlConnectionErrors = map[uint16]struct{}{
	1040: {}, // too many connections
	1044: {}, // access denied for database
	1045: {}, // access denied for user
	1049: {}, // unknown database
	1053: {}, // server shutdown in progress
	1129: {}, // host blocked
	1130: {}, // host not allowed
	2002: {}, 2003: {}, 2005: {}, 2006: {}, 2013: {},
}

// IsConnectionError reports whether err means the database could not be
// reached or the session was lost, as opposed to the query being rejected.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection exception, 28: invalid authorization, 3D: invalid catalog,
		// 57P0x: operator intervention.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "28") ||
			strings.HasPrefix(pgErr.Code, "3D") || strings.HasPrefix(pgErr.Code, "57P")
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		_, ok := mysqlConnectionErrors[myErr.Number]
		return ok
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "no such host", "failed to connect", "broken pipe", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
