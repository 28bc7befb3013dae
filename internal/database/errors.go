package database

import (
	"context"
	"database/sql/driver"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// transientMessages are driver/pool messages seen when the database or the
// path to it is temporarily unavailable.
var transientMessages = []string{
	"timed out fetching a new connection from the connection pool",
	"connection pool timeout",
	"can't reach database server",
	"can't reach server",
	"canceling statement due to statement timeout",
	"statement timeout",
	"connection terminated unexpectedly",
	"connection reset by peer",
	"broken pipe",
	"server closed the connection unexpectedly",
	"failed to connect to",
	"database is locked",
}

// IsTransient reports whether err is worth retrying after a connection reset.
// Constraint violations, validation errors and missing records are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception class
			return true
		case pgErr.Code == "57014", // query_canceled (statement_timeout)
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01": // deadlock_detected
			return true
		default:
			return false
		}
	}

	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if pgconn.Timeout(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
