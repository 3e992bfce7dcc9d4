package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"net"
	"strings"

	"github.com/lib/pq"

	"atomic-ledger/internal/errors"
)

const (
	pqUniqueViolation = "23505"
	pqCheckViolation  = "23514"
)

// storageError converts a driver error into an AppError. Connectivity
// failures become storage_unavailable; anything else is internal.
func storageError(err error, message string) *errors.AppError {
	if isUnavailable(err) {
		return errors.ErrStorageUnavailable.WithDetails(message + ": " + err.Error())
	}
	return errors.NewAppError(errors.InternalError, message).WithDetails(err.Error())
}

func isUnavailable(err error) bool {
	if stderrors.Is(err, driver.ErrBadConn) ||
		stderrors.Is(err, sql.ErrConnDone) ||
		stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		class := string(pqErr.Code.Class())
		// 08: connection exception, 53: insufficient resources,
		// 57: operator intervention (admin shutdown, crash shutdown).
		return class == "08" || class == "53" || class == "57"
	}

	return strings.Contains(err.Error(), "connection refused")
}

func pqCode(err error) (string, string, bool) {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint, true
	}
	return "", "", false
}
