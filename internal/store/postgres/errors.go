package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/narvanalabs/botpanel/internal/store"
)

// Store errors, shared with the store package so callers need not import
// the driver-specific package.
var (
	// ErrNotFound is returned when a requested workload does not exist.
	ErrNotFound = store.ErrNotFound

	// ErrDuplicateName is returned when attempting to create a workload with a duplicate name.
	ErrDuplicateName = store.ErrDuplicateName
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// pgx and lib/pq report SQLSTATE through their own error types.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}

	return strings.Contains(err.Error(), uniqueViolation) ||
		strings.Contains(err.Error(), "duplicate key")
}
