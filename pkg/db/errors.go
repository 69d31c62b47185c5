package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
)

const (
	pgUniqueViolation = "23505"
	pgUndefinedColumn = "42703"
	pgUndefinedTable  = "42P01"
)

// IsUniqueViolation reports whether the provided error references a Postgres
// unique violation constraint. When constraintName is provided, the helper looks
// for the constraint text in the error message.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if code := sqlState(err); code != "" && code != pgUniqueViolation {
		return false
	}
	msg := err.Error()
	if constraintName != "" {
		return strings.Contains(msg, constraintName)
	}
	return sqlState(err) == pgUniqueViolation ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// IsSchemaDrift reports whether the store rejected a statement because a
// column or table it references does not exist yet.
func IsSchemaDrift(err error) bool {
	if err == nil {
		return false
	}
	switch sqlState(err) {
	case pgUndefinedColumn, pgUndefinedTable:
		return true
	case "":
		// sqlite reports drift only in the message.
		msg := err.Error()
		return strings.Contains(msg, "no such column") || strings.Contains(msg, "no such table")
	}
	return false
}

// StoreError wraps a failed statement as a dependency error. Schema drift gets
// a message that tells the operator what to do about it.
func StoreError(err error, message string) *pkgerrors.Error {
	if IsSchemaDrift(err) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "schema out of date; run migrations").
			WithDetails(map[string]any{"operation": message})
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, message)
}

func sqlState(err error) string {
	if err == nil {
		return ""
	}
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
