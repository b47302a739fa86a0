package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PostgreSQL SQLSTATE codes the engine reacts to.
const (
	CodeUniqueViolation      = "23505"
	CodeSerializationFailure = "40001"
	CodeLockNotAvailable     = "55P03"
)

// IsDuplicateKeyErr reports a unique violation. Generation relies on it to
// treat a concurrent insert of the same in-flight action as already done.
// The sqlite message check covers the in-process test database.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || HasSQLState(err, CodeUniqueViolation) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// IsLockNotAvailable reports a NOWAIT or lock_timeout failure.
func IsLockNotAvailable(err error) bool {
	return HasSQLState(err, CodeLockNotAvailable)
}

func IsSerializationFailure(err error) bool {
	return HasSQLState(err, CodeSerializationFailure)
}

func HasSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
