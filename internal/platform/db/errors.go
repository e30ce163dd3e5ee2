package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/invoicely/invoicely/internal/shared"
)

// PostgreSQL error codes the store cares about.
const (
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
	CodeUniqueViolation      = "23505"
	CodeForeignKeyViolation  = "23503"
	CodeCheckViolation       = "23514"
)

// MapError translates driver errors into shared sentinels. Errors it does
// not recognise are returned unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", shared.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case CodeSerializationFailure, CodeDeadlockDetected, CodeLockNotAvailable:
		return fmt.Errorf("%w: %s", shared.ErrConcurrencyConflict, pgErr.Message)
	case CodeUniqueViolation, CodeForeignKeyViolation, CodeCheckViolation:
		return fmt.Errorf("%w: %s (%s)", shared.ErrValidation, pgErr.Message, pgErr.ConstraintName)
	default:
		return err
	}
}
