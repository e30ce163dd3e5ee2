package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/invoicely/invoicely/internal/shared"
)

func TestMapError(t *testing.T) {
	plain := errors.New("plain")
	cases := []struct {
		name string
		in   error
		want error
	}{
		{name: "no rows", in: pgx.ErrNoRows, want: shared.ErrNotFound},
		{name: "serialization", in: &pgconn.PgError{Code: CodeSerializationFailure}, want: shared.ErrConcurrencyConflict},
		{name: "deadlock", in: fmt.Errorf("exec: %w", &pgconn.PgError{Code: CodeDeadlockDetected}), want: shared.ErrConcurrencyConflict},
		{name: "lock timeout", in: &pgconn.PgError{Code: CodeLockNotAvailable}, want: shared.ErrConcurrencyConflict},
		{name: "unique", in: &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "products_pkey"}, want: shared.ErrValidation},
		{name: "check", in: &pgconn.PgError{Code: CodeCheckViolation}, want: shared.ErrValidation},
		{name: "other", in: plain, want: plain},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, MapError(tc.in), tc.want)
		})
	}
	assert.NoError(t, MapError(nil))
	assert.Same(t, plain, MapError(plain))
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/app", migrateURL("postgres://u:p@db:5432/app"))
	assert.Equal(t, "pgx5://db/app", migrateURL("postgresql://db/app"))
	assert.Equal(t, "pgx5://db/app", migrateURL("pgx5://db/app"))
}
