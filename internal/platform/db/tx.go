package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LockTimeout bounds how long a unit of work waits on a row lock before it
// gives up with lock_not_available, which MapError reports as a conflict.
const LockTimeout = "2s"

// WithTx runs fn in a REPEATABLE READ transaction. Errors from fn and from
// commit pass through MapError, so serialization failures, deadlocks and lock
// timeouts all surface as shared.ErrConcurrencyConflict and can be retried.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) (err error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", MapError(err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.Background())
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.Background())
		}
	}()

	if _, err = tx.Exec(ctx, "SET LOCAL lock_timeout = '"+LockTimeout+"'"); err != nil {
		return fmt.Errorf("platform/db: set lock timeout: %w", MapError(err))
	}

	if err = fn(tx); err != nil {
		return MapError(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", MapError(err))
	}
	return nil
}
