package sql

import (
	"context"
	"database/sql"
	"fmt"
)

// InTx runs cb inside a transaction, committing if cb returns nil and rolling back otherwise.
// A panic in cb rolls back the transaction and is re-raised.
func InTx(ctx context.Context, db *sql.DB, cb func(*sql.Tx) error) (err error) {
	tx, txErr := db.BeginTx(ctx, nil)
	if txErr != nil {
		return fmt.Errorf("cannot start tx: %w", txErr)
	}

	defer func() {
		if rec := recover(); rec != nil {
			_ = rollback(tx, nil)
			panic(rec)
		}
	}()

	if err := cb(tx); err != nil {
		return rollback(tx, err)
	}

	if txErr := tx.Commit(); txErr != nil {
		return fmt.Errorf("cannot commit tx: %w", txErr)
	}

	return nil
}

func rollback(tx *sql.Tx, err error) error {
	if txErr := tx.Rollback(); txErr != nil {
		return fmt.Errorf("cannot roll back tx after error (tx error: %v), original error: %w", txErr, err)
	}
	return err
}
