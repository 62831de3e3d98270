// internal/repository/tx.go
package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// withTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise (including on panic).
func withTx(ctx context.Context, db *sqlx.DB, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		} else if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
