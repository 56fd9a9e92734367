package storepg

import (
	"context"
	"database/sql"
	"fmt"
)

type txKey struct{}

// WithTx returns a context carrying tx as the ambient transaction
// RecordStore.Insert/Complete/Retry/Fail run inside. Application code calls
// this after db.BeginTx, alongside its own business-state writes, then
// commits both together, which is the point of the transactional outbox
// pattern.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// BeginTx starts a transaction on the underlying connection pool for the
// caller to pass to WithTx.
func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storepg: begin tx: %w", err)
	}
	return tx, nil
}
