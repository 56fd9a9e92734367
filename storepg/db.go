// Package storepg is the Postgres-backed implementation of record.Repository,
// lockmgr.Store, instance.Store, and partitioning.Store. It speaks plain
// database/sql against github.com/lib/pq, the same "no ORM, hand-rolled SQL"
// posture the rest of this module uses for its other persistence-adjacent
// packages: every query is a named const string, every row a manual Scan.
package storepg

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"oss.nandlabs.io/golly/l3"
	"oss.nandlabs.io/outboxd/config"
)

var logger = l3.Get()

// DB wraps a *sql.DB and the table name prefix every adapter in this
// package qualifies its SQL with.
type DB struct {
	sql    *sql.DB
	schema config.SchemaConfig
}

// Open connects to dsn, verifies the connection, and runs the idempotent
// schema migration. schema.TablePrefix (default "outbox_") namespaces every
// table so more than one dispatcher can share a database.
func Open(ctx context.Context, dsn string, schema config.SchemaConfig) (*DB, error) {
	if schema.TablePrefix == "" {
		schema.TablePrefix = "outbox_"
	}

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storepg: open: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storepg: ping: %w", err)
	}

	db := &DB{sql: conn, schema: schema}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// table returns name qualified with the configured prefix, and with the
// schema name when one is set.
func (db *DB) table(name string) string {
	qualified := db.schema.TablePrefix + name
	if db.schema.Name != "" {
		return db.schema.Name + "." + qualified
	}
	return qualified
}

// Close releases the underlying connection pool database/sql already
// manages internally.
func (db *DB) Close() error {
	return db.sql.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting every adapter
// method run against whichever one txFromContext resolves: a record
// mutation runs inside the caller's ambient transaction, a lock/instance/
// partition operation runs directly against the pool.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) execerFor(ctx context.Context) execer {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return db.sql
}
