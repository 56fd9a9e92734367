package storepg

import (
	"context"
	"fmt"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id             TEXT PRIMARY KEY,
	key            TEXT NOT NULL,
	record_type    TEXT NOT NULL,
	payload        BYTEA NOT NULL,
	context        JSONB,
	handler_id     TEXT NOT NULL,
	status         SMALLINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ,
	failure_count  INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	next_retry_at  TIMESTAMPTZ NOT NULL,
	partition_no   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS %[5]s_eligible_idx ON %[1]s (partition_no, status, next_retry_at);
CREATE INDEX IF NOT EXISTS %[5]s_status_idx ON %[1]s (status, next_retry_at);
CREATE INDEX IF NOT EXISTS %[5]s_key_idx ON %[1]s (key, status, created_at, id);

CREATE TABLE IF NOT EXISTS %[2]s (
	key        TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	version    BIGINT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS %[3]s (
	id             TEXT PRIMARY KEY,
	hostname       TEXT NOT NULL DEFAULT '',
	port           INTEGER NOT NULL DEFAULT 0,
	status         SMALLINT NOT NULL DEFAULT 0,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_heartbeat TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[6]s_liveness_idx ON %[3]s (status, last_heartbeat);

CREATE TABLE IF NOT EXISTS %[4]s (
	partition_no INTEGER PRIMARY KEY,
	instance_id  TEXT NOT NULL DEFAULT '',
	version      BIGINT NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[7]s_owner_idx ON %[4]s (instance_id);
`

// migrate creates every table this package needs if absent. It is run once
// by Open, never by a migration framework; new columns or indexes this
// package might need in the future get their own idempotent
// CREATE-IF-NOT-EXISTS statement added here, not a versioned migration.
func (db *DB) migrate(ctx context.Context) error {
	// Index names stay unqualified: CREATE INDEX places an index in its
	// table's schema and rejects a schema-qualified name.
	query := fmt.Sprintf(schemaTemplate,
		db.table("records"), db.table("locks"), db.table("instances"), db.table("partitions"),
		db.schema.TablePrefix+"records", db.schema.TablePrefix+"instances", db.schema.TablePrefix+"partitions")
	_, err := db.sql.ExecContext(ctx, query)
	return err
}
