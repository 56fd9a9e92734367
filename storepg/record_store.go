package storepg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"oss.nandlabs.io/golly/uuid"
	"oss.nandlabs.io/outboxd/record"
)

// RecordStore is the Postgres-backed record.Repository. Every mutating
// method runs against the *sql.Tx found in ctx via WithTx; Insert returns
// record.ErrNoAmbientTransaction if none is present, matching the
// transactional-outbox contract that a record is only ever durable
// alongside the business-state change that produced it.
type RecordStore struct {
	db *DB
}

// NewRecordStore wraps db as a record.Repository.
func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db}
}

func (s *RecordStore) insertSQL() string {
	return fmt.Sprintf(`
INSERT INTO %s (id, key, record_type, payload, context, handler_id, status, created_at, failure_count, failure_reason, next_retry_at, partition_no)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, 0, '', $8, $9)
`, s.db.table("records"))
}

// Insert implements record.Repository.
func (s *RecordStore) Insert(ctx context.Context, in record.NewRecordInput) (string, error) {
	tx, ok := txFromContext(ctx)
	if !ok {
		return "", record.ErrNoAmbientTransaction
	}

	id := in.ID
	if id == "" {
		gen, err := uuid.V4()
		if err != nil {
			return "", err
		}
		id = gen.String()
	}

	ctxJSON, err := marshalContext(in.Context)
	if err != nil {
		return "", fmt.Errorf("storepg: marshal context: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.insertSQL(),
		id, in.Key, in.RecordType, in.Payload, ctxJSON, in.HandlerID,
		record.New, in.CreatedAt, in.PartitionNo)
	if err != nil {
		return "", fmt.Errorf("storepg: insert record: %w", err)
	}
	return id, nil
}

const eligibleKeysSQL = `
SELECT key FROM (
	SELECT key, MIN(created_at) AS oldest, MIN(id) AS tie
	FROM %s
	WHERE partition_no = $1 AND status = $2 AND next_retry_at <= $3
	GROUP BY key
) eligible
ORDER BY oldest ASC, tie ASC
LIMIT $4
`

// EligibleKeys implements record.Repository.
func (s *RecordStore) EligibleKeys(ctx context.Context, partitionNo int, now time.Time, limit int) ([]string, error) {
	exec := s.db.execerFor(ctx)
	rows, err := exec.QueryContext(ctx, fmt.Sprintf(eligibleKeysSQL, s.db.table("records")),
		partitionNo, record.New, now, limit)
	if err != nil {
		return nil, fmt.Errorf("storepg: eligible keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

const pendingForKeySQL = `
SELECT id, key, record_type, payload, context, handler_id, status, created_at, completed_at, failure_count, failure_reason, next_retry_at, partition_no
FROM %s
WHERE key = $1 AND status = $2
ORDER BY created_at ASC, id ASC
`

// PendingForKey implements record.Repository.
func (s *RecordStore) PendingForKey(ctx context.Context, key string, _ time.Time) ([]*record.Record, error) {
	exec := s.db.execerFor(ctx)
	rows, err := exec.QueryContext(ctx, fmt.Sprintf(pendingForKeySQL, s.db.table("records")), key, record.New)
	if err != nil {
		return nil, fmt.Errorf("storepg: pending for key: %w", err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (*record.Record, error) {
	var rec record.Record
	var ctxJSON []byte
	if err := rows.Scan(&rec.ID, &rec.Key, &rec.RecordType, &rec.Payload, &ctxJSON, &rec.HandlerID,
		&rec.Status, &rec.CreatedAt, &rec.CompletedAt, &rec.FailureCount, &rec.FailureReason,
		&rec.NextRetryAt, &rec.PartitionNo); err != nil {
		return nil, err
	}
	ctxMap, err := unmarshalContext(ctxJSON)
	if err != nil {
		return nil, fmt.Errorf("storepg: unmarshal context: %w", err)
	}
	rec.Context = ctxMap
	return &rec, nil
}

const completeSQL = `
WITH target AS (SELECT key FROM %[1]s WHERE id = $3)
UPDATE %[1]s SET status = $1, completed_at = $2
WHERE id = $3 AND EXISTS (
	SELECT 1 FROM %[2]s l, target t WHERE l.key = t.key AND l.version = $4
)
`

// Complete implements record.Repository.
func (s *RecordStore) Complete(ctx context.Context, u record.CompletionUpdate) error {
	query := fmt.Sprintf(completeSQL, s.db.table("records"), s.db.table("locks"))
	return s.fencedExec(ctx, query, u.ID, u.LockVersion, record.Completed, u.CompletedAt)
}

const retrySQL = `
WITH target AS (SELECT key FROM %[1]s WHERE id = $5)
UPDATE %[1]s SET status = $1, failure_count = $2, failure_reason = $3, next_retry_at = $4
WHERE id = $5 AND EXISTS (
	SELECT 1 FROM %[2]s l, target t WHERE l.key = t.key AND l.version = $6
)
`

// Retry implements record.Repository.
func (s *RecordStore) Retry(ctx context.Context, u record.RetryUpdate) error {
	query := fmt.Sprintf(retrySQL, s.db.table("records"), s.db.table("locks"))
	return s.fencedExec(ctx, query, u.ID, u.LockVersion, record.New, u.FailureCount, u.FailureReason, u.NextRetryAt)
}

const failSQL = `
WITH target AS (SELECT key FROM %[1]s WHERE id = $4)
UPDATE %[1]s SET status = $1, failure_count = $2, failure_reason = $3
WHERE id = $4 AND EXISTS (
	SELECT 1 FROM %[2]s l, target t WHERE l.key = t.key AND l.version = $5
)
`

// Fail implements record.Repository.
func (s *RecordStore) Fail(ctx context.Context, u record.FailureUpdate) error {
	query := fmt.Sprintf(failSQL, s.db.table("records"), s.db.table("locks"))
	return s.fencedExec(ctx, query, u.ID, u.LockVersion, record.Failed, u.FailureCount, u.FailureReason)
}

// fencedExec runs a fenced record update: args is (status, rest..., id,
// lockVersion) laid out to match each caller's query placeholders, and
// reports record.ErrLockVersionMismatch when the update touched zero rows
// because the EXISTS(...) lock-version clause failed to match.
func (s *RecordStore) fencedExec(ctx context.Context, query string, id, lockVersion string, status record.Status, rest ...any) error {
	exec := s.db.execerFor(ctx)
	args := append([]any{status}, rest...)
	args = append(args, id, lockVersion)
	result, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storepg: update record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return record.ErrLockVersionMismatch
	}
	return nil
}

const deleteByStatusSQL = `DELETE FROM %s WHERE status = $1`

// DeleteByStatus implements record.Repository.
func (s *RecordStore) DeleteByStatus(ctx context.Context, status record.Status) (int64, error) {
	exec := s.db.execerFor(ctx)
	result, err := exec.ExecContext(ctx, fmt.Sprintf(deleteByStatusSQL, s.db.table("records")), status)
	if err != nil {
		return 0, fmt.Errorf("storepg: delete by status: %w", err)
	}
	return result.RowsAffected()
}

const deleteByKeyAndStatusSQL = `DELETE FROM %s WHERE key = $1 AND status = $2`

// DeleteByKeyAndStatus implements record.Repository.
func (s *RecordStore) DeleteByKeyAndStatus(ctx context.Context, key string, status record.Status) (int64, error) {
	exec := s.db.execerFor(ctx)
	result, err := exec.ExecContext(ctx, fmt.Sprintf(deleteByKeyAndStatusSQL, s.db.table("records")), key, status)
	if err != nil {
		return 0, fmt.Errorf("storepg: delete by key and status: %w", err)
	}
	return result.RowsAffected()
}

// marshalContext renders m as a JSON string, passed with an explicit
// ::jsonb cast in insertSQL (lib/pq has no native JSON parameter type; the
// cast-a-string convention matches how the rest of this module's SQL
// handles JSON columns).
func marshalContext(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "null", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func unmarshalContext(data []byte) (map[string]string, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
