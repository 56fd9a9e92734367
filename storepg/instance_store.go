package storepg

import (
	"context"
	"fmt"
	"time"

	"oss.nandlabs.io/outboxd/instance"
)

// InstanceStore is the Postgres-backed instance.Store.
type InstanceStore struct {
	db *DB
}

// NewInstanceStore wraps db as an instance.Store.
func NewInstanceStore(db *DB) *InstanceStore {
	return &InstanceStore{db: db}
}

const registerInstanceSQL = `
INSERT INTO %[1]s (id, hostname, port, status, started_at, last_heartbeat)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET hostname = $2, port = $3, status = $4, started_at = $5, last_heartbeat = $6
`

// Register implements instance.Store. Re-registering an existing id resets
// its row entirely, which is what a restarted process wants.
func (s *InstanceStore) Register(ctx context.Context, rec instance.Record) error {
	exec := s.db.execerFor(ctx)
	_, err := exec.ExecContext(ctx, fmt.Sprintf(registerInstanceSQL, s.db.table("instances")),
		rec.ID, rec.Hostname, rec.Port, rec.Status, rec.StartedAt, rec.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("storepg: register instance: %w", err)
	}
	return nil
}

const heartbeatSQL = `UPDATE %s SET last_heartbeat = $2 WHERE id = $1`

// Heartbeat implements instance.Store.
func (s *InstanceStore) Heartbeat(ctx context.Context, id string, now time.Time) error {
	exec := s.db.execerFor(ctx)
	_, err := exec.ExecContext(ctx, fmt.Sprintf(heartbeatSQL, s.db.table("instances")), id, now)
	if err != nil {
		return fmt.Errorf("storepg: heartbeat: %w", err)
	}
	return nil
}

const liveInstancesSQL = `SELECT id FROM %s WHERE status = $1 AND last_heartbeat > $2`

// Live implements instance.Store.
func (s *InstanceStore) Live(ctx context.Context, now time.Time, staleAfter time.Duration) ([]string, error) {
	exec := s.db.execerFor(ctx)
	rows, err := exec.QueryContext(ctx, fmt.Sprintf(liveInstancesSQL, s.db.table("instances")),
		instance.Running, now.Add(-staleAfter))
	if err != nil {
		return nil, fmt.Errorf("storepg: live instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const markStaleSQL = `UPDATE %s SET status = $1 WHERE status = $2 AND last_heartbeat <= $3`

// MarkStale implements instance.Store. The status guard in the WHERE clause
// makes concurrent cleanup idempotent: whichever instance's UPDATE lands
// first flips the row, and every later one matches zero rows.
func (s *InstanceStore) MarkStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	exec := s.db.execerFor(ctx)
	result, err := exec.ExecContext(ctx, fmt.Sprintf(markStaleSQL, s.db.table("instances")),
		instance.Stopped, instance.Running, now.Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("storepg: mark stale instances: %w", err)
	}
	return result.RowsAffected()
}

const markStoppedSQL = `UPDATE %s SET status = $1 WHERE id = $2`

// MarkStopped implements instance.Store.
func (s *InstanceStore) MarkStopped(ctx context.Context, id string) error {
	exec := s.db.execerFor(ctx)
	_, err := exec.ExecContext(ctx, fmt.Sprintf(markStoppedSQL, s.db.table("instances")), instance.Stopped, id)
	if err != nil {
		return fmt.Errorf("storepg: mark instance stopped: %w", err)
	}
	return nil
}

var _ instance.Store = (*InstanceStore)(nil)
