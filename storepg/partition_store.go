package storepg

import (
	"context"
	"fmt"

	"oss.nandlabs.io/outboxd/partitioning"
)

// PartitionStore is the Postgres-backed partitioning.Store.
type PartitionStore struct {
	db *DB
}

// NewPartitionStore wraps db as a partitioning.Store.
func NewPartitionStore(db *DB) *PartitionStore {
	return &PartitionStore{db: db}
}

const ensurePartitionsSQL = `
INSERT INTO %s (partition_no)
SELECT generate_series(0, $1 - 1)
ON CONFLICT (partition_no) DO NOTHING
`

// EnsureInitialized implements partitioning.Store.
func (s *PartitionStore) EnsureInitialized(ctx context.Context, count int) error {
	exec := s.db.execerFor(ctx)
	_, err := exec.ExecContext(ctx, fmt.Sprintf(ensurePartitionsSQL, s.db.table("partitions")), count)
	if err != nil {
		return fmt.Errorf("storepg: ensure partitions: %w", err)
	}
	return nil
}

const listPartitionsSQL = `SELECT partition_no, instance_id, version, updated_at FROM %s ORDER BY partition_no`

// List implements partitioning.Store.
func (s *PartitionStore) List(ctx context.Context) ([]partitioning.Assignment, error) {
	exec := s.db.execerFor(ctx)
	rows, err := exec.QueryContext(ctx, fmt.Sprintf(listPartitionsSQL, s.db.table("partitions")))
	if err != nil {
		return nil, fmt.Errorf("storepg: list partitions: %w", err)
	}
	defer rows.Close()

	var out []partitioning.Assignment
	for rows.Next() {
		var a partitioning.Assignment
		if err := rows.Scan(&a.PartitionNumber, &a.InstanceID, &a.Version, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const casPartitionOwnerSQL = `
UPDATE %s SET instance_id = $1, version = version + 1, updated_at = NOW()
WHERE partition_no = $2 AND version = $3
`

// CompareAndSwapOwner implements partitioning.Store.
func (s *PartitionStore) CompareAndSwapOwner(ctx context.Context, partitionNo int, instanceID string, expectedVersion int64) (bool, error) {
	exec := s.db.execerFor(ctx)
	result, err := exec.ExecContext(ctx, fmt.Sprintf(casPartitionOwnerSQL, s.db.table("partitions")), instanceID, partitionNo, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("storepg: cas partition owner: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
