package storepg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"oss.nandlabs.io/outboxd/lockmgr"
)

// LockStore is the Postgres-backed lockmgr.Store. Acquire/Renew/Release are
// each a single statement conditioned on owner and version, giving the same
// compare-and-swap guarantee storemem.LockStore gives with a mutex.
type LockStore struct {
	db *DB
}

// NewLockStore wraps db as a lockmgr.Store.
func NewLockStore(db *DB) *LockStore {
	return &LockStore{db: db}
}

const acquireLockSQL = `
INSERT INTO %[1]s (key, owner_id, version, expires_at) VALUES ($1, $2, 1, $3)
ON CONFLICT (key) DO UPDATE SET owner_id = $2, version = %[1]s.version + 1, expires_at = $3
WHERE %[1]s.owner_id = $2 OR %[1]s.expires_at <= NOW()
RETURNING version
`

// Acquire implements lockmgr.Store. Overtake eligibility (the expired-lease
// branch of the WHERE clause) is evaluated against the database's own clock
// rather than the caller's, so lease expiry is consistent across instances
// even under app-server clock skew.
func (s *LockStore) Acquire(ctx context.Context, key, ownerID string, expires time.Time) (lockmgr.Lock, bool, error) {
	exec := s.db.execerFor(ctx)
	row := exec.QueryRowContext(ctx, fmt.Sprintf(acquireLockSQL, s.db.table("locks")), key, ownerID, expires)

	var version int64
	if err := row.Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return lockmgr.Lock{}, false, nil
		}
		return lockmgr.Lock{}, false, fmt.Errorf("storepg: acquire lock: %w", err)
	}
	return lockmgr.Lock{Key: key, OwnerID: ownerID, Version: fmt.Sprint(version), Expires: expires}, true, nil
}

const renewLockSQL = `
UPDATE %[1]s SET version = version + 1, expires_at = $1
WHERE key = $2 AND owner_id = $3 AND version = $4
RETURNING version
`

// Renew implements lockmgr.Store.
func (s *LockStore) Renew(ctx context.Context, key, ownerID, version string, expires time.Time) (string, error) {
	exec := s.db.execerFor(ctx)
	row := exec.QueryRowContext(ctx, fmt.Sprintf(renewLockSQL, s.db.table("locks")), expires, key, ownerID, version)

	var newVersion int64
	if err := row.Scan(&newVersion); err != nil {
		if err == sql.ErrNoRows {
			return "", lockmgr.ErrNotHeld
		}
		return "", fmt.Errorf("storepg: renew lock: %w", err)
	}
	return fmt.Sprint(newVersion), nil
}

const releaseLockSQL = `DELETE FROM %s WHERE key = $1 AND owner_id = $2 AND version = $3`

// Release implements lockmgr.Store.
func (s *LockStore) Release(ctx context.Context, key, ownerID, version string) error {
	exec := s.db.execerFor(ctx)
	result, err := exec.ExecContext(ctx, fmt.Sprintf(releaseLockSQL, s.db.table("locks")), key, ownerID, version)
	if err != nil {
		return fmt.Errorf("storepg: release lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return lockmgr.ErrNotHeld
	}
	return nil
}
