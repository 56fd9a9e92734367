package storemem

import (
	"context"
	"strconv"
	"sync"
	"time"

	"oss.nandlabs.io/outboxd/clock"
	"oss.nandlabs.io/outboxd/lockmgr"
)

type lockRow struct {
	ownerID string
	version int64
	expires time.Time
}

// LockStore is an in-memory lockmgr.Store. A single mutex serializes every
// operation, which is how it gets CAS-equivalent semantics without an
// actual compare-and-swap primitive. It takes a clock.Clock (rather than
// calling time.Now) so overtake behavior is deterministic under
// clock.Frozen in tests.
type LockStore struct {
	clk  clock.Clock
	mu   sync.Mutex
	rows map[string]*lockRow
}

// NewLockStore constructs an empty LockStore driven by clk.
func NewLockStore(clk clock.Clock) *LockStore {
	return &LockStore{clk: clk, rows: make(map[string]*lockRow)}
}

// Acquire implements lockmgr.Store.
func (s *LockStore) Acquire(_ context.Context, key, ownerID string, expires time.Time) (lockmgr.Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	row, exists := s.rows[key]
	if exists && row.ownerID != ownerID && row.expires.After(now) {
		return lockmgr.Lock{}, false, nil
	}
	version := int64(1)
	if exists {
		version = row.version + 1
	}
	s.rows[key] = &lockRow{ownerID: ownerID, version: version, expires: expires}
	return lockmgr.Lock{Key: key, OwnerID: ownerID, Version: strconv.FormatInt(version, 10), Expires: expires}, true, nil
}

// Renew implements lockmgr.Store.
func (s *LockStore) Renew(_ context.Context, key, ownerID, version string, expires time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key]
	if !ok || row.ownerID != ownerID || strconv.FormatInt(row.version, 10) != version {
		return "", lockmgr.ErrNotHeld
	}
	row.version++
	row.expires = expires
	return strconv.FormatInt(row.version, 10), nil
}

// Release implements lockmgr.Store.
func (s *LockStore) Release(_ context.Context, key, ownerID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key]
	if !ok || row.ownerID != ownerID || strconv.FormatInt(row.version, 10) != version {
		return lockmgr.ErrNotHeld
	}
	delete(s.rows, key)
	return nil
}

// CurrentVersion reports the fencing version currently held for key, if
// any. It satisfies storemem.LockVersions so RecordStore can fence its
// updates against the same locks a dispatch.Loop acquires.
func (s *LockStore) CurrentVersion(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key]
	if !ok {
		return "", false
	}
	return strconv.FormatInt(row.version, 10), true
}
