// Package lockmgr guarantees at most one handler invocation runs per key at
// any time, across every cooperating instance, by brokering short-lived
// leases with a fencing token. The locking protocol mirrors the owner/TTL
// pattern chrono.Storage uses for job execution locks, generalized to carry
// a monotonically increasing version so a stale owner's writes can always be
// detected and discarded.
package lockmgr

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by Renew and Release when the caller no longer
// holds the lock (it expired and was taken over, or was never acquired).
var ErrNotHeld = errors.New("lockmgr: lock not held by caller")

// Lock is a held lease on a key.
type Lock struct {
	Key     string
	OwnerID string
	Version string
	Expires time.Time
}

// Store is the narrow persistence interface backing key locks. Implementations
// must make Acquire/Renew/Release atomic with respect to each other (a single
// row update guarded by owner+version, or an equivalent transaction).
type Store interface {
	// Acquire attempts to take the lock on key for ownerID, valid until
	// expires. It succeeds if the key is unlocked, if the existing lock has
	// already expired (overtake), or if ownerID already holds it (renew via
	// Acquire is allowed so retries are idempotent). On success it returns
	// the new lock with a fresh Version. On failure (a live lock held by
	// someone else) it returns ok=false, nil.
	Acquire(ctx context.Context, key string, ownerID string, expires time.Time) (lock Lock, ok bool, err error)

	// Renew extends an already-held lock, conditioned on ownerID and version
	// both matching the current record. Returns ErrNotHeld if they don't.
	Renew(ctx context.Context, key string, ownerID string, version string, expires time.Time) (newVersion string, err error)

	// Release drops the lock, conditioned on ownerID and version matching.
	// Returns ErrNotHeld if they don't (nothing to do; someone else already
	// owns it).
	Release(ctx context.Context, key string, ownerID string, version string) error
}

// Manager acquires, renews, and releases key locks on behalf of a single
// instance.
type Manager struct {
	store   Store
	selfID  string
	ttl     time.Duration
	refresh time.Duration
}

// New constructs a Manager. ttl is the lease duration granted on Acquire and
// extended on Renew; refresh is how close to expiry a lock must be before
// Renew actually extends it (a lock with more than refresh remaining is
// returned unchanged, saving a store round trip between every record).
func New(store Store, selfID string, ttl, refresh time.Duration) *Manager {
	return &Manager{store: store, selfID: selfID, ttl: ttl, refresh: refresh}
}

// Acquire tries to take the lock on key, valid until now+ttl.
func (m *Manager) Acquire(ctx context.Context, key string, now time.Time) (Lock, bool, error) {
	return m.store.Acquire(ctx, key, m.selfID, now.Add(m.ttl))
}

// Renew extends lock to now+ttl once it is within refresh of expiring,
// returning the lock with its new fencing version. Callers must use the
// returned lock for subsequent Repository writes and the next Renew/Release
// call.
func (m *Manager) Renew(ctx context.Context, lock Lock, now time.Time) (Lock, error) {
	if lock.Expires.Sub(now) > m.refresh {
		return lock, nil
	}
	expires := now.Add(m.ttl)
	newVersion, err := m.store.Renew(ctx, lock.Key, m.selfID, lock.Version, expires)
	if err != nil {
		return Lock{}, err
	}
	lock.Version = newVersion
	lock.Expires = expires
	return lock, nil
}

// Release drops the lock immediately, for use once a key has no more
// eligible work.
func (m *Manager) Release(ctx context.Context, key string, version string) error {
	return m.store.Release(ctx, key, m.selfID, version)
}

// SelfID returns the owner ID this Manager acquires locks under.
func (m *Manager) SelfID() string { return m.selfID }
