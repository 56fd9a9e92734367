// Package storemem is an in-memory implementation of the record, lockmgr,
// instance, and partitioning store interfaces, used by this module's own
// test suite (so dispatch/lockmgr/partitioning behavior can be verified
// deterministically against clock.Frozen without a database) and suitable
// as the persistence layer for a single-instance deployment that does not
// need to survive a restart.
package storemem

import (
	"context"
	"sort"
	"sync"
	"time"

	"oss.nandlabs.io/golly/uuid"
	"oss.nandlabs.io/outboxd/record"
)

// RecordStore is an in-memory record.Repository. Updates guarded by a lock
// version check against locks simulate the fencing the SQL adapter performs
// with a real compare-and-swap.
type RecordStore struct {
	mu       sync.Mutex
	byID     map[string]*record.Record
	locks    LockVersions
}

// LockVersions supplies the currently-held fencing version for a key, so
// RecordStore can discard updates from a caller whose lease has since been
// taken over. It is satisfied by *LockStore.CurrentVersion.
type LockVersions interface {
	CurrentVersion(key string) (version string, held bool)
}

// NewRecordStore constructs an empty RecordStore. locks may be nil, in which
// case lock-version fencing is skipped (useful for tests that exercise the
// repository directly without a lock manager).
func NewRecordStore(locks LockVersions) *RecordStore {
	return &RecordStore{byID: make(map[string]*record.Record), locks: locks}
}

func (s *RecordStore) fenced(key, lockVersion string) bool {
	if s.locks == nil {
		return false
	}
	current, held := s.locks.CurrentVersion(key)
	return !held || current != lockVersion
}

// Insert implements record.Repository.
func (s *RecordStore) Insert(ctx context.Context, in record.NewRecordInput) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := in.ID
	if id == "" {
		gen, err := uuid.V4()
		if err != nil {
			return "", err
		}
		id = gen.String()
	}
	s.byID[id] = &record.Record{
		ID:          id,
		Key:         in.Key,
		RecordType:  in.RecordType,
		Payload:     in.Payload,
		Context:     in.Context,
		HandlerID:   in.HandlerID,
		Status:      record.New,
		CreatedAt:   in.CreatedAt,
		NextRetryAt: in.CreatedAt,
		PartitionNo: in.PartitionNo,
	}
	return id, nil
}

// EligibleKeys implements record.Repository.
func (s *RecordStore) EligibleKeys(_ context.Context, partitionNo int, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		key       string
		createdAt time.Time
		id        string
	}
	oldest := make(map[string]candidate)
	for _, r := range s.byID {
		if r.PartitionNo != partitionNo || r.Status != record.New || r.NextRetryAt.After(now) {
			continue
		}
		cur, ok := oldest[r.Key]
		if !ok || r.CreatedAt.Before(cur.createdAt) || (r.CreatedAt.Equal(cur.createdAt) && r.ID < cur.id) {
			oldest[r.Key] = candidate{key: r.Key, createdAt: r.CreatedAt, id: r.ID}
		}
	}

	list := make([]candidate, 0, len(oldest))
	for _, c := range oldest {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].createdAt.Equal(list[j].createdAt) {
			return list[i].createdAt.Before(list[j].createdAt)
		}
		return list[i].id < list[j].id
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	keys := make([]string, len(list))
	for i, c := range list {
		keys[i] = c.key
	}
	return keys, nil
}

// PendingForKey implements record.Repository.
func (s *RecordStore) PendingForKey(_ context.Context, key string, _ time.Time) ([]*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*record.Record
	for _, r := range s.byID {
		if r.Key == key && r.Status == record.New {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Complete implements record.Repository.
func (s *RecordStore) Complete(_ context.Context, u record.CompletionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[u.ID]
	if !ok {
		return record.ErrNotFound
	}
	if s.fenced(r.Key, u.LockVersion) {
		return record.ErrLockVersionMismatch
	}
	r.Status = record.Completed
	completed := u.CompletedAt
	r.CompletedAt = &completed
	return nil
}

// Retry implements record.Repository.
func (s *RecordStore) Retry(_ context.Context, u record.RetryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[u.ID]
	if !ok {
		return record.ErrNotFound
	}
	if s.fenced(r.Key, u.LockVersion) {
		return record.ErrLockVersionMismatch
	}
	if u.FailureCount > r.FailureCount {
		r.FailureCount = u.FailureCount
	}
	r.FailureReason = u.FailureReason
	r.NextRetryAt = u.NextRetryAt
	return nil
}

// Fail implements record.Repository.
func (s *RecordStore) Fail(_ context.Context, u record.FailureUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[u.ID]
	if !ok {
		return record.ErrNotFound
	}
	if s.fenced(r.Key, u.LockVersion) {
		return record.ErrLockVersionMismatch
	}
	if u.FailureCount > r.FailureCount {
		r.FailureCount = u.FailureCount
	}
	r.FailureReason = u.FailureReason
	r.Status = record.Failed
	return nil
}

// DeleteByStatus implements record.Repository.
func (s *RecordStore) DeleteByStatus(_ context.Context, status record.Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.byID {
		if r.Status == status {
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

// DeleteByKeyAndStatus implements record.Repository.
func (s *RecordStore) DeleteByKeyAndStatus(_ context.Context, key string, status record.Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.byID {
		if r.Key == key && r.Status == status {
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

// Snapshot returns a copy of every record currently stored, for test
// assertions.
func (s *RecordStore) Snapshot() []*record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*record.Record, 0, len(s.byID))
	for _, r := range s.byID {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
