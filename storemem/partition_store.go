package storemem

import (
	"context"
	"sync"

	"oss.nandlabs.io/outboxd/clock"
	"oss.nandlabs.io/outboxd/partitioning"
)

// PartitionStore is an in-memory partitioning.Store.
type PartitionStore struct {
	clk  clock.Clock
	mu   sync.Mutex
	rows map[int]partitioning.Assignment
}

// NewPartitionStore constructs an empty PartitionStore driven by clk.
func NewPartitionStore(clk clock.Clock) *PartitionStore {
	return &PartitionStore{clk: clk, rows: make(map[int]partitioning.Assignment)}
}

// EnsureInitialized implements partitioning.Store.
func (s *PartitionStore) EnsureInitialized(_ context.Context, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := 0; n < count; n++ {
		if _, ok := s.rows[n]; !ok {
			s.rows[n] = partitioning.Assignment{PartitionNumber: n, UpdatedAt: s.clk.Now()}
		}
	}
	return nil
}

// List implements partitioning.Store.
func (s *PartitionStore) List(_ context.Context) ([]partitioning.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]partitioning.Assignment, 0, len(s.rows))
	for _, a := range s.rows {
		out = append(out, a)
	}
	return out, nil
}

// CompareAndSwapOwner implements partitioning.Store.
func (s *PartitionStore) CompareAndSwapOwner(_ context.Context, partitionNo int, instanceID string, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[partitionNo]
	if !ok || a.Version != expectedVersion {
		return false, nil
	}
	s.rows[partitionNo] = partitioning.Assignment{
		PartitionNumber: partitionNo,
		InstanceID:      instanceID,
		Version:         a.Version + 1,
		UpdatedAt:       s.clk.Now(),
	}
	return true, nil
}
