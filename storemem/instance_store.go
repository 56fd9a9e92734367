package storemem

import (
	"context"
	"sync"
	"time"

	"oss.nandlabs.io/outboxd/instance"
)

// InstanceStore is an in-memory instance.Store.
type InstanceStore struct {
	mu   sync.Mutex
	rows map[string]instance.Record
}

// NewInstanceStore constructs an empty InstanceStore.
func NewInstanceStore() *InstanceStore {
	return &InstanceStore{rows: make(map[string]instance.Record)}
}

// Register implements instance.Store.
func (s *InstanceStore) Register(_ context.Context, rec instance.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rec.ID] = rec
	return nil
}

// Heartbeat implements instance.Store.
func (s *InstanceStore) Heartbeat(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.rows[id]
	rec.ID = id
	rec.LastHeartbeat = now
	s.rows[id] = rec
	return nil
}

// Live implements instance.Store.
func (s *InstanceStore) Live(_ context.Context, now time.Time, staleAfter time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, rec := range s.rows {
		if rec.Status == instance.Running && now.Sub(rec.LastHeartbeat) <= staleAfter {
			out = append(out, id)
		}
	}
	return out, nil
}

// MarkStale implements instance.Store.
func (s *InstanceStore) MarkStale(_ context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.rows {
		if rec.Status == instance.Running && now.Sub(rec.LastHeartbeat) > staleAfter {
			rec.Status = instance.Stopped
			s.rows[id] = rec
			n++
		}
	}
	return n, nil
}

// MarkStopped implements instance.Store.
func (s *InstanceStore) MarkStopped(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return nil
	}
	rec.Status = instance.Stopped
	s.rows[id] = rec
	return nil
}

var _ instance.Store = (*InstanceStore)(nil)
