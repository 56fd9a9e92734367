// Package record defines the Outbox Record data model: the unit of work the
// dispatch loop selects, locks, and delivers. Persistence is out of core;
// this package only defines the Repository narrow interface external
// adapters (storemem, storepg) implement.
package record

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a Record. Terminal transitions are
// one-way: New -> Completed or New -> Failed.
type Status int

const (
	// New means the record has not yet reached a terminal state.
	New Status = iota
	// Completed means the handler returned without error.
	Completed
	// Failed means retries were exhausted or the error was non-retryable.
	Failed
)

func (s Status) String() string {
	switch s {
	case New:
		return "NEW"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrNoAmbientTransaction is returned by Schedule implementations when the
// caller has no ambient database transaction. The engine refuses to persist
// a record outside of one; Schedule is documented to require it.
var ErrNoAmbientTransaction = errors.New("record: schedule requires an ambient transaction")

// ErrNotFound is returned when a record lookup fails to find a row.
var ErrNotFound = errors.New("record: not found")

// Record is the unit of work. PartitionNo, Key, and ID never change after
// creation. FailureCount is monotonically non-decreasing.
type Record struct {
	ID           string
	Key          string
	RecordType   string
	Payload      []byte
	Context      map[string]string
	HandlerID    string
	Status       Status
	CreatedAt    time.Time
	CompletedAt  *time.Time
	FailureCount int
	FailureReason string
	NextRetryAt  time.Time
	PartitionNo  int
}

// NewRecordInput carries everything needed to persist a new record. It is
// the input to Repository.Insert, after creation interceptors have run.
type NewRecordInput struct {
	ID          string
	Key         string
	RecordType  string
	Payload     []byte
	Context     map[string]string
	HandlerID   string
	CreatedAt   time.Time
	PartitionNo int
}

// CompletionUpdate is applied when a record's handler invocation succeeds.
type CompletionUpdate struct {
	ID          string
	CompletedAt time.Time
	// LockVersion fences the update: it must match the lock version held for
	// the record's key at the moment Repository.Complete is called, so a
	// lease lost mid-invocation cannot clobber another owner's work.
	LockVersion string
}

// RetryUpdate is applied when a record fails but retries remain.
type RetryUpdate struct {
	ID            string
	FailureCount  int
	FailureReason string
	NextRetryAt   time.Time
	LockVersion   string
}

// FailureUpdate is applied when a record is exhausted or non-retryable.
type FailureUpdate struct {
	ID            string
	FailureCount  int
	FailureReason string
	LockVersion   string
}

// ErrLockVersionMismatch is returned by Repository.Complete/Retry/Fail when
// the caller's lock version no longer matches the persisted lock: another
// instance has since taken over the key, and the update must be discarded,
// not retried.
var ErrLockVersionMismatch = errors.New("record: lock version no longer held, update discarded")

// Repository is the narrow persistence interface the dispatch loop and the
// scheduling API depend on. All methods that mutate state are conditioned on
// an ambient transaction where noted.
type Repository interface {
	// Insert persists a new record with Status=New, FailureCount=0,
	// NextRetryAt=now, within the caller's ambient transaction. Returns
	// ErrNoAmbientTransaction if ctx carries none.
	Insert(ctx context.Context, in NewRecordInput) (id string, err error)

	// EligibleKeys returns distinct keys in partitionNo that have at least
	// one New record with NextRetryAt <= now, ordered by the oldest such
	// record's CreatedAt ascending (id as a stable tiebreaker), up to limit
	// keys.
	EligibleKeys(ctx context.Context, partitionNo int, now time.Time, limit int) ([]string, error)

	// PendingForKey returns the New records for key in FIFO order
	// (CreatedAt ASC, ID ASC).
	PendingForKey(ctx context.Context, key string, now time.Time) ([]*Record, error)

	// Complete marks a record Completed. A non-nil error of
	// ErrLockVersionMismatch means the caller must abandon this key.
	Complete(ctx context.Context, u CompletionUpdate) error

	// Retry updates failure bookkeeping and leaves the record New.
	Retry(ctx context.Context, u RetryUpdate) error

	// Fail marks a record Failed.
	Fail(ctx context.Context, u FailureUpdate) error

	// DeleteByStatus deletes every record with the given status. Used by the
	// administrative surface.
	DeleteByStatus(ctx context.Context, status Status) (int64, error)

	// DeleteByKeyAndStatus deletes records matching key and status. Used by
	// the administrative surface.
	DeleteByKeyAndStatus(ctx context.Context, key string, status Status) (int64, error)
}
