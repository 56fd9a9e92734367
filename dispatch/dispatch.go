// Package dispatch implements the tick: the unit of work the engine repeats
// on a schedule, which finds eligible keys in the partitions this instance
// owns, locks and processes each key's pending records in order, and moves
// every record to a terminal or retry state.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"oss.nandlabs.io/golly/errutils"
	"oss.nandlabs.io/golly/l3"
	"oss.nandlabs.io/outboxd/clock"
	"oss.nandlabs.io/outboxd/handler"
	"oss.nandlabs.io/outboxd/limiter"
	"oss.nandlabs.io/outboxd/lockmgr"
	"oss.nandlabs.io/outboxd/record"
	"oss.nandlabs.io/outboxd/retry"
)

var logger = l3.Get()

// PartitionSource supplies the partitions this instance currently owns. It
// is satisfied by partitioning.Coordinator.Owned.
type PartitionSource func() []int

// KeysPerPartition bounds how many eligible keys a single tick considers per
// owned partition, so one very busy partition cannot starve the others.
const defaultKeysPerPartition = 64

// Loop ties together partitioning, locking, limiting, handler resolution,
// and retry policy to run dispatch ticks.
type Loop struct {
	repo       record.Repository
	locks      *lockmgr.Manager
	limiter    *limiter.Limiter
	handlers   *handler.Registry
	retries    *retry.Registry
	clock      clock.Clock
	partitions PartitionSource

	keysPerPartition     int
	partitionParallelism int
}

// Options configures a Loop beyond its required collaborators.
type Options struct {
	KeysPerPartition int
	// PartitionParallelism caps how many owned partitions one tick works
	// concurrently. It is clamped to the limiter's capacity; zero means
	// "limiter capacity" (or every partition at once when the limiter is
	// unbounded).
	PartitionParallelism int
}

// New constructs a dispatch Loop.
func New(
	repo record.Repository,
	locks *lockmgr.Manager,
	lim *limiter.Limiter,
	handlers *handler.Registry,
	retries *retry.Registry,
	clk clock.Clock,
	partitions PartitionSource,
	opts Options,
) *Loop {
	keysPerPartition := opts.KeysPerPartition
	if keysPerPartition <= 0 {
		keysPerPartition = defaultKeysPerPartition
	}
	return &Loop{
		repo:                 repo,
		locks:                locks,
		limiter:              lim,
		handlers:             handlers,
		retries:              retries,
		clock:                clk,
		partitions:           partitions,
		keysPerPartition:     keysPerPartition,
		partitionParallelism: opts.PartitionParallelism,
	}
}

// Tick runs one dispatch pass over every partition this instance currently
// owns. It never blocks on a single key longer than its lock TTL allows;
// keys whose limiter slot or lock is already held elsewhere are skipped for
// this tick and picked up on the next one.
func (l *Loop) Tick(ctx context.Context) error {
	owned := l.partitions()
	if len(owned) == 0 {
		return nil
	}
	now := l.clock.Now()

	// Partitions run concurrently, but never wider than the limiter's
	// capacity: the semaphore bounds partition-level fan-out (queries, lock
	// attempts) and the limiter bounds in-flight handler work.
	parallel := l.partitionParallelism
	if capacity := l.limiter.Capacity(); capacity > 0 && (parallel <= 0 || parallel > capacity) {
		parallel = capacity
	}
	if parallel <= 0 || parallel > len(owned) {
		parallel = len(owned)
	}
	sem := make(chan struct{}, parallel)

	merr := errutils.NewMultiErr(nil)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, partitionNo := range owned {
		wg.Add(1)
		go func(partitionNo int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			keys, err := l.repo.EligibleKeys(ctx, partitionNo, now, l.keysPerPartition)
			if err != nil {
				mu.Lock()
				merr.Add(err)
				mu.Unlock()
				return
			}
			for _, key := range keys {
				if err := l.processKey(ctx, key); err != nil && !errors.Is(err, errSkipped) {
					mu.Lock()
					merr.Add(err)
					mu.Unlock()
				}
			}
		}(partitionNo)
	}
	wg.Wait()

	if merr.HasErrors() {
		return merr
	}
	return nil
}

// errSkipped marks a key that was passed over this tick because its limiter
// slot or lock was unavailable; it is not a failure.
var errSkipped = errors.New("dispatch: key skipped this tick")

func (l *Loop) processKey(ctx context.Context, key string) error {
	if l.limiter.InFlight(key) {
		return errSkipped
	}

	// The limiter slot comes first: acquiring the lock before a potentially
	// long limiter wait would let the lease expire unrenewed, and a stale
	// lease must never reach a handler invocation.
	release, err := l.limiter.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	lock, ok, err := l.locks.Acquire(ctx, key, l.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return errSkipped
	}

	defer func() {
		_ = l.locks.Release(ctx, key, lock.Version)
	}()

	records, err := l.repo.PendingForKey(ctx, key, l.clock.Now())
	if err != nil {
		return err
	}

	for i, rec := range records {
		var stop bool
		lock, stop, err = l.processRecord(ctx, key, lock, rec)
		if err != nil || stop {
			return err
		}
		if i == len(records)-1 {
			break
		}
		renewed, err := l.locks.Renew(ctx, lock, l.clock.Now())
		if errors.Is(err, lockmgr.ErrNotHeld) {
			return nil
		}
		if err != nil {
			return err
		}
		lock = renewed
	}
	return nil
}

// processRecord delivers a single record and applies the resulting
// completion, retry, or failure update. It returns the lock carrying the
// fencing version after any renewal, and stop=true when the caller must
// abandon the rest of this key's records for the tick: the lock was found
// to no longer be held by this instance, the record's handler is not (yet)
// registered, or the record was rescheduled for retry. A retried record
// blocks everything behind it so per-key order is preserved.
func (l *Loop) processRecord(ctx context.Context, key string, lock lockmgr.Lock, rec *record.Record) (newLock lockmgr.Lock, stop bool, err error) {
	deliveryErr := l.handlers.Dispatch(ctx, rec.HandlerID, toDelivery(rec))

	now := l.clock.Now()

	if deliveryErr == nil {
		err := l.repo.Complete(ctx, record.CompletionUpdate{
			ID:          rec.ID,
			CompletedAt: now,
			LockVersion: lock.Version,
		})
		if errors.Is(err, record.ErrLockVersionMismatch) {
			return lock, true, nil
		}
		return lock, false, err
	}

	if errors.Is(deliveryErr, handler.ErrUnresolved) {
		// The handler is not registered yet (likely a rolling deploy where
		// the producer is ahead of this consumer). The record stays New with
		// its failure bookkeeping untouched, and no newer record for this key
		// may jump the queue.
		logger.WarnF("dispatch: key %q record %s has no registered handler, leaving for a later tick: %v", key, rec.ID, deliveryErr)
		return lock, true, nil
	}

	policy, ok := l.handlers.PolicyFor(rec.HandlerID)
	if !ok {
		policy = l.retries.For(rec.HandlerID)
	}
	attempt := rec.FailureCount + 1
	decision := policy.Evaluate(attempt, deliveryErr)

	if decision.Retry {
		err := l.repo.Retry(ctx, record.RetryUpdate{
			ID:            rec.ID,
			FailureCount:  attempt,
			FailureReason: deliveryErr.Error(),
			NextRetryAt:   now.Add(decision.After),
			LockVersion:   lock.Version,
		})
		if errors.Is(err, record.ErrLockVersionMismatch) {
			return lock, true, nil
		}
		if err != nil {
			return lock, false, err
		}
		logger.WarnF("dispatch: key %q record %s failed attempt %d, retrying at %s: %v", key, rec.ID, attempt, now.Add(decision.After), deliveryErr)
		return lock, true, nil
	}

	err = l.repo.Fail(ctx, record.FailureUpdate{
		ID:            rec.ID,
		FailureCount:  attempt,
		FailureReason: deliveryErr.Error(),
		LockVersion:   lock.Version,
	})
	if errors.Is(err, record.ErrLockVersionMismatch) {
		return lock, true, nil
	}
	if err != nil {
		return lock, false, err
	}
	logger.ErrorF("dispatch: key %q record %s failed permanently after %d attempts: %v", key, rec.ID, attempt, deliveryErr)

	if fh, ok := l.handlers.FailureHandlerFor(rec.HandlerID); ok {
		failureDelivery := toDelivery(rec)
		failureDelivery.FailureCount = attempt
		invokeFallback(fh, ctx, failureDelivery, deliveryErr)
	}

	return lock, false, nil
}

// invokeFallback shields the dispatch loop from a panicking fallback: the
// record is already Failed, so a fallback error can only ever be logged,
// never retried.
func invokeFallback(fh handler.FailureHandler, ctx context.Context, rec handler.Delivery, cause error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("dispatch: fallback for key %q record %s panicked: %v", rec.Key, rec.ID, r)
		}
	}()
	fh.HandleFailure(ctx, rec, cause)
}

func toDelivery(rec *record.Record) handler.Delivery {
	return handler.Delivery{
		ID:           rec.ID,
		Key:          rec.Key,
		RecordType:   rec.RecordType,
		Payload:      rec.Payload,
		Context:      rec.Context,
		FailureCount: rec.FailureCount,
	}
}
