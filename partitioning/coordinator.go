package partitioning

import (
	"context"
	"fmt"
	"sort"
	"time"

	"oss.nandlabs.io/golly/errutils"
	"oss.nandlabs.io/golly/l3"
	"oss.nandlabs.io/outboxd/clock"
)

var logger = l3.Get()

// Assignment is the owner of a single partition. Version increases on every
// successful CAS transfer; ownership changes only via compare-and-swap on
// Version.
type Assignment struct {
	PartitionNumber int
	InstanceID      string // empty means unowned
	Version         int64
	UpdatedAt       time.Time
}

// Store is the narrow persistence interface backing partition assignments.
type Store interface {
	// EnsureInitialized creates assignment rows 0..count-1 if they do not
	// already exist. Idempotent.
	EnsureInitialized(ctx context.Context, count int) error
	// List returns every partition assignment.
	List(ctx context.Context) ([]Assignment, error)
	// CompareAndSwapOwner attempts to set instanceID as the owner of
	// partitionNo, conditioned on the assignment's current version equalling
	// expectedVersion. Returns false, nil on a lost race (no error; the
	// coordinator just retries next tick).
	CompareAndSwapOwner(ctx context.Context, partitionNo int, instanceID string, expectedVersion int64) (bool, error)
}

// LiveInstances is supplied by the caller (usually instance.Registrar.Live)
// so the coordinator need not import the instance package directly.
type LiveInstances func(ctx context.Context) ([]string, error)

// Coordinator runs the eventual, centralized-coordinator-free rebalance
// protocol: compute round-robin target ownership over live instances, then
// CAS any partition whose current owner is absent from the live set (or
// whose target owner is this instance and the live current owner differs)
// onto the target.
type Coordinator struct {
	store      Store
	live       LiveInstances
	clock      clock.Clock
	selfID     string
	partitionN int

	owned map[int]Assignment
}

// New constructs a Coordinator for this instance.
func New(store Store, live LiveInstances, clk clock.Clock, selfID string, partitionCount int) *Coordinator {
	return &Coordinator{
		store:      store,
		live:       live,
		clock:      clk,
		selfID:     selfID,
		partitionN: partitionCount,
		owned:      make(map[int]Assignment),
	}
}

// Init verifies the configured partition count against what the cluster has
// already persisted, then ensures the assignment table has a row per
// partition. A count mismatch is fatal: partition numbers are baked into
// every existing record, so changing the count requires an offline
// migration, not a restart.
func (c *Coordinator) Init(ctx context.Context) error {
	existing, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 && len(existing) != c.partitionN {
		return &CountChangedError{Configured: c.partitionN, Persisted: len(existing)}
	}
	return c.store.EnsureInitialized(ctx, c.partitionN)
}

// CountChangedError reports a startup configuration error: the configured
// partition count disagrees with the number of assignment rows already
// persisted for this cluster.
type CountChangedError struct {
	Configured int
	Persisted  int
}

func (e *CountChangedError) Error() string {
	return fmt.Sprintf("partitioning: configured partition count %d does not match the %d partitions already persisted; changing the count requires an offline migration", e.Configured, e.Persisted)
}

// Owned returns the partitions this instance currently believes it owns, as
// observed at the start of the most recent Rebalance call. The dispatch loop
// fences on this snapshot.
func (c *Coordinator) Owned() []int {
	out := make([]int, 0, len(c.owned))
	for n := range c.owned {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Rebalance performs one coordination tick.
func (c *Coordinator) Rebalance(ctx context.Context) error {
	live, err := c.live(ctx)
	if err != nil {
		return err
	}
	liveSet := make(map[string]bool, len(live))
	for _, id := range live {
		liveSet[id] = true
	}
	sort.Strings(live)

	target := roundRobinTargets(live, c.partitionN)

	assignments, err := c.store.List(ctx)
	if err != nil {
		return err
	}

	merr := errutils.NewMultiErr(nil)
	newOwned := make(map[int]Assignment, len(c.owned))
	for _, a := range assignments {
		wantOwner := target[a.PartitionNumber]
		currentLive := a.InstanceID != "" && liveSet[a.InstanceID]

		if a.InstanceID == c.selfID && currentLive {
			newOwned[a.PartitionNumber] = a
			continue
		}
		if wantOwner != c.selfID {
			continue
		}
		if currentLive {
			// Someone else legitimately holds it; don't contest a live owner.
			continue
		}
		ok, casErr := c.store.CompareAndSwapOwner(ctx, a.PartitionNumber, c.selfID, a.Version)
		if casErr != nil {
			merr.Add(casErr)
			logger.ErrorF("partitioning: CAS error for partition %d: %v", a.PartitionNumber, casErr)
			continue
		}
		if !ok {
			logger.DebugF("partitioning: lost race for partition %d, retrying next tick", a.PartitionNumber)
			continue
		}
		newOwned[a.PartitionNumber] = Assignment{
			PartitionNumber: a.PartitionNumber,
			InstanceID:      c.selfID,
			Version:         a.Version + 1,
			UpdatedAt:       c.clock.Now(),
		}
		logger.InfoF("partitioning: instance %s took ownership of partition %d", c.selfID, a.PartitionNumber)
	}
	c.owned = newOwned
	if merr.HasErrors() {
		return merr
	}
	return nil
}

// Release gives up every partition this instance owns, via CAS, for
// graceful shutdown.
func (c *Coordinator) Release(ctx context.Context) error {
	merr := errutils.NewMultiErr(nil)
	for n, a := range c.owned {
		ok, err := c.store.CompareAndSwapOwner(ctx, n, "", a.Version)
		if err != nil {
			merr.Add(err)
			continue
		}
		if !ok {
			logger.WarnF("partitioning: release CAS lost for partition %d, leaving to expire", n)
		}
	}
	c.owned = make(map[int]Assignment)
	if merr.HasErrors() {
		return merr
	}
	return nil
}

// roundRobinTargets assigns every partition number in [0,count) to one of
// the sorted live instance IDs, round robin, so per-instance counts differ
// by at most one. If live is empty, every partition maps to "" (unowned).
func roundRobinTargets(live []string, count int) map[int]string {
	target := make(map[int]string, count)
	if len(live) == 0 {
		for n := 0; n < count; n++ {
			target[n] = ""
		}
		return target
	}
	for n := 0; n < count; n++ {
		target[n] = live[n%len(live)]
	}
	return target
}
