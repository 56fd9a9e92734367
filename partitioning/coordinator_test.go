package partitioning_test

import (
	"context"
	"testing"
	"time"

	"oss.nandlabs.io/outboxd/clock"
	"oss.nandlabs.io/outboxd/partitioning"
	"oss.nandlabs.io/outboxd/storemem"
)

func TestPartitionCoverageAcrossTwoInstances(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	store := storemem.NewPartitionStore(clk)

	liveIDs := []string{"instance-a", "instance-b"}
	live := func(_ context.Context) ([]string, error) { return liveIDs, nil }

	a := partitioning.New(store, live, clk, "instance-a", 4)
	b := partitioning.New(store, live, clk, "instance-b", 4)
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := a.Rebalance(context.Background()); err != nil {
			t.Fatalf("a.Rebalance: %v", err)
		}
		if err := b.Rebalance(context.Background()); err != nil {
			t.Fatalf("b.Rebalance: %v", err)
		}
	}

	owned := make(map[int]string)
	for _, n := range a.Owned() {
		owned[n] = "a"
	}
	for _, n := range b.Owned() {
		if _, taken := owned[n]; taken {
			t.Fatalf("partition %d owned by both instances", n)
		}
		owned[n] = "b"
	}

	if len(owned) != 4 {
		t.Fatalf("expected all 4 partitions owned, got %d: %v", len(owned), owned)
	}
	if len(a.Owned()) < 1 || len(b.Owned()) < 1 {
		t.Fatalf("expected both instances to own at least one partition, a=%v b=%v", a.Owned(), b.Owned())
	}
	if diff := len(a.Owned()) - len(b.Owned()); diff > 1 || diff < -1 {
		t.Fatalf("expected per-instance counts to differ by at most 1, a=%d b=%d", len(a.Owned()), len(b.Owned()))
	}
}

func TestDeadInstanceTakeover(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	store := storemem.NewPartitionStore(clk)

	liveIDs := []string{"instance-a", "instance-b"}
	live := func(_ context.Context) ([]string, error) { return liveIDs, nil }

	a := partitioning.New(store, live, clk, "instance-a", 4)
	b := partitioning.New(store, live, clk, "instance-b", 4)
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for i := 0; i < 2; i++ {
		_ = a.Rebalance(context.Background())
		_ = b.Rebalance(context.Background())
	}
	if len(a.Owned()) == 0 || len(b.Owned()) == 0 {
		t.Fatalf("expected both instances to own partitions before takeover, a=%v b=%v", a.Owned(), b.Owned())
	}

	// instance-a dies: only instance-b remains live.
	liveIDs = []string{"instance-b"}
	for i := 0; i < 3; i++ {
		if err := b.Rebalance(context.Background()); err != nil {
			t.Fatalf("b.Rebalance: %v", err)
		}
	}

	if len(b.Owned()) != 4 {
		t.Fatalf("expected instance-b to own all 4 partitions after takeover, got %v", b.Owned())
	}
}
