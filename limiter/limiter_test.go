package limiter

import (
	"context"
	"testing"
	"time"
)

func TestAcquireReleaseTracksInFlight(t *testing.T) {
	l := New(2)

	release, err := l.Acquire(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if !l.InFlight("order-1") {
		t.Fatal("expected order-1 to be in-flight")
	}
	release()
	if l.InFlight("order-1") {
		t.Fatal("expected order-1 to no longer be in-flight after release")
	}
}

func TestAcquireBlocksAtConcurrencyLimit(t *testing.T) {
	l := New(1)

	release1, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "b")
	if err == nil {
		t.Fatal("expected Acquire for b to block and time out while a holds the only slot")
	}

	release1()
	release2, err := l.Acquire(context.Background(), "b")
	if err != nil {
		t.Fatalf("expected Acquire for b to succeed once a's slot freed: %v", err)
	}
	release2()
}

func TestAwaitAllWaitsForDrain(t *testing.T) {
	l := New(2)
	release, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = l.AwaitAll(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected AwaitAll to block while a is in-flight")
	case <-time.After(20 * time.Millisecond):
	}

	release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected AwaitAll to unblock after release")
	}
}

func TestInFlightKeysSnapshot(t *testing.T) {
	l := New(0)
	r1, _ := l.Acquire(context.Background(), "a")
	r2, _ := l.Acquire(context.Background(), "b")
	defer r1()
	defer r2()

	keys := l.InFlightKeys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 in-flight keys, got %v", keys)
	}
}
