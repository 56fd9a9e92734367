package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"oss.nandlabs.io/outboxd/clock"
	"oss.nandlabs.io/outboxd/dispatch"
	"oss.nandlabs.io/outboxd/handler"
	"oss.nandlabs.io/outboxd/limiter"
	"oss.nandlabs.io/outboxd/lockmgr"
	"oss.nandlabs.io/outboxd/record"
	"oss.nandlabs.io/outboxd/retry"
	"oss.nandlabs.io/outboxd/storemem"
)

type fixture struct {
	repo      *storemem.RecordStore
	lockStore *storemem.LockStore
	locks     *lockmgr.Manager
	limit     *limiter.Limiter
	regs      *handler.Registry
	rp        *retry.Registry
	clk       *clock.Frozen
	loop      *dispatch.Loop
	owned     []int
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	clk := clock.NewFrozen(time.Unix(0, 0))
	lockStore := storemem.NewLockStore(clk)
	recordStore := storemem.NewRecordStore(lockStore)
	locks := lockmgr.New(lockStore, "instance-a", 30*time.Second, 10*time.Second)
	lim := limiter.New(4)
	regs := handler.NewRegistry()
	rp := retry.NewRegistry(retry.Fixed{MaxAttempts: maxRetries, Wait: 100 * time.Millisecond})

	f := &fixture{repo: recordStore, lockStore: lockStore, locks: locks, limit: lim, regs: regs, rp: rp, clk: clk, owned: []int{0}}
	f.loop = dispatch.New(recordStore, locks, lim, regs, rp, clk, func() []int { return f.owned }, dispatch.Options{})
	return f
}

func schedule(t *testing.T, f *fixture, key, payload, handlerID string) string {
	t.Helper()
	id, err := f.repo.Insert(context.Background(), record.NewRecordInput{
		Key:         key,
		RecordType:  "test.payload",
		Payload:     []byte(payload),
		HandlerID:   handlerID,
		CreatedAt:   f.clk.Now(),
		PartitionNo: 0,
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	return id
}

func tick(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
}

func statusOf(t *testing.T, f *fixture, id string) record.Status {
	t.Helper()
	for _, r := range f.repo.Snapshot() {
		if r.ID == id {
			return r.Status
		}
	}
	t.Fatalf("record %s not found", id)
	return record.New
}

// A single record is delivered once and completed within one tick.
func TestSingleRecordSuccess(t *testing.T) {
	f := newFixture(t, 3)
	var calls int
	f.regs.Register("noop", handler.HandlerFunc(func(_ context.Context, d handler.Delivery) error {
		calls++
		if string(d.Payload) != "p1" {
			t.Fatalf("unexpected payload %q", d.Payload)
		}
		return nil
	}))

	id := schedule(t, f, "a", "p1", "noop")
	tick(t, f)

	if calls != 1 {
		t.Fatalf("expected 1 handler call, got %d", calls)
	}
	if got := statusOf(t, f, id); got != record.Completed {
		t.Fatalf("expected Completed, got %s", got)
	}
}

// A transiently failing handler is retried until it succeeds.
func TestRetryThenSucceed(t *testing.T) {
	f := newFixture(t, 3)
	var calls int
	f.regs.Register("flaky", handler.HandlerFunc(func(_ context.Context, d handler.Delivery) error {
		calls++
		if calls <= 2 {
			return errors.New("transient")
		}
		return nil
	}))

	id := schedule(t, f, "a", "p1", "flaky")

	tick(t, f)
	if got := statusOf(t, f, id); got != record.New {
		t.Fatalf("expected New after first failure, got %s", got)
	}

	f.clk.Advance(200 * time.Millisecond)
	tick(t, f)
	if got := statusOf(t, f, id); got != record.New {
		t.Fatalf("expected New after second failure, got %s", got)
	}

	f.clk.Advance(200 * time.Millisecond)
	tick(t, f)

	if calls != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls)
	}
	if got := statusOf(t, f, id); got != record.Completed {
		t.Fatalf("expected Completed, got %s", got)
	}
	for _, r := range f.repo.Snapshot() {
		if r.ID == id && r.FailureCount != 2 {
			t.Fatalf("expected FailureCount=2, got %d", r.FailureCount)
		}
	}
}

// Exhaustion invokes the failure handler exactly once and marks the
// record Failed. MaxAttempts=3 allows the initial attempt plus two
// retries.
func TestExhaustionInvokesFallback(t *testing.T) {
	f := newFixture(t, 3)
	var calls int
	f.regs.Register("alwaysfails", handler.HandlerFunc(func(_ context.Context, _ handler.Delivery) error {
		calls++
		return errors.New("boom")
	}))
	var fallbackCalls int
	var lastFailureCount int
	if err := f.regs.SetFailureHandler("alwaysfails", fallbackHandler(func(_ context.Context, d handler.Delivery, _ error) {
		fallbackCalls++
		lastFailureCount = d.FailureCount
	})); err != nil {
		t.Fatalf("SetFailureHandler: %v", err)
	}

	id := schedule(t, f, "a", "p1", "alwaysfails")

	for i := 0; i < 3; i++ {
		tick(t, f)
		f.clk.Advance(200 * time.Millisecond)
	}

	if calls != 3 {
		t.Fatalf("expected 3 handler invocations (initial + 2 retries), got %d", calls)
	}
	if fallbackCalls != 1 {
		t.Fatalf("expected fallback invoked exactly once, got %d", fallbackCalls)
	}
	if got := statusOf(t, f, id); got != record.Failed {
		t.Fatalf("expected Failed, got %s", got)
	}
	if lastFailureCount != 3 {
		t.Fatalf("expected fallback failureContext.FailureCount=3, got %d", lastFailureCount)
	}
}

// fallbackHandler adapts a plain func to handler.FailureHandler.
type fallbackHandler func(ctx context.Context, rec handler.Delivery, cause error)

func (f fallbackHandler) HandleFailure(ctx context.Context, rec handler.Delivery, cause error) {
	f(ctx, rec, cause)
}

// Per-key ordering under failure: r1 fails transiently; r2 and
// r3 must not be invoked until r1 completes.
func TestPerKeyOrderingUnderFailure(t *testing.T) {
	f := newFixture(t, 5)
	var mu sync.Mutex
	var order []string
	var r1Calls int

	f.regs.Register("ordered", handler.HandlerFunc(func(_ context.Context, d handler.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		if string(d.Payload) == "r1" {
			r1Calls++
			if r1Calls == 1 {
				return errors.New("transient")
			}
		}
		order = append(order, string(d.Payload))
		return nil
	}))

	schedule(t, f, "k", "r1", "ordered")
	f.clk.Advance(time.Millisecond)
	schedule(t, f, "k", "r2", "ordered")
	f.clk.Advance(time.Millisecond)
	schedule(t, f, "k", "r3", "ordered")

	tick(t, f)
	mu.Lock()
	if len(order) != 0 {
		t.Fatalf("expected r2/r3 untouched while r1 pending, got %v", order)
	}
	mu.Unlock()

	f.clk.Advance(200 * time.Millisecond)
	tick(t, f)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"r1", "r2", "r3"}
	if len(order) != len(want) {
		t.Fatalf("expected delivery order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected delivery order %v, got %v", want, order)
		}
	}
}

// Lock contention: a key whose lock is already held by another instance is
// skipped for the tick, with no error, and no handler invocation.
func TestLockContentionSkipsKey(t *testing.T) {
	f := newFixture(t, 3)
	var calls int
	f.regs.Register("noop", handler.HandlerFunc(func(_ context.Context, _ handler.Delivery) error {
		calls++
		return nil
	}))

	schedule(t, f, "a", "p1", "noop")

	// A second instance sharing the same lock store takes the key's lock
	// first, simulating cross-process contention.
	other := lockmgr.New(f.lockStore, "instance-b", 30*time.Second, 10*time.Second)
	lock, ok, err := other.Acquire(context.Background(), "a", f.clk.Now())
	if err != nil || !ok {
		t.Fatalf("setup acquire failed: ok=%v err=%v", ok, err)
	}

	tick(t, f)
	if calls != 0 {
		t.Fatalf("expected the held key to be skipped this tick, got %d calls", calls)
	}
	for _, r := range f.repo.Snapshot() {
		if r.Key == "a" && r.Status != record.New {
			t.Fatalf("expected record to remain New while lock is contended, got %s", r.Status)
		}
	}

	if err := other.Release(context.Background(), "a", lock.Version); err != nil {
		t.Fatalf("release: %v", err)
	}

	tick(t, f)
	if calls != 1 {
		t.Fatalf("expected handler to run once the lock is released, got %d calls", calls)
	}
}

// Two instances share the same stores; only one may invoke the handler for
// a key at any instant, and delivery order must equal insertion order even
// with both instances ticking concurrently.
func TestCrossInstanceExclusivity(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	lockStore := storemem.NewLockStore(clk)
	repo := storemem.NewRecordStore(lockStore)

	var mu sync.Mutex
	var order []string
	var inFlight, maxInFlight int32

	regs := handler.NewRegistry()
	regs.Register("counter", handler.HandlerFunc(func(_ context.Context, d handler.Delivery) error {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			seen := atomic.LoadInt32(&maxInFlight)
			if cur <= seen || atomic.CompareAndSwapInt32(&maxInFlight, seen, cur) {
				break
			}
		}
		mu.Lock()
		order = append(order, string(d.Payload))
		mu.Unlock()
		return nil
	}))
	rp := retry.NewRegistry(retry.Fixed{MaxAttempts: 3, Wait: time.Second})

	newLoop := func(instanceID string) *dispatch.Loop {
		locks := lockmgr.New(lockStore, instanceID, 30*time.Second, 10*time.Second)
		return dispatch.New(repo, locks, limiter.New(4), regs, rp, clk, func() []int { return []int{0} }, dispatch.Options{})
	}
	loopA := newLoop("instance-a")
	loopB := newLoop("instance-b")

	const total = 40
	var want []string
	for i := 0; i < total; i++ {
		payload := fmt.Sprintf("r%02d", i)
		want = append(want, payload)
		if _, err := repo.Insert(context.Background(), record.NewRecordInput{
			Key:         "k",
			RecordType:  "test.payload",
			Payload:     []byte(payload),
			HandlerID:   "counter",
			CreatedAt:   clk.Now().Add(time.Duration(i) * time.Millisecond),
			PartitionNo: 0,
		}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	clk.Advance(time.Second)

	var wg sync.WaitGroup
	for _, loop := range []*dispatch.Loop{loopA, loopB} {
		wg.Add(1)
		go func(l *dispatch.Loop) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if err := l.Tick(context.Background()); err != nil {
					t.Errorf("tick failed: %v", err)
				}
			}
		}(loop)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != total {
		t.Fatalf("expected %d deliveries, got %d", total, len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery order diverged at %d: want %s, got %s", i, want[i], order[i])
		}
	}
	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Fatalf("expected at most one in-flight invocation for the key, observed %d", got)
	}
}

// A record whose handlerID resolves to nothing stays New with no failure
// bookkeeping; the key makes no progress until a handler is registered.
func TestUnresolvedHandlerLeavesRecordNew(t *testing.T) {
	f := newFixture(t, 3)

	id := schedule(t, f, "a", "p1", "not-registered")
	tick(t, f)

	for _, r := range f.repo.Snapshot() {
		if r.ID != id {
			continue
		}
		if r.Status != record.New {
			t.Fatalf("expected record to stay New, got %s", r.Status)
		}
		if r.FailureCount != 0 {
			t.Fatalf("expected no failure bookkeeping for an unresolved handler, got %d", r.FailureCount)
		}
	}

	var calls int
	f.regs.Register("not-registered", handler.HandlerFunc(func(_ context.Context, _ handler.Delivery) error {
		calls++
		return nil
	}))
	tick(t, f)
	if calls != 1 {
		t.Fatalf("expected delivery once the handler registered, got %d calls", calls)
	}
	if got := statusOf(t, f, id); got != record.Completed {
		t.Fatalf("expected Completed, got %s", got)
	}
}
