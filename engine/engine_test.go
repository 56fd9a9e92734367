package engine_test

import (
	"context"
	"testing"
	"time"

	"oss.nandlabs.io/golly/data"
	"oss.nandlabs.io/outboxd/clock"
	"oss.nandlabs.io/outboxd/config"
	"oss.nandlabs.io/outboxd/engine"
	"oss.nandlabs.io/outboxd/handler"
	"oss.nandlabs.io/outboxd/partitioning"
	"oss.nandlabs.io/outboxd/record"
	"oss.nandlabs.io/outboxd/storemem"
)

type payload struct {
	Message string `json:"message"`
}

func newStores(clk clock.Clock) (engine.Stores, *storemem.RecordStore) {
	lockStore := storemem.NewLockStore(clk)
	records := storemem.NewRecordStore(lockStore)
	return engine.Stores{
		Records:    records,
		Locks:      lockStore,
		Instances:  storemem.NewInstanceStore(),
		Partitions: storemem.NewPartitionStore(clk),
	}, records
}

func TestScheduleRunsCreationInterceptors(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(1000, 0))
	stores, records := newStores(clk)

	handlers := handler.NewRegistry()
	handlers.Use(handler.CreationInterceptorFunc(func(_ context.Context, p data.Pipeline) error {
		return p.Set("traceId", "trace-123")
	}))

	cfg := config.Default()
	eng := engine.New(cfg, stores, handlers, nil, clk, "test-instance")

	id, err := eng.Schedule(context.Background(), payload{Message: "hello"}, "order-9", "shipper")
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a record id")
	}

	recs := records.Snapshot()
	if len(recs) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Key != "order-9" || rec.HandlerID != "shipper" || rec.Status != record.New {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Context["traceId"] != "trace-123" {
		t.Fatalf("expected interceptor-contributed context, got %v", rec.Context)
	}
	if want := partitioning.Of("order-9", cfg.PartitionCount); rec.PartitionNo != want {
		t.Fatalf("expected partition %d, got %d", want, rec.PartitionNo)
	}
	if string(rec.Payload) != "{\"message\":\"hello\"}\n" && string(rec.Payload) != "{\"message\":\"hello\"}" {
		t.Fatalf("unexpected serialized payload %q", rec.Payload)
	}
}

func TestScheduleRejectsNilPayload(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(1000, 0))
	stores, _ := newStores(clk)

	eng := engine.New(config.Default(), stores, handler.NewRegistry(), nil, clk, "test-instance")
	if _, err := eng.Schedule(context.Background(), nil, "k", ""); err == nil {
		t.Fatal("expected Schedule to reject a nil payload")
	}
}

func TestScheduleRejectsInterceptorVeto(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(1000, 0))
	stores, records := newStores(clk)

	handlers := handler.NewRegistry()
	handlers.Use(handler.CreationInterceptorFunc(func(_ context.Context, _ data.Pipeline) error {
		return context.Canceled
	}))

	eng := engine.New(config.Default(), stores, handlers, nil, clk, "test-instance")
	if _, err := eng.Schedule(context.Background(), payload{Message: "x"}, "k", ""); err == nil {
		t.Fatal("expected Schedule to propagate the interceptor's rejection")
	}
	if len(records.Snapshot()) != 0 {
		t.Fatal("expected no record persisted after an interceptor veto")
	}
}

// End to end over real time: start the engine, schedule records on two
// keys, and expect every one delivered and completed before a generous
// deadline, then stop cleanly.
func TestEngineDeliversScheduledRecords(t *testing.T) {
	clk := clock.New()
	stores, records := newStores(clk)

	delivered := make(chan string, 16)
	handlers := handler.NewRegistry()
	handlers.Register("echo", handler.HandlerFunc(func(_ context.Context, rec handler.Delivery) error {
		delivered <- rec.Key
		return nil
	}))

	cfg := config.Default()
	cfg.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.Instance.HeartbeatInterval = config.Duration(20 * time.Millisecond)
	cfg.Partitions.RebalanceInterval = config.Duration(20 * time.Millisecond)
	cfg.PartitionCount = 4
	cfg.GracefulShutdownTimeout = config.Duration(time.Second)

	eng := engine.New(cfg, stores, handlers, nil, clk, "test-instance")
	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer func() {
		if err := eng.Stop(ctx); err != nil {
			t.Fatalf("Stop error: %v", err)
		}
	}()

	for i := 0; i < 6; i++ {
		key := "a"
		if i%2 == 1 {
			key = "b"
		}
		if _, err := eng.Schedule(ctx, payload{Message: "m"}, key, "echo"); err != nil {
			t.Fatalf("Schedule error: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for i := 0; i < 6; i++ {
		select {
		case <-delivered:
		case <-deadline:
			t.Fatalf("timed out waiting for delivery %d of 6", i+1)
		}
	}

	for _, rec := range records.Snapshot() {
		if rec.Status == record.Completed {
			continue
		}
		// The handler has run for every record; the status write may trail
		// the channel send by a beat.
		time.Sleep(100 * time.Millisecond)
		break
	}
	for _, rec := range records.Snapshot() {
		if rec.Status != record.Completed {
			t.Fatalf("expected every record Completed, found %s in %s", rec.ID, rec.Status)
		}
	}
}
