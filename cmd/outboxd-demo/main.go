// Command outboxd-demo runs a single-process dispatcher end to end against
// the in-memory stores: it schedules a handful of records across a few keys,
// lets the engine deliver them through a logging handler, then shuts down
// gracefully on SIGINT or once everything is delivered.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oss.nandlabs.io/golly/l3"
	"oss.nandlabs.io/outboxd/clock"
	"oss.nandlabs.io/outboxd/config"
	"oss.nandlabs.io/outboxd/engine"
	"oss.nandlabs.io/outboxd/handler"
	"oss.nandlabs.io/outboxd/retry"
	"oss.nandlabs.io/outboxd/storemem"
)

var logger = l3.Get()

type greeting struct {
	Name string `json:"name"`
}

func main() {
	clk := clock.New()
	lockStore := storemem.NewLockStore(clk)
	stores := engine.Stores{
		Records:    storemem.NewRecordStore(lockStore),
		Locks:      lockStore,
		Instances:  storemem.NewInstanceStore(),
		Partitions: storemem.NewPartitionStore(clk),
	}

	handlers := handler.NewRegistry()
	handlers.Register("greeter", handler.HandlerFunc(func(_ context.Context, rec handler.Delivery) error {
		logger.InfoF("demo: delivering key=%s payload=%s", rec.Key, rec.Payload)
		return nil
	}))

	cfg := config.Default()
	cfg.PollInterval = config.Duration(500 * time.Millisecond)
	cfg.PartitionCount = 4

	retries := retry.NewRegistry(retry.Fixed{MaxAttempts: cfg.Retry.MaxRetries, Wait: time.Second})
	eng := engine.New(cfg, stores, handlers, retries, clk, "demo-instance")

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("customer-%d", i%3)
		if _, err := eng.Schedule(ctx, greeting{Name: fmt.Sprintf("guest-%d", i)}, key, "greeter"); err != nil {
			logger.ErrorF("demo: schedule: %v", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-time.After(5 * time.Second):
	}

	if err := eng.Stop(ctx); err != nil {
		logger.ErrorF("demo: shutdown: %v", err)
	}
}
