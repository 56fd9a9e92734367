// Package engine wires the registrar, coordinator, lock manager, limiter,
// and dispatch loop into the single object application code starts, stops,
// and schedules records through, built on lifecycle.SimpleComponent for
// startup sequencing and graceful shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"oss.nandlabs.io/golly/data"
	"oss.nandlabs.io/golly/l3"
	"oss.nandlabs.io/golly/lifecycle"
	"oss.nandlabs.io/golly/uuid"
	"oss.nandlabs.io/outboxd/clock"
	"oss.nandlabs.io/outboxd/config"
	"oss.nandlabs.io/outboxd/dispatch"
	"oss.nandlabs.io/outboxd/handler"
	"oss.nandlabs.io/outboxd/instance"
	"oss.nandlabs.io/outboxd/limiter"
	"oss.nandlabs.io/outboxd/lockmgr"
	"oss.nandlabs.io/outboxd/partitioning"
	"oss.nandlabs.io/outboxd/record"
	"oss.nandlabs.io/outboxd/retry"
	"oss.nandlabs.io/outboxd/serialize"
	"oss.nandlabs.io/outboxd/trigger"
)

var logger = l3.Get()

// contentType is the wire encoding Schedule uses for every payload. A
// future version could let handlers choose per recordType; the dispatch
// side treats the payload as opaque bytes either way.
const contentType = "application/json"

// Stores bundles the narrow persistence interfaces the engine depends on.
// Concrete adapters live in storemem (tests, single instance) and storepg
// (production).
type Stores struct {
	Records    record.Repository
	Locks      lockmgr.Store
	Instances  instance.Store
	Partitions partitioning.Store
}

// Engine is the complete, runnable transactional-outbox dispatcher: it owns
// the instance registrar, partition coordinator, dispatch loop, and the
// trigger that wakes all three on a schedule, and exposes Schedule as the
// application-facing entry point into the outbox.
type Engine struct {
	cfg    config.EngineConfig
	clk    clock.Clock
	selfID string

	stores Stores

	handlers  *handler.Registry
	retries   *retry.Registry
	locks     *lockmgr.Manager
	limit     *limiter.Limiter
	registrar *instance.Registrar
	coord     *partitioning.Coordinator
	loop      *dispatch.Loop
	trig      *trigger.Trigger
	comp      *lifecycle.SimpleComponent

	stopping atomic.Bool
}

// New constructs an Engine. handlers and retries must already be populated
// (registered handlers, fallback, interceptors, per-handler retry policy
// overrides) before Start is called; the engine does not discover handlers
// itself, registration is owned by the caller.
func New(cfg config.EngineConfig, stores Stores, handlers *handler.Registry, retries *retry.Registry, clk clock.Clock, selfID string) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if selfID == "" {
		selfID = defaultInstanceID()
	}
	if retries == nil {
		retries = retry.NewRegistry(retry.FromConfig(cfg.Retry))
	}

	locks := lockmgr.New(stores.Locks, selfID, time.Duration(cfg.Locking.ExtensionSeconds)*time.Second, cfg.Locking.RefreshThreshold.Std())
	lim := limiter.New(cfg.ConcurrencyLimit)
	registrar := instance.New(stores.Instances, selfID, cfg.Instance.HeartbeatTimeout.Std())
	liveAt := func(ctx context.Context) ([]string, error) { return registrar.Live(ctx, clk.Now()) }
	coord := partitioning.New(stores.Partitions, liveAt, clk, selfID, cfg.PartitionCount)

	e := &Engine{
		cfg:       cfg,
		clk:       clk,
		selfID:    selfID,
		stores:    stores,
		handlers:  handlers,
		retries:   retries,
		locks:     locks,
		limit:     lim,
		registrar: registrar,
		coord:     coord,
		trig:      trigger.New(selfID),
	}
	e.loop = dispatch.New(stores.Records, locks, lim, handlers, retries, clk, e.ownedPartitions, dispatch.Options{KeysPerPartition: cfg.BatchSize, PartitionParallelism: cfg.ConcurrencyLimit})
	e.comp = &lifecycle.SimpleComponent{
		CompId:    "outboxd-engine-" + selfID,
		StartFunc: e.start,
		StopFunc:  e.stop,
	}
	return e
}

func (e *Engine) ownedPartitions() []int { return e.coord.Owned() }

// SelfID returns this engine instance's identifier.
func (e *Engine) SelfID() string { return e.selfID }

// Start brings the engine up: initializes the partition table, registers
// this instance's first heartbeat, runs an initial rebalance so Schedule
// callers don't race an empty ownership set, then starts the background
// trigger that repeats dispatch ticks, heartbeats, and rebalances.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.Enabled {
		logger.Info("engine: disabled by configuration, not starting")
		return nil
	}
	return e.comp.Start()
}

func (e *Engine) start() error {
	ctx := context.Background()
	if err := e.coord.Init(ctx); err != nil {
		return fmt.Errorf("engine: partition init: %w", err)
	}
	if err := e.registrar.Register(ctx, e.clk.Now()); err != nil {
		return fmt.Errorf("engine: registering instance: %w", err)
	}
	if err := e.coord.Rebalance(ctx); err != nil {
		return fmt.Errorf("engine: initial rebalance: %w", err)
	}

	cfg := trigger.Config{
		PollInterval:      e.cfg.PollInterval.Std(),
		HeartbeatInterval: e.cfg.Instance.HeartbeatInterval.Std(),
		RebalanceInterval: e.cfg.Partitions.RebalanceInterval.Std(),
	}
	return e.trig.Start(cfg,
		func(ctx context.Context) error {
			if e.stopping.Load() {
				return nil
			}
			return e.loop.Tick(ctx)
		},
		func(ctx context.Context) error {
			if err := e.registrar.Heartbeat(ctx, e.clk.Now()); err != nil {
				return err
			}
			if n, err := e.registrar.ReapStale(ctx, e.clk.Now()); err != nil {
				logger.WarnF("engine: marking stale instances: %v", err)
			} else if n > 0 {
				logger.InfoF("engine: marked %d stale instance(s) stopped", n)
			}
			return nil
		},
		func(ctx context.Context) error {
			if e.stopping.Load() {
				return nil
			}
			return e.coord.Rebalance(ctx)
		},
		nil,
	)
}

// Stop performs graceful shutdown: stop enqueuing new keys, drain
// in-flight work up to gracefulShutdownTimeout, release owned partitions,
// mark this instance stopped, stop the trigger.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.cfg.Enabled {
		return nil
	}
	return e.comp.Stop()
}

func (e *Engine) stop() error {
	e.stopping.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.GracefulShutdownTimeout.Std())
	defer cancel()

	if err := e.limit.AwaitAll(ctx); err != nil {
		logger.WarnF("engine: graceful shutdown timed out waiting for in-flight keys %v: %v", e.limit.InFlightKeys(), err)
	}

	if err := e.coord.Release(context.Background()); err != nil {
		logger.ErrorF("engine: releasing owned partitions: %v", err)
	}
	if err := e.registrar.Stop(context.Background()); err != nil {
		logger.ErrorF("engine: marking instance stopped: %v", err)
	}
	return e.trig.Stop()
}

// ErrNoPayload is returned by Schedule when payload is nil; the engine has
// nothing to serialize.
var ErrNoPayload = errors.New("engine: schedule requires a non-nil payload")

// Schedule persists a new outbox record for key, running the registered
// creation interceptor chain first, and returns the new record's ID. It
// must be called with a context carrying whatever ambient transaction the
// configured record.Repository requires; a storepg.RecordStore returns
// record.ErrNoAmbientTransaction if none is present.
func (e *Engine) Schedule(ctx context.Context, payload any, key string, handlerID string) (string, error) {
	if payload == nil {
		return "", ErrNoPayload
	}

	recordType := fmt.Sprintf("%T", payload)
	body, err := serialize.Marshal(contentType, payload)
	if err != nil {
		return "", fmt.Errorf("engine: serializing payload: %w", err)
	}

	attrs := data.NewPipeline(key)
	_ = attrs.Set("key", key)
	_ = attrs.Set("handlerId", handlerID)
	_ = attrs.Set("recordType", recordType)
	if err := e.handlers.RunCreationChain(ctx, attrs); err != nil {
		return "", fmt.Errorf("engine: creation interceptor rejected record: %w", err)
	}

	id, err := e.stores.Records.Insert(ctx, record.NewRecordInput{
		Key:         key,
		RecordType:  recordType,
		Payload:     body,
		Context:     contextFrom(attrs),
		HandlerID:   handlerID,
		CreatedAt:   e.clk.Now(),
		PartitionNo: partitioning.Of(key, e.cfg.PartitionCount),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// contextFrom extracts the string-valued attributes a creation interceptor
// contributed (e.g. a trace ID provider), skipping the three reserved keys
// Schedule seeds the pipeline with.
func contextFrom(p data.Pipeline) map[string]string {
	out := make(map[string]string)
	for _, k := range p.Keys() {
		switch k {
		case "key", "handlerId", "recordType", data.InstanceIdKey:
			continue
		}
		v, err := p.Get(k)
		if err != nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func defaultInstanceID() string {
	id, err := uuid.V4()
	if err != nil {
		return "outboxd-instance"
	}
	return id.String()
}
