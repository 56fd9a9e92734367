// Package trigger is the periodic caller that wakes the dispatch loop, the
// instance registrar's heartbeat, and the partition coordinator's
// rebalance. It is built on chrono.Scheduler, so the same job machinery
// that runs scheduled work elsewhere in the stack also governs these
// recurring engine ticks.
package trigger

import (
	"context"
	"time"

	"oss.nandlabs.io/golly/chrono"
	"oss.nandlabs.io/golly/l3"
)

var logger = l3.Get()

const (
	jobDispatchTick   = "outboxd.dispatch-tick"
	jobHeartbeat      = "outboxd.instance-heartbeat"
	jobRebalance      = "outboxd.partition-rebalance"
	jobAdminRetention = "outboxd.admin-retention-sweep"
)

// Tick is run on PollInterval; typically dispatch.Loop.Tick.
type Tick func(ctx context.Context) error

// Trigger owns a chrono.Scheduler and registers the engine's three
// recurring jobs plus an optional admin retention sweep on a cron
// expression.
type Trigger struct {
	scheduler chrono.Scheduler
}

// Config names every job this Trigger may register and how often.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	RebalanceInterval time.Duration
	// RetentionCron, if non-empty, registers a cron-scheduled admin
	// retention sweep (e.g. "0 3 * * *" for daily at 03:00).
	RetentionCron string
}

// New constructs a Trigger backed by a fresh chrono.Scheduler.
func New(instanceID string) *Trigger {
	return &Trigger{scheduler: chrono.New(chrono.WithInstanceID(instanceID))}
}

// Start registers dispatchTick, heartbeat, and rebalance as interval jobs
// (and the retention sweep as a cron job, if configured), then starts the
// underlying scheduler.
func (t *Trigger) Start(cfg Config, dispatchTick, heartbeat, rebalance Tick, retention Tick) error {
	if err := t.scheduler.AddIntervalJob(jobDispatchTick, "dispatch tick", chrono.JobFunc(dispatchTick), cfg.PollInterval,
		chrono.WithOnError(func(jobID string, err error) {
			logger.ErrorF("trigger: %s failed: %v", jobID, err)
		}),
	); err != nil {
		return err
	}
	if err := t.scheduler.AddIntervalJob(jobHeartbeat, "instance heartbeat", chrono.JobFunc(heartbeat), cfg.HeartbeatInterval,
		chrono.WithOnError(func(jobID string, err error) {
			logger.ErrorF("trigger: %s failed: %v", jobID, err)
		}),
	); err != nil {
		return err
	}
	if err := t.scheduler.AddIntervalJob(jobRebalance, "partition rebalance", chrono.JobFunc(rebalance), cfg.RebalanceInterval,
		chrono.WithOnError(func(jobID string, err error) {
			logger.ErrorF("trigger: %s failed: %v", jobID, err)
		}),
	); err != nil {
		return err
	}
	if cfg.RetentionCron != "" && retention != nil {
		if err := t.scheduler.AddCronJob(jobAdminRetention, "admin retention sweep", chrono.JobFunc(retention), cfg.RetentionCron); err != nil {
			return err
		}
	}
	return t.scheduler.Start()
}

// Stop stops the underlying scheduler, waiting for any in-flight job run
// to finish.
func (t *Trigger) Stop() error {
	return t.scheduler.Stop()
}
