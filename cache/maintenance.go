package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonwraymond/tiercache/health"
	"github.com/jonwraymond/tiercache/observe"
	"github.com/jonwraymond/tiercache/resilience"
)

// Consecutive failed passes after which the maintenance checker reports
// unhealthy. The same multiple of the interval without any pass is a stall.
const maintenanceUnhealthyAfter = 3

type memoryExpirer interface {
	EvictExpired() int
}

// Maintainer runs the periodic maintenance pass: expire both tiers, sweep
// orphaned artifacts, enforce the durable byte cap, and persist a
// statistics snapshot.
type Maintainer struct {
	memory   memoryExpirer
	durable  *DurableTier
	stats    *Stats
	snapshot func(now time.Time) StatsSnapshot
	logger   observe.Logger
	tracer   observe.Tracer
	now      func() time.Time

	interval  time.Duration
	grace     time.Duration
	retention int
	backoff   *resilience.Retry

	mu          sync.Mutex
	startedAt   time.Time
	lastRun     time.Time
	lastSuccess time.Time
	lastErr     error
	failures    int
}

func newMaintainer(cfg Config, memory memoryExpirer, durable *DurableTier, stats *Stats,
	snapshot func(time.Time) StatsSnapshot, logger observe.Logger, tracer observe.Tracer, now func() time.Time,
) *Maintainer {
	maxDelay := cfg.MaintenanceInterval / 2
	if maxDelay < cfg.FailureBackoff {
		maxDelay = cfg.FailureBackoff
	}

	return &Maintainer{
		memory:    memory,
		durable:   durable,
		stats:     stats,
		snapshot:  snapshot,
		logger:    logger.WithOp(observe.OpMeta{Op: "maintenance"}),
		tracer:    tracer,
		now:       now,
		interval:  cfg.MaintenanceInterval,
		grace:     cfg.OrphanGrace,
		retention: cfg.StatsRetention,
		backoff: resilience.NewRetry(resilience.RetryConfig{
			InitialDelay: cfg.FailureBackoff,
			MaxDelay:     maxDelay,
			Strategy:     resilience.BackoffExponential,
		}),
	}
}

// Run performs a pass every interval until ctx is done. A failed pass is
// logged and the next one is scheduled after the shorter failure backoff.
func (mt *Maintainer) Run(ctx context.Context) error {
	mt.mu.Lock()
	mt.startedAt = mt.now()
	mt.mu.Unlock()

	timer := time.NewTimer(mt.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		next := mt.interval
		if err := mt.RunOnce(ctx); err != nil {
			next = mt.backoff.Delay(mt.ConsecutiveFailures())
		}
		timer.Reset(next)
	}
}

// RunOnce performs a single maintenance pass. Step failures are joined;
// a panic inside the pass is recovered and returned as ErrMaintenancePanic.
func (mt *Maintainer) RunOnce(ctx context.Context) (err error) {
	ctx, span := mt.tracer.StartSpan(ctx, observe.OpMeta{Op: "maintenance"})
	start := mt.now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMaintenancePanic, r)
		}
		failures := mt.record(start, err)
		mt.tracer.EndSpan(span, err)
		if err != nil {
			mt.logger.Error(ctx, "maintenance pass failed",
				observe.F("error", err),
				observe.F("consecutive_failures", failures),
			)
		}
	}()

	return mt.pass(ctx)
}

func (mt *Maintainer) pass(ctx context.Context) error {
	memMeta := observe.OpMeta{Op: "maintenance", Tier: observe.TierMemory}
	durMeta := observe.OpMeta{Op: "maintenance", Tier: observe.TierDurable}
	var errs []error

	memExpired := mt.memory.EvictExpired()
	mt.stats.removed(ctx, memMeta, observe.ReasonExpired, memExpired)

	durExpired, err := mt.durable.EvictExpired()
	mt.stats.removed(ctx, durMeta, observe.ReasonExpired, durExpired)
	if err != nil {
		errs = append(errs, fmt.Errorf("evict expired: %w", err))
	}

	orphans, err := mt.durable.SweepOrphans(mt.grace)
	mt.stats.removed(ctx, durMeta, observe.ReasonOrphan, orphans)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep orphans: %w", err))
	}

	if _, err := mt.durable.Recount(); err != nil {
		errs = append(errs, fmt.Errorf("recount: %w", err))
	}

	evicted, err := mt.durable.EnforceCapacity()
	mt.stats.removed(ctx, durMeta, observe.ReasonCapacity, evicted)
	if err != nil {
		errs = append(errs, fmt.Errorf("enforce capacity: %w", err))
	}

	if _, err := mt.durable.WriteStats(mt.snapshot(mt.now())); err != nil {
		errs = append(errs, err)
	}
	if _, err := mt.durable.PruneStats(mt.retention); err != nil {
		errs = append(errs, err)
	}

	mt.logger.Debug(ctx, "maintenance pass completed",
		observe.F("memory_expired", memExpired),
		observe.F("durable_expired", durExpired),
		observe.F("orphans_removed", orphans),
		observe.F("capacity_evicted", evicted),
		observe.F("durable_bytes", mt.durable.Usage()),
	)

	return errors.Join(errs...)
}

func (mt *Maintainer) record(start time.Time, err error) int {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.lastRun = start
	if err != nil {
		mt.failures++
		mt.lastErr = err
	} else {
		mt.failures = 0
		mt.lastErr = nil
		mt.lastSuccess = start
	}
	return mt.failures
}

// LastRun returns when the most recent pass started, or the zero time.
func (mt *Maintainer) LastRun() time.Time {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.lastRun
}

// ConsecutiveFailures returns the number of failed passes since the last
// successful one.
func (mt *Maintainer) ConsecutiveFailures() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.failures
}

// Checker reports maintenance health: degraded after a failed pass,
// unhealthy after repeated failures or when passes have stalled.
func (mt *Maintainer) Checker() health.Checker {
	return health.NewCheckerFunc("maintenance", func(ctx context.Context) health.Result {
		mt.mu.Lock()
		startedAt, lastRun, lastSuccess := mt.startedAt, mt.lastRun, mt.lastSuccess
		failures, lastErr := mt.failures, mt.lastErr
		mt.mu.Unlock()

		schedule := health.Schedule{
			Interval:            mt.interval,
			LastRun:             lastRun,
			LastSuccess:         lastSuccess,
			ConsecutiveFailures: failures,
		}
		details := map[string]any{health.DetailSchedule: schedule}
		idle := schedule.Idle(mt.now(), startedAt)
		stall := maintenanceUnhealthyAfter * mt.interval

		switch {
		case failures >= maintenanceUnhealthyAfter:
			return health.Unhealthy(fmt.Sprintf("%d consecutive maintenance failures", failures), lastErr).
				WithDetails(details)
		case idle > stall:
			return health.Unhealthy(fmt.Sprintf("no maintenance pass for %s", idle), health.ErrCheckFailed).
				WithDetails(details)
		case failures > 0:
			return health.Degraded("last maintenance pass failed").WithDetails(details)
		case lastRun.IsZero():
			return health.Healthy("maintenance has not run yet").WithDetails(details)
		default:
			return health.Healthy("maintenance ok").WithDetails(details)
		}
	})
}
