// Package health provides health checking primitives for the tiered cache.
//
// A Checker reports a Status (Healthy, Degraded, or Unhealthy) together with
// a message and free-form details. The cache exposes checkers for tier
// capacity and for the background maintenance loop; callers collect them in
// an Aggregator to get a single overall status.
//
// # Capacity
//
// CapacityChecker compares a usage reading against a limit:
//
//	check := health.NewCapacityChecker("memory_tier", health.CapacityCheckerConfig{
//	    WarningThreshold:  0.80,
//	    CriticalThreshold: 0.95,
//	}, func(ctx context.Context) (used, limit int64, err error) {
//	    return int64(tier.Len()), int64(tier.Capacity()), nil
//	})
//
// # Aggregating Health Checks
//
//	agg := health.NewAggregator()
//	for _, c := range manager.HealthCheckers() {
//	    agg.Register(c.Name(), c)
//	}
//
//	results := agg.CheckAll(ctx)
//	overall := agg.OverallStatus(results)
package health
