// Package resilience provides the failure-handling patterns the cache uses
// around storage I/O and background maintenance.
//
//   - Retry: re-runs a failed operation with exponential, linear, or constant
//     backoff. Retry.Delay exposes the backoff schedule on its own so a
//     periodic task can pick a shorter wait after a failed pass.
//
//   - Circuit Breaker: after repeated failures, rejects operations with
//     ErrCircuitOpen until a reset timeout has passed. The cache uses this to
//     stop hammering a broken durable store and degrade to memory-only writes.
//
// The two compose through an Executor:
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//	    MaxFailures:  5,
//	    ResetTimeout: time.Minute,
//	})
//	retry := resilience.NewRetry(resilience.RetryConfig{
//	    MaxAttempts:  2,
//	    InitialDelay: 10 * time.Millisecond,
//	})
//	exec := resilience.NewExecutor(
//	    resilience.WithCircuitBreaker(cb),
//	    resilience.WithRetry(retry),
//	)
//
//	err := exec.Execute(ctx, func(ctx context.Context) error {
//	    return store.Put(key, payload, meta)
//	})
package resilience
