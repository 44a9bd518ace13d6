package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/tiercache/health"
	"github.com/jonwraymond/tiercache/observe"
	"github.com/jonwraymond/tiercache/resilience"
)

type options struct {
	fs       billy.Filesystem
	observer observe.Observer
	logger   observe.Logger
	now      func() time.Time
	codec    any
	keyer    Keyer
	registry *Registry
}

// Option configures a Manager.
type Option func(*options)

// WithFilesystem stores durable artifacts on fs instead of the OS
// filesystem at Config.StoreRoot.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithObserver reports traces and metrics through obs. Its logger is used
// unless WithLogger is also given.
func WithObserver(obs observe.Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger observe.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock replaces time.Now for expiry and eviction decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithCodec sets the payload codec. Its type parameter must match the
// Manager's. Default: JSONCodec.
func WithCodec[V any](codec Codec[V]) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// WithKeyer replaces the DefaultKeyer.
func WithKeyer(keyer Keyer) Option {
	return func(o *options) {
		o.keyer = keyer
	}
}

// WithRegistry replaces the registry built from Config.
func WithRegistry(registry *Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// Manager composes the memory and durable tiers behind Get, Put, and
// Invalidate. Construct one per process and pass it to collaborators; Start
// and Close own the maintenance task.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Errors: Get, Put, and Invalidate never fail the caller. Misses,
//     expiry, corrupt entries, and storage failures are logged and counted.
type Manager[V any] struct {
	config   Config
	registry *Registry
	keyer    Keyer
	codec    Codec[V]
	memory   *MemoryTier[V]
	durable  *DurableTier
	maint    *Maintainer
	stats    *Stats
	writes   *resilience.Executor
	loads    *observe.Middleware
	flights  singleflight.Group
	logger   observe.Logger
	tracer   observe.Tracer
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewManager validates cfg and opens both tiers.
func NewManager[V any](cfg Config, opts ...Option) (*Manager[V], error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager[V]{
		config:   cfg,
		registry: o.registry,
		keyer:    o.keyer,
		codec:    JSONCodec[V]{},
		now:      o.now,
		logger:   o.logger,
		tracer:   observe.NewNoopTracer(),
	}

	metrics := observe.NoopMetrics()
	if o.observer != nil {
		var err error
		if metrics, err = observe.NewMetrics(o.observer.Meter()); err != nil {
			return nil, fmt.Errorf("cache: create metrics: %w", err)
		}
		m.tracer = observe.NewTracer(o.observer.Tracer())
		if m.logger == nil {
			m.logger = o.observer.Logger()
		}
	}
	if m.logger == nil {
		m.logger = observe.NopLogger()
	}
	if m.registry == nil {
		m.registry = cfg.Registry()
	}
	if m.keyer == nil {
		m.keyer = NewDefaultKeyer()
	}
	if o.codec != nil {
		codec, ok := o.codec.(Codec[V])
		if !ok {
			var zero V
			return nil, fmt.Errorf("%w: codec %T cannot encode %T", ErrInvalidConfig, o.codec, zero)
		}
		m.codec = codec
	}

	fs := o.fs
	if fs == nil {
		fs = osfs.New(cfg.StoreRoot)
	}

	durable, err := NewDurableTier(fs, DurableConfig{
		MaxBytes:       cfg.MaxDurableBytes,
		PriorityWeight: cfg.Scoring.DurablePriorityWeight,
		AgeDivisor:     cfg.Scoring.DurableAgeDivisor,
		SizeDivisor:    cfg.Scoring.DurableSizeDivisor,
		TargetRatio:    cfg.Scoring.DurableTargetRatio,
		Now:            m.now,
	})
	if err != nil {
		return nil, err
	}
	m.durable = durable

	m.memory = NewMemoryTier[V](MemoryConfig{
		MaxEntries:     cfg.MaxMemoryEntries,
		PriorityWeight: cfg.Scoring.MemoryPriorityWeight,
		EvictFraction:  cfg.Scoring.MemoryEvictFraction,
		Now:            m.now,
	})

	m.stats = newStats(metrics)
	m.loads = observe.NewMiddleware(m.tracer, metrics, m.logger)
	m.writes = resilience.NewExecutor(
		resilience.WithCircuitBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			Now:          m.now,
			OnStateChange: func(from, to resilience.State) {
				m.logger.Warn(context.Background(), "durable write circuit changed state",
					observe.F("from", from.String()),
					observe.F("to", to.String()),
				)
			},
		})),
		resilience.WithRetry(resilience.NewRetry(resilience.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: 10 * time.Millisecond,
		})),
	)
	m.maint = newMaintainer(cfg, m.memory, m.durable, m.stats, m.snapshot, m.logger, m.tracer, m.now)

	return m, nil
}

// resolve returns the policy for category. In strict mode an unknown
// category is logged and reported as not ok.
func (m *Manager[V]) resolve(ctx context.Context, op, category string) (Policy, bool) {
	policy, err := m.registry.ResolveStrict(category)
	if err != nil {
		m.logger.Error(ctx, "cache category rejected",
			observe.F("op", op),
			observe.F("category", category),
			observe.F("error", err),
		)
		return Policy{}, false
	}
	return policy, true
}

func (m *Manager[V]) key(ctx context.Context, op, category string, params Params) (string, bool) {
	key, err := m.keyer.Key(category, params)
	if err == nil {
		err = ValidateKey(key)
	}
	if err != nil {
		m.logger.Error(ctx, "cache key derivation failed",
			observe.F("op", op),
			observe.F("category", category),
			observe.F("error", err),
		)
		return "", false
	}
	return key, true
}

// Get returns the cached value for (category, params). It checks the memory
// tier, then the durable tier, and promotes durable hits into memory when
// the category's policy allows.
func (m *Manager[V]) Get(ctx context.Context, category string, params Params) (V, bool) {
	var zero V
	ctx, span := m.tracer.StartSpan(ctx, observe.OpMeta{Op: "get", Category: category})
	defer m.tracer.EndSpan(span, nil)

	policy, ok := m.resolve(ctx, "get", category)
	if !ok {
		return zero, false
	}
	key, ok := m.key(ctx, "get", category, params)
	if !ok {
		return zero, false
	}

	if entry, ok := m.memory.Get(key); ok {
		m.stats.lookup(ctx, observe.TierMemory, category, true)
		return entry.Value, true
	}
	m.stats.lookup(ctx, observe.TierMemory, category, false)

	payload, meta, err := m.durable.Get(key, category)
	if err != nil {
		m.durableMiss(ctx, category, key, err)
		return zero, false
	}

	value, err := m.codec.Unmarshal(payload)
	if err != nil {
		m.logger.Warn(ctx, "cache payload could not be decoded",
			observe.F("category", category),
			observe.F("key", key),
			observe.F("error", err),
		)
		if _, derr := m.durable.Delete(key); derr != nil {
			m.logger.Warn(ctx, "cache corrupt entry removal failed", observe.F("key", key), observe.F("error", derr))
		}
		m.stats.removed(ctx, observe.OpMeta{Op: "get", Category: category, Tier: observe.TierDurable}, observe.ReasonCorrupt, 1)
		m.stats.lookup(ctx, observe.TierDurable, category, false)
		return zero, false
	}

	m.stats.lookup(ctx, observe.TierDurable, category, true)
	m.stats.bytes(ctx, category, observe.DirectionRead, len(payload))

	if policy.MemoryEligible {
		evicted := m.memory.Put(key, Entry[V]{
			Value:     value,
			CreatedAt: meta.CreatedAt,
			Category:  category,
			Policy:    meta.Policy,
		})
		m.stats.removed(ctx, observe.OpMeta{Op: "get", Category: category, Tier: observe.TierMemory}, observe.ReasonCapacity, evicted)
	}

	return value, true
}

func (m *Manager[V]) durableMiss(ctx context.Context, category, key string, err error) {
	m.stats.lookup(ctx, observe.TierDurable, category, false)

	meta := observe.OpMeta{Op: "get", Category: category, Tier: observe.TierDurable}
	switch {
	case errors.Is(err, ErrNotFound):
	case errors.Is(err, ErrCorruptEntry):
		m.stats.removed(ctx, meta, observe.ReasonCorrupt, 1)
		m.logger.Warn(ctx, "cache entry corrupt, discarded", observe.F("key", key), observe.F("error", err))
	case errors.Is(err, ErrOrphanedEntry):
		m.stats.removed(ctx, meta, observe.ReasonOrphan, 1)
		m.logger.Warn(ctx, "cache entry orphaned, discarded", observe.F("key", key), observe.F("error", err))
	default:
		m.logger.Error(ctx, "cache durable read failed", observe.F("key", key), observe.F("error", err))
	}
}

// Put caches value for (category, params). The value goes to the memory
// tier when the policy allows and always to the durable tier. A failed
// durable write leaves a memory-only entry and is logged, not returned.
func (m *Manager[V]) Put(ctx context.Context, value V, category string, params Params) {
	ctx, span := m.tracer.StartSpan(ctx, observe.OpMeta{Op: "put", Category: category})
	defer m.tracer.EndSpan(span, nil)

	policy, ok := m.resolve(ctx, "put", category)
	if !ok {
		return
	}
	key, ok := m.key(ctx, "put", category, params)
	if !ok {
		return
	}

	now := m.now()
	if policy.MemoryEligible {
		evicted := m.memory.Put(key, Entry[V]{
			Value:     value,
			CreatedAt: now,
			Category:  category,
			Policy:    policy,
		})
		m.stats.removed(ctx, observe.OpMeta{Op: "put", Category: category, Tier: observe.TierMemory}, observe.ReasonCapacity, evicted)
	}

	payload, err := m.codec.Marshal(value)
	if err != nil {
		m.logger.Error(ctx, "cache payload could not be encoded",
			observe.F("category", category),
			observe.F("error", err),
		)
		return
	}

	meta := Metadata{
		Category:  category,
		CreatedAt: now,
		Params:    summarizeParams(params),
		Policy:    policy,
	}
	err = m.writes.Execute(ctx, func(context.Context) error {
		return m.durable.Put(key, payload, meta)
	})
	if err != nil {
		m.stats.writeFailure(ctx, category)
		m.logger.Warn(ctx, "cache durable write failed",
			observe.F("category", category),
			observe.F("key", key),
			observe.F("memory_only", policy.MemoryEligible),
			observe.F("error", err),
		)
		return
	}
	m.stats.bytes(ctx, category, observe.DirectionWrite, len(payload))

	evicted, err := m.durable.EnforceCapacity()
	m.stats.removed(ctx, observe.OpMeta{Op: "put", Category: category, Tier: observe.TierDurable}, observe.ReasonCapacity, evicted)
	if err != nil {
		m.logger.Error(ctx, "cache capacity enforcement failed", observe.F("error", err))
	}
}

// Invalidate removes entries and returns how many distinct keys it removed.
//
//   - params non-nil: the single entry for (category, params).
//   - params nil, category set: every entry of category in either tier.
//   - params nil, category empty: everything.
func (m *Manager[V]) Invalidate(ctx context.Context, category string, params Params) int {
	ctx, span := m.tracer.StartSpan(ctx, observe.OpMeta{Op: "invalidate", Category: category})
	defer m.tracer.EndSpan(span, nil)

	var (
		memKeys []string
		durKeys []string
		err     error
	)

	switch {
	case params == nil && category == "":
		memKeys = m.memory.Clear()
		durKeys, err = m.durable.Clear()

	case params == nil:
		if _, ok := m.resolve(ctx, "invalidate", category); !ok {
			return 0
		}
		durKeys, err = m.durable.DeleteCategory(category)
		memKeys = m.memory.DeleteCategory(category)

	default:
		if _, ok := m.resolve(ctx, "invalidate", category); !ok {
			return 0
		}
		key, ok := m.key(ctx, "invalidate", category, params)
		if !ok {
			return 0
		}
		if m.memory.Delete(key) {
			memKeys = []string{key}
		}
		var removed bool
		if removed, err = m.durable.Delete(key); removed {
			durKeys = []string{key}
		}
	}

	if err != nil {
		m.logger.Error(ctx, "cache invalidation incomplete",
			observe.F("category", category),
			observe.F("error", err),
		)
	}

	seen := make(map[string]struct{}, len(memKeys)+len(durKeys))
	for _, k := range memKeys {
		seen[k] = struct{}{}
	}
	for _, k := range durKeys {
		seen[k] = struct{}{}
	}

	n := len(seen)
	m.stats.removed(ctx, observe.OpMeta{Op: "invalidate", Category: category}, observe.ReasonInvalidate, n)
	m.logger.Debug(ctx, "cache invalidated", observe.F("category", category), observe.F("removed", n))
	return n
}

// LoadFunc produces a value on a cache miss.
type LoadFunc[V any] func(ctx context.Context) (V, error)

// GetOrLoad returns the cached value or runs load, caches its result, and
// returns it. Concurrent misses for the same key share one load call.
// Loader errors are returned and nothing is cached.
func (m *Manager[V]) GetOrLoad(ctx context.Context, category string, params Params, load LoadFunc[V]) (V, error) {
	if v, ok := m.Get(ctx, category, params); ok {
		return v, nil
	}

	var zero V
	wrapped := m.loads.Wrap(func(ctx context.Context, _ observe.OpMeta) (any, error) {
		return load(ctx)
	})
	meta := observe.OpMeta{Op: "load", Category: category}

	key, err := m.keyer.Key(category, params)
	if err != nil {
		res, err := wrapped(ctx, meta)
		if err != nil {
			return zero, err
		}
		v, _ := res.(V)
		return v, nil
	}

	res, err, _ := m.flights.Do(key, func() (any, error) {
		res, err := wrapped(ctx, meta)
		if err != nil {
			return nil, err
		}
		v, _ := res.(V)
		m.Put(ctx, v, category, params)
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}

// Start launches the maintenance task. It returns ErrClosed after Close and
// is a no-op when the task is already running.
func (m *Manager[V]) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrClosed
	}
	if m.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		_ = m.maint.Run(runCtx)
	}(m.done)

	m.logger.Info(ctx, "cache maintenance started",
		observe.F("interval", m.config.MaintenanceInterval.String()),
	)
	return nil
}

// Close stops the maintenance task and waits for an in-flight pass to
// finish or ctx to end. The tiers stay usable.
func (m *Manager[V]) Close(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		m.logger.Info(ctx, "cache maintenance stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager[V]) snapshot(now time.Time) StatsSnapshot {
	s := m.stats.snapshot(now)
	s.Memory.Entries = m.memory.Len()
	s.Durable.UsedBytes = m.durable.Usage()
	return s
}

// Stats returns the current counters.
func (m *Manager[V]) Stats() StatsSnapshot {
	return m.snapshot(m.now())
}

// Registry returns the policy registry.
func (m *Manager[V]) Registry() *Registry {
	return m.registry
}

// Maintainer returns the maintenance task, for hosts that schedule passes
// themselves with RunOnce.
func (m *Manager[V]) Maintainer() *Maintainer {
	return m.maint
}

// HealthCheckers returns checkers for durable tier usage and maintenance.
func (m *Manager[V]) HealthCheckers() []health.Checker {
	durable := health.NewCapacityChecker("durable_tier", health.CapacityCheckerConfig{
		WarningThreshold:  1.0,
		CriticalThreshold: 1.25,
	}, func(context.Context) (int64, int64, error) {
		return m.durable.Usage(), m.durable.Capacity(), nil
	})

	return []health.Checker{durable, m.maint.Checker()}
}
