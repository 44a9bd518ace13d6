package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Eviction reasons.
const (
	ReasonCapacity   = "capacity"
	ReasonExpired    = "expired"
	ReasonInvalidate = "invalidate"
	ReasonCorrupt    = "corrupt"
	ReasonOrphan     = "orphan"
)

// Byte flow directions.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// Metrics records cache activity.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordLookup records a hit or miss against one tier.
	RecordLookup(ctx context.Context, meta OpMeta, hit bool)

	// RecordEviction records n entries removed from a tier for reason.
	RecordEviction(ctx context.Context, meta OpMeta, reason string, n int)

	// RecordBytes records payload bytes moved to or from the durable tier.
	RecordBytes(ctx context.Context, meta OpMeta, direction string, n int64)

	// RecordWriteFailure records a failed durable write.
	RecordWriteFailure(ctx context.Context, meta OpMeta)

	// RecordLoad records a read-through loader invocation.
	RecordLoad(ctx context.Context, meta OpMeta, duration time.Duration, err error)
}

type metricsImpl struct {
	lookups       metric.Int64Counter
	evictions     metric.Int64Counter
	bytes         metric.Int64Counter
	writeFailures metric.Int64Counter
	loads         metric.Int64Counter
	loadErrors    metric.Int64Counter
	loadDuration  metric.Float64Histogram
}

// NewMetrics creates the cache instruments on meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	lookups, err := meter.Int64Counter(
		"cache.lookups",
		metric.WithDescription("Cache lookups by tier and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"cache.evictions",
		metric.WithDescription("Entries removed from a tier"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	bytes, err := meter.Int64Counter(
		"cache.bytes",
		metric.WithDescription("Durable payload bytes read and written"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	writeFailures, err := meter.Int64Counter(
		"cache.write_failures",
		metric.WithDescription("Durable writes that failed"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, err
	}

	loads, err := meter.Int64Counter(
		"cache.loads",
		metric.WithDescription("Read-through loader invocations"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	loadErrors, err := meter.Int64Counter(
		"cache.load_errors",
		metric.WithDescription("Read-through loader failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	loadDuration, err := meter.Float64Histogram(
		"cache.load.duration_ms",
		metric.WithDescription("Read-through loader duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		lookups:       lookups,
		evictions:     evictions,
		bytes:         bytes,
		writeFailures: writeFailures,
		loads:         loads,
		loadErrors:    loadErrors,
		loadDuration:  loadDuration,
	}, nil
}

func (m *metricsImpl) RecordLookup(ctx context.Context, meta OpMeta, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	attrs := append(meta.attributes(), attribute.String("cache.result", result))
	m.lookups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metricsImpl) RecordEviction(ctx context.Context, meta OpMeta, reason string, n int) {
	if n <= 0 {
		return
	}
	attrs := append(meta.attributes(), attribute.String("cache.reason", reason))
	m.evictions.Add(ctx, int64(n), metric.WithAttributes(attrs...))
}

func (m *metricsImpl) RecordBytes(ctx context.Context, meta OpMeta, direction string, n int64) {
	if n <= 0 {
		return
	}
	attrs := append(meta.attributes(), attribute.String("cache.direction", direction))
	m.bytes.Add(ctx, n, metric.WithAttributes(attrs...))
}

func (m *metricsImpl) RecordWriteFailure(ctx context.Context, meta OpMeta) {
	m.writeFailures.Add(ctx, 1, metric.WithAttributes(meta.attributes()...))
}

func (m *metricsImpl) RecordLoad(ctx context.Context, meta OpMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(meta.attributes()...)
	m.loads.Add(ctx, 1, opt)
	if err != nil {
		m.loadErrors.Add(ctx, 1, opt)
	}
	m.loadDuration.Record(ctx, float64(duration.Milliseconds()), opt)
}

type noopMetrics struct{}

// NoopMetrics returns a Metrics that records nothing.
func NoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) RecordLookup(context.Context, OpMeta, bool)               {}
func (noopMetrics) RecordEviction(context.Context, OpMeta, string, int)      {}
func (noopMetrics) RecordBytes(context.Context, OpMeta, string, int64)       {}
func (noopMetrics) RecordWriteFailure(context.Context, OpMeta)               {}
func (noopMetrics) RecordLoad(context.Context, OpMeta, time.Duration, error) {}
