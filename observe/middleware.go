package observe

import (
	"context"
	"time"
)

// LoadFunc produces a value on a cache miss.
type LoadFunc func(ctx context.Context, meta OpMeta) (any, error)

// Middleware wraps read-through loaders with tracing, metrics, and logging.
//
// Contract:
//   - Concurrency: Wrap() returns a thread-safe LoadFunc.
//   - Context: Propagates context through tracing spans.
//   - Errors: Errors from the wrapped loader are recorded and returned unchanged.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a new Middleware with the given observability components.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// Wrap wraps a LoadFunc with tracing, metrics, and logging.
func (m *Middleware) Wrap(fn LoadFunc) LoadFunc {
	return func(ctx context.Context, meta OpMeta) (any, error) {
		ctx, span := m.tracer.StartSpan(ctx, meta)
		start := time.Now()

		result, err := fn(ctx, meta)

		duration := time.Since(start)
		m.tracer.EndSpan(span, err)
		m.metrics.RecordLoad(ctx, meta, duration, err)

		log := m.logger.WithOp(meta)
		fields := []Field{F("duration_ms", float64(duration.Milliseconds()))}
		if err != nil {
			fields = append(fields, F("error", err))
			log.Warn(ctx, "cache load failed", fields...)
		} else {
			log.Debug(ctx, "cache load completed", fields...)
		}

		return result, err
	}
}

// MiddlewareFromObserver builds a Middleware from an Observer's providers.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}
	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}
