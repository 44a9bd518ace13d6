// Package observe provides observability primitives for the tiered cache.
//
// It is a pure instrumentation library: an Observer owns the OpenTelemetry
// tracer and meter providers, Logger writes structured JSON through zerolog,
// Metrics records lookups, evictions and byte flow per tier, and Middleware
// instruments read-through loaders. The cache package consumes these through
// interfaces so every piece can be swapped for a no-op.
package observe
