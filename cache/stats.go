package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonwraymond/tiercache/observe"
)

// MemoryStats are cumulative memory tier counters.
type MemoryStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Entries     int   `json:"entries"`
}

// DurableStats are cumulative durable tier counters.
type DurableStats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Evictions      int64 `json:"evictions"`
	Expirations    int64 `json:"expirations"`
	BytesRead      int64 `json:"bytes_read"`
	BytesWritten   int64 `json:"bytes_written"`
	WriteFailures  int64 `json:"write_failures"`
	Corrupt        int64 `json:"corrupt"`
	OrphansRemoved int64 `json:"orphans_removed"`
	UsedBytes      int64 `json:"used_bytes"`
}

// StatsSnapshot is a point-in-time copy of the cache counters. The
// maintenance task persists one per pass.
type StatsSnapshot struct {
	TakenAt       time.Time    `json:"taken_at"`
	Memory        MemoryStats  `json:"memory"`
	Durable       DurableStats `json:"durable"`
	Invalidations int64        `json:"invalidations"`
}

// HitRatio returns the share of lookups served by either tier, or zero
// before the first lookup.
func (s StatsSnapshot) HitRatio() float64 {
	lookups := s.Memory.Hits + s.Memory.Misses
	if lookups == 0 {
		return 0
	}
	return float64(s.Memory.Hits+s.Durable.Hits) / float64(lookups)
}

// Stats holds lock-free counters and mirrors every update to otel
// instruments.
type Stats struct {
	metrics observe.Metrics

	memHits        atomic.Int64
	memMisses      atomic.Int64
	memEvictions   atomic.Int64
	memExpirations atomic.Int64

	durHits        atomic.Int64
	durMisses      atomic.Int64
	durEvictions   atomic.Int64
	durExpirations atomic.Int64
	bytesRead      atomic.Int64
	bytesWritten   atomic.Int64
	writeFailures  atomic.Int64
	corrupt        atomic.Int64
	orphans        atomic.Int64

	invalidations atomic.Int64
}

func newStats(metrics observe.Metrics) *Stats {
	if metrics == nil {
		metrics = observe.NoopMetrics()
	}
	return &Stats{metrics: metrics}
}

func (s *Stats) lookup(ctx context.Context, tier, category string, hit bool) {
	switch {
	case tier == observe.TierMemory && hit:
		s.memHits.Add(1)
	case tier == observe.TierMemory:
		s.memMisses.Add(1)
	case hit:
		s.durHits.Add(1)
	default:
		s.durMisses.Add(1)
	}
	s.metrics.RecordLookup(ctx, observe.OpMeta{Op: "get", Category: category, Tier: tier}, hit)
}

func (s *Stats) removed(ctx context.Context, meta observe.OpMeta, reason string, n int) {
	if n <= 0 {
		return
	}
	delta := int64(n)

	switch {
	case reason == observe.ReasonInvalidate:
		s.invalidations.Add(delta)
	case meta.Tier == observe.TierMemory && reason == observe.ReasonCapacity:
		s.memEvictions.Add(delta)
	case meta.Tier == observe.TierMemory && reason == observe.ReasonExpired:
		s.memExpirations.Add(delta)
	case reason == observe.ReasonCapacity:
		s.durEvictions.Add(delta)
	case reason == observe.ReasonExpired:
		s.durExpirations.Add(delta)
	case reason == observe.ReasonCorrupt:
		s.corrupt.Add(delta)
	case reason == observe.ReasonOrphan:
		s.orphans.Add(delta)
	}
	s.metrics.RecordEviction(ctx, meta, reason, n)
}

func (s *Stats) bytes(ctx context.Context, category, direction string, n int) {
	if direction == observe.DirectionRead {
		s.bytesRead.Add(int64(n))
	} else {
		s.bytesWritten.Add(int64(n))
	}
	meta := observe.OpMeta{Op: "get", Category: category, Tier: observe.TierDurable}
	if direction == observe.DirectionWrite {
		meta.Op = "put"
	}
	s.metrics.RecordBytes(ctx, meta, direction, int64(n))
}

func (s *Stats) writeFailure(ctx context.Context, category string) {
	s.writeFailures.Add(1)
	s.metrics.RecordWriteFailure(ctx, observe.OpMeta{Op: "put", Category: category, Tier: observe.TierDurable})
}

func (s *Stats) snapshot(now time.Time) StatsSnapshot {
	return StatsSnapshot{
		TakenAt: now,
		Memory: MemoryStats{
			Hits:        s.memHits.Load(),
			Misses:      s.memMisses.Load(),
			Evictions:   s.memEvictions.Load(),
			Expirations: s.memExpirations.Load(),
		},
		Durable: DurableStats{
			Hits:           s.durHits.Load(),
			Misses:         s.durMisses.Load(),
			Evictions:      s.durEvictions.Load(),
			Expirations:    s.durExpirations.Load(),
			BytesRead:      s.bytesRead.Load(),
			BytesWritten:   s.bytesWritten.Load(),
			WriteFailures:  s.writeFailures.Load(),
			Corrupt:        s.corrupt.Load(),
			OrphansRemoved: s.orphans.Load(),
		},
		Invalidations: s.invalidations.Load(),
	}
}
