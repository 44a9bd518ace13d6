package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jonwraymond/tiercache/observe"
)

func TestStatsSnapshot_HitRatio(t *testing.T) {
	assert.Zero(t, StatsSnapshot{}.HitRatio())

	s := StatsSnapshot{
		Memory:  MemoryStats{Hits: 6, Misses: 4},
		Durable: DurableStats{Hits: 2, Misses: 2},
	}
	assert.InDelta(t, 0.8, s.HitRatio(), 1e-9)
}

func TestStats_RemovedRouting(t *testing.T) {
	ctx := context.Background()
	s := newStats(nil)
	mem := observe.OpMeta{Op: "maintenance", Tier: observe.TierMemory}
	dur := observe.OpMeta{Op: "maintenance", Tier: observe.TierDurable}

	s.removed(ctx, mem, observe.ReasonCapacity, 2)
	s.removed(ctx, mem, observe.ReasonExpired, 3)
	s.removed(ctx, dur, observe.ReasonCapacity, 4)
	s.removed(ctx, dur, observe.ReasonExpired, 5)
	s.removed(ctx, dur, observe.ReasonCorrupt, 1)
	s.removed(ctx, dur, observe.ReasonOrphan, 6)
	s.removed(ctx, observe.OpMeta{Op: "invalidate"}, observe.ReasonInvalidate, 7)
	s.removed(ctx, dur, observe.ReasonCapacity, 0)

	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	snap := s.snapshot(now)

	assert.Equal(t, now, snap.TakenAt)
	assert.Equal(t, int64(2), snap.Memory.Evictions)
	assert.Equal(t, int64(3), snap.Memory.Expirations)
	assert.Equal(t, int64(4), snap.Durable.Evictions)
	assert.Equal(t, int64(5), snap.Durable.Expirations)
	assert.Equal(t, int64(1), snap.Durable.Corrupt)
	assert.Equal(t, int64(6), snap.Durable.OrphansRemoved)
	assert.Equal(t, int64(7), snap.Invalidations)
}

func TestStats_LookupsAndBytes(t *testing.T) {
	ctx := context.Background()
	s := newStats(nil)

	s.lookup(ctx, observe.TierMemory, "a", true)
	s.lookup(ctx, observe.TierMemory, "a", false)
	s.lookup(ctx, observe.TierDurable, "a", true)
	s.lookup(ctx, observe.TierDurable, "a", false)
	s.bytes(ctx, "a", observe.DirectionRead, 10)
	s.bytes(ctx, "a", observe.DirectionWrite, 20)
	s.writeFailure(ctx, "a")

	snap := s.snapshot(time.Time{})
	assert.Equal(t, int64(1), snap.Memory.Hits)
	assert.Equal(t, int64(1), snap.Memory.Misses)
	assert.Equal(t, int64(1), snap.Durable.Hits)
	assert.Equal(t, int64(1), snap.Durable.Misses)
	assert.Equal(t, int64(10), snap.Durable.BytesRead)
	assert.Equal(t, int64(20), snap.Durable.BytesWritten)
	assert.Equal(t, int64(1), snap.Durable.WriteFailures)
}
