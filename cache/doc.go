// Package cache provides a two-tier cache for expensive artifacts such as
// fetched market snapshots, derived analytics, and computed results.
//
// Entries are keyed by a data category and a parameter map. Each category
// maps to a Policy (max age, eviction priority, memory eligibility) held in
// a Registry. The Manager checks a bounded in-process MemoryTier first and
// falls back to a DurableTier on disk, promoting durable hits into memory.
// Every Put reaches the durable tier, so cached values survive restarts.
//
// # Usage
//
//	cfg := cache.DefaultConfig()
//	cfg.StoreRoot = "/var/cache/quant"
//
//	m, err := cache.NewManager[cache.Dataset](cfg, cache.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := m.Start(ctx); err != nil {
//	    return err
//	}
//	defer m.Close(ctx)
//
//	params := cache.Params{"exchange": "X", "symbol": "BTC/USDT", "interval": "1m"}
//	df, err := m.GetOrLoad(ctx, cache.CategoryRecentSnapshot, params, fetch)
//
// # Durable layout
//
// The durable root holds payload/<key>.bin, meta/<key>.json, stats/<ulid>.json,
// and a tmp/ staging directory. Metadata is published only after its payload,
// so a visible metadata record always refers to a complete payload.
//
// # Maintenance
//
// Start runs a Maintainer that expires both tiers, sweeps orphaned artifacts,
// enforces the durable byte cap, and writes a StatsSnapshot each interval.
package cache
