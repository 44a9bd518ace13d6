package cache

import (
	"math"
	"sort"
	"sync"
	"time"
)

// MemoryConfig configures a MemoryTier.
type MemoryConfig struct {
	// MaxEntries bounds the tier. Default: 1000
	MaxEntries int

	// PriorityWeight is the number of seconds of age one priority point
	// offsets when scoring eviction candidates. Default: 3600
	PriorityWeight float64

	// EvictFraction is the share of MaxEntries evicted in one batch when a
	// new key arrives at capacity. Default: 0.2
	EvictFraction float64

	// Now supplies the current time. Default: time.Now
	Now func() time.Time
}

// MemoryTier is a bounded in-process map of entries. Inserting a new key at
// capacity evicts the lowest-scoring batch, where
// score = priority*PriorityWeight - age_seconds.
//
// Reads are lazy: an expired entry reads as a miss but stays until
// EvictExpired or eviction removes it.
type MemoryTier[V any] struct {
	config  MemoryConfig
	mu      sync.RWMutex
	entries map[string]Entry[V]
}

// NewMemoryTier creates an empty memory tier.
func NewMemoryTier[V any](config MemoryConfig) *MemoryTier[V] {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1000
	}
	if config.PriorityWeight <= 0 {
		config.PriorityWeight = 3600
	}
	if config.EvictFraction <= 0 || config.EvictFraction > 1 {
		config.EvictFraction = 0.2
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &MemoryTier[V]{
		config:  config,
		entries: make(map[string]Entry[V], config.MaxEntries),
	}
}

// Get returns the entry for key if present and not expired.
func (t *MemoryTier[V]) Get(key string) (Entry[V], bool) {
	t.mu.RLock()
	entry, ok := t.entries[key]
	t.mu.RUnlock()

	if !ok || entry.Expired(t.config.Now()) {
		return Entry[V]{}, false
	}
	return entry, true
}

// Put stores entry under key and returns how many entries were evicted to
// make room. Replacing an existing key never evicts.
func (t *MemoryTier[V]) Put(key string, entry Entry[V]) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[key]; exists {
		delete(t.entries, key)
		t.entries[key] = entry
		return 0
	}

	evicted := 0
	if len(t.entries) >= t.config.MaxEntries {
		evicted = t.evictLocked(t.batchSizeLocked())
	}
	t.entries[key] = entry
	return evicted
}

// batchSizeLocked returns ceil(EvictFraction*MaxEntries), at least one, and
// at least enough to bring the map back under MaxEntries.
func (t *MemoryTier[V]) batchSizeLocked() int {
	n := int(math.Ceil(t.config.EvictFraction * float64(t.config.MaxEntries)))
	if over := len(t.entries) - t.config.MaxEntries + 1; over > n {
		n = over
	}
	if n < 1 {
		n = 1
	}
	return n
}

type memoryCandidate struct {
	key       string
	score     float64
	createdAt time.Time
}

func (t *MemoryTier[V]) evictLocked(n int) int {
	now := t.config.Now()
	candidates := make([]memoryCandidate, 0, len(t.entries))
	for key, e := range t.entries {
		candidates = append(candidates, memoryCandidate{
			key:       key,
			score:     float64(e.Policy.Priority)*t.config.PriorityWeight - e.Age(now).Seconds(),
			createdAt: e.CreatedAt,
		})
	}
	sortCandidates(candidates)

	if n > len(candidates) {
		n = len(candidates)
	}
	for _, c := range candidates[:n] {
		delete(t.entries, c.key)
	}
	return n
}

func sortCandidates(c []memoryCandidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].score != c[j].score {
			return c[i].score < c[j].score
		}
		if !c[i].createdAt.Equal(c[j].createdAt) {
			return c[i].createdAt.Before(c[j].createdAt)
		}
		return c[i].key < c[j].key
	})
}

// EvictExpired removes every expired entry and returns how many it removed.
// Candidates are collected under the read lock; an entry replaced in the
// meantime is left alone.
func (t *MemoryTier[V]) EvictExpired() int {
	now := t.config.Now()

	t.mu.RLock()
	expired := make(map[string]time.Time)
	for key, e := range t.entries {
		if e.Expired(now) {
			expired[key] = e.CreatedAt
		}
	}
	t.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, createdAt := range expired {
		if e, ok := t.entries[key]; ok && e.CreatedAt.Equal(createdAt) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

// Delete removes key and reports whether it was present.
func (t *MemoryTier[V]) Delete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[key]
	delete(t.entries, key)
	return ok
}

// DeleteCategory removes every entry of category and returns the removed keys.
func (t *MemoryTier[V]) DeleteCategory(category string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for key, e := range t.entries {
		if e.Category == category {
			delete(t.entries, key)
			removed = append(removed, key)
		}
	}
	return removed
}

// Clear removes every entry and returns the removed keys.
func (t *MemoryTier[V]) Clear() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.entries))
	for key := range t.entries {
		keys = append(keys, key)
	}
	t.entries = make(map[string]Entry[V], t.config.MaxEntries)
	return keys
}

// Len returns the number of stored entries, expired or not.
func (t *MemoryTier[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Keys returns the stored keys, sorted.
func (t *MemoryTier[V]) Keys() []string {
	t.mu.RLock()
	keys := make([]string, 0, len(t.entries))
	for key := range t.entries {
		keys = append(keys, key)
	}
	t.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Capacity returns the configured maximum number of entries.
func (t *MemoryTier[V]) Capacity() int {
	return t.config.MaxEntries
}
