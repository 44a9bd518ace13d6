package cache

import "time"

// Entry is one cached value together with the policy it was written under.
// A tier owns its entries; promotion between tiers copies.
type Entry[V any] struct {
	Value     V
	CreatedAt time.Time
	Category  string
	Policy    Policy
}

// Expired reports whether the entry is past its policy's MaxAge at now.
func (e Entry[V]) Expired(now time.Time) bool {
	return e.Policy.Expired(e.CreatedAt, now)
}

// Age returns how long ago the entry was written.
func (e Entry[V]) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}
