package cache

import (
	"fmt"
	"sort"
	"time"
)

// Well-known data categories.
const (
	CategoryRecentSnapshot   = "recent-snapshot"
	CategoryDerivedAnalytics = "derived-analytics"
	CategoryLongLivedResult  = "long-lived-result"
)

// Policy configures how entries of one data category are cached.
// Policies are values; a resolved Policy is never mutated.
type Policy struct {
	// MaxAge is how long an entry stays valid after it is written.
	MaxAge time.Duration `yaml:"max_age" json:"max_age"`

	// Priority weights eviction scoring. Higher priority tolerates more age
	// before eviction.
	Priority int `yaml:"priority" json:"priority"`

	// MemoryEligible admits entries into the memory tier. Ineligible entries
	// live in the durable tier only.
	MemoryEligible bool `yaml:"memory_eligible" json:"memory_eligible"`
}

// DefaultPolicy returns the fallback policy for unregistered categories.
// MaxAge: 30 minutes, Priority: 1, MemoryEligible: true
func DefaultPolicy() Policy {
	return Policy{
		MaxAge:         30 * time.Minute,
		Priority:       1,
		MemoryEligible: true,
	}
}

// DefaultPolicies returns the built-in policies for the well-known categories.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		CategoryRecentSnapshot: {
			MaxAge:         15 * time.Minute,
			Priority:       8,
			MemoryEligible: true,
		},
		CategoryDerivedAnalytics: {
			MaxAge:         time.Hour,
			Priority:       5,
			MemoryEligible: true,
		},
		CategoryLongLivedResult: {
			MaxAge:         24 * time.Hour,
			Priority:       3,
			MemoryEligible: false,
		},
	}
}

// Validate checks that the policy can expire entries and has a sane priority.
func (p Policy) Validate() error {
	if p.MaxAge <= 0 {
		return fmt.Errorf("%w: max_age must be positive, got %s", ErrInvalidPolicy, p.MaxAge)
	}
	if p.Priority < 0 {
		return fmt.Errorf("%w: priority must not be negative, got %d", ErrInvalidPolicy, p.Priority)
	}
	return nil
}

// Expired reports whether an entry created at createdAt is past MaxAge at now.
// An entry is valid while now - createdAt <= MaxAge.
func (p Policy) Expired(createdAt, now time.Time) bool {
	return now.Sub(createdAt) > p.MaxAge
}

// Registry maps data categories to policies. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	fallback Policy
	policies map[string]Policy
	strict   bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStrict makes ResolveStrict reject categories without a registered
// policy instead of falling back to the default.
func WithStrict(strict bool) RegistryOption {
	return func(r *Registry) {
		r.strict = strict
	}
}

// NewRegistry creates a registry with the given fallback and per-category
// policies. The policies map is copied.
func NewRegistry(fallback Policy, policies map[string]Policy, opts ...RegistryOption) *Registry {
	r := &Registry{
		fallback: fallback,
		policies: make(map[string]Policy, len(policies)),
	}
	for category, p := range policies {
		r.policies[category] = p
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the policy registered for category, or the fallback
// policy when none is registered.
func (r *Registry) Resolve(category string) Policy {
	if p, ok := r.policies[category]; ok {
		return p
	}
	return r.fallback
}

// Lookup returns the policy registered for category and whether it exists.
func (r *Registry) Lookup(category string) (Policy, bool) {
	p, ok := r.policies[category]
	return p, ok
}

// ResolveStrict is Resolve for strict registries: unknown categories yield
// ErrUnknownCategory. On a non-strict registry it never fails.
func (r *Registry) ResolveStrict(category string) (Policy, error) {
	if p, ok := r.policies[category]; ok {
		return p, nil
	}
	if r.strict {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return r.fallback, nil
}

// Strict reports whether the registry rejects unknown categories.
func (r *Registry) Strict() bool {
	return r.strict
}

// Fallback returns the policy used for unregistered categories.
func (r *Registry) Fallback() Policy {
	return r.fallback
}

// Categories returns the registered category names, sorted.
func (r *Registry) Categories() []string {
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
