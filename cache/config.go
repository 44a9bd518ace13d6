package cache

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scoring holds the tunable eviction constants for both tiers.
type Scoring struct {
	// MemoryPriorityWeight is the seconds of age one priority point offsets
	// in the memory tier score.
	MemoryPriorityWeight float64 `yaml:"memory_priority_weight"`
	// MemoryEvictFraction is the share of MaxMemoryEntries evicted per batch.
	MemoryEvictFraction float64 `yaml:"memory_evict_fraction"`

	DurablePriorityWeight float64 `yaml:"durable_priority_weight"`
	DurableAgeDivisor     float64 `yaml:"durable_age_divisor"`
	DurableSizeDivisor    float64 `yaml:"durable_size_divisor"`
	// DurableTargetRatio is the share of MaxDurableBytes capacity
	// enforcement evicts down to.
	DurableTargetRatio float64 `yaml:"durable_target_ratio"`
}

// DefaultScoring returns the default eviction constants.
func DefaultScoring() Scoring {
	return Scoring{
		MemoryPriorityWeight:  3600,
		MemoryEvictFraction:   0.2,
		DurablePriorityWeight: 10,
		DurableAgeDivisor:     3600,
		DurableSizeDivisor:    1 << 20,
		DurableTargetRatio:    0.8,
	}
}

// Config configures a Manager.
type Config struct {
	// StoreRoot is the directory holding durable artifacts. ${VAR}
	// references are expanded by ParseConfig.
	StoreRoot string `yaml:"store_root"`

	MaxMemoryEntries int   `yaml:"max_memory_entries"`
	MaxDurableBytes  int64 `yaml:"max_durable_bytes"`

	// MaintenanceInterval is the period between maintenance passes.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`

	// FailureBackoff is the wait before retrying after a failed pass.
	// Zero means MaintenanceInterval/5.
	FailureBackoff time.Duration `yaml:"failure_backoff"`

	// OrphanGrace is how old a leftover artifact must be before the sweep
	// removes it.
	OrphanGrace time.Duration `yaml:"orphan_grace"`

	// StatsRetention is how many statistics snapshots to keep.
	StatsRetention int `yaml:"stats_retention"`

	// StrictCategories rejects categories without a registered policy
	// instead of applying DefaultPolicy.
	StrictCategories bool `yaml:"strict_categories"`

	Scoring       Scoring           `yaml:"scoring"`
	DefaultPolicy Policy            `yaml:"default_policy"`
	Policies      map[string]Policy `yaml:"policies"`
}

// DefaultConfig returns a configuration with the built-in policies.
func DefaultConfig() Config {
	return Config{
		StoreRoot:           ".tiercache",
		MaxMemoryEntries:    1000,
		MaxDurableBytes:     512 << 20,
		MaintenanceInterval: 5 * time.Minute,
		OrphanGrace:         10 * time.Minute,
		StatsRetention:      288,
		Scoring:             DefaultScoring(),
		DefaultPolicy:       DefaultPolicy(),
		Policies:            DefaultPolicies(),
	}
}

// withDefaults fills derived and zero scoring fields.
func (c Config) withDefaults() Config {
	if c.FailureBackoff == 0 && c.MaintenanceInterval > 0 {
		c.FailureBackoff = c.MaintenanceInterval / 5
	}

	def := DefaultScoring()
	if c.Scoring.MemoryPriorityWeight == 0 {
		c.Scoring.MemoryPriorityWeight = def.MemoryPriorityWeight
	}
	if c.Scoring.MemoryEvictFraction == 0 {
		c.Scoring.MemoryEvictFraction = def.MemoryEvictFraction
	}
	if c.Scoring.DurablePriorityWeight == 0 {
		c.Scoring.DurablePriorityWeight = def.DurablePriorityWeight
	}
	if c.Scoring.DurableAgeDivisor == 0 {
		c.Scoring.DurableAgeDivisor = def.DurableAgeDivisor
	}
	if c.Scoring.DurableSizeDivisor == 0 {
		c.Scoring.DurableSizeDivisor = def.DurableSizeDivisor
	}
	if c.Scoring.DurableTargetRatio == 0 {
		c.Scoring.DurableTargetRatio = def.DurableTargetRatio
	}
	return c
}

// Validate reports every configuration problem, joined.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	if strings.TrimSpace(c.StoreRoot) == "" {
		invalid("store_root is required")
	}
	if c.MaxMemoryEntries <= 0 {
		invalid("max_memory_entries must be positive, got %d", c.MaxMemoryEntries)
	}
	if c.MaxDurableBytes < 0 {
		invalid("max_durable_bytes must not be negative, got %d", c.MaxDurableBytes)
	}
	if c.MaintenanceInterval <= 0 {
		invalid("maintenance_interval must be positive, got %s", c.MaintenanceInterval)
	}
	if c.FailureBackoff < 0 || (c.FailureBackoff > 0 && c.FailureBackoff >= c.MaintenanceInterval) {
		invalid("failure_backoff must be shorter than maintenance_interval, got %s", c.FailureBackoff)
	}
	if c.OrphanGrace < 0 {
		invalid("orphan_grace must not be negative, got %s", c.OrphanGrace)
	}
	if c.StatsRetention < 0 {
		invalid("stats_retention must not be negative, got %d", c.StatsRetention)
	}
	if f := c.Scoring.MemoryEvictFraction; f < 0 || f > 1 {
		invalid("scoring.memory_evict_fraction must be within [0, 1], got %v", f)
	}
	if r := c.Scoring.DurableTargetRatio; r < 0 || r > 1 {
		invalid("scoring.durable_target_ratio must be within [0, 1], got %v", r)
	}
	if c.Scoring.DurableAgeDivisor < 0 || c.Scoring.DurableSizeDivisor < 0 {
		invalid("scoring divisors must not be negative")
	}

	if err := c.DefaultPolicy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: default_policy: %w", ErrInvalidConfig, err))
	}

	categories := make([]string, 0, len(c.Policies))
	for name := range c.Policies {
		categories = append(categories, name)
	}
	sort.Strings(categories)
	for _, name := range categories {
		if strings.TrimSpace(name) == "" {
			invalid("policies: empty category name")
			continue
		}
		if err := c.Policies[name].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: policies.%s: %w", ErrInvalidConfig, name, err))
		}
	}

	return errors.Join(errs...)
}

// Registry builds the policy registry described by the configuration.
func (c *Config) Registry() *Registry {
	return NewRegistry(c.DefaultPolicy, c.Policies, WithStrict(c.StrictCategories))
}

// ParseConfig decodes YAML over DefaultConfig, expands ${VAR} references in
// store_root, and validates the result. Configured policies are merged with
// the built-in ones; a category listed in both takes the configured policy.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse yaml: %w", ErrInvalidConfig, err)
	}

	root, err := expandEnvStrict(cfg.StoreRoot)
	if err != nil {
		return Config{}, fmt.Errorf("%w: store_root: %w", ErrInvalidConfig, err)
	}
	cfg.StoreRoot = root

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cache: reading config %s: %w", path, err)
	}
	return ParseConfig(data)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvStrict expands $VAR and ${VAR}. A ${VAR} whose variable is unset
// is an error; $$ emits a literal $.
func expandEnvStrict(s string) (string, error) {
	const dollarSentinel = "\x00TIERCACHE_DOLLAR\x00"
	s = strings.ReplaceAll(s, "$$", dollarSentinel)

	missing := make(map[string]struct{})
	for _, match := range envVarPattern.FindAllStringSubmatch(s, -1) {
		if _, ok := os.LookupEnv(match[1]); !ok {
			missing[match[1]] = struct{}{}
		}
	}
	if len(missing) > 0 {
		keys := make([]string, 0, len(missing))
		for k := range missing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", fmt.Errorf("missing required environment variables: %s", strings.Join(keys, ", "))
	}

	s = os.ExpandEnv(s)
	return strings.ReplaceAll(s, dollarSentinel, "$"), nil
}
