package health

import (
	"context"
	"fmt"
)

// UsageFunc reports current usage and the configured limit, in any unit.
// A limit of zero or less means the resource is unbounded.
type UsageFunc func(ctx context.Context) (used, limit int64, err error)

// CapacityCheckerConfig configures a capacity health checker.
type CapacityCheckerConfig struct {
	// WarningThreshold is the usage ratio that triggers degraded status.
	// Ratios above 1 are allowed for limits that may be briefly exceeded.
	// Default: 0.8 (80%)
	WarningThreshold float64

	// CriticalThreshold is the usage ratio that triggers unhealthy status.
	// Raised to WarningThreshold when lower. Default: 0.95 (95%)
	CriticalThreshold float64
}

// CapacityChecker reports how close a bounded resource is to its limit.
type CapacityChecker struct {
	name   string
	config CapacityCheckerConfig
	usage  UsageFunc
}

// NewCapacityChecker creates a capacity checker named name.
func NewCapacityChecker(name string, config CapacityCheckerConfig, usage UsageFunc) *CapacityChecker {
	if config.WarningThreshold <= 0 {
		config.WarningThreshold = 0.8
	}
	if config.CriticalThreshold <= 0 {
		config.CriticalThreshold = 0.95
	}
	if config.CriticalThreshold < config.WarningThreshold {
		config.CriticalThreshold = config.WarningThreshold
	}

	return &CapacityChecker{name: name, config: config, usage: usage}
}

// Name returns the name of this checker.
func (c *CapacityChecker) Name() string {
	return c.name
}

// Check performs the capacity health check.
func (c *CapacityChecker) Check(ctx context.Context) Result {
	select {
	case <-ctx.Done():
		return Unhealthy("context cancelled", ctx.Err())
	default:
	}

	used, limit, err := c.usage(ctx)
	if err != nil {
		return Unhealthy("usage unavailable", err)
	}

	usage := Usage{Used: used, Limit: limit}
	if !usage.Bounded() {
		return Healthy("unbounded").WithDetail(DetailUsage, usage)
	}

	ratio := usage.Ratio()
	var result Result
	switch {
	case ratio >= c.config.CriticalThreshold:
		result = Unhealthy(
			fmt.Sprintf("%s usage critical: %.1f%%", c.name, ratio*100),
			ErrCheckFailed,
		)
	case ratio >= c.config.WarningThreshold:
		result = Degraded(fmt.Sprintf("%s usage high: %.1f%%", c.name, ratio*100))
	default:
		result = Healthy(fmt.Sprintf("%s usage normal: %.1f%%", c.name, ratio*100))
	}
	return result.WithDetail(DetailUsage, usage)
}
