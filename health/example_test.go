package health_test

import (
	"context"
	"fmt"

	"github.com/jonwraymond/tiercache/health"
)

func ExampleCapacityChecker() {
	checker := health.NewCapacityChecker("memory_tier", health.CapacityCheckerConfig{},
		func(context.Context) (int64, int64, error) {
			return 90, 100, nil
		})

	result := checker.Check(context.Background())
	fmt.Println(result.Status, result.Message)
	// Output: degraded memory_tier usage high: 90.0%
}

func ExampleAggregator_OverallStatus() {
	agg := health.NewAggregator()
	agg.Register("memory_tier", health.NewCheckerFunc("memory_tier", func(context.Context) health.Result {
		return health.Healthy("ok")
	}))
	agg.Register("maintenance", health.NewCheckerFunc("maintenance", func(context.Context) health.Result {
		return health.Degraded("last pass failed")
	}))

	results := agg.CheckAll(context.Background())
	fmt.Println(agg.OverallStatus(results))
	// Output: degraded
}
