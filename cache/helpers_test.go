package cache

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/jonwraymond/tiercache/observe"
)

var errInjected = errors.New("injected storage failure")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// faultyFS fails writes or directory listings on demand.
type faultyFS struct {
	billy.Filesystem
	failWrites atomic.Bool
	failList   atomic.Bool
}

func newFaultyFS() *faultyFS {
	return &faultyFS{Filesystem: memfs.New()}
}

func (f *faultyFS) Create(name string) (billy.File, error) {
	if f.failWrites.Load() {
		return nil, errInjected
	}
	return f.Filesystem.Create(name)
}

func (f *faultyFS) ReadDir(path string) ([]os.FileInfo, error) {
	if f.failList.Load() {
		return nil, errInjected
	}
	return f.Filesystem.ReadDir(path)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StoreRoot = "unused"
	cfg.MaxMemoryEntries = 10
	cfg.MaxDurableBytes = 1 << 20
	cfg.MaintenanceInterval = time.Minute
	cfg.OrphanGrace = 0
	return cfg
}

func newTestManager[V any](t *testing.T, cfg Config, opts ...Option) (*Manager[V], billy.Filesystem, *testClock) {
	t.Helper()

	clock := newTestClock()
	fs := memfs.New()
	base := []Option{WithFilesystem(fs), WithClock(clock.Now)}
	m, err := NewManager[V](cfg, append(base, opts...)...)
	require.NoError(t, err)
	return m, fs, clock
}

func newTestDurable(t *testing.T, cfg DurableConfig) (*DurableTier, billy.Filesystem, *testClock) {
	t.Helper()

	clock := newTestClock()
	if cfg.Now == nil {
		cfg.Now = clock.Now
	}
	fs := memfs.New()
	d, err := NewDurableTier(fs, cfg)
	require.NoError(t, err)
	return d, fs, clock
}

// testObserver collects metrics in a ManualReader and drops spans.
type testObserver struct {
	reader *sdkmetric.ManualReader
	meter  metric.Meter
	logger observe.Logger
}

func newTestObserver() *testObserver {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return &testObserver{
		reader: reader,
		meter:  provider.Meter("tiercache-test"),
		logger: observe.NopLogger(),
	}
}

func (o *testObserver) Tracer() trace.Tracer           { return tracenoop.NewTracerProvider().Tracer("test") }
func (o *testObserver) Meter() metric.Meter            { return o.meter }
func (o *testObserver) Logger() observe.Logger         { return o.logger }
func (o *testObserver) Shutdown(context.Context) error { return nil }

// counterTotal sums every data point of the named int64 counter.
func (o *testObserver) counterTotal(t *testing.T, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, o.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
