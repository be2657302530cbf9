package exporter

import (
	"context"
	"sync"
	"time"

	"github.com/cam3ron2/github-leaderboard/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultCacheRefreshInterval = 30 * time.Second
	// collectRefreshTimeout bounds the store read a scrape may trigger.
	collectRefreshTimeout = 5 * time.Second
)

var (
	cacheRefreshDurationDesc = prometheus.NewDesc(
		"github_leaderboard_snapshot_cache_refresh_duration_seconds",
		"Duration of the last snapshot cache refresh.",
		nil, nil,
	)
	cacheRefreshErrorsDesc = prometheus.NewDesc(
		"github_leaderboard_snapshot_cache_refresh_errors_total",
		"Snapshot cache refreshes that failed to read the store.",
		nil, nil,
	)
	cacheAgeDesc = prometheus.NewDesc(
		"github_leaderboard_snapshot_cache_age_seconds",
		"Age of the cached snapshot read.",
		nil, nil,
	)
)

// CacheConfig configures the snapshot cache used by read endpoints and /metrics.
type CacheConfig struct {
	RefreshInterval time.Duration
	Now             func() time.Time
}

// CachedSnapshotReader reads the latest snapshot from a store at most once per refresh interval.
// A failed refresh keeps serving the previously cached snapshot.
type CachedSnapshotReader struct {
	source          SnapshotReader
	refreshInterval time.Duration
	now             func() time.Time

	mu                  sync.RWMutex
	initialized         bool
	lastRefresh         time.Time
	lastRefreshDuration time.Duration
	refreshErrors       uint64
	snapshot            store.Snapshot
	found               bool
}

// NewCachedSnapshotReader wraps a snapshot reader with periodic cache refresh.
func NewCachedSnapshotReader(source SnapshotReader, cfg CacheConfig) *CachedSnapshotReader {
	if cached, alreadyCached := source.(*CachedSnapshotReader); alreadyCached {
		return cached
	}

	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = defaultCacheRefreshInterval
	}

	return &CachedSnapshotReader{
		source:          source,
		refreshInterval: refreshInterval,
		now:             nowFn,
	}
}

// Latest returns the cached snapshot, refreshing it from the source when stale.
func (c *CachedSnapshotReader) Latest(ctx context.Context) (store.Snapshot, bool, error) {
	if c == nil || c.source == nil {
		return store.Snapshot{}, false, nil
	}

	now := c.now()
	c.mu.RLock()
	if c.initialized && now.Sub(c.lastRefresh) < c.refreshInterval {
		snapshot, found := c.snapshot, c.found
		c.mu.RUnlock()
		return snapshot, found, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized && now.Sub(c.lastRefresh) < c.refreshInterval {
		return c.snapshot, c.found, nil
	}

	started := time.Now()
	snapshot, found, err := c.source.Latest(ctx)
	c.lastRefreshDuration = time.Since(started)
	if err != nil {
		c.refreshErrors++
		if c.initialized {
			return c.snapshot, c.found, nil
		}
		return store.Snapshot{}, false, err
	}

	c.snapshot = snapshot
	c.found = found
	c.initialized = true
	c.lastRefresh = now
	return snapshot, found, nil
}

// Invalidate forces the next read to refresh from the source.
func (c *CachedSnapshotReader) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
}

// Describe implements prometheus.Collector.
func (c *CachedSnapshotReader) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheRefreshDurationDesc
	ch <- cacheRefreshErrorsDesc
	ch <- cacheAgeDesc
}

// Collect implements prometheus.Collector.
func (c *CachedSnapshotReader) Collect(ch chan<- prometheus.Metric) {
	if c == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), collectRefreshTimeout)
	_, _, _ = c.Latest(ctx)
	cancel()

	c.mu.RLock()
	duration := c.lastRefreshDuration
	refreshErrors := c.refreshErrors
	initialized := c.initialized
	lastRefresh := c.lastRefresh
	c.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(cacheRefreshDurationDesc, prometheus.GaugeValue, duration.Seconds())
	ch <- prometheus.MustNewConstMetric(cacheRefreshErrorsDesc, prometheus.CounterValue, float64(refreshErrors))
	if initialized {
		ch <- prometheus.MustNewConstMetric(cacheAgeDesc, prometheus.GaugeValue, c.now().Sub(lastRefresh).Seconds())
	}
}
