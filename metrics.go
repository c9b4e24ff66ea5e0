package objcache

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CacheEvent classifies query cache outcomes reported to a MetricsCollector.
type CacheEvent uint8

const (
	CacheHit CacheEvent = iota
	CacheMiss
	CacheEviction  // dropped from the strongly retained LRU tier
	CacheExpired   // time-to-live elapsed
	CacheCollected // result list reclaimed by the garbage collector
)

func (e CacheEvent) String() string {
	switch e {
	case CacheHit:
		return "hit"
	case CacheMiss:
		return "miss"
	case CacheEviction:
		return "eviction"
	case CacheExpired:
		return "expired"
	case CacheCollected:
		return "collected"
	default:
		return "unknown"
	}
}

// MetricsCollector defines an interface for collecting operational metrics.
// Implementations must be safe for concurrent use; calls happen on the
// caller's goroutine, including from inside lock-free retry loops, so they
// should be cheap.
type MetricsCollector interface {
	// RecordResize is called once per completed table resize.
	RecordResize(oldLen, newLen int, took time.Duration)

	// RecordCleanup is called after an amortized reference cleanup pass.
	RecordCleanup(buckets, dropped int)

	// RecordLockMode is called when a lock switches between global and local mode.
	RecordLockMode(mode LockMode)

	// RecordUpgrade is called for every UpgradeToWrite; gap reports whether
	// the lock was released and re-acquired.
	RecordUpgrade(gap bool)

	// RecordQueryCache is called for query cache outcomes.
	RecordQueryCache(event CacheEvent, relationship bool)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordResize(int, int, time.Duration) {}
func (NoopMetricsCollector) RecordCleanup(int, int)               {}
func (NoopMetricsCollector) RecordLockMode(LockMode)              {}
func (NoopMetricsCollector) RecordUpgrade(bool)                   {}
func (NoopMetricsCollector) RecordQueryCache(CacheEvent, bool)    {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsCollector struct {
	Resizes         atomic.Int64
	CleanupPasses   atomic.Int64
	CleanupDropped  atomic.Int64
	Localizations   atomic.Int64
	Globalizations  atomic.Int64
	Upgrades        atomic.Int64
	UpgradeGaps     atomic.Int64
	QueryHits       atomic.Int64
	QueryMisses     atomic.Int64
	QueryEvictions  atomic.Int64
	QueryExpired    atomic.Int64
	QueryCollected  atomic.Int64
	ResizeTotalNano atomic.Int64
}

func (b *BasicMetricsCollector) RecordResize(_, _ int, took time.Duration) {
	b.Resizes.Add(1)
	b.ResizeTotalNano.Add(int64(took))
}

func (b *BasicMetricsCollector) RecordCleanup(_, dropped int) {
	b.CleanupPasses.Add(1)
	b.CleanupDropped.Add(int64(dropped))
}

func (b *BasicMetricsCollector) RecordLockMode(mode LockMode) {
	if mode == LockLocal {
		b.Localizations.Add(1)
	} else {
		b.Globalizations.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordUpgrade(gap bool) {
	b.Upgrades.Add(1)
	if gap {
		b.UpgradeGaps.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordQueryCache(event CacheEvent, _ bool) {
	switch event {
	case CacheHit:
		b.QueryHits.Add(1)
	case CacheMiss:
		b.QueryMisses.Add(1)
	case CacheEviction:
		b.QueryEvictions.Add(1)
	case CacheExpired:
		b.QueryExpired.Add(1)
	case CacheCollected:
		b.QueryCollected.Add(1)
	}
}

// PrometheusCollector exports objcache metrics through client_golang.
type PrometheusCollector struct {
	resizes        prometheus.Counter
	resizeDuration prometheus.Histogram
	tableBuckets   prometheus.Gauge
	cleanups       prometheus.Counter
	cleanupDropped prometheus.Counter
	lockModes      *prometheus.CounterVec
	upgrades       *prometheus.CounterVec
	queryCache     *prometheus.CounterVec
}

// NewPrometheusCollector creates the collector and registers its metrics
// with reg. A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PrometheusCollector{
		resizes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objcache",
			Subsystem: "index",
			Name:      "resizes_total",
		}),
		resizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "objcache",
			Subsystem: "index",
			Name:      "resize_duration_seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		tableBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objcache",
			Subsystem: "index",
			Name:      "last_resize_buckets",
		}),
		cleanups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objcache",
			Subsystem: "index",
			Name:      "cleanup_passes_total",
		}),
		cleanupDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objcache",
			Subsystem: "index",
			Name:      "cleanup_dropped_total",
		}),
		lockModes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objcache",
			Subsystem: "lock",
			Name:      "mode_transitions_total",
		}, []string{"mode"}),
		upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objcache",
			Subsystem: "lock",
			Name:      "upgrades_total",
		}, []string{"gap"}),
		queryCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objcache",
			Subsystem: "query_cache",
			Name:      "events_total",
		}, []string{"event", "relationship"}),
	}
	for _, c := range []prometheus.Collector{
		p.resizes, p.resizeDuration, p.tableBuckets, p.cleanups,
		p.cleanupDropped, p.lockModes, p.upgrades, p.queryCache,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PrometheusCollector) RecordResize(_, newLen int, took time.Duration) {
	p.resizes.Inc()
	p.resizeDuration.Observe(took.Seconds())
	p.tableBuckets.Set(float64(newLen))
}

func (p *PrometheusCollector) RecordCleanup(_, dropped int) {
	p.cleanups.Inc()
	p.cleanupDropped.Add(float64(dropped))
}

func (p *PrometheusCollector) RecordLockMode(mode LockMode) {
	p.lockModes.WithLabelValues(mode.String()).Inc()
}

func (p *PrometheusCollector) RecordUpgrade(gap bool) {
	p.upgrades.WithLabelValues(strconv.FormatBool(gap)).Inc()
}

func (p *PrometheusCollector) RecordQueryCache(event CacheEvent, relationship bool) {
	p.queryCache.WithLabelValues(event.String(), strconv.FormatBool(relationship)).Inc()
}

// multiCollector forwards every record to each of its collectors.
type multiCollector []MetricsCollector

// MultiMetricsCollector returns a MetricsCollector that records to every
// collector in cs.
func MultiMetricsCollector(cs ...MetricsCollector) MetricsCollector {
	return multiCollector(cs)
}

func (m multiCollector) RecordResize(oldLen, newLen int, took time.Duration) {
	for _, c := range m {
		c.RecordResize(oldLen, newLen, took)
	}
}

func (m multiCollector) RecordCleanup(buckets, dropped int) {
	for _, c := range m {
		c.RecordCleanup(buckets, dropped)
	}
}

func (m multiCollector) RecordLockMode(mode LockMode) {
	for _, c := range m {
		c.RecordLockMode(mode)
	}
}

func (m multiCollector) RecordUpgrade(gap bool) {
	for _, c := range m {
		c.RecordUpgrade(gap)
	}
}

func (m multiCollector) RecordQueryCache(event CacheEvent, relationship bool) {
	for _, c := range m {
		c.RecordQueryCache(event, relationship)
	}
}
