package objcache

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicMetricsCollector(t *testing.T) {
	m := &BasicMetricsCollector{}
	m.RecordResize(16, 32, time.Millisecond)
	m.RecordCleanup(3, 5)
	m.RecordLockMode(LockLocal)
	m.RecordLockMode(LockGlobal)
	m.RecordUpgrade(false)
	m.RecordUpgrade(true)
	m.RecordQueryCache(CacheHit, false)
	m.RecordQueryCache(CacheMiss, true)
	m.RecordQueryCache(CacheExpired, true)

	assert.Equal(t, int64(1), m.Resizes.Load())
	assert.Equal(t, int64(time.Millisecond), m.ResizeTotalNano.Load())
	assert.Equal(t, int64(1), m.CleanupPasses.Load())
	assert.Equal(t, int64(5), m.CleanupDropped.Load())
	assert.Equal(t, int64(1), m.Localizations.Load())
	assert.Equal(t, int64(1), m.Globalizations.Load())
	assert.Equal(t, int64(2), m.Upgrades.Load())
	assert.Equal(t, int64(1), m.UpgradeGaps.Load())
	assert.Equal(t, int64(1), m.QueryHits.Load())
	assert.Equal(t, int64(1), m.QueryMisses.Load())
	assert.Equal(t, int64(1), m.QueryExpired.Load())
}

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	p.RecordResize(16, 32, time.Millisecond)
	p.RecordResize(32, 64, time.Millisecond)
	p.RecordCleanup(4, 3)
	p.RecordLockMode(LockLocal)
	p.RecordUpgrade(true)
	p.RecordQueryCache(CacheHit, true)
	p.RecordQueryCache(CacheHit, true)
	p.RecordQueryCache(CacheMiss, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.resizes))
	assert.Equal(t, 64.0, testutil.ToFloat64(p.tableBuckets))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.cleanups))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.cleanupDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.lockModes.WithLabelValues("local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.upgrades.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.queryCache.WithLabelValues("hit", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.queryCache.WithLabelValues("miss", "false")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.resizeDuration))

	// a second collector on the same registry collides
	_, err = NewPrometheusCollector(reg)
	assert.Error(t, err)
}

func TestPrometheusCollectorWiredIntoIndex(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	idx := newRecordIndex(WithReferenceKind(StrongRef), WithMetrics(p))
	for i := 0; i < 1000; i++ {
		idx.Put(&record{id: i})
	}
	assert.Equal(t, float64(idx.Stats().Resizes), testutil.ToFloat64(p.resizes))
	assert.Equal(t, float64(idx.Stats().TableLen), testutil.ToFloat64(p.tableBuckets))
}

func TestMultiMetricsCollector(t *testing.T) {
	a, b := &BasicMetricsCollector{}, &BasicMetricsCollector{}
	m := MultiMetricsCollector(a, b, NoopMetricsCollector{})
	m.RecordResize(1, 2, 0)
	m.RecordCleanup(1, 1)
	m.RecordLockMode(LockLocal)
	m.RecordUpgrade(true)
	m.RecordQueryCache(CacheEviction, false)
	for _, c := range []*BasicMetricsCollector{a, b} {
		assert.Equal(t, int64(1), c.Resizes.Load())
		assert.Equal(t, int64(1), c.CleanupPasses.Load())
		assert.Equal(t, int64(1), c.Localizations.Load())
		assert.Equal(t, int64(1), c.UpgradeGaps.Load())
		assert.Equal(t, int64(1), c.QueryEvictions.Load())
	}
}
