package objcache

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Operation is a query whose results can be cached. Two operations that are
// Equal must have the same Hash.
type Operation interface {
	Hash() uint64
	Equal(other Operation) bool
}

// TextOperation is an Operation identified by its text, such as a
// normalized query string.
type TextOperation string

func (o TextOperation) Hash() uint64 { return xxhash.Sum64String(string(o)) }

func (o TextOperation) Equal(other Operation) bool {
	p, ok := other.(TextOperation)
	return ok && p == o
}

// QueryCache maps operations to their result lists. Plain and relationship
// queries are budgeted separately: plain entries count one each,
// relationship entries count one per result row.
type QueryCache[T any] interface {
	// Get returns the cached results of op. Expired and collected entries are
	// reported absent and dropped.
	Get(op Operation, relationship bool) ([]T, bool)
	// Put caches results for op, replacing a previous entry.
	Put(op Operation, results []T, relationship bool)
	// Remove drops the entry for op.
	Remove(op Operation, relationship bool) bool
	// Clear drops every entry.
	Clear()
	// Len returns the number of reachable entries.
	Len() int
	// Stats returns a snapshot of the cache counters.
	Stats() QueryCacheStats
}

// QueryCacheStats is a snapshot of a QueryCache.
type QueryCacheStats struct {
	Entries   int
	Retained  int // entries held strongly
	Rows      int // weight of retained relationship entries
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
	Collected int64
}

// QueryCacheConfig configures a QueryCache.
type QueryCacheConfig struct {
	// PlainBudget is the number of plain entries retained strongly.
	PlainBudget int
	// RelationshipBudget is the number of relationship result rows retained
	// strongly.
	RelationshipBudget int
	// TTL is how long an entry stays valid after it is put. Zero disables
	// expiry.
	TTL time.Duration
	// Clock defaults to SystemClock.
	Clock Clock
	// WeakThreshold overrides the per-category size above which the
	// reference-only cache stores entries weakly. Defaults to the budget.
	WeakThreshold int
	// SoftBudget bounds the soft entries of the reference-only cache.
	SoftBudget *SoftBudget
	Logger     *Logger
	Metrics    MetricsCollector
}

// DefaultQueryCacheConfig returns a config with moderate budgets and no TTL.
func DefaultQueryCacheConfig() QueryCacheConfig {
	return QueryCacheConfig{
		PlainBudget:        1000,
		RelationshipBudget: 10000,
	}
}

// Validate checks the configuration.
func (c *QueryCacheConfig) Validate() error {
	if c.PlainBudget <= 0 {
		return fmt.Errorf("plain budget %d: %w", c.PlainBudget, ErrInvalidBudget)
	}
	if c.RelationshipBudget <= 0 {
		return fmt.Errorf("relationship budget %d: %w", c.RelationshipBudget, ErrInvalidBudget)
	}
	if c.TTL < 0 {
		return fmt.Errorf("ttl %v: %w", c.TTL, ErrInvalidTTL)
	}
	if c.WeakThreshold < 0 {
		return fmt.Errorf("weak threshold %d: %w", c.WeakThreshold, ErrInvalidBudget)
	}
	return nil
}

func (c *QueryCacheConfig) applyDefaults() {
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = NoopMetricsCollector{}
	}
}

func (c *QueryCacheConfig) budget(relationship bool) int {
	if relationship {
		return c.RelationshipBudget
	}
	return c.PlainBudget
}

// entryWeight is the budget an entry consumes. Relationship entries weigh
// their row count, with a floor of one so empty results are still bounded.
func entryWeight(rows int, relationship bool) int {
	if !relationship {
		return 1
	}
	return max(rows, 1)
}

func expired(created, now time.Time, ttl time.Duration) bool {
	return ttl > 0 && !now.Before(created.Add(ttl))
}

func checkOperation(op Operation, name string) {
	if op == nil {
		violationErr(name, ErrNilOperation)
	}
}

// cacheCounters are shared by both cache variants.
type cacheCounters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
	collected atomic.Int64
	metrics   MetricsCollector
}

func (c *cacheCounters) record(event CacheEvent, relationship bool) {
	switch event {
	case CacheHit:
		c.hits.Add(1)
	case CacheMiss:
		c.misses.Add(1)
	case CacheEviction:
		c.evictions.Add(1)
	case CacheExpired:
		c.expired.Add(1)
	case CacheCollected:
		c.collected.Add(1)
	}
	c.metrics.RecordQueryCache(event, relationship)
}

func (c *cacheCounters) fill(s *QueryCacheStats) {
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Evictions = c.evictions.Load()
	s.Expired = c.expired.Load()
	s.Collected = c.collected.Load()
}
