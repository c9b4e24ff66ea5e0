package objcache

import (
	"time"
)

type refEntry[T any] struct {
	op      Operation
	rows    []T
	created time.Time
}

func refEntryOp[T any](e *refEntry[T]) Operation { return e.op }

func refEntryRows[T any](e *refEntry[T]) int { return entryWeight(len(e.rows), true) }

func operationStrategy() HashStrategy[Operation] {
	return StrategyFunc(
		func(op Operation) uint64 { return op.Hash() },
		func(a, b Operation) bool { return a.Equal(b) },
	)
}

// RefQueryCache is a QueryCache without recency bookkeeping. Each category is
// a ConcurrentIndex whose entries are soft until the category grows past its
// weak threshold and weak after that, so retention is left to the soft budget
// and the garbage collector. The plain category measures its entries and the
// relationship category its result rows. It is lock-free.
type RefQueryCache[T any] struct {
	cats  [2]*ConcurrentIndex[Operation, refEntry[T]]
	ttl   time.Duration
	clock Clock
	cacheCounters
}

var _ QueryCache[int] = (*RefQueryCache[int])(nil)

// NewRefQueryCache creates a RefQueryCache. Budgets become the weak
// thresholds of their categories unless WeakThreshold is set.
func NewRefQueryCache[T any](cfg QueryCacheConfig) (*RefQueryCache[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	c := &RefQueryCache[T]{
		ttl:           cfg.TTL,
		clock:         cfg.Clock,
		cacheCounters: cacheCounters{metrics: cfg.Metrics},
	}
	for i := range c.cats {
		relationship := i == 1
		threshold := cfg.WeakThreshold
		if threshold == 0 {
			threshold = cfg.budget(relationship)
		}
		name := "plain_query_cache"
		options := []func(*IndexConfig){
			WithReferenceKind(SoftRef),
			WithWeakThreshold(threshold),
			WithSoftBudget(cfg.SoftBudget),
			WithMetrics(cfg.Metrics),
		}
		if relationship {
			name = "relationship_query_cache"
			options = append(options, WithWeigher(refEntryRows[T]))
		}
		options = append(options, WithLogger(cfg.Logger.WithIndex(name)))
		c.cats[i] = NewConcurrentIndex[Operation, refEntry[T]](
			refEntryOp[T],
			operationStrategy(),
			options...,
		)
	}
	return c, nil
}

func (c *RefQueryCache[T]) category(relationship bool) *ConcurrentIndex[Operation, refEntry[T]] {
	if relationship {
		return c.cats[1]
	}
	return c.cats[0]
}

// Get implements QueryCache.
func (c *RefQueryCache[T]) Get(op Operation, relationship bool) ([]T, bool) {
	checkOperation(op, "RefQueryCache.Get")
	idx := c.category(relationship)
	e, ok := idx.Get(op)
	if !ok {
		c.record(CacheMiss, relationship)
		return nil, false
	}
	if expired(e.created, c.clock.Now(), c.ttl) {
		idx.RemoveValue(e)
		c.record(CacheExpired, relationship)
		c.record(CacheMiss, relationship)
		return nil, false
	}
	c.record(CacheHit, relationship)
	return e.rows, true
}

// Put implements QueryCache.
func (c *RefQueryCache[T]) Put(op Operation, results []T, relationship bool) {
	checkOperation(op, "RefQueryCache.Put")
	c.category(relationship).Put(&refEntry[T]{
		op:      op,
		rows:    results,
		created: c.clock.Now(),
	})
}

// Remove implements QueryCache.
func (c *RefQueryCache[T]) Remove(op Operation, relationship bool) bool {
	checkOperation(op, "RefQueryCache.Remove")
	_, ok := c.category(relationship).Remove(op)
	return ok
}

// Clear implements QueryCache.
func (c *RefQueryCache[T]) Clear() {
	for _, idx := range c.cats {
		idx.Clear()
	}
}

// Len implements QueryCache. The count is approximate and includes
// collected entries that have not been expunged yet.
func (c *RefQueryCache[T]) Len() int {
	return c.cats[0].Size() + c.cats[1].Size()
}

// Demote turns up to n soft entries of each category into weak ones. Call it
// when the process is under memory pressure.
func (c *RefQueryCache[T]) Demote(n int) int {
	return c.cats[0].Demote(n) + c.cats[1].Demote(n)
}

// Stats implements QueryCache. Retained counts soft entries and Rows covers
// every relationship entry not yet expunged.
func (c *RefQueryCache[T]) Stats() QueryCacheStats {
	plain, rel := c.cats[0].Stats(), c.cats[1].Stats()
	s := QueryCacheStats{
		Entries:  plain.Size + rel.Size,
		Retained: int(plain.Soft + rel.Soft),
		Rows:     rel.Weight,
	}
	c.fill(&s)
	return s
}
