package objcache

import (
	"runtime"
	"sync"
	"time"
	"weak"
)

// resultHolder boxes a result list so it can be referenced weakly.
type resultHolder[T any] struct {
	rows []T
}

// lruEntry is a hash chain link and an intrusive recency list element.
// While linked into the recency list it holds its results strongly; once
// evicted only the weak reference remains.
type lruEntry[T any] struct {
	op      Operation
	hash    uint64
	chain   *lruEntry[T] // next entry with the same hash
	strong  *resultHolder[T]
	weak    weak.Pointer[resultHolder[T]]
	created time.Time
	weight  int

	// Intrusive list links: head is MRU, tail is LRU.
	prev   *lruEntry[T]
	next   *lruEntry[T]
	linked bool
}

func (e *lruEntry[T]) results() *resultHolder[T] {
	if e.strong != nil {
		return e.strong
	}
	return e.weak.Value()
}

// lruCategory is one budget category: its hash chains and recency list.
// refs receives the hashes of entries whose results were collected.
type lruCategory[T any] struct {
	chains  map[uint64]*lruEntry[T]
	refs    *refQueue
	entries int
	head    *lruEntry[T]
	tail    *lruEntry[T]
	weight  int // sum of linked entry weights
	linked  int
	budget  int
}

func (c *lruCategory[T]) pushFront(e *lruEntry[T]) {
	e.prev, e.next = nil, c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
	e.linked = true
	c.weight += e.weight
	c.linked++
}

func (c *lruCategory[T]) detach(e *lruEntry[T]) {
	if !e.linked {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next, e.linked = nil, nil, false
	c.weight -= e.weight
	c.linked--
}

func (c *lruCategory[T]) moveToFront(e *lruEntry[T]) {
	if c.head == e {
		return
	}
	c.detach(e)
	c.pushFront(e)
}

// unlink removes e from its hash chain and the recency list. prev is the
// chain predecessor of e, or nil if e heads the chain.
func (c *lruCategory[T]) unlink(prev, e *lruEntry[T]) {
	if prev != nil {
		prev.chain = e.chain
	} else if e.chain != nil {
		c.chains[e.hash] = e.chain
	} else {
		delete(c.chains, e.hash)
	}
	e.chain = nil
	c.detach(e)
	e.strong = nil
	c.entries--
}

// sweep unlinks the collected entries reported on refs. It returns the
// number of chains visited and entries dropped.
func (c *lruCategory[T]) sweep() (chains, dropped int) {
	for it := c.refs.drain(); it != nil; it = it.next {
		chains++
		var prev *lruEntry[T]
		for e := c.chains[it.hash]; e != nil; {
			next := e.chain
			if e.results() == nil {
				c.unlink(prev, e)
				dropped++
			} else {
				prev = e
			}
			e = next
		}
	}
	return chains, dropped
}

func (c *lruCategory[T]) reset() {
	clear(c.chains)
	c.head, c.tail = nil, nil
	c.entries, c.weight, c.linked = 0, 0, 0
}

// LRUQueryCache is a QueryCache with one recency list per budget category.
// Entries pushed out of the budget stay reachable through a weak reference
// until the garbage collector reclaims their results; a hit on such an entry
// brings it back into the list. Collected entries are unlinked by the next
// Get or Put on their category.
//
// All operations take one mutex.
type LRUQueryCache[T any] struct {
	mu     sync.Mutex
	cats   [2]lruCategory[T]
	ttl    time.Duration
	clock  Clock
	logger *Logger
	cacheCounters
}

var _ QueryCache[int] = (*LRUQueryCache[int])(nil)

// NewLRUQueryCache creates an LRUQueryCache.
func NewLRUQueryCache[T any](cfg QueryCacheConfig) (*LRUQueryCache[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	c := &LRUQueryCache[T]{
		ttl:           cfg.TTL,
		clock:         cfg.Clock,
		logger:        cfg.Logger.WithIndex("lru_query_cache"),
		cacheCounters: cacheCounters{metrics: cfg.Metrics},
	}
	for i := range c.cats {
		c.cats[i].chains = make(map[uint64]*lruEntry[T])
		c.cats[i].refs = &refQueue{}
		c.cats[i].budget = cfg.budget(i == 1)
	}
	return c, nil
}

func (c *LRUQueryCache[T]) category(relationship bool) *lruCategory[T] {
	if relationship {
		return &c.cats[1]
	}
	return &c.cats[0]
}

// Get implements QueryCache.
func (c *LRUQueryCache[T]) Get(op Operation, relationship bool) ([]T, bool) {
	checkOperation(op, "LRUQueryCache.Get")
	h := op.Hash()
	c.mu.Lock()
	defer c.mu.Unlock()
	cat := c.category(relationship)
	c.sweep(cat, relationship)
	var prev *lruEntry[T]
	for e := cat.chains[h]; e != nil; prev, e = e, e.chain {
		if !op.Equal(e.op) {
			continue
		}
		holder := e.results()
		if holder == nil {
			cat.unlink(prev, e)
			c.record(CacheCollected, relationship)
			c.record(CacheMiss, relationship)
			return nil, false
		}
		if expired(e.created, c.clock.Now(), c.ttl) {
			cat.unlink(prev, e)
			c.record(CacheExpired, relationship)
			c.record(CacheMiss, relationship)
			return nil, false
		}
		if e.linked {
			cat.moveToFront(e)
		} else {
			e.strong = holder
			cat.pushFront(e)
			c.evict(cat, relationship)
		}
		c.record(CacheHit, relationship)
		return holder.rows, true
	}
	c.record(CacheMiss, relationship)
	return nil, false
}

// Put implements QueryCache.
func (c *LRUQueryCache[T]) Put(op Operation, results []T, relationship bool) {
	checkOperation(op, "LRUQueryCache.Put")
	h := op.Hash()
	holder := &resultHolder[T]{rows: results}
	e := &lruEntry[T]{
		op:      op,
		hash:    h,
		strong:  holder,
		weak:    weak.Make(holder),
		created: c.clock.Now(),
		weight:  entryWeight(len(results), relationship),
	}
	cat := c.category(relationship)
	runtime.AddCleanup(holder, cat.refs.push, h)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep(cat, relationship)
	c.removeLocked(cat, op, h)
	e.chain = cat.chains[h]
	cat.chains[h] = e
	cat.entries++
	cat.pushFront(e)
	c.evict(cat, relationship)
}

func (c *LRUQueryCache[T]) sweep(cat *lruCategory[T], relationship bool) {
	if !cat.refs.pending() {
		return
	}
	chains, dropped := cat.sweep()
	for i := 0; i < dropped; i++ {
		c.record(CacheCollected, relationship)
	}
	c.logger.LogCleanup(chains, dropped)
}

// evict drops strong references from the tail until the category is within
// budget. An entry that alone exceeds the budget is evicted as soon as it is
// admitted.
func (c *LRUQueryCache[T]) evict(cat *lruCategory[T], relationship bool) {
	evicted, weight := 0, 0
	for cat.weight > cat.budget && cat.tail != nil {
		e := cat.tail
		cat.detach(e)
		e.strong = nil
		evicted++
		weight += e.weight
		c.record(CacheEviction, relationship)
	}
	if evicted > 0 {
		c.logger.LogEviction(relationship, evicted, weight)
	}
}

// Remove implements QueryCache.
func (c *LRUQueryCache[T]) Remove(op Operation, relationship bool) bool {
	checkOperation(op, "LRUQueryCache.Remove")
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(c.category(relationship), op, op.Hash())
}

func (c *LRUQueryCache[T]) removeLocked(cat *lruCategory[T], op Operation, h uint64) bool {
	var prev *lruEntry[T]
	for e := cat.chains[h]; e != nil; prev, e = e, e.chain {
		if op.Equal(e.op) {
			cat.unlink(prev, e)
			return true
		}
	}
	return false
}

// Clear implements QueryCache.
func (c *LRUQueryCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.cats {
		c.cats[i].reset()
	}
}

// Len implements QueryCache. Entries whose results were collected are
// counted until the next Get or Put on their category sweeps them.
func (c *LRUQueryCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cats[0].entries + c.cats[1].entries
}

// Stats implements QueryCache.
func (c *LRUQueryCache[T]) Stats() QueryCacheStats {
	c.mu.Lock()
	s := QueryCacheStats{
		Entries:  c.cats[0].entries + c.cats[1].entries,
		Retained: c.cats[0].linked + c.cats[1].linked,
		Rows:     c.cats[1].weight,
	}
	c.mu.Unlock()
	c.fill(&s)
	return s
}

// isRetained reports whether op's entry is held strongly. Tests use it to
// tell eviction apart from collection.
func (c *LRUQueryCache[T]) isRetained(op Operation, relationship bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cat := c.category(relationship)
	for e := cat.chains[op.Hash()]; e != nil; e = e.chain {
		if op.Equal(e.op) {
			return e.linked
		}
	}
	return false
}
