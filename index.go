package objcache

import (
	"context"
	"iter"
	"runtime"
	"sync/atomic"
	"weak"

	"golang.org/x/sync/errgroup"
)

const (
	// sizeShards is the number of stripes of the approximate size counter.
	sizeShards = 8
	// minTableLen is the smallest bucket array a ConcurrentIndex allocates.
	minTableLen = 16
	// maxTableLen is the default bucket array limit; growing past it panics.
	maxTableLen = 1 << 30
	// resizeLoadFactor is the size/buckets ratio that triggers a resize.
	resizeLoadFactor       = 0.75
	defaultWeakThreshold   = 1 << 17
	defaultCleanupInterval = 1024
	batchParallelThreshold = 1024
	maxChainSlotsOnStack   = 16
	resizeChunk            = 32
)

// IndexConfig defines configurable ConcurrentIndex options.
type IndexConfig struct {
	sizeHint        int
	weakThreshold   int
	kind            ReferenceKind
	budget          *SoftBudget
	cleanupInterval int
	maxTableLen     int
	weigher         any
	logger          *Logger
	metrics         MetricsCollector
}

// WithPresize configures a new ConcurrentIndex with capacity enough to hold
// sizeHint entries without resizing. Non-positive values are ignored.
func WithPresize(sizeHint int) func(*IndexConfig) {
	return func(c *IndexConfig) {
		c.sizeHint = sizeHint
	}
}

// WithWeakThreshold sets the size above which new SoftRef entries are created
// weak. Defaults to 1<<17. With WithWeigher the threshold applies to the
// summed weight instead of the entry count.
func WithWeakThreshold(n int) func(*IndexConfig) {
	return func(c *IndexConfig) {
		if n >= 0 {
			c.weakThreshold = n
		}
	}
}

// WithReferenceKind selects how entries are held. SoftRef (the default)
// picks soft or weak per entry; StrongRef and WeakRef force one kind.
func WithReferenceKind(kind ReferenceKind) func(*IndexConfig) {
	return func(c *IndexConfig) {
		c.kind = kind
	}
}

// WithSoftBudget bounds the number of soft entries. The budget may be shared
// between indexes.
func WithSoftBudget(b *SoftBudget) func(*IndexConfig) {
	return func(c *IndexConfig) {
		c.budget = b
	}
}

// WithCleanupInterval sets how many mutations on a size shard pass between
// two attempts to expunge collected entries. Rounded up to a power of two.
func WithCleanupInterval(n int) func(*IndexConfig) {
	return func(c *IndexConfig) {
		if n > 0 {
			c.cleanupInterval = n
		}
	}
}

// WithMaxCapacity caps the bucket array length. A resize beyond it panics
// with ErrCapacityExceeded.
func WithMaxCapacity(buckets int) func(*IndexConfig) {
	return func(c *IndexConfig) {
		if buckets > 0 {
			c.maxTableLen = min(nextPowOf2(buckets), maxTableLen)
		}
	}
}

// WithWeigher makes the index sum w over its entries and compare that sum,
// rather than the entry count, against the weak threshold. T must match the
// index's value type.
func WithWeigher[T any](w func(*T) int) func(*IndexConfig) {
	return func(c *IndexConfig) {
		if w != nil {
			c.weigher = w
		}
	}
}

// WithLogger sets the logger for resize and cleanup events.
func WithLogger(l *Logger) func(*IndexConfig) {
	return func(c *IndexConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) func(*IndexConfig) {
	return func(c *IndexConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

type nodeMarker uint8

const (
	markNone      nodeMarker = iota
	markMigrating            // bucket is being copied; next holds the old chain
	markMigrated             // bucket lives in the next table
	markResize               // reserved slot: a resize is in progress
)

// indexNode is an immutable chain link, or a sentinel when marker is set.
// Chains are never modified in place: updates build a new prefix and share
// the untouched suffix.
type indexNode[T any] struct {
	hash   uint64
	strong *T
	weak   weak.Pointer[T]
	next   *indexNode[T]
	rs     *resizeState[T]
	weight int
	kind   ReferenceKind
	marker nodeMarker
}

// value returns the referent, or nil if it has been collected.
func (n *indexNode[T]) value() *T {
	if n.strong != nil {
		return n.strong
	}
	return n.weak.Value()
}

type indexTable[T any] struct {
	buckets []atomic.Pointer[indexNode[T]] // last slot reserved for the resize marker
	mask    uint64
}

func newIndexTable[T any](tableLen int) *indexTable[T] {
	return &indexTable[T]{
		buckets: make([]atomic.Pointer[indexNode[T]], tableLen+1),
		mask:    uint64(tableLen - 1),
	}
}

func (t *indexTable[T]) len() int {
	return int(t.mask) + 1
}

func (t *indexTable[T]) bucket(hash uint64) *atomic.Pointer[indexNode[T]] {
	return &t.buckets[mix(hash)&t.mask]
}

func (t *indexTable[T]) reserved() *atomic.Pointer[indexNode[T]] {
	return &t.buckets[len(t.buckets)-1]
}

// next returns the table this one is being resized into.
func (t *indexTable[T]) next() *indexTable[T] {
	return t.reserved().Load().rs.dst
}

// ConcurrentIndex is a lock-free hash index of objects keyed by a key
// extracted from the object itself.
//
// Key features:
//   - Get never blocks or writes memory, even while the table resizes
//   - Put, PutIfAbsent and Remove are a single CAS of a copy-on-write bucket
//     chain; unrelated links are shared between the old and new chain
//   - Resizes are cooperative: any goroutine that hits a migrating bucket
//     copies a range of buckets before retrying
//   - Entries are held strongly, softly or weakly (see ReferenceKind);
//     collected entries are expunged in amortized passes driven by mutations
//   - Size is an approximate, striped counter
//
// A ConcurrentIndex must not be copied after first use.
type ConcurrentIndex[K any, T any] struct {
	_        noCopy
	table    atomic.Pointer[indexTable[T]]
	keyOf    func(*T) K
	strategy HashStrategy[K]
	migrated *indexNode[T]
	refs     *refQueue
	shards   [sizeShards]counterStripe

	resizes   atomic.Int64
	cleanups  atomic.Int64
	softCount atomic.Int64
	weakCount atomic.Int64
	// weakMode caches whether the size (or weight) has reached the weak
	// threshold. It is refreshed after insertions, expunge passes and Clear,
	// so it may lag behind concurrent inserts and plain removals.
	weakMode atomic.Bool

	kind          ReferenceKind
	weakThreshold int
	weigh         func(*T) int
	budget        *SoftBudget
	cleanupMask   uint32
	maxTableLen   int
	logger        *Logger
	metrics       MetricsCollector
}

// NewConcurrentIndex creates an index of *T keyed by keyOf, hashed and
// compared with strategy.
//
// Parameters:
//   - keyOf: extracts the key; it must be stable while the object is indexed
//   - strategy: hash and equality for K
//   - options: WithPresize, WithWeakThreshold, WithReferenceKind,
//     WithSoftBudget, WithCleanupInterval, WithMaxCapacity, WithWeigher,
//     WithLogger, WithMetrics
func NewConcurrentIndex[K any, T any](
	keyOf func(*T) K,
	strategy HashStrategy[K],
	options ...func(*IndexConfig),
) *ConcurrentIndex[K, T] {
	c := &IndexConfig{
		weakThreshold:   defaultWeakThreshold,
		cleanupInterval: defaultCleanupInterval,
		maxTableLen:     maxTableLen,
	}
	for _, o := range options {
		o(c)
	}
	if c.logger == nil {
		c.logger = NoopLogger()
	}
	if c.metrics == nil {
		c.metrics = NoopMetricsCollector{}
	}
	weigh, ok := c.weigher.(func(*T) int)
	if c.weigher != nil && !ok {
		violation("NewConcurrentIndex", "weigher does not match the value type")
	}
	m := &ConcurrentIndex[K, T]{
		keyOf:         keyOf,
		strategy:      strategy,
		migrated:      &indexNode[T]{marker: markMigrated},
		refs:          &refQueue{},
		kind:          c.kind,
		weakThreshold: c.weakThreshold,
		weigh:         weigh,
		budget:        c.budget,
		cleanupMask:   uint32(nextPowOf2(c.cleanupInterval) - 1),
		maxTableLen:   c.maxTableLen,
		logger:        c.logger,
		metrics:       c.metrics,
	}
	m.table.Store(newIndexTable[T](calcTableLen(c.sizeHint, c.maxTableLen)))
	m.weakMode.Store(m.weakThreshold <= 0)
	return m
}

// NewComparableIndex creates a ConcurrentIndex for comparable keys using the
// runtime hash.
func NewComparableIndex[K comparable, T any](
	keyOf func(*T) K,
	options ...func(*IndexConfig),
) *ConcurrentIndex[K, T] {
	return NewConcurrentIndex[K, T](keyOf, NewComparableStrategy[K](), options...)
}

func calcTableLen(sizeHint, limit int) int {
	tableLen := minTableLen
	if sizeHint > 0 {
		tableLen = max(tableLen, nextPowOf2(int(float64(sizeHint)/resizeLoadFactor)+1))
	}
	return min(tableLen, limit)
}

// Get returns the object stored under key.
func (m *ConcurrentIndex[K, T]) Get(key K) (value *T, ok bool) {
	h := m.strategy.Hash(key)
	t := m.table.Load()
	for {
		head := t.bucket(h).Load()
		if head != nil {
			switch head.marker {
			case markMigrating:
				// the old chain stays valid until the bucket is migrated
				head = head.next
			case markMigrated:
				t = t.next()
				continue
			}
		}
		if v := m.find(head, h, key); v != nil {
			return v, true
		}
		return nil, false
	}
}

// Contains reports whether key is present.
func (m *ConcurrentIndex[K, T]) Contains(key K) bool {
	_, ok := m.Get(key)
	return ok
}

func (m *ConcurrentIndex[K, T]) find(head *indexNode[T], h uint64, key K) *T {
	for n := head; n != nil; n = n.next {
		if n.hash != h {
			continue
		}
		if v := n.value(); v != nil && m.strategy.Equal(m.keyOf(v), key) {
			return v
		}
	}
	return nil
}

// Put stores v under its key, replacing any previous object.
func (m *ConcurrentIndex[K, T]) Put(v *T) (previous *T, replaced bool) {
	if v == nil {
		violation("ConcurrentIndex.Put", "nil value")
	}
	previous, _ = m.process(m.keyOf(v), func(*T) (*T, bool) {
		return v, true
	})
	return previous, previous != nil
}

// PutIfAbsent stores v unless an object is already present under its key,
// in which case that object is returned with loaded set.
func (m *ConcurrentIndex[K, T]) PutIfAbsent(v *T) (actual *T, loaded bool) {
	if v == nil {
		violation("ConcurrentIndex.PutIfAbsent", "nil value")
	}
	old, _ := m.process(m.keyOf(v), func(old *T) (*T, bool) {
		if old != nil {
			return nil, false
		}
		return v, true
	})
	if old != nil {
		return old, true
	}
	return v, false
}

// Remove deletes the object stored under key and returns it.
func (m *ConcurrentIndex[K, T]) Remove(key K) (previous *T, removed bool) {
	previous, _ = m.process(key, func(old *T) (*T, bool) {
		return nil, old != nil
	})
	return previous, previous != nil
}

// RemoveValue deletes v if it is the object currently stored under its key.
func (m *ConcurrentIndex[K, T]) RemoveValue(v *T) bool {
	if v == nil {
		return false
	}
	old, written := m.process(m.keyOf(v), func(old *T) (*T, bool) {
		return nil, old == v
	})
	return written && old == v
}

// process performs one copy-on-write update of the bucket holding key.
// fn receives the live object under key (nil if none) and returns the object
// to insert (nil for none) and whether the bucket should be rewritten at all.
// fn may run more than once and must return the same object each time.
func (m *ConcurrentIndex[K, T]) process(
	key K,
	fn func(old *T) (nv *T, write bool),
) (old *T, written bool) {
	h := m.strategy.Hash(key)
	var node *indexNode[T]
	spins := 0
	t := m.table.Load()
	for {
		b := t.bucket(h)
		head := b.Load()
		if head != nil && head.marker != markNone {
			if head.marker == markMigrated {
				t = t.next()
			} else if !m.helpResize(t) {
				delay(&spins)
			}
			continue
		}

		old = m.find(head, h, key)
		nv, write := fn(old)
		if !write {
			m.discard(node)
			return old, false
		}
		newHead, d := rebuildChain(head, func(n *indexNode[T]) bool {
			v := n.value()
			return v == nil || (old != nil && v == old)
		})
		if nv != nil {
			if node == nil {
				node = m.newNode(h, nv)
			}
			node.next = newHead
			newHead = node
		} else if newHead == head {
			return old, false
		}
		if !b.CompareAndSwap(head, newHead) {
			continue
		}

		m.settle(d)
		added, weight := 0, 0
		if nv != nil {
			m.admit(node, nv)
			added, weight = 1, node.weight
		}
		m.afterWrite(t, added, weight)
		return old, true
	}
}

type chainSlot[T any] struct {
	n    *indexNode[T]
	drop bool
}

// chainDelta counts the links an update removed, by reference kind.
type chainDelta struct {
	removed int
	soft    int
	weak    int
	weight  int
}

func (d *chainDelta) add(kind ReferenceKind, weight int) {
	d.removed++
	d.weight += weight
	switch kind {
	case SoftRef:
		d.soft++
	case WeakRef:
		d.weak++
	}
}

// rebuildChain returns head without the links drop selects. drop is called
// once per link. The suffix after the last dropped link is shared with head;
// if nothing is dropped head itself is returned.
func rebuildChain[T any](
	head *indexNode[T],
	drop func(*indexNode[T]) bool,
) (*indexNode[T], chainDelta) {
	var d chainDelta
	var buf [maxChainSlotsOnStack]chainSlot[T]
	slots := buf[:0]
	last := -1
	for n := head; n != nil; n = n.next {
		dropped := drop(n)
		if dropped {
			last = len(slots)
			d.add(n.kind, n.weight)
		}
		slots = append(slots, chainSlot[T]{n: n, drop: dropped})
	}
	if last < 0 {
		return head, d
	}
	newHead := slots[last].n.next
	for i := last - 1; i >= 0; i-- {
		if slots[i].drop {
			continue
		}
		c := *slots[i].n
		c.next = newHead
		newHead = &c
	}
	return newHead, d
}

func (m *ConcurrentIndex[K, T]) stripe() *counterStripe {
	return &m.shards[AnyWorker().shard(sizeShards-1)]
}

// settle accounts for links removed from the index.
func (m *ConcurrentIndex[K, T]) settle(d chainDelta) {
	if d.removed == 0 {
		return
	}
	s := m.stripe()
	s.c.Add(-int64(d.removed))
	if d.weight != 0 {
		s.w.Add(-int64(d.weight))
	}
	if d.soft > 0 {
		m.budget.Release(int64(d.soft))
		m.softCount.Add(-int64(d.soft))
	}
	if d.weak > 0 {
		m.weakCount.Add(-int64(d.weak))
	}
}

// afterWrite counts added links, runs the amortized cleanup when this
// shard's turn comes, and starts a resize when the table is loaded enough.
func (m *ConcurrentIndex[K, T]) afterWrite(t *indexTable[T], added, weight int) {
	s := m.stripe()
	if added != 0 {
		s.c.Add(int64(added))
	}
	if weight != 0 {
		s.w.Add(int64(weight))
	}
	if s.ops.Add(1)&m.cleanupMask == 0 && m.refs.pending() {
		m.expunge()
	}
	if added > 0 {
		size := m.Size()
		m.refreshWeakMode(size)
		if float64(size) > float64(t.len())*resizeLoadFactor && m.table.Load() == t {
			m.tryResize(t)
		}
	}
}

// refreshWeakMode re-evaluates the weak threshold against size, or against
// the summed weight for a weighed index.
func (m *ConcurrentIndex[K, T]) refreshWeakMode(size int) {
	if m.kind != SoftRef {
		return
	}
	load := size
	if m.weigh != nil {
		load = m.Weight()
	}
	if reached := load >= m.weakThreshold; reached != m.weakMode.Load() {
		m.weakMode.Store(reached)
	}
}

// Size returns the approximate number of entries, including collected weak
// entries not yet expunged.
func (m *ConcurrentIndex[K, T]) Size() int {
	var n int64
	for i := range m.shards {
		n += m.shards[i].c.Load()
	}
	return int(max(n, 0))
}

// Weight returns the approximate summed weight of the entries of an index
// created WithWeigher, and zero otherwise.
func (m *ConcurrentIndex[K, T]) Weight() int {
	var n int64
	for i := range m.shards {
		n += m.shards[i].w.Load()
	}
	return int(max(n, 0))
}

// Clear removes every entry.
func (m *ConcurrentIndex[K, T]) Clear() {
	spins := 0
	t := m.table.Load()
	for i := 0; i < t.len(); i++ {
		b := &t.buckets[i]
		for {
			head := b.Load()
			if head == nil {
				break
			}
			if head.marker != markNone {
				m.helpResize(t)
				delay(&spins)
				if cur := m.table.Load(); cur != t {
					t, i = cur, -1
					break
				}
				continue
			}
			_, d := rebuildChain(head, func(*indexNode[T]) bool { return true })
			if b.CompareAndSwap(head, nil) {
				m.settle(d)
				break
			}
		}
	}
	m.refreshWeakMode(m.Size())
}

// Range calls f for every live object until f returns false. It observes
// concurrent updates at most once per bucket and never blocks.
func (m *ConcurrentIndex[K, T]) Range(f func(v *T) bool) {
	t := m.table.Load()
	for i := 0; i < t.len(); i++ {
		if !rangeBucket(t, uint64(i), f) {
			return
		}
	}
}

// All returns an iterator over the live objects.
func (m *ConcurrentIndex[K, T]) All() iter.Seq[*T] {
	return m.Range
}

func rangeBucket[T any](t *indexTable[T], i uint64, f func(*T) bool) bool {
	head := t.buckets[i].Load()
	if head != nil {
		switch head.marker {
		case markMigrating:
			head = head.next
		case markMigrated:
			dst := t.next()
			return rangeBucket(dst, i, f) && rangeBucket(dst, i+uint64(t.len()), f)
		}
	}
	for n := head; n != nil; n = n.next {
		if v := n.value(); v != nil && !f(v) {
			return false
		}
	}
	return true
}

// BatchPut stores values in parallel. It returns the context error if ctx is
// cancelled before every value is stored; values stored so far remain.
func (m *ConcurrentIndex[K, T]) BatchPut(ctx context.Context, values []*T) error {
	chunkSize, chunks := calcParallelism(len(values), batchParallelThreshold, runtime.GOMAXPROCS(0))
	if chunks <= 1 {
		for i, v := range values {
			if i%batchParallelThreshold == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			m.Put(v)
		}
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < chunks; c++ {
		start := c * chunkSize
		end := min(start+chunkSize, len(values))
		if start >= end {
			break
		}
		g.Go(func() error {
			for i, v := range values[start:end] {
				if i%batchParallelThreshold == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				m.Put(v)
			}
			return nil
		})
	}
	return g.Wait()
}

// IndexStats is a point-in-time snapshot of a ConcurrentIndex.
type IndexStats struct {
	Size        int
	Weight      int
	TableLen    int
	Resizes     int64
	Cleanups    int64
	Soft        int64
	Weak        int64
	PendingRefs int64
}

// Stats returns a snapshot of the index counters.
func (m *ConcurrentIndex[K, T]) Stats() IndexStats {
	return IndexStats{
		Size:        m.Size(),
		Weight:      m.Weight(),
		TableLen:    m.table.Load().len(),
		Resizes:     m.resizes.Load(),
		Cleanups:    m.cleanups.Load(),
		Soft:        m.softCount.Load(),
		Weak:        m.weakCount.Load(),
		PendingRefs: m.refs.len(),
	}
}
