package objcache

import (
	"runtime"
	"sync/atomic"
	"weak"

	"github.com/RoaringBitmap/roaring/v2"
)

// ReferenceKind selects how an index holds its objects.
type ReferenceKind uint8

const (
	// SoftRef entries are held strongly while the index is below its weak
	// threshold and the soft budget admits them, and weakly otherwise.
	// Soft entries become weak when Demote is called.
	SoftRef ReferenceKind = iota
	// StrongRef entries are never collected.
	StrongRef
	// WeakRef entries disappear once the object is otherwise unreachable.
	WeakRef
)

func (k ReferenceKind) String() string {
	switch k {
	case StrongRef:
		return "strong"
	case WeakRef:
		return "weak"
	default:
		return "soft"
	}
}

// refQueue collects the hashes of weak entries whose objects were collected.
// It is pushed to by runtime cleanups and drained by expunge.
type refQueue struct {
	head atomic.Pointer[refItem]
	n    atomic.Int64
}

type refItem struct {
	hash uint64
	next *refItem
}

func (q *refQueue) push(hash uint64) {
	it := &refItem{hash: hash}
	for {
		it.next = q.head.Load()
		if q.head.CompareAndSwap(it.next, it) {
			q.n.Add(1)
			return
		}
	}
}

func (q *refQueue) drain() *refItem {
	head := q.head.Swap(nil)
	for it := head; it != nil; it = it.next {
		q.n.Add(-1)
	}
	return head
}

func (q *refQueue) pending() bool {
	return q.head.Load() != nil
}

func (q *refQueue) len() int64 {
	return max(q.n.Load(), 0)
}

// kindFor picks the kind of a new entry.
func (m *ConcurrentIndex[K, T]) kindFor() ReferenceKind {
	switch m.kind {
	case StrongRef, WeakRef:
		return m.kind
	}
	if m.weakMode.Load() {
		return WeakRef
	}
	if !m.budget.TryAcquire(1) {
		m.logger.LogBudgetExhausted(m.budget.Limit())
		return WeakRef
	}
	return SoftRef
}

func (m *ConcurrentIndex[K, T]) newNode(h uint64, v *T) *indexNode[T] {
	n := &indexNode[T]{hash: h, kind: m.kindFor()}
	if m.weigh != nil {
		n.weight = m.weigh(v)
	}
	if n.kind == WeakRef {
		n.weak = weak.Make(v)
	} else {
		n.strong = v
	}
	return n
}

// admit finishes the insertion of a published node.
func (m *ConcurrentIndex[K, T]) admit(n *indexNode[T], v *T) {
	switch n.kind {
	case SoftRef:
		m.softCount.Add(1)
	case WeakRef:
		m.weakCount.Add(1)
		runtime.AddCleanup(v, m.refs.push, n.hash)
	}
}

// discard gives back what newNode reserved for a node that was never published.
func (m *ConcurrentIndex[K, T]) discard(n *indexNode[T]) {
	if n != nil && n.kind == SoftRef {
		m.budget.Release(1)
	}
}

// Expunge removes collected entries from the buckets reported by the
// reference queue. It runs automatically as part of mutations; calling it
// directly is only useful after a quiet period.
func (m *ConcurrentIndex[K, T]) Expunge() int {
	return m.expunge()
}

func (m *ConcurrentIndex[K, T]) expunge() int {
	items := m.refs.drain()
	if items == nil {
		return 0
	}
	t := m.table.Load()
	dirty := roaring.New()
	for it := items; it != nil; it = it.next {
		dirty.Add(uint32(mix(it.hash) & t.mask))
	}
	skipped := roaring.New()
	dropped := 0
	buckets := dirty.Iterator()
	for buckets.HasNext() {
		i := buckets.Next()
		n, ok := m.expungeBucket(&t.buckets[i])
		if !ok {
			skipped.Add(i)
		}
		dropped += n
	}
	// buckets under resize are retried on a later pass, in the new table
	if !skipped.IsEmpty() {
		for it := items; it != nil; it = it.next {
			if skipped.Contains(uint32(mix(it.hash) & t.mask)) {
				m.refs.push(it.hash)
			}
		}
	}
	m.cleanups.Add(1)
	if dropped > 0 {
		m.refreshWeakMode(m.Size())
	}
	n := int(dirty.GetCardinality())
	m.logger.LogCleanup(n, dropped)
	m.metrics.RecordCleanup(n, dropped)
	return dropped
}

// expungeBucket drops collected links from one bucket. It reports false for
// a bucket under resize, which it leaves alone.
func (m *ConcurrentIndex[K, T]) expungeBucket(b *atomic.Pointer[indexNode[T]]) (int, bool) {
	for {
		head := b.Load()
		if head == nil {
			return 0, true
		}
		if head.marker != markNone {
			return 0, false
		}
		newHead, d := rebuildChain(head, func(n *indexNode[T]) bool {
			return n.value() == nil
		})
		if d.removed == 0 {
			return 0, true
		}
		if b.CompareAndSwap(head, newHead) {
			m.settle(d)
			return d.removed, true
		}
	}
}

// Demote converts up to n soft entries to weak ones and returns how many it
// converted. It is the memory pressure signal of the soft tier: demoted
// objects stay indexed only as long as something else references them.
// Buckets under resize are skipped.
func (m *ConcurrentIndex[K, T]) Demote(n int) int {
	if n <= 0 {
		return 0
	}
	t := m.table.Load()
	demoted := 0
	for i := 0; i < t.len() && demoted < n; i++ {
		demoted += m.demoteBucket(&t.buckets[i], n-demoted)
	}
	return demoted
}

func (m *ConcurrentIndex[K, T]) demoteBucket(b *atomic.Pointer[indexNode[T]], limit int) int {
	for {
		head := b.Load()
		if head == nil || head.marker != markNone {
			return 0
		}
		var (
			converted []*indexNode[T]
			values    []*T
			rebuilt   *indexNode[T]
			tail      **indexNode[T] = &rebuilt
		)
		for n := head; n != nil; n = n.next {
			c := *n
			if c.kind == SoftRef && len(converted) < limit {
				values = append(values, c.strong)
				c.kind, c.weak, c.strong = WeakRef, weak.Make(c.strong), nil
				converted = append(converted, &c)
			}
			c.next = nil
			*tail = &c
			tail = &c.next
		}
		if len(converted) == 0 {
			return 0
		}
		if !b.CompareAndSwap(head, rebuilt) {
			continue
		}
		for i, c := range converted {
			runtime.AddCleanup(values[i], m.refs.push, c.hash)
		}
		k := int64(len(converted))
		m.budget.Release(k)
		m.softCount.Add(-k)
		m.weakCount.Add(k)
		return len(converted)
	}
}
