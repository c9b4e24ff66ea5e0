package objcache

import (
	"fmt"
	"sync/atomic"
	"time"
)

// resizeState describes one table doubling. It is published through a
// markResize node in the reserved slot of src and stays there after the
// resize completes, so stragglers holding src can always find dst.
type resizeState[T any] struct {
	src     *indexTable[T]
	dst     *indexTable[T]
	queue   atomic.Int64 // buckets [0, queue) are not yet claimed by helpers
	helpers atomic.Int32 // goroutines currently copying claimed ranges
	started time.Time
}

// nextTableLen doubles tableLen, panicking once limit would be exceeded.
func nextTableLen(tableLen, limit int) int {
	newLen := tableLen << 1
	if newLen > limit || newLen <= 0 {
		panic(fmt.Errorf("%w: %d buckets requested, limit %d", ErrCapacityExceeded, newLen, limit))
	}
	return newLen
}

// tryResize doubles t if no resize of t is running yet. The goroutine that
// installs the resize marker owns the resize: it copies buckets left to
// right, waits for helpers, and publishes the new table. Losers help.
func (m *ConcurrentIndex[K, T]) tryResize(t *indexTable[T]) {
	if t.reserved().Load() != nil {
		m.helpResize(t)
		return
	}
	srcLen := t.len()
	rs := &resizeState[T]{
		src:     t,
		dst:     newIndexTable[T](nextTableLen(srcLen, m.maxTableLen)),
		started: time.Now(),
	}
	rs.queue.Store(int64(srcLen))
	if !t.reserved().CompareAndSwap(nil, &indexNode[T]{marker: markResize, rs: rs}) {
		m.helpResize(t)
		return
	}

	for i := 0; int64(i) < rs.queue.Load(); i++ {
		m.transferBucket(rs, i)
	}
	spins := 0
	for rs.helpers.Load() != 0 {
		delay(&spins)
	}
	// A bucket may still be held by a helper that registered late; wait it out.
	for i := 0; i < srcLen; i++ {
		spins = 0
		for !m.transferBucket(rs, i) {
			delay(&spins)
		}
	}

	if !m.table.CompareAndSwap(t, rs.dst) {
		// someone published a different table; finish that one instead
		m.helpResize(m.table.Load())
		return
	}
	m.resizes.Add(1)
	took := time.Since(rs.started)
	m.logger.LogResize(srcLen, rs.dst.len(), took)
	m.metrics.RecordResize(srcLen, rs.dst.len(), took)
}

// helpResize copies ranges of buckets of the resize running on t, claiming
// them from the end of the table. It reports whether it copied anything.
func (m *ConcurrentIndex[K, T]) helpResize(t *indexTable[T]) bool {
	marker := t.reserved().Load()
	if marker == nil {
		return false
	}
	rs := marker.rs
	rs.helpers.Add(1)
	defer rs.helpers.Add(-1)
	helped := false
	for {
		end := rs.queue.Add(-resizeChunk) + resizeChunk
		if end <= 0 {
			return helped
		}
		start := max(end-resizeChunk, 0)
		for i := end - 1; i >= start; i-- {
			helped = m.transferBucket(rs, int(i)) || helped
		}
	}
}

// transferBucket moves bucket i of rs.src into rs.dst. It returns true once
// the bucket is migrated and false if another goroutine is copying it.
func (m *ConcurrentIndex[K, T]) transferBucket(rs *resizeState[T], i int) bool {
	b := &rs.src.buckets[i]
	for {
		head := b.Load()
		if head != nil {
			switch head.marker {
			case markMigrated:
				return true
			case markMigrating:
				return false
			}
		}
		if !b.CompareAndSwap(head, &indexNode[T]{marker: markMigrating, next: head}) {
			continue
		}
		srcLen := uint64(rs.src.len())
		lo, hi, d := splitChain(head, srcLen)
		rs.dst.buckets[i].Store(lo)
		rs.dst.buckets[uint64(i)+srcLen].Store(hi)
		b.Store(m.migrated)
		m.settle(d)
		return true
	}
}

// splitChain distributes a chain between the two destination buckets selected
// by bit. The longest tail whose links all go to the same side is reused as
// is; links before it are copied, and collected links among them are dropped.
func splitChain[T any](head *indexNode[T], bit uint64) (lo, hi *indexNode[T], d chainDelta) {
	var lastRun *indexNode[T]
	runHi := false
	for n := head; n != nil; n = n.next {
		toHi := mix(n.hash)&bit != 0
		if lastRun == nil || toHi != runHi {
			lastRun, runHi = n, toHi
		}
	}
	if runHi {
		hi = lastRun
	} else {
		lo = lastRun
	}
	for n := head; n != lastRun; n = n.next {
		if n.value() == nil {
			d.add(n.kind, n.weight)
			continue
		}
		c := *n
		if mix(n.hash)&bit != 0 {
			c.next = hi
			hi = &c
		} else {
			c.next = lo
			lo = &c
		}
	}
	return lo, hi, d
}
