package objcache

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// SoftBudget bounds the soft tier: the number of entries that are retained
// strongly until memory pressure is signalled. One budget may be shared by
// several indexes so the bound is global.
//
// Go has no soft references. A soft entry here is a strong pointer that is
// demoted to a weak one either when the budget is exhausted (new entries are
// then created weak) or when ConcurrentIndex.Demote is called.
//
// A nil *SoftBudget is valid and unlimited.
type SoftBudget struct {
	sem   *semaphore.Weighted
	limit int64
	used  atomic.Int64
}

// NewSoftBudget creates a budget admitting up to limit soft entries.
// A limit of zero or less means unlimited.
func NewSoftBudget(limit int64) *SoftBudget {
	b := &SoftBudget{limit: limit}
	if limit > 0 {
		b.sem = semaphore.NewWeighted(limit)
	}
	return b
}

// TryAcquire reserves n units without blocking.
func (b *SoftBudget) TryAcquire(n int64) bool {
	if b == nil || n <= 0 {
		return true
	}
	if b.sem != nil && !b.sem.TryAcquire(n) {
		return false
	}
	b.used.Add(n)
	return true
}

// Release returns n units.
func (b *SoftBudget) Release(n int64) {
	if b == nil || n <= 0 {
		return
	}
	if b.sem != nil {
		b.sem.Release(n)
	}
	b.used.Add(-n)
}

// Used returns the number of units currently held.
func (b *SoftBudget) Used() int64 {
	if b == nil {
		return 0
	}
	return b.used.Load()
}

// Limit returns the configured limit (0 if unlimited).
func (b *SoftBudget) Limit() int64 {
	if b == nil {
		return 0
	}
	return b.limit
}
