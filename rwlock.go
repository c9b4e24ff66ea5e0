package objcache

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Lock state word layout. The low 32 bits count readers holding the lock in
// global mode; the flags above them are mutually coordinated through CAS on
// the whole word.
const (
	lockReaderMask uint64 = 1<<32 - 1
	lockWriter     uint64 = 1 << 32 // a writer owns the lock
	lockPrepLocal  uint64 = 1 << 33 // a mode transition (global <-> local) is in progress
	lockPrepWrite  uint64 = 1 << 34 // a writer is draining readers
	lockLocal      uint64 = 1 << 35 // readers use partitions instead of the reader count

	// any of these keeps new readers out
	lockReadBlocked = lockWriter | lockPrepLocal | lockPrepWrite
)

const (
	defaultBiasThreshold   = 8
	defaultRevertThreshold = 4096
	maxLockPartitions      = 64
)

// LockMode reports how readers currently acquire an AsymmetricRWLock.
type LockMode uint8

const (
	// LockGlobal readers share one counter in the state word.
	LockGlobal LockMode = iota
	// LockLocal readers take the partition selected by their WorkerID.
	LockLocal
)

func (m LockMode) String() string {
	if m == LockLocal {
		return "local"
	}
	return "global"
}

type tokenKind uint8

const (
	tokenNone tokenKind = iota
	tokenGlobalRead
	tokenLocalRead
	tokenWrite
)

// Token records one acquisition of an AsymmetricRWLock. It must be passed
// back to Release (or UpgradeToWrite) exactly once.
type Token struct {
	worker WorkerID
	kind   tokenKind
	part   int32 // partition index for local reads
	local  bool  // write acquired while in local mode
}

// Writer reports whether the token holds the lock for writing.
func (t Token) Writer() bool { return t.kind == tokenWrite }

// Worker returns the WorkerID the token was acquired for.
func (t Token) Worker() WorkerID { return t.worker }

// lockPartition is a reader sub-lock used in local mode. Its word holds a
// reader count and the lockWriter bit, which a writer (or a reverting reader)
// sets once the partition is drained.
type lockPartition struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		state atomic.Uint64
	}{})%CacheLineSize) % CacheLineSize]byte

	state atomic.Uint64
}

// LockConfig defines configurable AsymmetricRWLock options.
type LockConfig struct {
	partitions      int
	biasThreshold   int32
	revertThreshold int32
	logger          *Logger
	metrics         MetricsCollector
}

// WithPartitions sets the number of local-mode reader partitions. The value
// is rounded up to a power of two and capped at 64. Defaults to GOMAXPROCS.
func WithPartitions(n int) func(*LockConfig) {
	return func(c *LockConfig) {
		if n > 0 {
			c.partitions = n
		}
	}
}

// WithBiasThreshold sets how many times the biased reader may be displaced
// by another worker before the lock switches to local mode.
func WithBiasThreshold(n int) func(*LockConfig) {
	return func(c *LockConfig) {
		if n > 0 {
			c.biasThreshold = int32(n)
		}
	}
}

// WithRevertThreshold sets how many consecutive local-mode acquisitions by a
// single worker make the lock try to return to global mode.
func WithRevertThreshold(n int) func(*LockConfig) {
	return func(c *LockConfig) {
		if n > 0 {
			c.revertThreshold = int32(n)
		}
	}
}

// WithLockLogger sets the logger used for mode transitions.
func WithLockLogger(l *Logger) func(*LockConfig) {
	return func(c *LockConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLockMetrics sets the metrics collector.
func WithLockMetrics(m MetricsCollector) func(*LockConfig) {
	return func(c *LockConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// AsymmetricRWLock is a reader/writer lock tuned for many reads from few
// goroutines and rare writes.
//
// In global mode every reader increments one counter; the goroutine that
// keeps acquiring it is tracked as the biased reader. When other workers keep
// displacing the biased reader the lock switches to local mode, in which each
// reader takes the partition picked by its WorkerID so readers on different
// partitions never write the same cache line. A writer in local mode first
// takes every partition, then drains the global counter, then sets the writer
// flag. When a single worker keeps acquiring in local mode, it tries to put
// the lock back in global mode.
//
// The lock is not reentrant: a worker must not acquire it again while it
// holds it. There is no timeout or cancellation; acquisition spins and then
// parks until it succeeds.
type AsymmetricRWLock struct {
	_          noCopy
	state      atomic.Uint64
	biased     atomic.Uint64 // WorkerID of the biased reader, 0 if none
	contention atomic.Int32  // bias revocations since the last transition
	lastLocal  atomic.Uint64 // last worker acquiring in local mode
	quiet      atomic.Int32  // consecutive local acquisitions by lastLocal

	parts    []lockPartition
	partMask uint64
	park     parker

	biasThreshold   int32
	revertThreshold int32
	logger          *Logger
	metrics         MetricsCollector
}

// NewAsymmetricRWLock creates a lock in global mode.
func NewAsymmetricRWLock(options ...func(*LockConfig)) *AsymmetricRWLock {
	c := &LockConfig{
		partitions:      runtime.GOMAXPROCS(0),
		biasThreshold:   defaultBiasThreshold,
		revertThreshold: defaultRevertThreshold,
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
	n := min(max(nextPowOf2(c.partitions), 2), maxLockPartitions)
	l := &AsymmetricRWLock{
		parts:           make([]lockPartition, n),
		partMask:        uint64(n - 1),
		biasThreshold:   c.biasThreshold,
		revertThreshold: c.revertThreshold,
		logger:          c.logger,
		metrics:         c.metrics,
	}
	l.park.init()
	return l
}

// Mode returns the current reader mode.
func (l *AsymmetricRWLock) Mode() LockMode {
	if l.state.Load()&lockLocal != 0 {
		return LockLocal
	}
	return LockGlobal
}

// AcquireRead blocks until w holds the lock for reading.
func (l *AsymmetricRWLock) AcquireRead(w WorkerID) Token {
	spins := 0
	for {
		s := l.state.Load()
		if s&lockReadBlocked != 0 {
			l.park.wait(&spins, l.readBlocked)
			continue
		}
		if s&lockLocal != 0 {
			if l.noteLocal(w) && l.tryRevert() {
				continue
			}
			if t, ok := l.tryReadLocal(w); ok {
				return t
			}
			delay(&spins)
			continue
		}
		if l.state.CompareAndSwap(s, s+1) {
			l.noteBias(w, s&lockReaderMask)
			return Token{worker: w, kind: tokenGlobalRead}
		}
	}
}

func (l *AsymmetricRWLock) readBlocked() bool {
	return l.state.Load()&lockReadBlocked != 0
}

func (l *AsymmetricRWLock) writeBlocked() bool {
	return l.state.Load()&(lockWriter|lockPrepWrite|lockPrepLocal) != 0
}

// tryReadLocal takes w's partition. It backs out if the lock left local mode
// or a writer started draining between the mode check and the increment.
func (l *AsymmetricRWLock) tryReadLocal(w WorkerID) (Token, bool) {
	idx := w.shard(l.partMask)
	p := &l.parts[idx]
	for {
		ps := p.state.Load()
		if ps&lockWriter != 0 {
			return Token{}, false
		}
		if p.state.CompareAndSwap(ps, ps+1) {
			break
		}
	}
	if s := l.state.Load(); s&lockLocal == 0 || s&lockReadBlocked != 0 {
		l.releasePartition(p)
		return Token{}, false
	}
	return Token{worker: w, kind: tokenLocalRead, part: int32(idx)}, true
}

func (l *AsymmetricRWLock) releasePartition(p *lockPartition) {
	if p.state.Add(^uint64(0)) == 0 {
		l.park.wake()
	}
}

// noteBias tracks the biased reader and switches to local mode once it has
// been displaced often enough.
func (l *AsymmetricRWLock) noteBias(w WorkerID, priorReaders uint64) {
	b := l.biased.Load()
	if b == uint64(w) {
		return
	}
	if b == 0 && l.biased.CompareAndSwap(0, uint64(w)) {
		return
	}
	l.biased.Store(uint64(w))
	n := l.contention.Add(1)
	if priorReaders > 0 {
		// displaced while another reader was inside
		n = l.contention.Add(1)
	}
	if n >= l.biasThreshold {
		l.localize()
	}
}

// noteLocal counts consecutive local-mode acquisitions by the same worker and
// reports whether the revert threshold was reached.
func (l *AsymmetricRWLock) noteLocal(w WorkerID) bool {
	if l.lastLocal.Load() != uint64(w) {
		l.lastLocal.Store(uint64(w))
		l.quiet.Store(0)
		return false
	}
	return l.quiet.Add(1) >= l.revertThreshold
}

// localize moves the lock from global to local mode. Readers already counted
// in the global word stay there; writers drain both.
func (l *AsymmetricRWLock) localize() {
	s := l.state.Load()
	if s&(lockLocal|lockReadBlocked) != 0 {
		return
	}
	if !l.state.CompareAndSwap(s, s|lockPrepLocal) {
		return
	}
	l.lastLocal.Store(0)
	l.quiet.Store(0)
	for {
		s = l.state.Load()
		if l.state.CompareAndSwap(s, (s&^lockPrepLocal)|lockLocal) {
			break
		}
	}
	l.contention.Store(0)
	l.park.wake()
	l.metrics.RecordLockMode(LockLocal)
	l.logger.LogLockMode(LockLocal)
}

// tryRevert moves the lock back to global mode if no partition is held.
// It never waits: a held partition aborts the attempt.
func (l *AsymmetricRWLock) tryRevert() bool {
	s := l.state.Load()
	if s&lockLocal == 0 || s&lockReadBlocked != 0 {
		return false
	}
	if !l.state.CompareAndSwap(s, s|lockPrepLocal) {
		return false
	}
	taken := 0
	for i := range l.parts {
		if !l.parts[i].state.CompareAndSwap(0, lockWriter) {
			break
		}
		taken++
	}
	reverted := taken == len(l.parts)
	for i := 0; i < taken; i++ {
		l.parts[i].state.Store(0)
	}
	for {
		s = l.state.Load()
		ns := s &^ lockPrepLocal
		if reverted {
			ns &^= lockLocal
		}
		if l.state.CompareAndSwap(s, ns) {
			break
		}
	}
	l.quiet.Store(0)
	if reverted {
		l.biased.Store(0)
		l.contention.Store(0)
	}
	l.park.wake()
	if reverted {
		l.metrics.RecordLockMode(LockGlobal)
		l.logger.LogLockMode(LockGlobal)
	}
	return reverted
}

// AcquireWrite blocks until w holds the lock exclusively.
func (l *AsymmetricRWLock) AcquireWrite(w WorkerID) Token {
	spins := 0
	var s uint64
	for {
		s = l.state.Load()
		if s&(lockWriter|lockPrepWrite|lockPrepLocal) != 0 {
			l.park.wait(&spins, l.writeBlocked)
			continue
		}
		if l.state.CompareAndSwap(s, s|lockPrepWrite) {
			break
		}
	}
	// The mode cannot change while lockPrepWrite is set.
	local := s&lockLocal != 0
	if local {
		for i := range l.parts {
			p := &l.parts[i]
			spins = 0
			for !p.state.CompareAndSwap(0, lockWriter) {
				l.park.wait(&spins, func() bool { return p.state.Load() != 0 })
			}
		}
	}
	spins = 0
	for {
		s = l.state.Load()
		if s&lockReaderMask != 0 {
			l.park.wait(&spins, func() bool { return l.state.Load()&lockReaderMask != 0 })
			continue
		}
		if l.state.CompareAndSwap(s, (s&^lockPrepWrite)|lockWriter) {
			return Token{worker: w, kind: tokenWrite, local: local}
		}
	}
}

// Release gives up the acquisition recorded by t.
func (l *AsymmetricRWLock) Release(t Token) {
	switch t.kind {
	case tokenGlobalRead:
		if l.state.Add(^uint64(0))&lockReaderMask == 0 {
			l.park.wake()
		}
	case tokenLocalRead:
		l.releasePartition(&l.parts[t.part])
	case tokenWrite:
		if t.local {
			for i := range l.parts {
				l.parts[i].state.Store(0)
			}
		}
		// the mode bit is left as it was before the write
		l.state.And(^lockWriter)
		l.park.wake()
	default:
		violation("AsymmetricRWLock.Release", "token does not hold the lock")
	}
}

// UpgradeToWrite converts a read acquisition into a write acquisition.
//
// When t is the only reader in global mode the conversion is a single CAS and
// gap is false: no other writer can run in between. Otherwise the read lock is
// released and the write lock acquired, and gap is true: another writer may
// have modified the protected data in the meantime, so anything read under t
// must be re-validated.
func (l *AsymmetricRWLock) UpgradeToWrite(t Token) (nt Token, gap bool) {
	switch t.kind {
	case tokenGlobalRead:
		s := l.state.Load()
		if s&lockReaderMask == 1 && s&(lockReadBlocked|lockLocal) == 0 &&
			l.state.CompareAndSwap(s, (s-1)|lockWriter) {
			l.metrics.RecordUpgrade(false)
			return Token{worker: t.worker, kind: tokenWrite}, false
		}
	case tokenLocalRead:
	default:
		violation("AsymmetricRWLock.UpgradeToWrite", "token is not a read acquisition")
	}
	l.Release(t)
	nt = l.AcquireWrite(t.worker)
	l.metrics.RecordUpgrade(true)
	return nt, true
}
