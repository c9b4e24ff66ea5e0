package objcache

import (
	"fmt"
	"math"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	logChunkBits = 12
	logChunkSize = 1 << logChunkBits
	logChunkMask = logChunkSize - 1

	defaultHotStrings = 4096
)

type logChunk [logChunkSize]atomic.Pointer[string]

// logDir is an immutable directory of chunks, replaced wholesale on growth.
type logDir struct {
	chunks []*logChunk
}

// stringLog is an append-only array of strings addressed by uint32. Address
// 0 is never allocated. Allocation is a single atomic increment; the
// allocator that receives the first address of a missing chunk installs a
// larger directory while allocators of later addresses in that chunk wait.
type stringLog struct {
	next    atomic.Uint32 // last allocated address
	dir     atomic.Pointer[logDir]
	park    parker
	growths atomic.Int64
	logger  *Logger
}

func (l *stringLog) init(logger *Logger) {
	l.park.init()
	l.logger = logger
	l.dir.Store(&logDir{chunks: []*logChunk{new(logChunk)}})
}

func (l *stringLog) chunks() int {
	return len(l.dir.Load().chunks)
}

func (l *stringLog) alloc() uint32 {
	addr := l.next.Add(1)
	if addr == math.MaxUint32 {
		panic(fmt.Errorf("%w: string log address space exhausted", ErrCapacityExceeded))
	}
	c := int(addr >> logChunkBits)
	if c < l.chunks() {
		return addr
	}
	spins := 0
	if addr&logChunkMask == 0 {
		// This allocator owns the growth to c+1 chunks. The previous growth
		// is owned by an earlier address and may still be in flight.
		for l.chunks() < c {
			l.park.wait(&spins, func() bool { return l.chunks() < c })
		}
		old := l.dir.Load().chunks
		chunks := make([]*logChunk, c+1)
		copy(chunks, old)
		chunks[c] = new(logChunk)
		l.dir.Store(&logDir{chunks: chunks})
		l.growths.Add(1)
		l.logger.LogStringLogGrowth(c + 1)
		l.park.wake()
		return addr
	}
	for l.chunks() <= c {
		l.park.wait(&spins, func() bool { return l.chunks() <= c })
	}
	return addr
}

func (l *stringLog) store(addr uint32, s string) {
	l.dir.Load().chunks[addr>>logChunkBits][addr&logChunkMask].Store(&s)
}

func (l *stringLog) load(addr uint32) (string, bool) {
	if addr == 0 || addr > l.next.Load() {
		return "", false
	}
	d := l.dir.Load()
	c := int(addr >> logChunkBits)
	if c >= len(d.chunks) {
		return "", false
	}
	p := d.chunks[c][addr&logChunkMask].Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

type internedString struct {
	s    string
	addr uint32
}

func internedKey(e *internedString) string { return e.s }

// StringTable interns strings, giving each distinct string a stable uint32
// address that can be stored in place of the string itself. Addresses are
// never reused and strings are never released.
type StringTable struct {
	index    *ConcurrentIndex[string, internedString]
	log      stringLog
	hot      *lru.Cache[string, uint32]
	orphaned atomic.Int64
}

// NewStringTable creates a string table. hotSize bounds the LRU of recently
// interned strings consulted before the index; zero selects a default.
// Index options are applied after the table forces strong references.
func NewStringTable(hotSize int, options ...func(*IndexConfig)) (*StringTable, error) {
	if hotSize < 0 {
		return nil, fmt.Errorf("objcache: hot string cache size %d: %w", hotSize, ErrInvalidBudget)
	}
	if hotSize == 0 {
		hotSize = defaultHotStrings
	}
	hot, err := lru.New[string, uint32](hotSize)
	if err != nil {
		return nil, fmt.Errorf("objcache: hot string cache: %w", err)
	}
	opts := append([]func(*IndexConfig){WithReferenceKind(StrongRef)}, options...)
	t := &StringTable{
		index: NewConcurrentIndex[string, internedString](internedKey, StringStrategy{}, opts...),
		hot:   hot,
	}
	t.log.init(t.index.logger)
	return t, nil
}

// Intern returns the address of s, allocating one if s is new.
func (t *StringTable) Intern(s string) uint32 {
	if addr, ok := t.Address(s); ok {
		return addr
	}
	e := &internedString{s: s, addr: t.log.alloc()}
	t.log.store(e.addr, s)
	actual, loaded := t.index.PutIfAbsent(e)
	if loaded {
		// lost the race: our slot stays allocated but is never handed out
		t.orphaned.Add(1)
	}
	t.hot.Add(s, actual.addr)
	return actual.addr
}

// Address returns the address of s if it has been interned.
func (t *StringTable) Address(s string) (uint32, bool) {
	if addr, ok := t.hot.Get(s); ok {
		return addr, true
	}
	e, ok := t.index.Get(s)
	if !ok {
		return 0, false
	}
	t.hot.Add(s, e.addr)
	return e.addr, true
}

// Lookup returns the string stored at addr.
func (t *StringTable) Lookup(addr uint32) (string, bool) {
	return t.log.load(addr)
}

// Len returns the number of distinct interned strings.
func (t *StringTable) Len() int {
	return t.index.Size()
}

// StringTableStats is a snapshot of a StringTable.
type StringTableStats struct {
	Strings   int
	Allocated uint32
	Orphaned  int64
	Chunks    int
	Growths   int64
}

// Stats returns a snapshot of the table counters.
func (t *StringTable) Stats() StringTableStats {
	return StringTableStats{
		Strings:   t.index.Size(),
		Allocated: t.log.next.Load(),
		Orphaned:  t.orphaned.Load(),
		Chunks:    t.log.chunks(),
		Growths:   t.log.growths.Load(),
	}
}
