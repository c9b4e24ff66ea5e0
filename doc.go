// Package objcache provides the in-memory core of an object cache: the
// structures that index cached objects, guard them, and cache query results.
//
// Components:
//   - AsymmetricRWLock: a reader/writer lock biased toward one dominant
//     reader that switches to partitioned reader slots under real read
//     concurrency
//   - ConcurrentIndex: a lock-free, cooperatively resized hash index whose
//     entries can be held strongly, softly or weakly
//   - StringTable: interns strings into stable uint32 addresses backed by an
//     append-only log
//   - PlainIndex and TxOverlayIndex: a single-goroutine index and the
//     transactional view that layers private additions and deletions over a
//     shared main index
//   - LRUQueryCache and RefQueryCache: two QueryCache implementations for
//     caching the results of query operations
//
// Go has no soft references. Soft entries are strong pointers admitted
// through a SoftBudget and turned into weak pointers when the budget runs out
// or Demote is called.
package objcache
