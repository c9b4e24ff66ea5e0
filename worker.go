package objcache

import (
	"sync"
	"sync/atomic"
)

// WorkerID identifies a caller to the components that bias or shard by
// caller: AsymmetricRWLock tracks the dominant reader by WorkerID and picks
// its local partition from it, and ConcurrentIndex spreads its size counter
// over shards with it.
//
// Goroutines have no exposed identity, so a goroutine that wants the bias
// benefits allocates a WorkerID once with NewWorkerID and passes it on every
// call. The zero WorkerID is never handed out.
type WorkerID uint64

var workerSeq atomic.Uint64

// NewWorkerID allocates a process-unique WorkerID.
func NewWorkerID() WorkerID {
	return WorkerID(workerSeq.Add(1))
}

// workerTokens caches WorkerIDs in a sync.Pool, which keeps per-P free lists.
// Consecutive AnyWorker calls on the same P therefore tend to see the same
// id, which is as close to a thread-local slot as the runtime allows.
var workerTokens = sync.Pool{
	New: func() any {
		w := NewWorkerID()
		return &w
	},
}

// AnyWorker returns a WorkerID for callers that do not carry their own.
// The id is stable enough for sharding but must not be relied on for
// identity across calls.
func AnyWorker() WorkerID {
	p := workerTokens.Get().(*WorkerID)
	w := *p
	workerTokens.Put(p)
	return w
}

// shard maps the worker onto [0, mask].
//
//go:nosplit
func (w WorkerID) shard(mask uint64) uint64 {
	return mix(uint64(w)) & mask
}
