package objcache

import (
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// hashPrime is the 64-bit Golden Ratio mixing constant.
const hashPrime uint64 = 0x9E3779B185EBCA87

// maxSpins bounds the busy phase of delay and parker.wait before the
// caller backs off or blocks.
const maxSpins = 32

// noCopy may be embedded into structs which must not be copied after first use.
// See https://golang.org/issues/8005#issuecomment-190753527 for details.
//
//nolint:unused
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// counterStripe is one shard of a striped counter. It is padded to a full
// cache line so neighbouring shards never share one.
type counterStripe struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		c   atomic.Int64
		w   atomic.Int64
		ops atomic.Uint32
	}{})%CacheLineSize) % CacheLineSize]byte

	c   atomic.Int64  // counter value
	w   atomic.Int64  // summed entry weight, when weighed
	ops atomic.Uint32 // mutations routed through this stripe
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal to n.
// Compatible with both 32-bit and 64-bit systems.
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}
	if bits.UintSize == 32 {
		return int(1 << bits.Len32(uint32(n-1)))
	}
	return int(1 << bits.Len64(uint64(n-1)))
}

// mix spreads the entropy of h into its low bits. Bucket indices and shard
// selection only look at the low bits, so weak hash functions (sequential
// integers, pointer-aligned values) still distribute evenly.
//
//go:nosplit
func mix(h uint64) uint64 {
	h *= hashPrime
	return h ^ (h >> 32)
}

// calcParallelism calculates the number of goroutines for parallel processing.
//
// Parameters:
//   - items: Number of items to process.
//   - threshold: Minimum threshold to enable parallel processing.
//   - number of available CPU cores
//
// Returns:
//   - chunkSize: Number of items processed per goroutine
//   - chunks: Suggested degree of parallelism (number of goroutines).
func calcParallelism(items, threshold, cpus int) (chunkSize, chunks int) {
	if items <= threshold {
		return items, 1
	}
	chunks = min(items/threshold, cpus)
	chunkSize = (items + chunks - 1) / chunks
	return chunkSize, chunks
}

// delay spins for a while and then backs off with short sleeps.
// time.Sleep with a non-zero duration works effectively as backoff under
// high concurrency.
func delay(spins *int) {
	const yieldSleep = 50 * time.Microsecond
	if *spins < maxSpins {
		*spins++
		runtime.Gosched()
		return
	}
	time.Sleep(yieldSleep)
	*spins = 0
}

// parker is the blocking primitive behind the spin loops of the lock and the
// string log. Waiters register before re-checking their condition under the
// mutex, and wakers only take the mutex when someone is registered, so the
// uncontended path never touches it.
type parker struct {
	mu      sync.Mutex
	cond    sync.Cond
	waiters atomic.Int32
}

func (p *parker) init() {
	p.cond.L = &p.mu
}

// wait spins while blocked reports true and then parks until a wake.
// The caller must re-check its own state after wait returns.
func (p *parker) wait(spins *int, blocked func() bool) {
	if *spins < maxSpins {
		*spins++
		runtime.Gosched()
		return
	}
	p.waiters.Add(1)
	p.mu.Lock()
	for blocked() {
		p.cond.Wait()
	}
	p.mu.Unlock()
	p.waiters.Add(-1)
	*spins = 0
}

// wake releases every parked waiter. State changes must be published before
// calling it.
func (p *parker) wake() {
	if p.waiters.Load() == 0 {
		return
	}
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}
