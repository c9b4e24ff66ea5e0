package objcache

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextPowOf2(t *testing.T) {
	tests := []struct{ in, want int }{
		{-1, 1}, {0, 1}, {1, 1}, {2, 2}, {3, 4}, {16, 16}, {17, 32}, {1000, 1024},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextPowOf2(tt.in), "nextPowOf2(%d)", tt.in)
	}
}

func TestCalcParallelism(t *testing.T) {
	size, chunks := calcParallelism(100, 1024, 8)
	assert.Equal(t, 100, size)
	assert.Equal(t, 1, chunks)

	size, chunks = calcParallelism(10_000, 1024, 4)
	assert.Equal(t, 4, chunks)
	assert.Equal(t, 2500, size)
}

func TestCounterStripeIsCacheLineSized(t *testing.T) {
	assert.Zero(t, unsafe.Sizeof(counterStripe{})%CacheLineSize)
}

func TestWorkerIDs(t *testing.T) {
	a, b := NewWorkerID(), NewWorkerID()
	assert.NotZero(t, a)
	assert.NotEqual(t, a, b)
	assert.NotZero(t, AnyWorker())
	for i := 0; i < 100; i++ {
		assert.Less(t, WorkerID(i).shard(7), uint64(8))
	}
}

func TestParkerWakesWaiters(t *testing.T) {
	var p parker
	p.init()
	var (
		mu    sync.Mutex
		ready bool
		wg    sync.WaitGroup
	)
	blocked := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !ready
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			spins := 0
			for blocked() {
				p.wait(&spins, blocked)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	ready = true
	mu.Unlock()
	p.wake()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiters were not woken")
	}
}

func TestSoftBudget(t *testing.T) {
	b := NewSoftBudget(2)
	assert.Equal(t, int64(2), b.Limit())
	assert.True(t, b.TryAcquire(1))
	assert.True(t, b.TryAcquire(1))
	assert.False(t, b.TryAcquire(1))
	assert.Equal(t, int64(2), b.Used())
	b.Release(1)
	assert.True(t, b.TryAcquire(1))

	unlimited := NewSoftBudget(0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.TryAcquire(1))
	}
	assert.Equal(t, int64(100), unlimited.Used())

	var none *SoftBudget
	assert.True(t, none.TryAcquire(5))
	none.Release(5)
	assert.Zero(t, none.Used())
	assert.Zero(t, none.Limit())
}

func TestManualClock(t *testing.T) {
	start := time.Unix(100, 0)
	c := NewManualClock(start)
	assert.Equal(t, start, c.Now())
	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), c.Now())

	var sys Clock = SystemClock{}
	assert.WithinDuration(t, time.Now(), sys.Now(), time.Minute)
}

func TestStrategies(t *testing.T) {
	cs := NewComparableStrategy[int]()
	assert.Equal(t, cs.Hash(42), cs.Hash(42))
	assert.True(t, cs.Equal(1, 1))
	assert.False(t, cs.Equal(1, 2))

	var ss StringStrategy
	assert.Equal(t, ss.Hash("abc"), ss.Hash("ab"+"c"))
	assert.NotEqual(t, ss.Hash("abc"), ss.Hash("abd"))

	var bs BytesStrategy
	assert.Equal(t, bs.Hash([]byte("abc")), ss.Hash("abc"))
	assert.True(t, bs.Equal([]byte("x"), []byte("x")))

	fs := StrategyFunc(func(k int) uint64 { return uint64(k) }, func(a, b int) bool { return a == b })
	assert.Equal(t, uint64(7), fs.Hash(7))
	assert.True(t, fs.Equal(7, 7))
}

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})).WithIndex("orders")
	l.LogResize(16, 32, time.Millisecond)
	l.LogCleanup(2, 0) // nothing dropped, nothing logged
	l.LogBudgetExhausted(10)
	l.LogBudgetExhausted(10) // throttled

	out := buf.String()
	assert.Contains(t, out, "table resized")
	assert.Contains(t, out, "index=orders")
	assert.Contains(t, out, "component=objcache")
	assert.NotContains(t, out, "expunged")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("soft reference budget exhausted")))
}
