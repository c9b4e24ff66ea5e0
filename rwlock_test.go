package objcache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsymmetricRWLockModeString(t *testing.T) {
	assert.Equal(t, "global", LockGlobal.String())
	assert.Equal(t, "local", LockLocal.String())
}

func TestAsymmetricRWLockPartitions(t *testing.T) {
	assert.Len(t, NewAsymmetricRWLock(WithPartitions(1)).parts, 2)
	assert.Len(t, NewAsymmetricRWLock(WithPartitions(5)).parts, 8)
	assert.Len(t, NewAsymmetricRWLock(WithPartitions(1000)).parts, maxLockPartitions)
}

func TestAsymmetricRWLockBasic(t *testing.T) {
	l := NewAsymmetricRWLock()
	w := NewWorkerID()

	r1 := l.AcquireRead(w)
	r2 := l.AcquireRead(NewWorkerID())
	assert.False(t, r1.Writer())
	assert.Equal(t, uint64(2), l.state.Load()&lockReaderMask)
	l.Release(r1)
	l.Release(r2)

	wt := l.AcquireWrite(w)
	assert.True(t, wt.Writer())
	assert.Equal(t, w, wt.Worker())
	assert.NotZero(t, l.state.Load()&lockWriter)
	l.Release(wt)
	assert.Zero(t, l.state.Load())
}

func TestAsymmetricRWLockReleaseInvalidToken(t *testing.T) {
	l := NewAsymmetricRWLock()
	assert.Panics(t, func() { l.Release(Token{}) })
	assert.Panics(t, func() { l.UpgradeToWrite(Token{}) })
}

func TestAsymmetricRWLockLocalizesUnderContention(t *testing.T) {
	m := &BasicMetricsCollector{}
	l := NewAsymmetricRWLock(WithBiasThreshold(2), WithLockMetrics(m))
	a, b := NewWorkerID(), NewWorkerID()

	l.Release(l.AcquireRead(a))
	assert.Equal(t, LockGlobal, l.Mode())
	l.Release(l.AcquireRead(b))
	assert.Equal(t, LockGlobal, l.Mode())
	l.Release(l.AcquireRead(a))
	require.Equal(t, LockLocal, l.Mode())
	assert.Equal(t, int64(1), m.Localizations.Load())

	// local readers use partitions, not the shared counter
	ta := l.AcquireRead(a)
	tb := l.AcquireRead(b)
	assert.Zero(t, l.state.Load()&lockReaderMask)
	assert.Equal(t, tokenLocalRead, ta.kind)
	l.Release(ta)
	l.Release(tb)
}

func TestAsymmetricRWLockRevertsWhenOneReaderRemains(t *testing.T) {
	m := &BasicMetricsCollector{}
	l := NewAsymmetricRWLock(WithBiasThreshold(1), WithRevertThreshold(3), WithLockMetrics(m))
	a, b := NewWorkerID(), NewWorkerID()
	l.Release(l.AcquireRead(a))
	l.Release(l.AcquireRead(b))
	require.Equal(t, LockLocal, l.Mode())

	for i := 0; i < 5 && l.Mode() == LockLocal; i++ {
		l.Release(l.AcquireRead(a))
	}
	assert.Equal(t, LockGlobal, l.Mode())
	assert.Equal(t, int64(1), m.Globalizations.Load())

	// back in global mode the counter is used again
	tok := l.AcquireRead(a)
	assert.Equal(t, tokenGlobalRead, tok.kind)
	l.Release(tok)
}

func TestAsymmetricRWLockRevertAbortsWhilePartitionHeld(t *testing.T) {
	l := NewAsymmetricRWLock(WithBiasThreshold(1), WithRevertThreshold(1))
	a, b := NewWorkerID(), NewWorkerID()
	l.Release(l.AcquireRead(a))
	l.Release(l.AcquireRead(b))
	require.Equal(t, LockLocal, l.Mode())

	held := l.AcquireRead(b)
	for i := 0; i < 5; i++ {
		l.Release(l.AcquireRead(a))
	}
	assert.Equal(t, LockLocal, l.Mode())
	l.Release(held)
}

func TestAsymmetricRWLockWriteKeepsLocalMode(t *testing.T) {
	l := NewAsymmetricRWLock(WithBiasThreshold(1))
	a, b := NewWorkerID(), NewWorkerID()
	l.Release(l.AcquireRead(a))
	l.Release(l.AcquireRead(b))
	require.Equal(t, LockLocal, l.Mode())

	wt := l.AcquireWrite(a)
	assert.True(t, wt.local)
	for i := range l.parts {
		assert.Equal(t, lockWriter, l.parts[i].state.Load())
	}
	l.Release(wt)
	assert.Equal(t, LockLocal, l.Mode())
	for i := range l.parts {
		assert.Zero(t, l.parts[i].state.Load())
	}
}

func TestAsymmetricRWLockWriterWaitsForLocalReader(t *testing.T) {
	l := NewAsymmetricRWLock(WithBiasThreshold(1))
	a, b := NewWorkerID(), NewWorkerID()
	l.Release(l.AcquireRead(a))
	l.Release(l.AcquireRead(b))
	require.Equal(t, LockLocal, l.Mode())

	r := l.AcquireRead(b)
	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		wt := l.AcquireWrite(a)
		acquired.Store(true)
		l.Release(wt)
		close(done)
	}()
	assert.Never(t, acquired.Load, 50*time.Millisecond, 5*time.Millisecond)
	l.Release(r)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not acquire after the reader released")
	}
}

func TestAsymmetricRWLockReaderBlockedByWriter(t *testing.T) {
	l := NewAsymmetricRWLock()
	wt := l.AcquireWrite(NewWorkerID())
	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		r := l.AcquireRead(NewWorkerID())
		acquired.Store(true)
		l.Release(r)
		close(done)
	}()
	assert.Never(t, acquired.Load, 50*time.Millisecond, 5*time.Millisecond)
	l.Release(wt)
	<-done
}

func TestAsymmetricRWLockUpgradeFastPath(t *testing.T) {
	m := &BasicMetricsCollector{}
	l := NewAsymmetricRWLock(WithLockMetrics(m))
	w := NewWorkerID()
	r := l.AcquireRead(w)
	wt, gap := l.UpgradeToWrite(r)
	assert.False(t, gap)
	assert.True(t, wt.Writer())
	assert.Equal(t, lockWriter, l.state.Load())
	l.Release(wt)
	assert.Zero(t, l.state.Load())
	assert.Equal(t, int64(1), m.Upgrades.Load())
	assert.Zero(t, m.UpgradeGaps.Load())
}

// With another reader present the upgrade releases and re-acquires, and a
// writer that was already waiting runs in between. Anything read under the
// read token has to be re-validated after a gap.
func TestAsymmetricRWLockUpgradeGapAllowsInterposingWriter(t *testing.T) {
	m := &BasicMetricsCollector{}
	l := NewAsymmetricRWLock(WithLockMetrics(m))
	a, b, c := NewWorkerID(), NewWorkerID(), NewWorkerID()
	var shared int

	ra := l.AcquireRead(a)
	rb := l.AcquireRead(b)
	seen := shared

	writerDone := make(chan struct{})
	go func() {
		wt := l.AcquireWrite(c)
		shared = 1
		l.Release(wt)
		close(writerDone)
	}()
	require.Eventually(t, func() bool {
		return l.state.Load()&lockPrepWrite != 0
	}, 5*time.Second, time.Millisecond)

	type upgraded struct {
		gap   bool
		value int
	}
	upgradeDone := make(chan upgraded)
	go func() {
		wt, gap := l.UpgradeToWrite(ra)
		v := shared
		l.Release(wt)
		upgradeDone <- upgraded{gap, v}
	}()

	l.Release(rb)
	<-writerDone
	res := <-upgradeDone
	assert.True(t, res.gap)
	assert.Equal(t, 0, seen)
	assert.Equal(t, 1, res.value, "the interposed write is visible after the gap")
	assert.Equal(t, int64(1), m.UpgradeGaps.Load())
}

func TestAsymmetricRWLockUpgradeInLocalModeHasGap(t *testing.T) {
	l := NewAsymmetricRWLock(WithBiasThreshold(1))
	a, b := NewWorkerID(), NewWorkerID()
	l.Release(l.AcquireRead(a))
	l.Release(l.AcquireRead(b))
	require.Equal(t, LockLocal, l.Mode())

	wt, gap := l.UpgradeToWrite(l.AcquireRead(a))
	assert.True(t, gap)
	assert.True(t, wt.Writer())
	l.Release(wt)
}

func TestAsymmetricRWLockStress(t *testing.T) {
	const (
		numWorkers = 8
		numOps     = 20000
	)
	l := NewAsymmetricRWLock(WithBiasThreshold(4), WithRevertThreshold(64))
	var (
		writers atomic.Int32
		readers atomic.Int32
		value   int
		wg      sync.WaitGroup
	)
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(id WorkerID) {
			defer wg.Done()
			for i := 1; i <= numOps; i++ {
				switch {
				case i%97 == 0:
					wt, _ := l.UpgradeToWrite(l.AcquireRead(id))
					if writers.Add(1) != 1 || readers.Load() != 0 {
						t.Errorf("writer not exclusive")
					}
					value++
					writers.Add(-1)
					l.Release(wt)
				case i%50 == 0:
					wt := l.AcquireWrite(id)
					if writers.Add(1) != 1 || readers.Load() != 0 {
						t.Errorf("writer not exclusive")
					}
					value++
					writers.Add(-1)
					l.Release(wt)
				default:
					r := l.AcquireRead(id)
					readers.Add(1)
					if writers.Load() != 0 {
						t.Errorf("reader admitted while a writer holds the lock")
					}
					_ = value
					readers.Add(-1)
					l.Release(r)
				}
			}
		}(NewWorkerID())
	}
	wg.Wait()

	want := numWorkers * (numOps/50 + numOps/97 - numOps/(50*97))
	if value != want {
		t.Fatalf("unexpected write count: got %d, want %d", value, want)
	}
	assert.Zero(t, l.state.Load()&^lockLocal)
}
