package objcache

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringTableIntern(t *testing.T) {
	st, err := NewStringTable(0)
	require.NoError(t, err)

	a := st.Intern("alpha")
	b := st.Intern("beta")
	assert.NotZero(t, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, st.Intern("alpha"))
	assert.Equal(t, 2, st.Len())

	s, ok := st.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, "alpha", s)

	addr, ok := st.Address("beta")
	require.True(t, ok)
	assert.Equal(t, b, addr)

	_, ok = st.Address("gamma")
	assert.False(t, ok)
}

func TestStringTableEmptyString(t *testing.T) {
	st, err := NewStringTable(4)
	require.NoError(t, err)
	addr := st.Intern("")
	assert.NotZero(t, addr)
	s, ok := st.Lookup(addr)
	assert.True(t, ok)
	assert.Empty(t, s)
}

func TestStringTableLookupInvalid(t *testing.T) {
	st, err := NewStringTable(0)
	require.NoError(t, err)
	_, ok := st.Lookup(0)
	assert.False(t, ok, "address zero is never allocated")
	_, ok = st.Lookup(1)
	assert.False(t, ok, "not yet allocated")
	addr := st.Intern("x")
	_, ok = st.Lookup(addr + 1)
	assert.False(t, ok)
}

func TestStringTableInvalidHotSize(t *testing.T) {
	_, err := NewStringTable(-1)
	assert.ErrorIs(t, err, ErrInvalidBudget)
}

// A hot cache smaller than the working set still resolves every string
// through the index.
func TestStringTableGrowsLog(t *testing.T) {
	st, err := NewStringTable(16)
	require.NoError(t, err)
	const n = 3*logChunkSize + 10
	addrs := make([]uint32, n)
	for i := range addrs {
		addrs[i] = st.Intern("s" + strconv.Itoa(i))
	}
	stats := st.Stats()
	assert.Equal(t, n, stats.Strings)
	assert.Equal(t, 4, stats.Chunks)
	assert.Equal(t, int64(3), stats.Growths)
	assert.Zero(t, stats.Orphaned)
	for i, addr := range addrs {
		s, ok := st.Lookup(addr)
		require.True(t, ok)
		require.Equal(t, "s"+strconv.Itoa(i), s)
		got, ok := st.Address(s)
		require.True(t, ok)
		require.Equal(t, addr, got)
	}
}

func TestStringTableConcurrentIntern(t *testing.T) {
	const (
		numWorkers = 8
		numStrings = 20_000
	)
	st, err := NewStringTable(64)
	require.NoError(t, err)

	results := make([][]uint32, numWorkers)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			res := make([]uint32, numStrings)
			for i := 0; i < numStrings; i++ {
				k := (i + w*numStrings/numWorkers) % numStrings
				res[k] = st.Intern("k" + strconv.Itoa(k))
			}
			results[w] = res
		}(w)
	}
	wg.Wait()

	seen := make(map[uint32]int, numStrings)
	for k := 0; k < numStrings; k++ {
		addr := results[0][k]
		for w := 1; w < numWorkers; w++ {
			require.Equal(t, addr, results[w][k], "string %d got two addresses", k)
		}
		if prev, dup := seen[addr]; dup {
			t.Fatalf("strings %d and %d share address %d", prev, k, addr)
		}
		seen[addr] = k
		s, ok := st.Lookup(addr)
		require.True(t, ok)
		require.Equal(t, "k"+strconv.Itoa(k), s)
	}
	stats := st.Stats()
	assert.Equal(t, numStrings, stats.Strings)
	assert.Equal(t, int64(stats.Allocated), int64(numStrings)+stats.Orphaned)
}

func TestStringLogConcurrentAlloc(t *testing.T) {
	var l stringLog
	l.init(NoopLogger())
	const (
		numWorkers = 8
		perWorker  = 2 * logChunkSize
	)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				addr := l.alloc()
				l.store(addr, strconv.Itoa(int(addr)))
			}
		}()
	}
	wg.Wait()
	total := uint32(numWorkers * perWorker)
	assert.Equal(t, total, l.next.Load())
	assert.Equal(t, int(total>>logChunkBits)+1, l.chunks())
	for addr := uint32(1); addr <= total; addr++ {
		s, ok := l.load(addr)
		require.True(t, ok)
		require.Equal(t, strconv.Itoa(int(addr)), s)
	}
}
