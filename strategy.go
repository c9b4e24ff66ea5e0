package objcache

import (
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
)

// HashStrategy supplies hashing and equality for index keys. Domain types
// usually get a generated strategy; the ones below cover the common cases.
type HashStrategy[K any] interface {
	Hash(key K) uint64
	Equal(a, b K) bool
}

// ComparableStrategy hashes any comparable key with the runtime's built-in
// hasher, the same one Go maps use.
type ComparableStrategy[K comparable] struct {
	seed maphash.Seed
}

// NewComparableStrategy returns a strategy with a random seed.
func NewComparableStrategy[K comparable]() ComparableStrategy[K] {
	return ComparableStrategy[K]{seed: maphash.MakeSeed()}
}

func (s ComparableStrategy[K]) Hash(key K) uint64 { return maphash.Comparable(s.seed, key) }
func (ComparableStrategy[K]) Equal(a, b K) bool   { return a == b }

// StringStrategy hashes strings with xxhash. Hashes are stable across
// processes, which the seeded built-in hasher is not.
type StringStrategy struct{}

func (StringStrategy) Hash(key string) uint64 { return xxhash.Sum64String(key) }
func (StringStrategy) Equal(a, b string) bool { return a == b }

// BytesStrategy hashes byte-slice keys with xxhash.
type BytesStrategy struct{}

func (BytesStrategy) Hash(key []byte) uint64 { return xxhash.Sum64(key) }
func (BytesStrategy) Equal(a, b []byte) bool { return string(a) == string(b) }

// funcStrategy adapts a pair of functions.
type funcStrategy[K any] struct {
	hash  func(K) uint64
	equal func(a, b K) bool
}

func (s funcStrategy[K]) Hash(key K) uint64 { return s.hash(key) }
func (s funcStrategy[K]) Equal(a, b K) bool { return s.equal(a, b) }

// StrategyFunc builds a HashStrategy from a hash and an equality function.
func StrategyFunc[K any](hash func(K) uint64, equal func(a, b K) bool) HashStrategy[K] {
	return funcStrategy[K]{hash: hash, equal: equal}
}
