package objcache

// IndexShape enumerates the key cardinalities a PlainIndex supports.
type IndexShape uint8

const (
	// ShapeUnique maps each key to at most one object.
	ShapeUnique IndexShape = iota
	// ShapeNonUnique maps each key to any number of distinct objects.
	ShapeNonUnique
)

func (s IndexShape) String() string {
	if s == ShapeNonUnique {
		return "non-unique"
	}
	return "unique"
}

// PlainIndex is a hash index of objects for single-goroutine use, such as a
// transaction overlay or a main index guarded by an external lock.
//
// Each object is stored with the key it was indexed under. Lookups compare
// against that key and never call keyOf on stored objects, so a field change
// made elsewhere does not move or hide an object until it is put again, and
// RemoveObject finds it wherever it was indexed.
type PlainIndex[K any, T any] struct {
	keyOf    func(*T) K
	strategy HashStrategy[K]
	shape    IndexShape
	buckets  map[uint64][]plainEntry[K, T]
	located  map[*T]uint64
}

type plainEntry[K any, T any] struct {
	key K
	v   *T
}

// NewPlainIndex creates an empty PlainIndex.
func NewPlainIndex[K any, T any](keyOf func(*T) K, strategy HashStrategy[K], shape IndexShape) *PlainIndex[K, T] {
	return &PlainIndex[K, T]{
		keyOf:    keyOf,
		strategy: strategy,
		shape:    shape,
		buckets:  make(map[uint64][]plainEntry[K, T]),
		located:  make(map[*T]uint64),
	}
}

// Shape returns the index shape.
func (p *PlainIndex[K, T]) Shape() IndexShape { return p.shape }

// Len returns the number of indexed objects.
func (p *PlainIndex[K, T]) Len() int { return len(p.located) }

// Put indexes v under its current key. For a unique index the object
// previously stored under that key is replaced and returned. Putting an
// object that is already indexed re-indexes it under its current key.
func (p *PlainIndex[K, T]) Put(v *T) (previous *T, replaced bool) {
	if v == nil {
		violation("PlainIndex.Put", "nil value")
	}
	p.RemoveObject(v)
	key := p.keyOf(v)
	h := p.strategy.Hash(key)
	chain := p.buckets[h]
	if p.shape == ShapeUnique {
		for i, e := range chain {
			if p.strategy.Equal(e.key, key) {
				delete(p.located, e.v)
				chain[i] = plainEntry[K, T]{key: key, v: v}
				p.located[v] = h
				return e.v, true
			}
		}
	}
	p.buckets[h] = append(chain, plainEntry[K, T]{key: key, v: v})
	p.located[v] = h
	return nil, false
}

// Get returns the first object stored under key.
func (p *PlainIndex[K, T]) Get(key K) (*T, bool) {
	for _, e := range p.buckets[p.strategy.Hash(key)] {
		if p.strategy.Equal(e.key, key) {
			return e.v, true
		}
	}
	return nil, false
}

// GetAll returns every object stored under key.
func (p *PlainIndex[K, T]) GetAll(key K) []*T {
	var out []*T
	for _, e := range p.buckets[p.strategy.Hash(key)] {
		if p.strategy.Equal(e.key, key) {
			out = append(out, e.v)
		}
	}
	return out
}

// Contains reports whether v itself is indexed.
func (p *PlainIndex[K, T]) Contains(v *T) bool {
	_, ok := p.located[v]
	return ok
}

// RemoveKey removes every object stored under key and returns them.
func (p *PlainIndex[K, T]) RemoveKey(key K) []*T {
	h := p.strategy.Hash(key)
	chain := p.buckets[h]
	var removed []*T
	kept := chain[:0]
	for _, e := range chain {
		if p.strategy.Equal(e.key, key) {
			removed = append(removed, e.v)
			delete(p.located, e.v)
			continue
		}
		kept = append(kept, e)
	}
	p.setChain(h, chain, kept)
	return removed
}

// RemoveObject removes v itself, wherever it was indexed.
func (p *PlainIndex[K, T]) RemoveObject(v *T) bool {
	h, ok := p.located[v]
	if !ok {
		return false
	}
	delete(p.located, v)
	chain := p.buckets[h]
	kept := chain[:0]
	for _, e := range chain {
		if e.v != v {
			kept = append(kept, e)
		}
	}
	p.setChain(h, chain, kept)
	return true
}

func (p *PlainIndex[K, T]) setChain(h uint64, chain, kept []plainEntry[K, T]) {
	if len(kept) == 0 {
		delete(p.buckets, h)
		return
	}
	clear(chain[len(kept):])
	p.buckets[h] = kept
}

// Range calls f for every object until f returns false.
func (p *PlainIndex[K, T]) Range(f func(v *T) bool) {
	for _, chain := range p.buckets {
		for _, e := range chain {
			if !f(e.v) {
				return
			}
		}
	}
}

// Clear removes every object.
func (p *PlainIndex[K, T]) Clear() {
	clear(p.buckets)
	clear(p.located)
}
