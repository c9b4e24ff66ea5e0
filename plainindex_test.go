package objcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	id   int
	city string
}

func personID(p *person) int      { return p.id }
func personCity(p *person) string { return p.city }

func newCityIndex() *PlainIndex[string, person] {
	return NewPlainIndex[string, person](personCity, StringStrategy{}, ShapeNonUnique)
}

func TestIndexShapeString(t *testing.T) {
	assert.Equal(t, "unique", ShapeUnique.String())
	assert.Equal(t, "non-unique", ShapeNonUnique.String())
}

func TestPlainIndexUnique(t *testing.T) {
	p := NewPlainIndex[int, person](personID, NewComparableStrategy[int](), ShapeUnique)
	assert.Equal(t, ShapeUnique, p.Shape())

	a := &person{id: 1}
	prev, replaced := p.Put(a)
	assert.Nil(t, prev)
	assert.False(t, replaced)

	a2 := &person{id: 1}
	prev, replaced = p.Put(a2)
	assert.True(t, replaced)
	assert.Same(t, a, prev)
	assert.Equal(t, 1, p.Len())
	assert.False(t, p.Contains(a))
	assert.True(t, p.Contains(a2))

	got, ok := p.Get(1)
	require.True(t, ok)
	assert.Same(t, a2, got)
	_, ok = p.Get(2)
	assert.False(t, ok)

	assert.Panics(t, func() { p.Put(nil) })
}

func TestPlainIndexNonUnique(t *testing.T) {
	p := newCityIndex()
	a := &person{id: 1, city: "oslo"}
	b := &person{id: 2, city: "oslo"}
	c := &person{id: 3, city: "rome"}
	p.Put(a)
	p.Put(b)
	p.Put(c)
	p.Put(a) // re-putting does not duplicate

	assert.Equal(t, 3, p.Len())
	assert.ElementsMatch(t, []*person{a, b}, p.GetAll("oslo"))
	assert.Equal(t, []*person{c}, p.GetAll("rome"))
	assert.Empty(t, p.GetAll("paris"))

	removed := p.RemoveKey("oslo")
	assert.ElementsMatch(t, []*person{a, b}, removed)
	assert.Equal(t, 1, p.Len())
	assert.Empty(t, p.GetAll("oslo"))
	assert.Empty(t, p.RemoveKey("oslo"))
}

func TestPlainIndexRemoveObjectAfterKeyChange(t *testing.T) {
	p := newCityIndex()
	a := &person{id: 1, city: "oslo"}
	b := &person{id: 2, city: "oslo"}
	p.Put(a)
	p.Put(b)

	a.city = "rome"
	assert.Empty(t, p.GetAll("rome"), "the index still holds a under its old key")
	assert.ElementsMatch(t, []*person{a, b}, p.GetAll("oslo"))
	got, ok := p.Get("oslo")
	require.True(t, ok)
	assert.Equal(t, 1, got.id)
	assert.True(t, p.RemoveObject(a))
	assert.False(t, p.RemoveObject(a))
	assert.Equal(t, []*person{b}, p.GetAll("oslo"))

	// putting again indexes under the new key
	p.Put(a)
	assert.Equal(t, []*person{a}, p.GetAll("rome"))
	b.city = "rome"
	p.Put(b)
	assert.ElementsMatch(t, []*person{a, b}, p.GetAll("rome"))
	assert.Empty(t, p.GetAll("oslo"))
}

func TestPlainIndexCollidingKeys(t *testing.T) {
	p := NewPlainIndex[int, person](personID, StrategyFunc(
		func(int) uint64 { return 7 },
		func(a, b int) bool { return a == b },
	), ShapeUnique)
	a, b := &person{id: 1}, &person{id: 2}
	p.Put(a)
	p.Put(b)
	got, ok := p.Get(2)
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, []*person{a}, p.RemoveKey(1))
	assert.True(t, p.Contains(b))
}

func TestPlainIndexRangeAndClear(t *testing.T) {
	p := newCityIndex()
	for i := 0; i < 10; i++ {
		p.Put(&person{id: i, city: "c"})
	}
	n := 0
	p.Range(func(*person) bool {
		n++
		return n < 3
	})
	assert.Equal(t, 3, n)

	p.Clear()
	assert.Zero(t, p.Len())
	assert.Empty(t, p.GetAll("c"))
}
