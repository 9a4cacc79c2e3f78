package formulaengine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCacheBasic(t *testing.T) {
	c := newLRUCache(3)
	c.Set("a", 1)
	c.Set("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLRUCacheEviction(t *testing.T) {
	c := newLRUCache(2)
	c.Set("a", 1)
	c.Set("b", 2)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	evicted := c.Set("c", 3)
	assert.True(t, evicted)

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be gone")
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLRUCacheUpdateExisting(t *testing.T) {
	c := newLRUCache(2)
	c.Set("a", 1)
	evicted := c.Set("a", 10)
	assert.False(t, evicted)

	v, _ := c.Get("a")
	assert.Equal(t, 10, v)
	assert.Equal(t, 1, c.Len())
}

func TestLRUCacheClear(t *testing.T) {
	c := newLRUCache(4)
	for i := 0; i < 4; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("k0")
	assert.False(t, ok)
}

func TestLRUCacheCapacityClamped(t *testing.T) {
	c := newLRUCache(0)
	c.Set("a", 1)
	assert.Equal(t, 1, c.Len())
	c.Set("b", 2)
	// Capacity below one is clamped to one entry.
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("b")
	assert.True(t, ok)
}

func TestValueFactoryInterning(t *testing.T) {
	f := newValueFactory(16, 16)

	a := f.number(1.5)
	b := f.number(1.5)
	assert.Same(t, a, b, "equal numbers should share one Value")

	s1 := f.text("hello")
	s2 := f.text("hello")
	assert.Same(t, s1, s2)

	f.clear()
	c := f.number(1.5)
	assert.NotSame(t, a, c)
}

func TestASTCacheKeyedByOffset(t *testing.T) {
	registry := newFunctionRegistry()
	factory := newValueFactory(16, 16)
	cache := newASTCache(16)
	b := newASTBuilder(registry, factory, cache)

	plain, err := b.Parse("=A1+1", 0, 0)
	require.NoError(t, err)
	shifted, err := b.Parse("=A1+1", 1, 1)
	require.NoError(t, err)

	// Same text at a different anchor offset is a distinct tree with the
	// shifted reference baked in.
	assert.NotSame(t, plain, shifted)

	again, err := b.Parse("=A1+1", 0, 0)
	require.NoError(t, err)
	assert.Same(t, plain, again, "cache hit should return the identical tree")
}
