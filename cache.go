package formulaengine

import (
	"strconv"
	"strings"
)

// astCacheKey builds the cache key for a parsed formula. The relative
// reference offset participates in the key because offsets are baked into
// the cached tree's reference tokens.
func astCacheKey(formulaText string, refOffsetX, refOffsetY int) string {
	var b strings.Builder
	b.Grow(len(formulaText) + 12)
	b.WriteString(formulaText)
	b.WriteString("##")
	b.WriteString(strconv.Itoa(refOffsetX))
	b.WriteByte('_')
	b.WriteString(strconv.Itoa(refOffsetY))
	return b.String()
}

// astCache is the bounded cache of parsed formula trees. Entries are
// immutable once inserted; two lookups with the same text and offset return
// the same tree.
type astCache struct {
	lru *lruCache
}

func newASTCache(capacity int) *astCache {
	return &astCache{lru: newLRUCache(capacity)}
}

func (c *astCache) get(formulaText string, refOffsetX, refOffsetY int) (*AstNode, bool) {
	v, ok := c.lru.Get(astCacheKey(formulaText, refOffsetX, refOffsetY))
	if !ok {
		return nil, false
	}
	return v.(*AstNode), true
}

func (c *astCache) set(formulaText string, refOffsetX, refOffsetY int, node *AstNode) {
	c.lru.Set(astCacheKey(formulaText, refOffsetX, refOffsetY), node)
}

func (c *astCache) clear() {
	c.lru.Clear()
}

// valueFactory interns small, frequently repeated values through the
// engine's LRU caches so a sheet full of identical literals shares Value
// instances. Values are immutable, so sharing is safe.
type valueFactory struct {
	numbers *lruCache
	strings *lruCache
}

func newValueFactory(numberCapacity, stringCapacity int) *valueFactory {
	return &valueFactory{
		numbers: newLRUCache(numberCapacity),
		strings: newLRUCache(stringCapacity),
	}
}

// number returns an interned number value for f.
func (f *valueFactory) number(fv float64) *Value {
	if f == nil {
		return NewNumber(fv)
	}
	key := strconv.FormatFloat(fv, 'G', -1, 64)
	if v, ok := f.numbers.Get(key); ok {
		return v.(*Value)
	}
	v := NewNumber(fv)
	f.numbers.Set(key, v)
	return v
}

// text returns an interned string value for s.
func (f *valueFactory) text(s string) *Value {
	if f == nil {
		return NewString(s)
	}
	if v, ok := f.strings.Get(s); ok {
		return v.(*Value)
	}
	v := NewString(s)
	f.strings.Set(s, v)
	return v
}

func (f *valueFactory) clear() {
	if f == nil {
		return
	}
	f.numbers.Clear()
	f.strings.Clear()
}
