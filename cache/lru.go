package cache

import lru "github.com/hashicorp/golang-lru/v2"

// lruCache is the bounded reference cache strategy, backed by
// hashicorp/golang-lru/v2 for O(1) get/put/evict.
type lruCache struct {
	inner *lru.Cache[string, []byte]
}

// NewLRU returns a Cache bounded to size entries, evicting least
// recently used on insert when full.
func NewLRU(size int) Cache {
	inner, err := lru.New[string, []byte](size)
	if err != nil {
		// Only returned by the library for size <= 0; callers are
		// expected to pass a positive bound, matching §4.1.3's "LRU
		// (bounded)".
		panic("cache: invalid LRU size: " + err.Error())
	}
	return &lruCache{inner: inner}
}

func (c *lruCache) Get(id string) ([]byte, bool) { return c.inner.Get(id) }

func (c *lruCache) Put(id string, value []byte) { c.inner.Add(id, value) }

func (c *lruCache) Delete(id string) { c.inner.Remove(id) }

func (c *lruCache) Len() int { return c.inner.Len() }
