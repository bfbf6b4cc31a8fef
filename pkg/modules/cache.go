package modules

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/dlvsync/pkg/proto"
)

const pageShift = 12

// Cache remembers recent resolutions of a Resolver, indexed by page.
type Cache struct {
	inner Resolver
	pages *lru.Cache
}

// NewCache wraps inner with a cache of size pages.
func NewCache(inner Resolver, size int) (*Cache, error) {
	pages, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner, pages: pages}, nil
}

// Resolve implements Resolver. Only successful resolutions are cached.
func (c *Cache) Resolve(addr proto.Address) (Module, bool) {
	page := uint64(addr) >> pageShift
	if v, ok := c.pages.Get(page); ok {
		// modules need not be page aligned
		if mod := v.(Module); mod.Contains(addr) {
			return mod, true
		}
	}
	mod, ok := c.inner.Resolve(addr)
	if ok {
		c.pages.Add(page, mod)
	}
	return mod, ok
}

// Modules implements Lister if the wrapped resolver does.
func (c *Cache) Modules() []Module {
	if l, ok := c.inner.(Lister); ok {
		return l.Modules()
	}
	return nil
}

// Refresh refreshes the wrapped resolver, if it can be, and empties the
// cache.
func (c *Cache) Refresh() error {
	defer c.pages.Purge()
	if r, ok := c.inner.(Refresher); ok {
		return r.Refresh()
	}
	return nil
}

// Len returns the number of cached pages.
func (c *Cache) Len() int {
	return c.pages.Len()
}
