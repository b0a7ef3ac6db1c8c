package registry

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"cups-browsed-go/internal/model"
)

// CapCache bounds how many entries' fetched Capabilities are held
// in-process at once, so a large fleet of backing printers doesn't keep
// every IPP attribute response resident forever.
type CapCache struct {
	cache *lru.Cache[model.EntryID, model.Capabilities]
}

// NewCapCache builds a capability cache holding at most size entries.
func NewCapCache(size int) (*CapCache, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[model.EntryID, model.Capabilities](size)
	if err != nil {
		return nil, err
	}
	return &CapCache{cache: c}, nil
}

// Get returns the cached capabilities for id, if present.
func (c *CapCache) Get(id model.EntryID) (model.Capabilities, bool) {
	return c.cache.Get(id)
}

// Put stores freshly-fetched capabilities for id.
func (c *CapCache) Put(id model.EntryID, caps model.Capabilities) {
	c.cache.Add(id, caps)
}

// Invalidate drops id's cached capabilities, forcing a refetch.
func (c *CapCache) Invalidate(id model.EntryID) {
	c.cache.Remove(id)
}
