package coords

import "sync"

type shape struct {
	width, height int
}

// Cache hands out one Grid per image shape. It is safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	grids map[shape]*Grid
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{grids: make(map[shape]*Grid)}
}

// Get returns the grid for width x height, building it on first use.
func (c *Cache) Get(width, height int) (*Grid, error) {
	key := shape{width, height}

	c.mu.RLock()
	g, ok := c.grids[key]
	c.mu.RUnlock()
	if ok {
		return g, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.grids[key]; ok {
		return g, nil
	}
	g, err := New(width, height)
	if err != nil {
		return nil, err
	}
	c.grids[key] = g
	return g, nil
}

// Len returns the number of cached shapes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.grids)
}
