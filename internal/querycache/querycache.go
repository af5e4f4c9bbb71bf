// Package querycache is a small bounded cache from query string to its
// embedding, sparing the retrieval orchestrator a round trip to the
// embedding service for repeated queries.
package querycache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Capacity is the cache's maximum entry count. The contract only
// requires some eviction on overflow, not a specific policy.
const Capacity = 20

// Cache maps query text to its embedding vector.
type Cache struct {
	lru *lru.Cache[string, []float32]
}

// New returns an empty cache bounded to Capacity entries.
func New() *Cache {
	c, _ := lru.New[string, []float32](Capacity)
	return &Cache{lru: c}
}

// Get returns the cached embedding for query, if present.
func (c *Cache) Get(query string) ([]float32, bool) {
	return c.lru.Get(query)
}

// Put stores the embedding for query, evicting the least recently
// used entry if the cache is at capacity.
func (c *Cache) Put(query string, vector []float32) {
	c.lru.Add(query, vector)
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}
