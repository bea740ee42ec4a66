// Package idempotency replays completed responses for retried requests
// that carry an Idempotency-Key header. Entries are keyed by the pair
// (key, fingerprint) so a reused key with a different request body never
// replays the wrong response.
package idempotency

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ocbridge/chatgpt-bridge/internal/admission"
	"github.com/ocbridge/chatgpt-bridge/internal/openai"
)

const defaultCapacity = 256

type cacheKey struct {
	Key         string
	Fingerprint admission.Fingerprint
}

// Cached is a stored completion ready for replay.
type Cached struct {
	Response openai.ChatCompletionResponse
	Headers  map[string]string
}

// Cache is a TTL-bounded replay store.
type Cache struct {
	lru *lru.LRU[cacheKey, Cached]
}

// New builds a cache with the given TTL. A non-positive TTL disables the
// cache; all lookups miss.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		return &Cache{}
	}
	return &Cache{lru: lru.NewLRU[cacheKey, Cached](defaultCapacity, nil, ttl)}
}

// Get returns the stored response for (key, fingerprint), if any.
func (c *Cache) Get(key string, fp admission.Fingerprint) (Cached, bool) {
	if c == nil || c.lru == nil || key == "" {
		return Cached{}, false
	}
	return c.lru.Get(cacheKey{Key: key, Fingerprint: fp})
}

// Put stores a successful response for replay.
func (c *Cache) Put(key string, fp admission.Fingerprint, cached Cached) {
	if c == nil || c.lru == nil || key == "" {
		return
	}
	c.lru.Add(cacheKey{Key: key, Fingerprint: fp}, cached)
}
