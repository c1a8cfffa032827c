package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zen-systems/routegate/pkg/adapter"
)

// Cache outcomes recorded on an Attempt.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// ResponseCache keeps successful responses per backend and shaped request
// for a fixed TTL. The least recently used entry is evicted once the cache
// is full. It is safe for concurrent use.
type ResponseCache struct {
	lru *expirable.LRU[string, adapter.Response]
}

// NewResponseCache creates a cache holding at most maxEntries responses.
func NewResponseCache(maxEntries int, ttl time.Duration) *ResponseCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResponseCache{lru: expirable.NewLRU[string, adapter.Response](maxEntries, nil, ttl)}
}

// Len returns the number of live entries.
func (c *ResponseCache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *ResponseCache) Purge() {
	c.lru.Purge()
}

func (c *ResponseCache) get(key string) (*adapter.Response, bool) {
	resp, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return &resp, true
}

func (c *ResponseCache) add(key string, resp *adapter.Response) {
	c.lru.Add(key, *resp)
}

// cacheKey hashes the backend id with the request as it would be sent.
// Requests that cannot be encoded are not cached.
func cacheKey(backendID string, req adapter.Request) (string, bool) {
	data, err := json.Marshal(struct {
		Backend string
		Request adapter.Request
	}{backendID, req})
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), true
}
