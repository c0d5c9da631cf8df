// Package proxycache implements the gateway's response cache (spec.md §2's
// table names "Proxy cache" without detailing it further): an LRU, TTL-bound
// cache keyed by a fingerprint of (model, normalized request body, backend
// name), so an identical request repeated against the same backend within
// the TTL skips the attempt engine entirely.
//
// Grounded on internal/health's Registry/Tracker split (its own small lock
// guarding a map, same shape this cache needs) and on
// github.com/hashicorp/golang-lru/v2's generic Cache, a real dependency of
// the teacher's module graph that spec.md's cache gives a concrete home.
package proxycache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is one cached response body plus the metadata needed to decide
// whether it is still fresh and to replay it verbatim.
type Entry struct {
	Status  int
	Header  map[string][]string
	Body    []byte
	StoredAt time.Time
}

// Cache is a fixed-capacity, TTL-bound cache of upstream responses. It
// holds its own lock (spec.md §5: "the proxy cache uses its own lock"),
// independent of the gateway lock internal/admission serializes admission
// decisions under.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, Entry]
	ttl time.Duration
	now func() time.Time
}

// New builds a Cache holding at most capacity entries, each valid for ttl
// after it was stored. A non-positive capacity disables the cache: Get
// always misses and Put is a no-op.
func New(capacity int, ttl time.Duration) (*Cache, error) {
	if capacity <= 0 {
		return &Cache{ttl: ttl, now: time.Now}, nil
	}
	l, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, ttl: ttl, now: time.Now}, nil
}

// Fingerprint derives the cache key for (model, normalized request body,
// backend). The body is expected to already be normalized by the caller
// (stable key ordering, no volatile fields like request ids) so that two
// semantically identical requests hash identically.
func Fingerprint(model string, normalizedBody []byte, backend string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(normalizedBody)
	h.Write([]byte{0})
	h.Write([]byte(backend))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached entry for key if present and not yet expired.
func (c *Cache) Get(key string) (Entry, bool) {
	if c.lru == nil {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Get(key)
	if !ok {
		return Entry{}, false
	}
	if c.ttl > 0 && c.now().Sub(entry.StoredAt) > c.ttl {
		c.lru.Remove(key)
		return Entry{}, false
	}
	return entry, true
}

// Put stores an entry under key, evicting the least recently used entry if
// the cache is at capacity.
func (c *Cache) Put(key string, entry Entry) {
	if c.lru == nil {
		return
	}
	entry.StoredAt = c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, entry)
}

// Purge empties the cache, used by POST /admin/proxy_cache/purge.
func (c *Cache) Purge() {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	if c.lru == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
