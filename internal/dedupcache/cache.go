// Package dedupcache implements the optional local cache of
// recently-confirmed chunk digests (SPEC_FULL.md §4 expansion): a hit
// short-circuits the pipeline's EXISTS round-trip exactly as a server
// S_EXISTS reply would, saving a network trip for content this process (or,
// with the optional Redis mirror, another process) has already confirmed
// present. A cache hit is never the source of truth for WRITE — the server
// still resolves every write, so the dedup-race invariant (spec.md §4.4
// invariant 2) holds regardless of what the cache believes.
package dedupcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache reports whether a digest was recently confirmed present, without
// ever being consulted by WRITE's correctness.
type Cache interface {
	// Confirmed reports whether digest is believed present.
	Confirmed(ctx context.Context, digest [20]byte) bool
	// Remember records digest as confirmed present (an EXISTS hit, or a
	// WRITE that came back S_EXISTS/S_OK).
	Remember(ctx context.Context, digest [20]byte)
	Close() error
}

// lruEntry is one node in the local LRU's backing list.
type lruEntry struct {
	digest [20]byte
}

// LocalCache is an in-process LRU of confirmed digests; it never talks to
// the network and bounds memory at a fixed entry count.
type LocalCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[[20]byte]*list.Element
}

// NewLocalCache constructs an LRU cache holding at most capacity digests.
func NewLocalCache(capacity int) *LocalCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LocalCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[[20]byte]*list.Element),
	}
}

func (c *LocalCache) Confirmed(ctx context.Context, digest [20]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[digest]
	if !ok {
		return false
	}
	c.ll.MoveToFront(el)
	return true
}

func (c *LocalCache) Remember(ctx context.Context, digest [20]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[digest]; ok {
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(lruEntry{digest: digest})
	c.index[digest] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(lruEntry).digest)
		}
	}
}

func (c *LocalCache) Close() error { return nil }

// RedisCache mirrors confirmations to a shared Redis instance, so multiple
// client processes archiving against the same server benefit from one
// another's dedup hits. Lookups and writes degrade to "not confirmed" on any
// Redis error rather than failing the pipeline — the cache is an
// optimization, never a correctness dependency.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisCache)

// WithTTL sets how long a remembered digest stays confirmed. Zero disables
// expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(c *RedisCache) { c.ttl = ttl }
}

// WithKeyPrefix namespaces this cache's keys, so more than one archive
// target can share a Redis instance without colliding.
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCache) { c.prefix = prefix }
}

// NewRedisCache wraps an already-constructed *redis.Client (tests construct
// one against a github.com/alicebob/miniredis/v2 instance).
func NewRedisCache(rdb *redis.Client, opts ...RedisOption) *RedisCache {
	c := &RedisCache{rdb: rdb, prefix: "vaultbackup:dedup:"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) key(digest [20]byte) string {
	return c.prefix + string(digest[:])
}

func (c *RedisCache) Confirmed(ctx context.Context, digest [20]byte) bool {
	n, err := c.rdb.Exists(ctx, c.key(digest)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

func (c *RedisCache) Remember(ctx context.Context, digest [20]byte) {
	c.rdb.Set(ctx, c.key(digest), []byte{1}, c.ttl)
}

func (c *RedisCache) Close() error { return c.rdb.Close() }

// TieredCache checks a fast LocalCache first and falls through to a
// RedisCache, writing a remembered digest to both so the next lookup in
// this process stays entirely local.
type TieredCache struct {
	local  *LocalCache
	remote *RedisCache
}

// NewTieredCache combines local and remote into one Cache.
func NewTieredCache(local *LocalCache, remote *RedisCache) *TieredCache {
	return &TieredCache{local: local, remote: remote}
}

func (c *TieredCache) Confirmed(ctx context.Context, digest [20]byte) bool {
	if c.local.Confirmed(ctx, digest) {
		return true
	}
	if c.remote.Confirmed(ctx, digest) {
		c.local.Remember(ctx, digest)
		return true
	}
	return false
}

func (c *TieredCache) Remember(ctx context.Context, digest [20]byte) {
	c.local.Remember(ctx, digest)
	c.remote.Remember(ctx, digest)
}

func (c *TieredCache) Close() error {
	err := c.remote.Close()
	if lerr := c.local.Close(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}
