package dedupcache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func digestOf(b byte) [20]byte {
	var d [20]byte
	d[0] = b
	return d
}

func TestLocalCacheRememberAndConfirm(t *testing.T) {
	c := NewLocalCache(2)
	ctx := context.Background()
	d := digestOf(1)
	if c.Confirmed(ctx, d) {
		t.Fatal("unconfirmed digest should not be confirmed")
	}
	c.Remember(ctx, d)
	if !c.Confirmed(ctx, d) {
		t.Fatal("expected digest confirmed after Remember")
	}
}

func TestLocalCacheEvictsOldest(t *testing.T) {
	c := NewLocalCache(2)
	ctx := context.Background()
	d1, d2, d3 := digestOf(1), digestOf(2), digestOf(3)
	c.Remember(ctx, d1)
	c.Remember(ctx, d2)
	c.Remember(ctx, d3) // capacity 2: d1 should fall out
	if c.Confirmed(ctx, d1) {
		t.Fatal("expected d1 evicted once capacity exceeded")
	}
	if !c.Confirmed(ctx, d2) || !c.Confirmed(ctx, d3) {
		t.Fatal("expected d2 and d3 to remain")
	}
}

func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisCache(rdb, WithKeyPrefix("test:"))
}

func TestRedisCacheRememberAndConfirm(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()
	d := digestOf(7)
	if c.Confirmed(ctx, d) {
		t.Fatal("unconfirmed digest should not be confirmed")
	}
	c.Remember(ctx, d)
	if !c.Confirmed(ctx, d) {
		t.Fatal("expected digest confirmed after Remember")
	}
}

func TestTieredCacheFallsThroughToRemote(t *testing.T) {
	local := NewLocalCache(16)
	remote := newTestRedisCache(t)
	tiered := NewTieredCache(local, remote)
	ctx := context.Background()
	d := digestOf(9)

	// Remember only via the remote tier directly, bypassing local.
	remote.Remember(ctx, d)
	if local.Confirmed(ctx, d) {
		t.Fatal("local tier should not know about the digest yet")
	}
	if !tiered.Confirmed(ctx, d) {
		t.Fatal("tiered cache should fall through to the remote tier")
	}
	if !local.Confirmed(ctx, d) {
		t.Fatal("a remote hit should warm the local tier")
	}
}

// fakeStore is a minimal dedupcache.Store recording calls so tests can
// assert the cache short-circuits EXISTS without reaching the network.
type fakeStore struct {
	existsCalls int
	writeCalls  int
	present     map[[20]byte]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{present: make(map[[20]byte]bool)}
}

func (f *fakeStore) SubmitExists(ctx context.Context, digest [20]byte, done func(exists bool, err error)) {
	f.existsCalls++
	done(f.present[digest], nil)
}

func (f *fakeStore) SubmitWrite(ctx context.Context, digest [20]byte, payload []byte, done func(alreadyStored bool, err error)) {
	f.writeCalls++
	already := f.present[digest]
	f.present[digest] = true
	done(already, nil)
}

func (f *fakeStore) SubmitRead(ctx context.Context, digest [20]byte, done func(data []byte, err error)) {
	done(nil, nil)
}

func TestCachingStoreSkipsExistsOnCacheHit(t *testing.T) {
	ctx := context.Background()
	inner := newFakeStore()
	cache := NewLocalCache(16)
	store := Wrap(inner, cache)

	d := digestOf(42)

	var firstWriteAlready bool
	store.SubmitWrite(ctx, d, []byte("payload"), func(alreadyStored bool, err error) {
		firstWriteAlready = alreadyStored
	})
	if firstWriteAlready {
		t.Fatal("first write should not report already stored")
	}
	if inner.writeCalls != 1 {
		t.Fatalf("writeCalls = %d, want 1", inner.writeCalls)
	}

	// A second EXISTS for the same digest should be answered from cache,
	// never reaching the inner store (spec SPEC_FULL.md scenario S7).
	var exists bool
	store.SubmitExists(ctx, d, func(e bool, err error) { exists = e })
	if !exists {
		t.Fatal("expected a cache hit to report exists=true")
	}
	if inner.existsCalls != 0 {
		t.Fatalf("existsCalls = %d, want 0 (cache should short-circuit)", inner.existsCalls)
	}
}

func TestCachingStoreMissFallsThroughAndRemembers(t *testing.T) {
	ctx := context.Background()
	inner := newFakeStore()
	cache := NewLocalCache(16)
	store := Wrap(inner, cache)

	d := digestOf(5)
	inner.present[d] = true // already stored server-side, cache cold

	var exists bool
	store.SubmitExists(ctx, d, func(e bool, err error) { exists = e })
	if !exists || inner.existsCalls != 1 {
		t.Fatalf("expected a network EXISTS hit on cold cache, got exists=%v calls=%d", exists, inner.existsCalls)
	}

	// The hit should have warmed the cache, so a repeat never calls inner again.
	store.SubmitExists(ctx, d, func(e bool, err error) { exists = e })
	if inner.existsCalls != 1 {
		t.Fatalf("existsCalls = %d, want still 1 after cache warmed", inner.existsCalls)
	}
}
