package dedupcache

import "context"

// Store is the subset of pipeline.Store a CachingStore wraps. Declared
// locally (rather than importing internal/pipeline) so this package has no
// dependency on the engine — pipeline.Store already satisfies it structurally.
type Store interface {
	SubmitExists(ctx context.Context, digest [20]byte, done func(exists bool, err error))
	SubmitWrite(ctx context.Context, digest [20]byte, payload []byte, done func(alreadyStored bool, err error))
	SubmitRead(ctx context.Context, digest [20]byte, done func(data []byte, err error))
}

// CachingStore wraps an inner Store, consulting cache before issuing EXISTS
// over the network. A cache hit short-circuits the round-trip exactly as an
// S_EXISTS reply would; WRITE always goes to the inner store regardless of
// cache state, since the cache is never the source of truth for a write
// (SPEC_FULL.md §4 expansion).
type CachingStore struct {
	inner Store
	cache Cache
}

// Wrap constructs a CachingStore.
func Wrap(inner Store, cache Cache) *CachingStore {
	return &CachingStore{inner: inner, cache: cache}
}

func (s *CachingStore) SubmitExists(ctx context.Context, digest [20]byte, done func(exists bool, err error)) {
	if s.cache.Confirmed(ctx, digest) {
		done(true, nil)
		return
	}
	s.inner.SubmitExists(ctx, digest, func(exists bool, err error) {
		if err == nil && exists {
			s.cache.Remember(ctx, digest)
		}
		done(exists, err)
	})
}

func (s *CachingStore) SubmitWrite(ctx context.Context, digest [20]byte, payload []byte, done func(alreadyStored bool, err error)) {
	s.inner.SubmitWrite(ctx, digest, payload, func(alreadyStored bool, err error) {
		if err == nil {
			s.cache.Remember(ctx, digest)
		}
		done(alreadyStored, err)
	})
}

func (s *CachingStore) SubmitRead(ctx context.Context, digest [20]byte, done func(data []byte, err error)) {
	s.inner.SubmitRead(ctx, digest, done)
}
