package pipeline

import "context"

// Store is the contract the pipeline consumes from the chunk protocol (C6),
// whether backed by the native framed session (internal/session) or the
// alternate S3 backend (internal/s3backend). Every method is async: the
// implementation issues (or short-circuits) the round trip and invokes done
// from whatever goroutine the reply arrives on. done must post its result
// back onto the engine's single-threaded event queue — see Engine.Post —
// never mutate a Transaction directly from the calling goroutine.
type Store interface {
	// SubmitExists issues an EXISTS check (or satisfies it from a local
	// dedup cache). done reports whether the digest is already stored.
	SubmitExists(ctx context.Context, digest [20]byte, done func(exists bool, err error))

	// SubmitWrite issues a WRITE of the given bytes, keyed by the content
	// digest for correctness purposes (the server is the source of truth)
	// and the stored digest (csha) when crypto is enabled. done reports
	// whether the server already held the data (S_EXISTS).
	SubmitWrite(ctx context.Context, digest [20]byte, payload []byte, done func(alreadyStored bool, err error))

	// SubmitRead fetches the stored bytes for digest. done delivers them.
	SubmitRead(ctx context.Context, digest [20]byte, done func(data []byte, err error))
}
