// Package pipeline implements the multi-stage transaction pipeline (spec
// §4.4, the "hard part"): read, hash, dedup lookup, compress, encrypt,
// keyed-hash, and network submit, reassembled in strict trans_id order by a
// completion reorder buffer.
//
// The concurrency model is a single-threaded cooperative event loop (spec
// §5): Engine.Run drains one channel of posted closures, each representing
// one stage's wake-up. Network round trips (EXISTS/WRITE/READ) are modeled
// as async Store calls whose callbacks post their continuation back onto
// this same channel — so exactly one goroutine ever touches engine state,
// satisfying the "only the handler currently on the CPU may mutate it"
// invariant without locks, the idiomatic Go rendition of the source's
// hand-written wake-up channels (spec §9).
package pipeline

import (
	"context"
	"crypto/cipher"

	"github.com/kenchrcum/vaultbackup/internal/compress"
	vcrypto "github.com/kenchrcum/vaultbackup/internal/crypto"
	"github.com/kenchrcum/vaultbackup/internal/manifest"
	"github.com/kenchrcum/vaultbackup/internal/txpool"
)

// Stats are the pipeline's own counters; cmd/vaultbackup logs them in its
// archive run summary. This package does not import Prometheus.
type Stats struct {
	ChunksRead      uint64
	ChunksDeduped   uint64
	ChunksWritten   uint64
	BytesPlain      uint64
	BytesStored     uint64
	PoolExhaustions uint64
}

// Engine is the ambient-mutable-state bundle spec §9 calls for: the pool,
// the reorder buffer, stats, the current file-node, and the current
// manifest writer, all touched only from the Run goroutine.
type Engine struct {
	pool    *txpool.Pool
	store   Store
	arena   *arena
	reorder *reorderBuffer
	family  compress.Family

	cryptoOn bool
	aead     cipher.AEAD

	events chan func(*Engine)

	writer       *manifest.Writer
	fileHandle   txpool.FileHandle
	nrShasOffset int64
	fileDone     chan error

	// extractJob holds the state of the one extract-direction call that may
	// be in flight (mutually exclusive with an archive-direction file, spec
	// §9's engine-context restriction).
	extractJob *extractJob

	// resumeReader, when non-nil, is the reader stage's continuation after
	// a failed pool.Alloc() (spec §4.3/§5 "park on pool-free signal"). At
	// most one is pending at a time: only one file is resident per engine
	// context (spec §9's stated no-overlap restriction).
	resumeReader func(*Engine)

	Stats Stats
}

// Config bundles what NewEngine needs beyond the pool and store: the
// archive's chosen compression family and, when crypto is enabled, a
// 32-byte DEK already derived by a crypto.KeyManager.
type Config struct {
	Pool       *txpool.Pool
	Store      Store
	Family     compress.Family
	DEK        []byte // nil/empty disables crypto
	QueueDepth int    // sizes the event queue; 0 picks a sane default
}

// NewEngine constructs an Engine. It does not start the event loop — call
// Run in its own goroutine first.
func NewEngine(cfg Config) (*Engine, error) {
	qd := cfg.QueueDepth
	if qd <= 0 {
		qd = 256
	}
	e := &Engine{
		pool:    cfg.Pool,
		store:   cfg.Store,
		arena:   newArena(),
		reorder: newReorderBuffer(),
		family:  cfg.Family,
		events:  make(chan func(*Engine), qd),
	}
	if len(cfg.DEK) > 0 {
		aead, err := vcrypto.NewAEAD(cfg.DEK)
		if err != nil {
			return nil, err
		}
		e.cryptoOn = true
		e.aead = aead
	}
	return e, nil
}

// Post enqueues fn to run on the engine's single event-loop goroutine. Store
// implementations call this from whatever goroutine a reply arrives on,
// rather than mutating a Transaction directly.
func (e *Engine) Post(fn func(*Engine)) {
	e.events <- fn
}

// Run drains posted events until ctx is cancelled. It is the engine's single
// mutator goroutine; callers (ArchiveFile, ExtractFile) post work onto it
// and wait on a per-call completion channel rather than touching engine
// state themselves.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.events:
			fn(e)
		case <-e.pool.WaitFree():
			if e.resumeReader != nil {
				fn := e.resumeReader
				e.resumeReader = nil
				fn(e)
			}
		}
	}
}

func (e *Engine) digestWriteKey(sha, csha [20]byte) [20]byte {
	if e.cryptoOn {
		return csha
	}
	return sha
}
