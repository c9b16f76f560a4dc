package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/kenchrcum/vaultbackup/internal/compress"
	vcrypto "github.com/kenchrcum/vaultbackup/internal/crypto"
	"github.com/kenchrcum/vaultbackup/internal/manifest"
	"github.com/kenchrcum/vaultbackup/internal/txpool"
)

// extractJob is the engine-resident state for one ExtractFile call. Only one
// is ever active at a time (spec §9's engine-context restriction), so it
// lives as a single field rather than a map keyed by file.
type extractJob struct {
	ctx      context.Context
	dst      io.Writer
	digests  []manifest.Digest
	expected [20]byte
	next     int // index of the next digest to request
	rb       *reorderBuffer
	done     chan error
}

// ExtractFile fetches every digest in order, decrypts/decompresses and
// verifies each chunk, and writes the reassembled plaintext to dst. The
// driver (internal/extract, C8) walks the manifest chain and decides which
// files and digests to request; this method only runs the chunk-level
// EX_SHA -> EX_READ -> EX_DECRYPTED -> EX_UNCOMPRESSED pipeline for one
// file's digest list.
//
// Reads are issued several at a time (up to the pool's depth) so network
// round trips overlap, exactly as WRITE round trips do on the archive side;
// a local reorder buffer (keyed by digest index, not the pool's global
// trans_id) restores file order before bytes reach dst.
func (e *Engine) ExtractFile(ctx context.Context, dst io.Writer, digests []manifest.Digest, expectedSha [20]byte) error {
	if len(digests) == 0 {
		return verifyEmptyDigest(expectedSha)
	}

	done := make(chan error, 1)
	e.Post(func(e *Engine) {
		e.extractJob = &extractJob{
			ctx:      ctx,
			dst:      dst,
			digests:  digests,
			expected: expectedSha,
			rb:       newReorderBuffer(),
			done:     done,
		}
		e.extractReadLoop()
	})
	return <-done
}

func (e *Engine) extractReadLoop() {
	job := e.extractJob
	for job.next < len(job.digests) {
		tx, ok := e.pool.Alloc()
		if !ok {
			e.Stats.PoolExhaustions++
			e.resumeReader = func(e *Engine) { e.extractReadLoop() }
			return
		}
		idx := job.next
		job.next++
		d := job.digests[idx]
		tx.Type = txpool.ReadChunk
		tx.State = txpool.StateExSha
		tx.EOF = idx == len(job.digests)-1

		key := d.Sha
		if e.cryptoOn {
			key = d.CSha
		}
		e.store.SubmitRead(job.ctx, key, func(data []byte, err error) {
			e.Post(func(e *Engine) { e.onReadReply(idx, d, tx, data, err) })
		})
	}
}

func (e *Engine) onReadReply(idx int, d manifest.Digest, tx *txpool.Transaction, data []byte, err error) {
	job := e.extractJob
	if job == nil {
		// A sibling in-flight read already failed this file; this reply's
		// transaction still needs to return to the pool.
		e.pool.Free(tx)
		return
	}
	if err != nil {
		e.pool.Free(tx)
		e.failExtract(fmt.Errorf("pipeline: read chunk: %w", err))
		return
	}
	tx.State = txpool.StateExRead

	plain := data
	if e.cryptoOn {
		opened, derr := vcrypto.OpenChunk(e.aead, d.IV, data, nil)
		if derr != nil {
			e.pool.Free(tx)
			e.failExtract(fmt.Errorf("pipeline: chunk authentication failed: %w: %w", derr, ErrDigestMismatch))
			return
		}
		plain = opened
		tx.State = txpool.StateExDecrypted
	}

	decompressed, derr := compress.Decompress(e.family, plain, 0)
	if derr != nil {
		e.pool.Free(tx)
		e.failExtract(fmt.Errorf("pipeline: decompress chunk: %w: %w", derr, ErrDigestMismatch))
		return
	}
	tx.State = txpool.StateExUncompressed

	if got := sha1Sum(decompressed); got != d.Sha {
		e.pool.Free(tx)
		e.failExtract(fmt.Errorf("pipeline: digest mismatch on extract: expected %x got %x: %w", d.Sha, got, ErrDigestMismatch))
		return
	}

	delivered := job.rb.Submit(completed{transID: uint64(idx), data: decompressed, eof: idx == len(job.digests)-1})
	e.pool.Free(tx)
	for _, c := range delivered {
		if _, werr := job.dst.Write(c.data); werr != nil {
			e.failExtract(fmt.Errorf("pipeline: write output: %w", werr))
			return
		}
		if c.eof {
			e.extractJob = nil
			nonBlockingSend(job.done, nil)
			return
		}
	}

	// Keep the read pipeline as full as the pool allows; a chunk freed above
	// may have made room for the next Alloc.
	e.extractReadLoop()
}

func (e *Engine) failExtract(err error) {
	job := e.extractJob
	if job == nil {
		return
	}
	e.extractJob = nil
	nonBlockingSend(job.done, err)
}

func nonBlockingSend(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func verifyEmptyDigest(expected [20]byte) error {
	if sha1Sum(nil) != expected {
		return fmt.Errorf("pipeline: empty file digest mismatch")
	}
	return nil
}
