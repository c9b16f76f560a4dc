package pipeline

import (
	"context"
	"crypto/sha1"
	"crypto/sha512"
	"fmt"
	"io"

	"github.com/kenchrcum/vaultbackup/internal/compress"
	vcrypto "github.com/kenchrcum/vaultbackup/internal/crypto"
	"github.com/kenchrcum/vaultbackup/internal/manifest"
	"github.com/kenchrcum/vaultbackup/internal/txpool"
	"golang.org/x/crypto/hkdf"
)

func sha1Sum(b []byte) [20]byte { return sha1.Sum(b) }

// FileMeta is what the (out-of-scope) filesystem enumerator hands the
// pipeline for one archive entry.
type FileMeta struct {
	Name       string
	LinkTarget string
	Type       manifest.FileType
	Mode       uint32
	Uid, Gid   uint32
	Rdev       uint64
	Atime      int64
	Mtime      int64
}

// deriveFileBaseIV derives a per-file base IV from the DEK and the file's
// logical name via HKDF, so re-archiving the same file under the same key
// reproduces the same IV sequence (spec §8 property 7) without reusing one
// IV across files with unrelated content at the same chunk offset.
func deriveFileBaseIV(dek []byte, name string) [16]byte {
	var out [16]byte
	if len(dek) == 0 {
		return out
	}
	h := hkdf.New(sha512.New, dek, []byte("vaultbackup-file-iv-v1"), []byte(name))
	io.ReadFull(h, out[:])
	return out
}

// ArchiveFile drives one file through the pipeline: it posts the header
// write and read loop onto the engine goroutine and blocks the caller until
// the file's trailer has been written (or an error occurred). Only one
// ArchiveFile call may be in flight against a given Engine at a time (spec
// §9's engine context restriction).
func (e *Engine) ArchiveFile(ctx context.Context, w *manifest.Writer, meta FileMeta, dek []byte, src io.Reader) error {
	done := make(chan error, 1)
	e.Post(func(e *Engine) {
		e.writer = w
		baseIV := deriveFileBaseIV(dek, meta.Name)
		e.fileHandle = e.arena.Open(meta.Name, meta.Type, meta.Mode, meta.Uid, meta.Gid, meta.Rdev, meta.Atime, meta.Mtime, baseIV)
		node := e.arena.Get(e.fileHandle)
		node.LinkTarget = meta.LinkTarget

		offset, err := w.WriteHeaderAt(manifest.FileHeader{
			Uid: meta.Uid, Gid: meta.Gid, Mode: meta.Mode, Rdev: meta.Rdev,
			Atime: meta.Atime, Mtime: meta.Mtime, Type: meta.Type, Filename: meta.Name,
		})
		if err != nil {
			done <- fmt.Errorf("pipeline: write header: %w", err)
			return
		}
		e.nrShasOffset = offset
		e.fileDone = done

		if meta.Type == manifest.TypeSymlink || meta.Type == manifest.TypeHardlink {
			if _, err := w.WriteHeaderAt(manifest.FileHeader{Type: meta.Type, Filename: meta.LinkTarget}); err != nil {
				done <- fmt.Errorf("pipeline: write link target: %w", err)
				return
			}
			e.finishFile(node, nil)
			return
		}

		e.readLoop(ctx, src)
	})
	return <-done
}

func (e *Engine) readLoop(ctx context.Context, src io.Reader) {
	for {
		tx, ok := e.pool.Alloc()
		if !ok {
			e.Stats.PoolExhaustions++
			e.resumeReader = func(e *Engine) { e.readLoop(ctx, src) }
			return
		}
		tx.Type = txpool.WriteChunk
		tx.FileNode = e.fileHandle

		buf := tx.Inactive()
		n, err := io.ReadFull(src, buf)
		switch err {
		case nil:
			// full chunk; more may follow
		case io.ErrUnexpectedEOF, io.EOF:
			tx.EOF = true
		default:
			e.pool.Free(tx)
			e.fileDone <- fmt.Errorf("pipeline: read: %w", err)
			return
		}
		tx.Commit(n)
		if n == 0 {
			// Exact-multiple-of-CHUNK_MAX boundary (or a zero-length file):
			// no trailing empty chunk is emitted (spec §8 property 8). This
			// transaction carries no payload; it exists only to register the
			// eof marker at its correct place in trans_id order.
			e.completeEOFMarker(tx)
			return
		}

		e.Stats.ChunksRead++
		e.processChunk(ctx, tx)

		if tx.EOF {
			return
		}
	}
}

// completeEOFMarker submits a digest-less completion carrying only the eof
// flag, so the reorder buffer still sees it in trans_id order relative to
// whatever real chunks preceded it.
func (e *Engine) completeEOFMarker(tx *txpool.Transaction) {
	delivered := e.reorder.Submit(completed{transID: tx.TransID, eof: true})
	e.deliver(tx.FileNode, delivered)
	e.pool.Free(tx)
}

// processChunk runs the synchronous portion of the archive pipeline (sha,
// compress-candidate selection deferred until after dedup lookup) and
// issues the EXISTS round trip.
func (e *Engine) processChunk(ctx context.Context, tx *txpool.Transaction) {
	node := e.arena.Get(tx.FileNode)
	tx.Sha = sha1Sum(tx.Active())
	node.sha.Write(tx.Active())
	node.PlainSize += int64(len(tx.Active()))
	tx.State = txpool.StateUncompSha

	tx.State = txpool.StateNExists
	e.store.SubmitExists(ctx, tx.Sha, func(exists bool, err error) {
		e.Post(func(e *Engine) { e.onExistsReply(ctx, tx, exists, err) })
	})
}

func (e *Engine) onExistsReply(ctx context.Context, tx *txpool.Transaction, exists bool, err error) {
	if err != nil {
		e.failTransaction(tx, err)
		return
	}
	if exists {
		tx.DedupSource = txpool.DedupNetwork
		e.Stats.ChunksDeduped++
		e.completeTransaction(tx, digestResult{sha: tx.Sha})
		return
	}

	plaintext := append([]byte(nil), tx.Active()...)
	compressed, err := compress.Compress(e.family, plaintext)
	if err != nil {
		e.failTransaction(tx, err)
		return
	}
	tx.State = txpool.StateCompressed

	var sealed []byte
	if e.cryptoOn {
		node := e.arena.Get(tx.FileNode)
		tx.IV = node.nextChunkIV()
		sealed = vcrypto.SealChunk(e.aead, tx.IV, compressed, nil)
		tx.State = txpool.StateEncrypted
		tx.CSha = sha1Sum(sealed)
		tx.State = txpool.StateCompSha
	} else {
		sealed = compressed
	}

	node := e.arena.Get(tx.FileNode)
	node.CompSize += int64(len(sealed))

	key := e.digestWriteKey(tx.Sha, tx.CSha)
	e.store.SubmitWrite(ctx, key, sealed, func(already bool, err error) {
		e.Post(func(e *Engine) { e.onWriteReply(tx, already, err) })
	})
}

func (e *Engine) onWriteReply(tx *txpool.Transaction, alreadyStored bool, err error) {
	if err != nil {
		e.failTransaction(tx, err)
		return
	}
	tx.State = txpool.StateWritten
	if alreadyStored {
		e.Stats.ChunksDeduped++
	} else {
		e.Stats.ChunksWritten++
	}
	e.completeTransaction(tx, digestResult{sha: tx.Sha, csha: tx.CSha, iv: tx.IV, crypto: e.cryptoOn})
}

func (e *Engine) completeTransaction(tx *txpool.Transaction, d digestResult) {
	delivered := e.reorder.Submit(completed{transID: tx.TransID, digest: &d, eof: tx.EOF})
	e.deliver(tx.FileNode, delivered)
	e.pool.Free(tx)
}

// deliver appends each delivered completion's digest to its file-node in
// trans_id order and, for the one carrying eof, finalizes the file.
func (e *Engine) deliver(fh txpool.FileHandle, delivered []completed) {
	node := e.arena.Get(fh)
	for _, c := range delivered {
		if c.digest != nil {
			node.digests = append(node.digests, manifest.Digest{Sha: c.digest.sha, CSha: c.digest.csha, IV: c.digest.iv})
			node.nrShas++
		}
		if c.eof {
			e.finishFile(node, nil)
		}
	}
}

func (e *Engine) finishFile(node *FileNode, ferr error) {
	if ferr != nil {
		e.fileDone <- ferr
		return
	}
	for _, d := range node.digests {
		if err := e.writer.WriteDigest(d); err != nil {
			e.fileDone <- fmt.Errorf("pipeline: write digest: %w", err)
			return
		}
	}
	var sum [20]byte
	copy(sum[:], node.sha.Sum(nil))
	if err := e.writer.WriteTrailer(manifest.Trailer{Sha: sum, OrigSize: node.PlainSize, CompSize: node.CompSize}); err != nil {
		e.fileDone <- fmt.Errorf("pipeline: write trailer: %w", err)
		return
	}
	if err := e.writer.PatchNrShas(e.nrShasOffset, int32(node.nrShas)); err != nil {
		e.fileDone <- fmt.Errorf("pipeline: patch nr_shas: %w", err)
		return
	}
	e.fileDone <- nil
}

func (e *Engine) failTransaction(tx *txpool.Transaction, err error) {
	e.pool.Free(tx)
	select {
	case e.fileDone <- fmt.Errorf("pipeline: transaction %d: %w", tx.TransID, err):
	default:
	}
}
