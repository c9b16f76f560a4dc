package control

import (
	"bytes"
	"context"
	stdcipher "crypto/cipher"
	"errors"
	"fmt"
	"io"

	"github.com/kenchrcum/vaultbackup/internal/compress"
	vcrypto "github.com/kenchrcum/vaultbackup/internal/crypto"
	"github.com/kenchrcum/vaultbackup/internal/pipeline"
)

// Transfer pushes and pulls a manifest object's own bytes through the
// chunked WRITE/READ pipeline under the METADATA keyspace (spec §4.4
// invariant 5), bracketed by the open_for_create/open_for_read/close
// control requests that tell the server which named object subsequent
// chunk opcodes apply to.
//
// Unlike file-body chunks, which are keyed by content digest, metadata
// chunks are keyed by a sequential, manifest-global block index:
// original_source/cyphertite/ct_metadata.c's ct_md_fileio and
// md_extract_chunk stuff a plain block counter into the digest- and
// IV-shaped fields (md_block_no / extract_id, zero-padded into the low
// bytes) rather than hashing the block's content — the server associates
// a WRITE/READ with whichever object the preceding open call named, not
// with a content address.
type Transfer struct {
	client    *Client
	store     pipeline.Store
	family    compress.Family
	aead      stdcipher.AEAD // nil disables crypto
	blockSize int
}

// NewTransfer builds a Transfer over store, which must already be
// constructed against the METADATA partition (chunkproto.New(sess, true,
// ...) or the S3 backend's "manifests/" prefix). dek, when non-empty,
// enables the same AES-256-GCM encryption file-body chunks use; blockSize
// <= 0 picks a default matching the archive path's default chunk size.
func NewTransfer(client *Client, store pipeline.Store, family compress.Family, dek []byte, blockSize int) (*Transfer, error) {
	if blockSize <= 0 {
		blockSize = 256 * 1024
	}
	t := &Transfer{client: client, store: store, family: family, blockSize: blockSize}
	if len(dek) > 0 {
		aead, err := vcrypto.NewAEAD(dek)
		if err != nil {
			return nil, err
		}
		t.aead = aead
	}
	return t, nil
}

// blockKey derives the sequential, non-content-addressed key for block
// index within one metadata transfer: the index occupies the low 8 bytes in
// little-endian order, the rest zero.
func blockKey(index uint64) [20]byte {
	var k [20]byte
	for i := 0; i < 8; i++ {
		k[i] = byte(index >> (8 * i))
	}
	return k
}

// metadataIV derives block index's IV from a zero base IV (spec §4.4
// invariant 5: "for metadata transfers the IV is derived from the
// manifest-global chunk index"), the same DeriveChunkIV scheme file-body
// chunks use with their per-file base IV.
func metadataIV(index uint64) [16]byte {
	return vcrypto.DeriveChunkIV([16]byte{}, index)
}

// Push uploads data as a new manifest object named name: open_for_create,
// one WRITE per block tagged with the METADATA flag (via store's own
// partition) and a manifest-global chunk index, then close.
func (t *Transfer) Push(ctx context.Context, name string, data []byte) error {
	if _, err := t.client.Do(ctx, Request{Action: ActionOpenForCreate, Version: "1", Files: []FileRef{{Name: name}}}); err != nil {
		return fmt.Errorf("control: open_for_create %s: %w", name, err)
	}

	r := bytes.NewReader(data)
	buf := make([]byte, t.blockSize)
	var index uint64
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if err := t.writeBlock(ctx, index, buf[:n]); err != nil {
				return err
			}
			index++
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("control: read block %d of %s: %w", index, name, rerr)
		}
	}

	if _, err := t.client.Do(ctx, Request{Action: ActionClose, Version: "1", Files: []FileRef{{Name: name}}}); err != nil {
		return fmt.Errorf("control: close %s: %w", name, err)
	}
	return nil
}

func (t *Transfer) writeBlock(ctx context.Context, index uint64, plain []byte) error {
	payload, err := compress.Compress(t.family, plain)
	if err != nil {
		return fmt.Errorf("control: compress metadata block %d: %w", index, err)
	}
	if t.aead != nil {
		payload = vcrypto.SealChunk(t.aead, metadataIV(index), payload, nil)
	}

	done := make(chan error, 1)
	t.store.SubmitWrite(ctx, blockKey(index), payload, func(_ bool, err error) { done <- err })
	if err := <-done; err != nil {
		return fmt.Errorf("control: write metadata block %d: %w", index, err)
	}
	return nil
}

// Pull downloads the manifest object named name and writes its
// reassembled plaintext to w: open_for_read, one READ per block in
// ascending index order until the server reports the next index doesn't
// exist (the object's own EOF, since blocks are sequential and unbounded
// rather than counted up front), then close.
func (t *Transfer) Pull(ctx context.Context, name string, w io.Writer) error {
	if _, err := t.client.Do(ctx, Request{Action: ActionOpenForRead, Version: "1", Files: []FileRef{{Name: name}}}); err != nil {
		return fmt.Errorf("control: open_for_read %s: %w", name, err)
	}

	for index := uint64(0); ; index++ {
		plain, err := t.readBlock(ctx, index)
		if err != nil {
			if errors.Is(err, pipeline.ErrChunkNotFound) {
				break
			}
			return err
		}
		if _, werr := w.Write(plain); werr != nil {
			return fmt.Errorf("control: write out metadata block %d of %s: %w", index, name, werr)
		}
	}

	if _, err := t.client.Do(ctx, Request{Action: ActionClose, Version: "1", Files: []FileRef{{Name: name}}}); err != nil {
		return fmt.Errorf("control: close %s: %w", name, err)
	}
	return nil
}

func (t *Transfer) readBlock(ctx context.Context, index uint64) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	t.store.SubmitRead(ctx, blockKey(index), func(data []byte, err error) { done <- result{data, err} })
	res := <-done
	if res.err != nil {
		return nil, fmt.Errorf("control: read metadata block %d: %w", index, res.err)
	}

	payload := res.data
	if t.aead != nil {
		opened, derr := vcrypto.OpenChunk(t.aead, metadataIV(index), payload, nil)
		if derr != nil {
			return nil, fmt.Errorf("control: decrypt metadata block %d: %w", index, derr)
		}
		payload = opened
	}
	decompressed, derr := compress.Decompress(t.family, payload, 0)
	if derr != nil {
		return nil, fmt.Errorf("control: decompress metadata block %d: %w", index, derr)
	}
	return decompressed, nil
}
