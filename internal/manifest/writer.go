package manifest

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// countingWriter tracks the byte offset of everything written through it, so
// Writer can later patch a file header's nr_shas field once the true chunk
// count is known (see WriteHeaderAt/PatchNrShas).
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Writer appends records to a manifest being created. Writer is not safe for
// concurrent use; the pipeline engine's completion stage is its only caller
// (spec §5 single-writer invariant).
type Writer struct {
	w           *countingWriter
	waw         io.WriterAt // non-nil when the underlying writer supports patching
	crypto      bool
	wroteHeader bool
	closed      bool
}

// Create starts a new manifest. crypto controls whether Digest records carry
// CSha/IV; level/basis/cwd/paths populate the global header.
func Create(w io.Writer, chunkSize uint32, crypto, multilevelAllFiles bool, basis string, level uint32, cwd string, paths []string) (*Writer, error) {
	flags := uint16(0)
	if crypto {
		flags |= FlagCrypto
	}
	if multilevelAllFiles {
		flags |= FlagMultilevelAll
	}
	gh := GlobalHeader{
		Beacon:      BeaconGlobal,
		Version:     CurrentVersion,
		ChunkSize:   chunkSize,
		Created:     time.Now().Unix(),
		ArchiveType: 0,
		Flags:       flags,
		PrevLevel:   basis,
		Level:       level,
		Cwd:         cwd,
		Paths:       paths,
	}
	mw := &Writer{w: &countingWriter{w: w}, crypto: crypto}
	if waw, ok := w.(io.WriterAt); ok {
		mw.waw = waw
	}
	if err := mw.writeGlobalHeader(gh); err != nil {
		return nil, err
	}
	return mw, nil
}

func (mw *Writer) writeGlobalHeader(gh GlobalHeader) error {
	if err := writeUint32(mw.w, gh.Beacon); err != nil {
		return err
	}
	if err := writeUint16(mw.w, gh.Version); err != nil {
		return err
	}
	if err := writeUint32(mw.w, gh.ChunkSize); err != nil {
		return err
	}
	if err := writeInt64(mw.w, gh.Created); err != nil {
		return err
	}
	if err := writeU8(mw.w, gh.ArchiveType); err != nil {
		return err
	}
	if err := writeUint16(mw.w, gh.Flags); err != nil {
		return err
	}
	if err := writeString(mw.w, gh.PrevLevel); err != nil {
		return err
	}
	if err := writeUint32(mw.w, gh.Level); err != nil {
		return err
	}
	if err := writeString(mw.w, gh.Cwd); err != nil {
		return err
	}
	if err := writeUint32(mw.w, uint32(len(gh.Paths))); err != nil {
		return err
	}
	for _, p := range gh.Paths {
		if err := writeString(mw.w, p); err != nil {
			return err
		}
	}
	return nil
}

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// WriteHeader emits a file header. For symlink/hardlink entries the caller
// follows with a second WriteHeader call carrying the link target (§3).
func (mw *Writer) WriteHeader(fh FileHeader) error {
	fh.Beacon = BeaconFile
	return mw.writeFileHeaderRaw(fh)
}

// WriteHeaderAt behaves like WriteHeader but also returns the byte offset of
// the nr_shas field, for later correction via PatchNrShas once the true
// chunk count for this file is known (archiving discovers it only after the
// pipeline has finished chunking the file; the header must be emitted before
// that, to keep the manifest append-only while chunking proceeds).
func (mw *Writer) WriteHeaderAt(fh FileHeader) (nrShasOffset int64, err error) {
	fh.Beacon = BeaconFile
	nrShasOffset = mw.w.n + 4 // past the 4-byte beacon
	return nrShasOffset, mw.writeFileHeaderRaw(fh)
}

// PatchNrShas overwrites a previously written header's nr_shas field. It
// requires the manifest's underlying writer to implement io.WriterAt (true
// for the local *os.File manifests are always backed by; see DESIGN.md).
func (mw *Writer) PatchNrShas(nrShasOffset int64, nrShas int32) error {
	if mw.waw == nil {
		return fmt.Errorf("manifest: writer does not support nr_shas patching")
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(nrShas))
	_, err := mw.waw.WriteAt(buf[:], nrShasOffset)
	return err
}

func (mw *Writer) writeFileHeaderRaw(fh FileHeader) error {
	if err := writeUint32(mw.w, fh.Beacon); err != nil {
		return err
	}
	if err := writeInt32(mw.w, fh.NrShas); err != nil {
		return err
	}
	if err := writeUint32(mw.w, fh.Uid); err != nil {
		return err
	}
	if err := writeUint32(mw.w, fh.Gid); err != nil {
		return err
	}
	if err := writeUint32(mw.w, fh.Mode); err != nil {
		return err
	}
	if err := writeUint64(mw.w, fh.Rdev); err != nil {
		return err
	}
	if err := writeInt64(mw.w, fh.Atime); err != nil {
		return err
	}
	if err := writeInt64(mw.w, fh.Mtime); err != nil {
		return err
	}
	if err := writeU8(mw.w, uint8(fh.Type)); err != nil {
		return err
	}
	return writeString(mw.w, fh.Filename)
}

// WriteDigest appends one digest-list entry. CSha/IV are written only when
// the manifest was created with crypto enabled.
func (mw *Writer) WriteDigest(d Digest) error {
	if _, err := mw.w.Write(d.Sha[:]); err != nil {
		return err
	}
	if !mw.crypto {
		return nil
	}
	if _, err := mw.w.Write(d.CSha[:]); err != nil {
		return err
	}
	_, err := mw.w.Write(d.IV[:])
	return err
}

// WriteTrailer closes out the current file's record.
func (mw *Writer) WriteTrailer(t Trailer) error {
	if _, err := mw.w.Write(t.Sha[:]); err != nil {
		return err
	}
	if err := writeInt64(mw.w, t.OrigSize); err != nil {
		return err
	}
	return writeInt64(mw.w, t.CompSize)
}

// Close emits the EOF header and finalizes the manifest. Close is
// idempotent and safe to call during abnormal shutdown once at least the
// global header has been written, so that a subsequent `list` always finds
// a structurally valid (if truncated) manifest (§7).
func (mw *Writer) Close() error {
	if mw.closed {
		return nil
	}
	mw.closed = true
	return mw.writeFileHeaderRaw(FileHeader{Beacon: BeaconEOF})
}
