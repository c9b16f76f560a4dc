package manifest

import (
	"fmt"
	"io"
)

// Reader reads records back out of a manifest written by Writer. Reader
// computes the digest width once, when Open reads the global header (§4.2): an important
// optimization for listing large archives without touching most digest
// data, since the crypto flag — and hence the width — can vary across a
// differential chain even though it is constant within one manifest.
type Reader struct {
	r            io.Reader
	seeker       io.Seeker // non-nil if r also implements io.Seeker
	Global       GlobalHeader
	digestWidth  int
	widthKnown   bool
}

// Open reads the global header and returns a Reader positioned at the first
// file header.
func Open(r io.Reader) (*Reader, error) {
	mr := &Reader{r: r}
	if s, ok := r.(io.Seeker); ok {
		mr.seeker = s
	}
	gh, err := mr.readGlobalHeader()
	if err != nil {
		return nil, err
	}
	mr.Global = gh
	mr.digestWidth = DigestWidth(gh.CryptoEnabled())
	mr.widthKnown = true
	return mr, nil
}

func (mr *Reader) readGlobalHeader() (GlobalHeader, error) {
	var gh GlobalHeader
	beacon, err := readUint32(mr.r)
	if err != nil {
		return gh, err
	}
	if beacon != BeaconGlobal {
		return gh, fmt.Errorf("manifest: bad global beacon %#x", beacon)
	}
	gh.Beacon = beacon
	if gh.Version, err = readUint16(mr.r); err != nil {
		return gh, err
	}
	if gh.Version > CurrentVersion {
		return gh, fmt.Errorf("manifest: unsupported version %d (max %d)", gh.Version, CurrentVersion)
	}
	if gh.ChunkSize, err = readUint32(mr.r); err != nil {
		return gh, err
	}
	if gh.Created, err = readInt64(mr.r); err != nil {
		return gh, err
	}
	if gh.ArchiveType, err = readU8(mr.r); err != nil {
		return gh, err
	}
	if gh.Flags, err = readUint16(mr.r); err != nil {
		return gh, err
	}
	if gh.PrevLevel, err = readString(mr.r); err != nil {
		return gh, err
	}
	if gh.Level, err = readUint32(mr.r); err != nil {
		return gh, err
	}
	// Version1 predates cwd/paths: absent on disk, left zero-valued.
	if gh.Version < 2 {
		return gh, nil
	}
	if gh.Cwd, err = readString(mr.r); err != nil {
		return gh, err
	}
	n, err := readUint32(mr.r)
	if err != nil {
		return gh, err
	}
	gh.Paths = make([]string, n)
	for i := range gh.Paths {
		if gh.Paths[i], err = readString(mr.r); err != nil {
			return gh, err
		}
	}
	return gh, nil
}

func readU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadHeader reads the next file header, or the EOF sentinel.
func (mr *Reader) ReadHeader() (FileHeader, error) {
	var fh FileHeader
	var err error
	if fh.Beacon, err = readUint32(mr.r); err != nil {
		return fh, err
	}
	if fh.Beacon != BeaconFile && fh.Beacon != BeaconEOF {
		return fh, fmt.Errorf("manifest: bad file beacon %#x", fh.Beacon)
	}
	var nrShas int32
	if nrShas, err = readInt32(mr.r); err != nil {
		return fh, err
	}
	fh.NrShas = nrShas
	if fh.Uid, err = readUint32(mr.r); err != nil {
		return fh, err
	}
	if fh.Gid, err = readUint32(mr.r); err != nil {
		return fh, err
	}
	if fh.Mode, err = readUint32(mr.r); err != nil {
		return fh, err
	}
	if fh.Rdev, err = readUint64(mr.r); err != nil {
		return fh, err
	}
	if fh.Atime, err = readInt64(mr.r); err != nil {
		return fh, err
	}
	if fh.Mtime, err = readInt64(mr.r); err != nil {
		return fh, err
	}
	typ, err := readU8(mr.r)
	if err != nil {
		return fh, err
	}
	fh.Type = FileType(typ)
	if fh.Filename, err = readString(mr.r); err != nil {
		return fh, err
	}
	return fh, nil
}

// ReadDigest reads one digest-list entry using the cached per-archive width.
func (mr *Reader) ReadDigest() (Digest, error) {
	var d Digest
	if _, err := io.ReadFull(mr.r, d.Sha[:]); err != nil {
		return d, err
	}
	if !mr.Global.CryptoEnabled() {
		return d, nil
	}
	if _, err := io.ReadFull(mr.r, d.CSha[:]); err != nil {
		return d, err
	}
	_, err := io.ReadFull(mr.r, d.IV[:])
	return d, err
}

// ReadTrailer reads the file trailer following a digest list.
func (mr *Reader) ReadTrailer() (Trailer, error) {
	var t Trailer
	if _, err := io.ReadFull(mr.r, t.Sha[:]); err != nil {
		return t, err
	}
	var err error
	if t.OrigSize, err = readInt64(mr.r); err != nil {
		return t, err
	}
	t.CompSize, err = readInt64(mr.r)
	return t, err
}

// SkipDigests advances past `count` digest entries without decoding them,
// using Seek when the underlying reader supports it and a plain read-discard
// otherwise. This is the listing optimization named in §4.2.
func (mr *Reader) SkipDigests(count int32) error {
	if count <= 0 {
		return nil
	}
	nbytes := int64(mr.digestWidth) * int64(count)
	if mr.seeker != nil {
		_, err := mr.seeker.Seek(nbytes, io.SeekCurrent)
		return err
	}
	_, err := io.CopyN(io.Discard, mr.r, nbytes)
	return err
}
