// Package manifest implements the versioned, self-describing archive file
// (the "metadata file"): global header, per-file header, per-chunk digest
// list, per-file trailer, and EOF sentinel (spec §3, §4.2).
package manifest

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Beacon values mark structural boundaries in the manifest. The file-header
// beacon is distinct from the EOF beacon so a reader can tell a real entry
// from the terminating sentinel without looking further.
const (
	BeaconGlobal uint32 = 0x43595048
	BeaconFile   uint32 = 0x43595046
	BeaconEOF    uint32 = 0x43595045
)

// CurrentVersion is the version writers always emit. Version 1 predates the
// addition of the working-directory/input-roots fields on the global header;
// readers of version 1 treat those fields as absent (§4.2 version
// compatibility).
const (
	Version1 uint16 = 1
	CurrentVersion uint16 = 2
)

// PathMax bounds any length-prefixed path/string field on the wire.
const PathMax = 4096

// Global header flag bits.
const (
	FlagCrypto          uint16 = 1 << 0
	FlagMultilevelAll    uint16 = 1 << 1
)

// FileType enumerates the entry kinds a FileHeader can describe.
type FileType uint8

const (
	TypeRegular FileType = iota
	TypeDir
	TypeSymlink
	TypeHardlink
	TypeDevice
	TypeFIFO
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	case TypeHardlink:
		return "hardlink"
	case TypeDevice:
		return "device"
	case TypeFIFO:
		return "fifo"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// GlobalHeader is the first record of every manifest.
type GlobalHeader struct {
	Beacon      uint32
	Version     uint16
	ChunkSize   uint32
	Created     int64
	ArchiveType uint8
	Flags       uint16
	PrevLevel   string // empty, or the filename of the base manifest
	Level       uint32
	Cwd         string // absent (empty) for Version1 readers
	Paths       []string
}

// CryptoEnabled reports whether this archive's chunks are encrypted.
func (g GlobalHeader) CryptoEnabled() bool { return g.Flags&FlagCrypto != 0 }

// MultilevelAllFiles reports whether every level is self-sufficient (§3).
func (g GlobalHeader) MultilevelAllFiles() bool { return g.Flags&FlagMultilevelAll != 0 }

// FileHeader describes one archive entry, or (when Beacon==BeaconEOF) the
// terminating sentinel.
type FileHeader struct {
	Beacon   uint32
	NrShas   int32 // -1 = "unchanged since prior level; take from base"
	Uid      uint32
	Gid      uint32
	Mode     uint32
	Rdev     uint64
	Atime    int64
	Mtime    int64
	Type     FileType
	Filename string
}

// IsEOF reports whether this header is the manifest's EOF sentinel.
func (h FileHeader) IsEOF() bool { return h.Beacon == BeaconEOF }

// LinkTarget is the second header following a symlink/hardlink FileHeader,
// encoding the link target as a filename; a Type bit distinguishes hardlink
// from symlink on the target header itself (§3).
type LinkTarget = FileHeader

// Digest is one entry in a file's digest list. When the archive is not
// encrypted only Sha is meaningful; CSha/IV are populated when crypto is on.
type Digest struct {
	Sha  [20]byte
	CSha [20]byte
	IV   [16]byte
}

// DigestWidth returns the on-disk size of one Digest record for an archive
// with the given crypto setting.
func DigestWidth(crypto bool) int {
	if crypto {
		return 20 + 20 + 16
	}
	return 20
}

// Trailer is emitted once per file after its digest list.
type Trailer struct {
	Sha      [20]byte
	OrigSize int64
	CompSize int64
}

// errShortWrite/io helpers -------------------------------------------------

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeInt64(w io.Writer, v int64) error { return writeUint64(w, uint64(v)) }
func writeInt32(w io.Writer, v int32) error { return writeUint32(w, uint32(v)) }

func writeString(w io.Writer, s string) error {
	if len(s) > PathMax {
		return fmt.Errorf("manifest: string of %d bytes exceeds PATH_MAX", len(s))
	}
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readInt64(r io.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if n > PathMax {
		return "", fmt.Errorf("manifest: string length %d exceeds PATH_MAX", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
