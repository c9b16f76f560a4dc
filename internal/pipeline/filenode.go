package pipeline

import (
	"crypto/sha1"
	"hash"

	"github.com/kenchrcum/vaultbackup/internal/crypto"
	"github.com/kenchrcum/vaultbackup/internal/manifest"
	"github.com/kenchrcum/vaultbackup/internal/txpool"
)

// FileNode describes one archive entry while it's resident in the pipeline
// (spec §3 "File-node"). It lives in the engine's arena and is referenced
// from transactions only by handle, never by pointer (spec §9).
type FileNode struct {
	Name       string
	LinkTarget string
	Type       manifest.FileType
	Mode       uint32
	Uid, Gid   uint32
	Rdev       uint64
	Atime      int64
	Mtime      int64

	PlainSize int64
	CompSize  int64

	sha hash.Hash // incremental content digest over the whole plaintext file

	chunkIndex int      // file-local chunk counter, feeds IV derivation
	baseIV     [16]byte // derived once per file from (key, Name)

	digests []manifest.Digest // accumulated in submission order, for the trailer's benefit

	nrShas int
}

func newFileNode() *FileNode {
	return &FileNode{sha: sha1.New()}
}

func (f *FileNode) reset(name string, typ manifest.FileType, mode uint32, uid, gid uint32, rdev uint64, atime, mtime int64, baseIV [16]byte) {
	f.Name = name
	f.LinkTarget = ""
	f.Type = typ
	f.Mode = mode
	f.Uid, f.Gid = uid, gid
	f.Rdev = rdev
	f.Atime, f.Mtime = atime, mtime
	f.PlainSize = 0
	f.CompSize = 0
	f.sha.Reset()
	f.chunkIndex = 0
	f.baseIV = baseIV
	f.digests = f.digests[:0]
	f.nrShas = 0
}

// nextChunkIV returns the IV for the next chunk of this file and advances
// the file-local chunk counter (spec §4.4 invariant 5).
func (f *FileNode) nextChunkIV() [16]byte {
	iv := crypto.DeriveChunkIV(f.baseIV, uint64(f.chunkIndex))
	f.chunkIndex++
	return iv
}

// arena is the slab of FileNodes the engine hands out FileHandles into
// (spec §9 "arena + integer handle"). At most one file is resident per
// engine context at a time (the spec's own stated restriction that no two
// engine operations may overlap — see DESIGN.md), so the arena here is a
// single reusable slot rather than a general allocator; it is still modeled
// as an indexable slab so FileHandle stays a plain integer, not a pointer.
type arena struct {
	slot *FileNode
}

func newArena() *arena {
	return &arena{slot: newFileNode()}
}

// Open begins a new file's residency, returning its handle.
func (a *arena) Open(name string, typ manifest.FileType, mode uint32, uid, gid uint32, rdev uint64, atime, mtime int64, baseIV [16]byte) txpool.FileHandle {
	a.slot.reset(name, typ, mode, uid, gid, rdev, atime, mtime, baseIV)
	return txpool.FileHandle(0)
}

// Get dereferences a handle. Returns nil for any handle but the single live
// slot (InvalidFileHandle included).
func (a *arena) Get(h txpool.FileHandle) *FileNode {
	if h != 0 {
		return nil
	}
	return a.slot
}
