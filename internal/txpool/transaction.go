// Package txpool implements the transaction record and its bounded,
// preallocated free-list pool (spec §3, §4.3) — the pipeline's one
// backpressure knob.
package txpool

import "github.com/kenchrcum/vaultbackup/internal/wire"

// ChunkMax is the hard per-chunk size ceiling (spec §3/§6).
const ChunkMax = 1 << 20 // 1 MiB

// DefaultQueueDepth and MaxQueueDepth bound the pool's fixed capacity
// (spec §4.3).
const (
	DefaultQueueDepth = 10
	MaxQueueDepth     = 100
)

// Kind distinguishes a build-direction transaction from an extract-direction
// one.
type Kind uint8

const (
	WriteChunk Kind = iota
	ReadChunk
)

// State is the pipeline stage symbol currently carried by a transaction
// (spec §4.4).
type State uint8

const (
	StateIdle State = iota
	StateNExists
	StateRead
	StateUncompSha
	StateCompSha
	StateCompressed
	StateEncrypted
	StateWritten
	StateWMDReady
	StateExSha
	StateExRead
	StateExDecrypted
	StateExUncompressed
	StateExFileStart
	StateExFileEnd
	StateExSpecial
	StateExDone
	StateDone
)

// FileHandle is an arena index into the engine's file-node slab. It is a
// weak back-reference only: a Transaction never owns the file-node it
// points at (spec §9 "arena + integer handle").
type FileHandle int

// InvalidFileHandle marks a transaction with no associated file (e.g. a
// metadata-only transfer).
const InvalidFileHandle FileHandle = -1

// Transaction is a unit of work flowing through the pipeline. trans_id
// defines completion order (spec §3 invariants); at most one pipeline stage
// mutates a Transaction at a time.
type Transaction struct {
	TransID  uint64
	FileNode FileHandle
	Type     Kind
	State    State
	EOF      bool

	data     [2][]byte
	size     [2]int
	dataslot int

	Sha  [20]byte
	CSha [20]byte
	IV   [16]byte

	Hdr wire.Header

	// DedupSource records, for metrics/audit only, whether a WRITE was
	// short-circuited by a local cache hit rather than a server EXISTS
	// round-trip. Never consulted by pipeline control flow. The pipeline
	// sets DedupNetwork on every EXISTS hit, including one a
	// dedupcache.CachingStore answers from its cache; nothing sets
	// DedupCache.
	DedupSource DedupSource
}

// DedupSource is purely observational (SPEC_FULL §3/§4 expansion).
type DedupSource uint8

const (
	DedupUnknown DedupSource = iota
	DedupNetwork
	DedupCache
)

func newTransaction() *Transaction {
	t := &Transaction{FileNode: InvalidFileHandle}
	t.data[0] = make([]byte, ChunkMax)
	t.data[1] = make([]byte, ChunkMax)
	return t
}

// reset clears a transaction for reuse without reallocating its buffers.
func (t *Transaction) reset() {
	t.TransID = 0
	t.FileNode = InvalidFileHandle
	t.Type = WriteChunk
	t.State = StateIdle
	t.EOF = false
	t.size[0] = 0
	t.size[1] = 0
	t.dataslot = 0
	t.Sha = [20]byte{}
	t.CSha = [20]byte{}
	t.IV = [16]byte{}
	t.Hdr = wire.Header{}
	t.DedupSource = DedupUnknown
}

// Active returns the live scratch buffer, sized to its last Set call.
func (t *Transaction) Active() []byte { return t.data[t.dataslot][:t.size[t.dataslot]] }

// Inactive returns the other scratch buffer at full capacity, for a stage to
// write its output into while Active() still holds its input — this is why
// each transaction carries two slots instead of one (spec §3).
func (t *Transaction) Inactive() []byte { return t.data[1-t.dataslot] }

// Commit records that n bytes were written into the inactive slot and makes
// it the new active slot.
func (t *Transaction) Commit(n int) {
	other := 1 - t.dataslot
	t.size[other] = n
	t.dataslot = other
}

// SetActive overwrites the active slot's logical size without swapping slots
// (used by the reader stage after a short read).
func (t *Transaction) SetActive(n int) { t.size[t.dataslot] = n }
