package pipeline

// completed is what a finished transaction contributes to the manifest: a
// digest for most transactions, or a trailer-closing signal for the one
// carrying eof.
type completed struct {
	transID uint64
	digest  *digestResult // nil for a pure eof marker with nothing new to record
	data    []byte        // set on the extract path: this chunk's verified plaintext
	eof     bool
	fileEnd bool // true once the owning file's trailer should be written
}

type digestResult struct {
	sha, csha [20]byte
	iv        [16]byte
	crypto    bool
}

// reorderBuffer restores strict trans_id delivery order regardless of
// completion order (spec §4.4 invariant 1, §8 property 4). It is not
// goroutine-safe; only the engine's single event-loop goroutine touches it.
type reorderBuffer struct {
	nextID  uint64
	pending map[uint64]completed
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{pending: make(map[uint64]completed)}
}

// Submit records a completed transaction and returns the prefix of
// now-deliverable completions in trans_id order. Submitting a transaction
// older than nextID is a caller bug (duplicate completion, spec §4.4
// invariant 1) and panics rather than silently corrupting the manifest.
func (r *reorderBuffer) Submit(c completed) []completed {
	if c.transID < r.nextID {
		panic("pipeline: duplicate completion of an already-delivered transaction")
	}
	r.pending[c.transID] = c
	var out []completed
	for {
		c, ok := r.pending[r.nextID]
		if !ok {
			break
		}
		delete(r.pending, r.nextID)
		out = append(out, c)
		r.nextID++
	}
	return out
}

// InFlight returns the number of completions buffered but not yet
// deliverable (i.e. a gap exists before them).
func (r *reorderBuffer) InFlight() int { return len(r.pending) }
