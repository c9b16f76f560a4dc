package crypto

import (
	"sync"
	"sync/atomic"
)

// chunkBufCap is sized for one ChunkMax-sized chunk plus GCM tag overhead.
// Kept independent of txpool.ChunkMax (rather than importing it) to avoid a
// dependency cycle; pipeline callers assert the two stay in step.
const chunkBufCap = 1<<20 + 128

// BufferPool pools byte buffers for the sizes the encrypt/decrypt stages
// actually allocate: small fixed-size scratch (nonces, keys) and full chunk
// buffers. Buffers are zeroized before returning to the pool so key material
// and plaintext don't linger for the next borrower.
type BufferPool struct {
	pool12  *sync.Pool // 12-byte GCM nonces
	pool32  *sync.Pool // 32-byte AES-256 keys
	poolBig *sync.Pool // chunk-sized buffers

	hits12, misses12   int64
	hits32, misses32   int64
	hitsBig, missesBig int64
}

// NewBufferPool constructs an empty BufferPool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool12:  &sync.Pool{},
		pool32:  &sync.Pool{},
		poolBig: &sync.Pool{},
	}
}

// Get returns a buffer of at least size bytes from the closest matching
// pool, or a fresh allocation if size fits none of them.
func (p *BufferPool) Get(size int) []byte {
	switch {
	case size == 32:
		return p.Get32()
	case size == 12:
		return p.Get12()
	case size > 32 && size <= chunkBufCap:
		buf := p.GetChunk()
		if cap(buf) >= size {
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to the pool matching its capacity, or discards it.
func (p *BufferPool) Put(buf []byte) {
	switch c := cap(buf); {
	case c >= chunkBufCap-128 && c <= chunkBufCap:
		p.PutChunk(buf)
	case c == 32:
		p.Put32(buf)
	case c == 12:
		p.Put12(buf)
	}
}

func (p *BufferPool) Get12() []byte {
	if buf := p.pool12.Get(); buf != nil {
		atomic.AddInt64(&p.hits12, 1)
		return buf.([]byte)
	}
	atomic.AddInt64(&p.misses12, 1)
	return make([]byte, 12)
}

func (p *BufferPool) Put12(buf []byte) {
	if cap(buf) != 12 {
		return
	}
	zero(buf)
	p.pool12.Put(buf)
}

func (p *BufferPool) Get32() []byte {
	if buf := p.pool32.Get(); buf != nil {
		atomic.AddInt64(&p.hits32, 1)
		return buf.([]byte)
	}
	atomic.AddInt64(&p.misses32, 1)
	return make([]byte, 32)
}

func (p *BufferPool) Put32(buf []byte) {
	if cap(buf) != 32 {
		return
	}
	zero(buf)
	p.pool32.Put(buf)
}

func (p *BufferPool) GetChunk() []byte {
	if buf := p.poolBig.Get(); buf != nil {
		atomic.AddInt64(&p.hitsBig, 1)
		return buf.([]byte)
	}
	atomic.AddInt64(&p.missesBig, 1)
	return make([]byte, chunkBufCap)
}

func (p *BufferPool) PutChunk(buf []byte) {
	if cap(buf) < chunkBufCap-128 {
		return
	}
	zero(buf)
	p.poolBig.Put(buf[:cap(buf)])
}

func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// Metrics is a point-in-time snapshot of pool hit/miss counters.
type Metrics struct {
	Hits12, Misses12   int64
	Hits32, Misses32   int64
	HitsBig, MissesBig int64
}

func (p *BufferPool) GetMetrics() Metrics {
	return Metrics{
		Hits12:    atomic.LoadInt64(&p.hits12),
		Misses12:  atomic.LoadInt64(&p.misses12),
		Hits32:    atomic.LoadInt64(&p.hits32),
		Misses32:  atomic.LoadInt64(&p.misses32),
		HitsBig:   atomic.LoadInt64(&p.hitsBig),
		MissesBig: atomic.LoadInt64(&p.missesBig),
	}
}

// HitRate returns hits/(hits+misses), or 0 when there have been no requests.
func (m Metrics) HitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
