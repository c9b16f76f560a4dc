package crypto

import (
	"bytes"
	"testing"
)

func TestDeriveChunkIVDeterministicAndDistinct(t *testing.T) {
	base := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	iv0a := DeriveChunkIV(base, 0)
	iv0b := DeriveChunkIV(base, 0)
	if iv0a != iv0b {
		t.Fatal("IV derivation must be deterministic for the same index")
	}
	iv1 := DeriveChunkIV(base, 1)
	if iv0a == iv1 {
		t.Fatal("distinct chunk indices must derive distinct IVs")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	aead, err := NewAEAD(key)
	if err != nil {
		t.Fatal(err)
	}
	base := [16]byte{9}
	iv := DeriveChunkIV(base, 42)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	sealed := SealChunk(aead, iv, plaintext, nil)
	if bytes.Equal(sealed[:len(plaintext)], plaintext) {
		t.Fatal("ciphertext must not equal plaintext")
	}

	opened, err := OpenChunk(aead, iv, sealed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q", opened)
	}

	wrongIV := DeriveChunkIV(base, 43)
	if _, err := OpenChunk(aead, wrongIV, sealed, nil); err == nil {
		t.Fatal("expected authentication failure with wrong IV")
	}
}

func TestBufferPoolRoundTrip(t *testing.T) {
	p := NewBufferPool()
	buf := p.Get(32)
	if len(buf) != 32 {
		t.Fatalf("len = %d, want 32", len(buf))
	}
	p.Put(buf)
	m := p.GetMetrics()
	if m.Misses32 == 0 {
		t.Fatal("expected at least one miss before any buffer was pooled")
	}

	buf2 := p.Get(32)
	m = p.GetMetrics()
	if m.Hits32 == 0 {
		t.Fatal("expected a hit after returning a same-size buffer")
	}
	p.Put(buf2)
}
