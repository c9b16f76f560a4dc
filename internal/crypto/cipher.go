package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// tagSize is the GCM authentication tag length appended to every sealed
// chunk.
const tagSize = 16

// NonceSize is the GCM nonce length derived from each chunk's 16-byte IV.
const NonceSize = 12

// NewAEAD constructs an AES-256-GCM cipher.AEAD for a 32-byte key.
func NewAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// DeriveChunkIV derives a per-chunk IV from a 16-byte base IV and a chunk
// index. The last 8 bytes of the base IV are XORed with the big-endian
// index, matching the teacher's deriveChunkIV scheme: this is what makes the
// IV reproducible on extract from (base IV, chunk index) alone, without
// storing a fresh random IV per chunk (§4.4 invariant 5).
func DeriveChunkIV(base [16]byte, index uint64) [16]byte {
	iv := base
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	for i := 0; i < 8; i++ {
		iv[15-i] ^= idx[7-i]
	}
	return iv
}

// nonceFromIV truncates a 16-byte IV down to the 12-byte nonce GCM expects,
// keeping its last 12 bytes so the chunk index DeriveChunkIV mixes into the
// tail stays part of the nonce. Truncation (rather than re-deriving) keeps
// the manifest's on-disk IV field at a fixed 16 bytes across cipher choices.
func nonceFromIV(iv [16]byte) []byte {
	return iv[len(iv)-NonceSize:]
}

// SealChunk encrypts plaintext in place with the given AEAD and chunk IV,
// appending the authentication tag. dst may be nil; when it aliases
// plaintext's backing array the caller must ensure enough capacity, which is
// why pipeline callers draw dst from a BufferPool sized for ChunkMax+tagSize.
func SealChunk(aead cipher.AEAD, iv [16]byte, plaintext, dst []byte) []byte {
	return aead.Seal(dst[:0], nonceFromIV(iv), plaintext, nil)
}

// OpenChunk authenticates and decrypts a sealed chunk.
func OpenChunk(aead cipher.AEAD, iv [16]byte, ciphertext, dst []byte) ([]byte, error) {
	out, err := aead.Open(dst[:0], nonceFromIV(iv), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: chunk authentication failed: %w", err)
	}
	return out, nil
}
