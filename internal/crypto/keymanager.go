package crypto

import (
	"context"
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyManager abstracts the source of the per-archive data encryption key
// (DEK). Implementations must never expose the master secret to callers
// outside the manager.
//
// The only implementation wired here is LocalKeyManager, deriving the DEK
// from the `crypto_secret` config value via HKDF. A KMS-backed
// implementation is left unimplemented — see SPEC_FULL.md.
type KeyManager interface {
	// Provider returns a short identifier used for diagnostics and audit.
	Provider() string

	// DeriveKey returns the 32-byte AES-256 key for the given label. label
	// disambiguates keys derived for different purposes (e.g. "chunk" vs
	// "manifest-meta") from the same secret.
	DeriveKey(ctx context.Context, label string) ([]byte, error)

	// Close releases any underlying resources.
	Close(ctx context.Context) error
}

// LocalKeyManager derives DEKs from a locally held secret using HKDF-SHA512.
type LocalKeyManager struct {
	secret []byte
}

// NewLocalKeyManager constructs a LocalKeyManager over the given secret
// bytes. Reading `crypto_secret` (a literal value or a path to a file) is
// config's job, not this package's.
func NewLocalKeyManager(secret []byte) *LocalKeyManager {
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return &LocalKeyManager{secret: cp}
}

func (m *LocalKeyManager) Provider() string { return "local-secret" }

func (m *LocalKeyManager) DeriveKey(_ context.Context, label string) ([]byte, error) {
	if len(m.secret) == 0 {
		return nil, fmt.Errorf("crypto: no secret configured")
	}
	h := hkdf.New(sha512.New, m.secret, []byte("vaultbackup-dek-salt-v1"), []byte(label))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return key, nil
}

func (m *LocalKeyManager) Close(context.Context) error { return nil }
