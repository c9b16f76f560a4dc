package crypto

import (
	"bytes"
	"context"
	"testing"
)

func TestLocalKeyManagerDeriveKeyDeterministic(t *testing.T) {
	km := NewLocalKeyManager([]byte("correct horse battery staple"))
	ctx := context.Background()

	k1, err := km.DeriveKey(ctx, "chunk")
	if err != nil {
		t.Fatal(err)
	}
	k2, err := km.DeriveKey(ctx, "chunk")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("same label must derive the same key")
	}
	if len(k1) != 32 {
		t.Fatalf("key length = %d, want 32", len(k1))
	}

	k3, err := km.DeriveKey(ctx, "manifest-meta")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatal("distinct labels must derive distinct keys")
	}
}

func TestLocalKeyManagerRejectsEmptySecret(t *testing.T) {
	km := NewLocalKeyManager(nil)
	if _, err := km.DeriveKey(context.Background(), "chunk"); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
