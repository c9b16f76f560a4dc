package txpool

import "testing"

func TestAllocExhaustionAndFree(t *testing.T) {
	p, err := NewPool(2)
	if err != nil {
		t.Fatal(err)
	}
	t1, ok := p.Alloc()
	if !ok {
		t.Fatal("expected alloc to succeed")
	}
	t2, ok := p.Alloc()
	if !ok {
		t.Fatal("expected alloc to succeed")
	}
	if t1.TransID == t2.TransID {
		t.Fatal("trans_id must be unique")
	}
	if _, ok := p.Alloc(); ok {
		t.Fatal("expected pool exhaustion")
	}
	p.Free(t1)
	select {
	case <-p.WaitFree():
	default:
		t.Fatal("expected a pending free signal")
	}
	t3, ok := p.Alloc()
	if !ok {
		t.Fatal("expected alloc to succeed after free")
	}
	if t3.TransID <= t2.TransID {
		t.Fatal("trans_id must remain strictly increasing across reuse")
	}
}

func TestDepthRejectsOverMax(t *testing.T) {
	if _, err := NewPool(MaxQueueDepth + 1); err == nil {
		t.Fatal("expected error for depth over MaxQueueDepth")
	}
}

func TestTransactionTwoSlots(t *testing.T) {
	p, _ := NewPool(1)
	tr, _ := p.Alloc()
	copy(tr.Inactive(), []byte("hello"))
	tr.Commit(5)
	if string(tr.Active()) != "hello" {
		t.Fatalf("active slot = %q, want hello", tr.Active())
	}
	copy(tr.Inactive(), []byte("world!"))
	tr.Commit(6)
	if string(tr.Active()) != "world!" {
		t.Fatalf("active slot after second commit = %q", tr.Active())
	}
}
