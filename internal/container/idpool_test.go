package container

import "testing"

func TestIDPoolAllocateExhaustsAndFrees(t *testing.T) {
	p := NewIDPool(4)
	var ids []int
	for i := 0; i < 4; i++ {
		id, err := p.Allocate()
		if err != nil {
			t.Fatalf("Allocate() #%d: %v", i, err)
		}
		ids = append(ids, id)
	}
	if _, err := p.Allocate(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if err := p.Free(ids[2]); err != nil {
		t.Fatalf("Free: %v", err)
	}
	reused, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate after free: %v", err)
	}
	if reused != ids[2] {
		t.Fatalf("expected reused id %d, got %d", ids[2], reused)
	}
}

func TestIDPoolFreeValidation(t *testing.T) {
	p := NewIDPool(2)
	if err := p.Free(5); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if err := p.Free(0); err != ErrNotAllocated {
		t.Fatalf("expected ErrNotAllocated, got %v", err)
	}
}

func TestIDPoolInUse(t *testing.T) {
	p := NewIDPool(8)
	if p.InUse() != 0 {
		t.Fatalf("expected 0 in use, got %d", p.InUse())
	}
	a, _ := p.Allocate()
	b, _ := p.Allocate()
	if p.InUse() != 2 {
		t.Fatalf("expected 2 in use, got %d", p.InUse())
	}
	_ = p.Free(a)
	_ = p.Free(b)
	if p.InUse() != 0 {
		t.Fatalf("expected 0 in use after free, got %d", p.InUse())
	}
}

func TestIDPoolAllocateAcrossWords(t *testing.T) {
	p := NewIDPool(130)
	for i := 0; i < 130; i++ {
		if _, err := p.Allocate(); err != nil {
			t.Fatalf("Allocate() #%d: %v", i, err)
		}
	}
	if _, err := p.Allocate(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted at capacity boundary, got %v", err)
	}
}
