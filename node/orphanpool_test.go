package node

import (
	"testing"
	"time"
)

func TestOrphanPool_AddAndTakeChildren(t *testing.T) {
	p := NewOrphanPool()
	var parent, childHash [32]byte
	parent[0] = 1
	childHash[0] = 2
	body := []byte("block-bytes")

	p.Add(parent, childHash, body)
	if p.Size() != 1 {
		t.Fatalf("expected size 1, got %d", p.Size())
	}
	if !p.Has(childHash) {
		t.Fatalf("expected pool to have child hash")
	}

	children := p.TakeChildren(parent)
	if len(children) != 1 || string(children[0]) != string(body) {
		t.Fatalf("unexpected children: %v", children)
	}
	if p.Size() != 0 {
		t.Fatalf("expected pool drained, got size %d", p.Size())
	}
	if p.Has(childHash) {
		t.Fatalf("expected child removed after take")
	}
}

func TestOrphanPool_TakeChildrenEmptyWhenNoMatch(t *testing.T) {
	p := NewOrphanPool()
	var parent [32]byte
	parent[0] = 9
	if got := p.TakeChildren(parent); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestOrphanPool_AddIsIdempotentForSameBlockHash(t *testing.T) {
	p := NewOrphanPool()
	var parent, childHash [32]byte
	parent[0] = 1
	childHash[0] = 2

	p.Add(parent, childHash, []byte("a"))
	p.Add(parent, childHash, []byte("b"))
	if p.Size() != 1 {
		t.Fatalf("expected size 1 after duplicate add, got %d", p.Size())
	}
}

func TestOrphanPool_PrunesExpiredEntriesOnceOverThreshold(t *testing.T) {
	p := NewOrphanPoolWithLimits(2, time.Minute)
	start := time.Now()
	p.nowFn = func() time.Time { return start }

	var parent [32]byte
	parent[0] = 1
	var h1, h2 [32]byte
	h1[0] = 1
	h2[0] = 2
	p.Add(parent, h1, []byte("a"))

	p.nowFn = func() time.Time { return start.Add(2 * time.Minute) }
	p.Add(parent, h2, []byte("b"))

	if p.Size() != 1 {
		t.Fatalf("expected stale entry pruned once over threshold, got size %d", p.Size())
	}
	if p.Has(h1) {
		t.Fatalf("expected expired entry h1 to be pruned")
	}
	if !p.Has(h2) {
		t.Fatalf("expected fresh entry h2 to remain")
	}
}

func TestOrphanPool_NilSafe(t *testing.T) {
	var p *OrphanPool
	if p.Size() != 0 {
		t.Fatalf("expected 0 size on nil pool")
	}
	if p.Has([32]byte{}) {
		t.Fatalf("expected false Has on nil pool")
	}
	if p.TakeChildren([32]byte{}) != nil {
		t.Fatalf("expected nil TakeChildren on nil pool")
	}
	p.Add([32]byte{}, [32]byte{}, nil) // must not panic
}
