package node

import (
	"sync"
	"time"
)

// orphanPruneThreshold and orphanTTL bound the pool the way the teacher's
// mempool orphan pool is bounded (component/orphan.rs: PRUNE_THRESHOLD,
// TTL), just keyed by missing parent block hash instead of missing
// out_point: a block whose parent hasn't connected yet sits here until its
// parent arrives or it ages out.
const (
	orphanPruneThreshold = 1500
	orphanTTL            = 4 * time.Hour
)

type orphanEntry struct {
	blockHash  [32]byte
	blockBytes []byte
	addedAt    time.Time
}

// OrphanPool holds blocks whose parent is not yet known to the chain,
// indexed by the parent hash they are waiting on (component/orphan.rs's
// `edges` map, generalized from missing out_point to missing parent).
// Safe for concurrent use.
type OrphanPool struct {
	mu             sync.Mutex
	byHash         map[[32]byte]orphanEntry
	byMissingOwner map[[32]byte][][32]byte // parent hash -> child block hashes
	pruneThreshold int
	ttl            time.Duration
	nowFn          func() time.Time
}

// NewOrphanPool builds a pool with the teacher's default prune threshold
// and TTL.
func NewOrphanPool() *OrphanPool {
	return NewOrphanPoolWithLimits(orphanPruneThreshold, orphanTTL)
}

// NewOrphanPoolWithLimits allows tests to exercise pruning without waiting
// on the production TTL/threshold.
func NewOrphanPoolWithLimits(pruneThreshold int, ttl time.Duration) *OrphanPool {
	return &OrphanPool{
		byHash:         make(map[[32]byte]orphanEntry),
		byMissingOwner: make(map[[32]byte][][32]byte),
		pruneThreshold: pruneThreshold,
		ttl:            ttl,
		nowFn:          time.Now,
	}
}

// Size reports the number of orphan blocks currently buffered.
func (p *OrphanPool) Size() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}

// Add buffers an orphan block awaiting parentHash. Re-adding a block
// already present is a no-op.
func (p *OrphanPool) Add(parentHash, blockHash [32]byte, blockBytes []byte) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byHash[blockHash]; exists {
		return
	}
	p.byHash[blockHash] = orphanEntry{blockHash: blockHash, blockBytes: append([]byte(nil), blockBytes...), addedAt: p.nowFn()}
	p.byMissingOwner[parentHash] = append(p.byMissingOwner[parentHash], blockHash)
	p.pruneLocked()
}

// TakeChildren removes and returns every orphan block directly waiting on
// parentHash, in the order they were added, once that parent has connected.
func (p *OrphanPool) TakeChildren(parentHash [32]byte) [][]byte {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	hashes := p.byMissingOwner[parentHash]
	if len(hashes) == 0 {
		return nil
	}
	delete(p.byMissingOwner, parentHash)
	out := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		if e, ok := p.byHash[h]; ok {
			out = append(out, e.blockBytes)
			delete(p.byHash, h)
		}
	}
	return out
}

// Has reports whether blockHash is currently buffered as an orphan.
func (p *OrphanPool) Has(blockHash [32]byte) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[blockHash]
	return ok
}

// prune drops orphans older than the pool's TTL once the pool holds at
// least its prune threshold of entries, mirroring the teacher's size-gated
// TTL sweep.
func (p *OrphanPool) pruneLocked() {
	if len(p.byHash) < p.pruneThreshold {
		return
	}
	cutoff := p.nowFn().Add(-p.ttl)
	for hash, entry := range p.byHash {
		if entry.addedAt.Before(cutoff) {
			delete(p.byHash, hash)
		}
	}
	for parent, children := range p.byMissingOwner {
		kept := children[:0]
		for _, h := range children {
			if _, ok := p.byHash[h]; ok {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(p.byMissingOwner, parent)
		} else {
			p.byMissingOwner[parent] = kept
		}
	}
}
