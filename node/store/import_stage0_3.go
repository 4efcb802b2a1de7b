package store

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"

	"rubin.dev/node/consensus"

	bolt "go.etcd.io/bbolt"
)

type Stage03Decision string

const (
	Stage03Orphaned        Stage03Decision = "ORPHANED"
	Stage03InvalidHeader   Stage03Decision = "INVALID_HEADER"
	Stage03InvalidAncestry Stage03Decision = "INVALID_ANCESTRY"
	Stage03NotSelected     Stage03Decision = "STORED_NOT_SELECTED"
	Stage03CandidateBest   Stage03Decision = "CANDIDATE_BEST"
)

type Stage03Result struct {
	Decision       Stage03Decision
	BlockHash      [32]byte
	Height         uint64
	CumulativeWork *big.Int
}

type Stage03Options struct {
	LocalTime            uint64
	LocalTimeSet         bool
	MaxFutureDriftMillis uint64
}

func parseHex32(s string) ([32]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func betterThanTip(candidateWork *big.Int, candidateHash [32]byte, tipWork *big.Int, tipHash [32]byte) bool {
	cmp := candidateWork.Cmp(tipWork)
	if cmp > 0 {
		return true
	}
	if cmp < 0 {
		return false
	}
	// Tie-break: lexicographically smaller block_hash wins (bytewise big-endian).
	return bytes.Compare(candidateHash[:], tipHash[:]) < 0
}

// workForHeader derives PoW chainwork from a header's compact target, the
// same quantity original_source calls "difficulty" expressed as work.
func workForHeader(h consensus.Header) (*big.Int, error) {
	target, err := consensus.ExpandCompactTarget(h.CompactTarget)
	if err != nil {
		return nil, err
	}
	return WorkFromTarget(target)
}

// ImportStage0To3 parses a block, persists header+block bytes, performs Stage 2/3
// (ancestry + fork-choice candidate selection), and persists block_index_by_hash.
//
// Stage 4/5 (full contextual validation + apply/reorg) are handled by
// ApplyBlockIfBestTip.
func (d *DB) ImportStage0To3(blockBytes []byte, opts Stage03Options) (*Stage03Result, error) {
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("db: not open")
	}
	if d.manifest == nil {
		return nil, fmt.Errorf("db: chain not initialized (missing manifest)")
	}

	block, consumed, err := consensus.ParseBlock(blockBytes)
	if err != nil {
		return nil, err
	}
	if consumed != len(blockBytes) {
		return nil, fmt.Errorf("import: non-canonical block bytes")
	}
	blockHash := consensus.HeaderHash(block.Header)
	headerBytes := consensus.HeaderBytes(block.Header)

	if err := d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHeaders).Put(blockHash[:], headerBytes); err != nil {
			return err
		}
		return tx.Bucket(bucketBlocks).Put(blockHash[:], blockBytes)
	}); err != nil {
		return nil, err
	}

	prev := block.Header.ParentHash

	// Stage 1: self-contained header/body validation (structure, merkle
	// roots, cellbase shape, PoW) plus median-time-past once the parent's
	// timestamp history is known.
	stage1Err := consensus.ValidateBlockStructure(&block)
	if stage1Err == nil {
		stage1Err = consensus.PowCheck(block.Header)
	}
	if stage1Err == nil && prev != ([32]byte{}) {
		if parent, ok, err := d.GetIndex(prev); err != nil {
			return nil, err
		} else if ok {
			prevTimestamps, err := d.loadAncestorTimestampsForParent(prev, parent.Height+1)
			if err != nil {
				return nil, err
			}
			stage1Err = consensus.ValidateTimestamp(block.Header, prevTimestamps, opts.LocalTime, opts.MaxFutureDriftMillis)
		}
	}
	if stage1Err != nil {
		work, werr := workForHeader(block.Header)
		if werr != nil {
			work = big.NewInt(0)
		}
		var height uint64
		cumulative := new(big.Int).Set(work)
		if prev != ([32]byte{}) {
			if parent, ok, _ := d.GetIndex(prev); ok && parent != nil && parent.CumulativeWork != nil {
				height = parent.Height + 1
				cumulative = new(big.Int).Add(parent.CumulativeWork, work)
			}
		}
		if putErr := d.PutIndex(blockHash, BlockIndexEntry{
			Height:         height,
			PrevHash:       prev,
			CumulativeWork: cumulative,
			Status:         BlockStatusInvalidHeader,
		}); putErr != nil {
			return nil, putErr
		}
		return &Stage03Result{
			Decision:       Stage03InvalidHeader,
			BlockHash:      blockHash,
			Height:         height,
			CumulativeWork: cumulative,
		}, stage1Err
	}

	var height uint64
	var cumulative *big.Int

	if prev == ([32]byte{}) {
		height = 0
		w, err := workForHeader(block.Header)
		if err != nil {
			return nil, err
		}
		cumulative = w
	} else {
		parent, ok, err := d.GetIndex(prev)
		if err != nil {
			return nil, err
		}
		if !ok {
			w, err := workForHeader(block.Header)
			if err != nil {
				return nil, err
			}
			cumulative = w
			entry := BlockIndexEntry{
				Height:         0,
				PrevHash:       prev,
				CumulativeWork: new(big.Int).Set(cumulative),
				Status:         BlockStatusOrphaned,
			}
			_ = d.PutIndex(blockHash, entry)
			return &Stage03Result{
				Decision:       Stage03Orphaned,
				BlockHash:      blockHash,
				Height:         0,
				CumulativeWork: cumulative,
			}, nil
		}
		if parent.Status.IsInvalid() {
			w, err := workForHeader(block.Header)
			if err != nil {
				return nil, err
			}
			cumulative = new(big.Int).Add(parent.CumulativeWork, w)
			entry := BlockIndexEntry{
				Height:         parent.Height + 1,
				PrevHash:       prev,
				CumulativeWork: new(big.Int).Set(cumulative),
				Status:         BlockStatusInvalidAncestry,
			}
			_ = d.PutIndex(blockHash, entry)
			return &Stage03Result{
				Decision:       Stage03InvalidAncestry,
				BlockHash:      blockHash,
				Height:         entry.Height,
				CumulativeWork: cumulative,
			}, nil
		}

		height = parent.Height + 1
		w, err := workForHeader(block.Header)
		if err != nil {
			return nil, err
		}
		cumulative = new(big.Int).Add(parent.CumulativeWork, w)
	}

	if err := d.PutIndex(blockHash, BlockIndexEntry{
		Height:         height,
		PrevHash:       prev,
		CumulativeWork: new(big.Int).Set(cumulative),
		Status:         BlockStatusUnknown,
	}); err != nil {
		return nil, err
	}

	tipHash, err := parseHex32(d.manifest.TipHashHex)
	if err != nil {
		return nil, fmt.Errorf("manifest tip_hash: %w", err)
	}
	tipWork := new(big.Int)
	if _, ok := tipWork.SetString(d.manifest.TipCumulativeWorkDec, 10); !ok {
		return nil, fmt.Errorf("manifest tip_cumulative_work: parse")
	}

	decision := Stage03NotSelected
	if betterThanTip(cumulative, blockHash, tipWork, tipHash) {
		decision = Stage03CandidateBest
	}
	return &Stage03Result{
		Decision:       decision,
		BlockHash:      blockHash,
		Height:         height,
		CumulativeWork: cumulative,
	}, nil
}

// loadAncestorTimestampsForParent loads up to 11 ancestor timestamps
// ending at parentHash, oldest first, for the median-time-past rule.
func (d *DB) loadAncestorTimestampsForParent(parentHash [32]byte, height uint64) ([]uint64, error) {
	if height == 0 {
		return nil, nil
	}
	const need11 = 11
	need := need11
	if height < need11 {
		need = int(height)
	}
	out := make([]uint64, 0, need)
	cur := parentHash
	for i := 0; i < need; i++ {
		h, ok, err := d.GetHeader(cur)
		if err != nil {
			return nil, err
		}
		if !ok || h == nil {
			return nil, fmt.Errorf("missing header for ancestor %s", hex32(cur))
		}
		out = append(out, h.Timestamp)
		cur = h.ParentHash
		if cur == ([32]byte{}) {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
