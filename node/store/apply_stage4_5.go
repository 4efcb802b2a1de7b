package store

import (
	"fmt"

	"rubin.dev/node/consensus"

	bolt "go.etcd.io/bbolt"
)

type ApplyDecision string

const (
	ApplyStoredNotSelected ApplyDecision = "STORED_NOT_SELECTED"
	ApplyOrphaned          ApplyDecision = "ORPHANED"
	ApplyInvalidAncestry   ApplyDecision = "INVALID_ANCESTRY"
	ApplyInvalid           ApplyDecision = "INVALID"
	ApplyAppliedAsTip      ApplyDecision = "APPLIED_AS_NEW_TIP"
	ApplyReorgRequired     ApplyDecision = "REORG_REQUIRED"
)

type ApplyOptions struct {
	LocalTime            uint64
	LocalTimeSet         bool
	MaxFutureDriftMillis uint64
	PrimaryIssuance      uint64
	SecondaryIssuance    uint64
}

// ApplyBlockIfBestTip runs Stage 0-3 (header/body intake, ancestry, fork-choice
// candidacy) followed by Stage 4-5 (contextual validation, live-cell-set
// transition, atomic persistence) when the candidate is the new best chain.
func (d *DB) ApplyBlockIfBestTip(
	blockBytes []byte,
	opts ApplyOptions,
) (ApplyDecision, error) {
	st03, err := d.ImportStage0To3(blockBytes, Stage03Options{
		LocalTime:            opts.LocalTime,
		LocalTimeSet:         opts.LocalTimeSet,
		MaxFutureDriftMillis: opts.MaxFutureDriftMillis,
	})
	if err != nil {
		return "", err
	}
	switch st03.Decision {
	case Stage03Orphaned:
		return ApplyOrphaned, nil
	case Stage03InvalidHeader, Stage03InvalidAncestry:
		return ApplyInvalidAncestry, nil
	case Stage03NotSelected:
		return ApplyStoredNotSelected, nil
	case Stage03CandidateBest:
	default:
		return "", fmt.Errorf("unknown stage03 decision")
	}

	block, consumed, err := consensus.ParseBlock(blockBytes)
	if err != nil {
		return "", err
	}
	if consumed != len(blockBytes) {
		return "", fmt.Errorf("apply: non-canonical block bytes")
	}
	blockHash := consensus.HeaderHash(block.Header)
	prev := block.Header.ParentHash
	tipHash, err := parseHex32(d.manifest.TipHashHex)
	if err != nil {
		return "", err
	}
	if prev != tipHash {
		if err := d.ReorgToTip(blockHash, opts); err != nil {
			return "", err
		}
		return ApplyReorgRequired, nil
	}

	parentIndex, ok, err := d.GetIndex(prev)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("missing parent index for applied tip")
	}
	height := parentIndex.Height + 1

	if err := consensus.ValidateParentHash(block.Header, prev); err != nil {
		return d.markInvalid(blockHash, err)
	}
	if err := consensus.ValidateBlockNumber(block.Header, parentIndex.Height); err != nil {
		return d.markInvalid(blockHash, err)
	}
	prevTimestamps, err := d.loadAncestorTimestampsForParent(prev, height)
	if err != nil {
		return "", err
	}
	if err := consensus.ValidateTimestamp(block.Header, prevTimestamps, opts.LocalTime, opts.MaxFutureDriftMillis); err != nil {
		return d.markInvalid(blockHash, err)
	}

	cells, err := d.LoadCellSet()
	if err != nil {
		return "", err
	}
	undo, created, cellbaseCapacity, totalFee, err := computeUndoForBlock(height, &block, cells)
	if err != nil {
		return d.markInvalid(blockHash, err)
	}
	undo.Created = created

	blockReward := opts.PrimaryIssuance + opts.SecondaryIssuance
	if err := consensus.VerifyTotalFee(cellbaseCapacity, blockReward, totalFee); err != nil {
		return d.markInvalid(blockHash, err)
	}

	undoBytes, err := encodeUndoRecord(undo)
	if err != nil {
		return "", err
	}

	idx, ok, err := d.GetIndex(blockHash)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("missing index entry for candidate")
	}
	idx.Status = BlockStatusValid
	indexBytes, err := encodeIndexEntry(*idx)
	if err != nil {
		return "", err
	}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketUndo).Put(blockHash[:], undoBytes); err != nil {
			return err
		}
		bu := tx.Bucket(bucketUtxo)
		for _, s := range undo.Spent {
			if err := bu.Delete(encodeOutpointKey(s.OutPoint)); err != nil {
				return err
			}
		}
		for _, op := range created {
			val, err := encodeCellRecord(cells[op])
			if err != nil {
				return err
			}
			if err := bu.Put(encodeOutpointKey(op), val); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketIndex).Put(blockHash[:], indexBytes)
	}); err != nil {
		return "", err
	}

	m := &Manifest{
		SchemaVersion: SchemaVersionV1,
		ChainIDHex:    d.manifest.ChainIDHex,

		TipHashHex:           hex32(blockHash),
		TipHeight:            idx.Height,
		TipCumulativeWorkDec: idx.CumulativeWork.Text(10),

		LastAppliedBlockHashHex: hex32(blockHash),
		LastAppliedHeight:       idx.Height,
	}
	if err := d.SetManifest(m); err != nil {
		return "", err
	}
	return ApplyAppliedAsTip, nil
}

// markInvalid records blockHash as BlockStatusInvalid and returns the
// caller's validation error alongside the ApplyInvalid decision.
func (d *DB) markInvalid(blockHash [32]byte, cause error) (ApplyDecision, error) {
	if idx, ok, _ := d.GetIndex(blockHash); ok {
		idx.Status = BlockStatusInvalid
		_ = d.PutIndex(blockHash, *idx)
	}
	return ApplyInvalid, cause
}

func (d *DB) loadAncestorHeadersForParent(parentHash [32]byte, height uint64) ([]consensus.Header, error) {
	if height == 0 {
		return nil, nil
	}
	const need11 = 11
	need := need11
	if height < need11 {
		need = int(height)
	}
	headers := make([]consensus.Header, 0, need)
	cur := parentHash
	for i := 0; i < need; i++ {
		h, ok, err := d.GetHeader(cur)
		if err != nil {
			return nil, err
		}
		if !ok || h == nil {
			return nil, fmt.Errorf("missing header for ancestor %s", hex32(cur))
		}
		headers = append(headers, *h)
		cur = h.ParentHash
		if cur == ([32]byte{}) {
			break
		}
	}
	for i, j := 0, len(headers)-1; i < j; i, j = i+1, j-1 {
		headers[i], headers[j] = headers[j], headers[i]
	}
	return headers, nil
}
