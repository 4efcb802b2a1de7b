package store

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"rubin.dev/node/consensus"

	bolt "go.etcd.io/bbolt"
)

// InitGenesis initializes an empty chain DB by applying the genesis block and writing
// all required persistence entities (cell_data/index/undo/manifest).
//
// Caller MUST ensure genesisBlockBytes and chainIDHex correspond to the same chain-instance profile.
func (d *DB) InitGenesis(chainIDHex string, genesisBlockBytes []byte) error {
	if d == nil {
		return fmt.Errorf("db: nil")
	}
	if d.manifest != nil {
		return fmt.Errorf("chain already initialized (manifest exists)")
	}
	if len(genesisBlockBytes) == 0 {
		return fmt.Errorf("genesis block bytes required")
	}

	block, consumed, err := consensus.ParseBlock(genesisBlockBytes)
	if err != nil {
		return err
	}
	if consumed != len(genesisBlockBytes) {
		return fmt.Errorf("genesis: non-canonical block bytes")
	}
	if err := consensus.ValidateBlockStructure(&block); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	headerHash := consensus.HeaderHash(block.Header)

	target, err := consensus.ExpandCompactTarget(block.Header.CompactTarget)
	if err != nil {
		return err
	}
	work, err := WorkFromTarget(target)
	if err != nil {
		return err
	}

	cells := make(map[consensus.OutPoint]CellRecord)
	undo, created, _, _, err := computeUndoForBlock(0, &block, cells)
	if err != nil {
		return err
	}
	undo.Created = created

	index := BlockIndexEntry{
		Height:         0,
		PrevHash:       [32]byte{},
		CumulativeWork: new(big.Int).Set(work),
		Status:         BlockStatusValid,
	}

	m := &Manifest{
		SchemaVersion: SchemaVersionV1,
		ChainIDHex:    chainIDHex,

		TipHashHex:           hex32(headerHash),
		TipHeight:            0,
		TipCumulativeWorkDec: work.Text(10),

		LastAppliedBlockHashHex: hex32(headerHash),
		LastAppliedHeight:       0,
	}

	headerBytes := consensus.HeaderBytes(block.Header)

	// Deterministic iteration for persistence (stable ordering).
	type kv struct {
		k consensus.OutPoint
		v CellRecord
	}
	items := make([]kv, 0, len(cells))
	for k, v := range cells {
		items = append(items, kv{k: k, v: v})
	}
	sort.Slice(items, func(i, j int) bool {
		ki := encodeOutpointKey(items[i].k)
		kj := encodeOutpointKey(items[j].k)
		return bytes.Compare(ki, kj) < 0
	})

	undoBytes, err := encodeUndoRecord(undo)
	if err != nil {
		return err
	}
	indexBytes, err := encodeIndexEntry(index)
	if err != nil {
		return err
	}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHeaders).Put(headerHash[:], headerBytes); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlocks).Put(headerHash[:], genesisBlockBytes); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIndex).Put(headerHash[:], indexBytes); err != nil {
			return err
		}
		if err := tx.Bucket(bucketUndo).Put(headerHash[:], undoBytes); err != nil {
			return err
		}
		bu := tx.Bucket(bucketUtxo)
		for _, it := range items {
			val, err := encodeCellRecord(it.v)
			if err != nil {
				return err
			}
			if err := bu.Put(encodeOutpointKey(it.k), val); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	return d.SetManifest(m)
}

// computeUndoForBlock walks a block's transactions and derives the undo
// record (cells spent, restored on rollback) plus the set of cells a
// block creates. cells is the pre-state live-cell set; for non-cellbase
// inputs it must already contain every spent out_point. It is also
// mutated in place to reflect the block's effect, matching how
// node.ChainState.ApplyBlock folds a block into its live-cell map.
//
// It also accumulates cellbaseCapacity (the sum of the block's cellbase
// outputs) and totalFee (the sum of input-minus-output capacity across
// every non-cellbase transaction), so callers can run
// consensus.VerifyTotalFee without a second pass over the block. This
// package has no epoch or proposal-window tracking of its own, so unlike
// node/sync.go's ApplyBlock it cannot resolve a proposer split or check
// DAO byte-equality here; callers supply the block reward they expect
// (typically from the same issuance schedule node/sync.go derives from
// consensus.EpochExt) and only the aggregate fee-conservation bound is
// enforced.
func computeUndoForBlock(
	height uint64,
	block *consensus.Block,
	cells map[consensus.OutPoint]CellRecord,
) (undo UndoRecord, created []consensus.OutPoint, cellbaseCapacity uint64, totalFee uint64, err error) {
	if block == nil {
		return UndoRecord{}, nil, 0, 0, fmt.Errorf("block nil")
	}
	created = make([]consensus.OutPoint, 0, 16)

	for txi := range block.Transactions {
		tx := &block.Transactions[txi]
		isCellbase := consensus.IsCellbase(tx, height)

		var inputCapacity uint64
		if !isCellbase {
			for _, in := range tx.Inputs {
				op := in.PreviousOutput
				prev, ok := cells[op]
				if !ok {
					return UndoRecord{}, nil, 0, 0, fmt.Errorf("undo: missing cell %x:%d", op.TxHash, op.Index)
				}
				undo.Spent = append(undo.Spent, UndoSpent{OutPoint: op, RestoredEntry: prev})
				delete(cells, op)
				inputCapacity += prev.Output.Capacity
			}
		}

		txHash := consensus.TxHash(tx)
		var outputCapacity uint64
		for i, out := range tx.Outputs {
			op := consensus.OutPoint{TxHash: txHash, Index: uint32(i)} // #nosec G115 -- output index bounded by tx.Outputs length.
			data := []byte(nil)
			if i < len(tx.OutputData) {
				data = tx.OutputData[i]
			}
			cells[op] = CellRecord{
				Output:            out,
				OutputData:        data,
				CreationHeight:    height,
				CreatedByCellbase: isCellbase,
			}
			created = append(created, op)
			outputCapacity += out.Capacity
		}
		if isCellbase {
			cellbaseCapacity += outputCapacity
		} else if outputCapacity > inputCapacity {
			return UndoRecord{}, nil, 0, 0, fmt.Errorf("tx %x: outputs exceed inputs", txHash)
		} else {
			totalFee += inputCapacity - outputCapacity
		}
	}
	return undo, created, cellbaseCapacity, totalFee, nil
}
