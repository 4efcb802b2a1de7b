package consensus

// Structural block validation: the checks that depend only on the block's
// own bytes, never on chain state. Contextual and consensus-level checks
// (epoch/target, reward, DAO, two-phase commit, uncles) live in
// epoch.go/reward.go/dao.go/twophase.go/uncle.go and are orchestrated by
// node/sync.go (SyncEngine.ApplyBlock) once the block's parent is known.
//
// Adapted from the teacher's block_basic.go staged-validation shape
// (parse -> structural -> timestamp -> weight), generalized to the Cell
// model and CKB-style header.

const MaxBlockBytes = 2_000_000

// ValidateBlockStructure runs every check that requires no external
// context: header-linkage-independent shape, merkle root recomputation,
// cellbase shape, proposal-list dedup, uncle count/dedup.
func ValidateBlockStructure(b *Block) error {
	if len(b.Transactions) == 0 {
		return txerr(BLOCK_ERR_PARSE, "block: no transactions")
	}
	if !IsCellbase(&b.Transactions[0], b.Header.Number) {
		return txerr(BLOCK_ERR_PARSE, "block: first transaction is not a cellbase")
	}
	for _, tx := range b.Transactions[1:] {
		if IsCellbase(&tx, b.Header.Number) {
			return txerr(BLOCK_ERR_PARSE, "block: cellbase shape outside first position")
		}
	}

	if err := DedupProposals(b.Proposals); err != nil {
		return err
	}
	if err := VerifyUncleCount(b.Uncles); err != nil {
		return err
	}
	if err := VerifyUncleDistinct(b.Uncles); err != nil {
		return err
	}

	txHashes := make([][32]byte, len(b.Transactions))
	wtxHashes := make([][32]byte, len(b.Transactions))
	for i := range b.Transactions {
		txHashes[i] = TxHash(&b.Transactions[i])
		wtxHashes[i] = TxWitnessHash(&b.Transactions[i])
	}
	txRoot, err := MerkleRootTxids(txHashes)
	if err != nil {
		return err
	}
	witRoot, err := WitnessMerkleRootWtxids(wtxHashes)
	if err != nil {
		return err
	}
	wantTxRoot := combineRoots(txRoot, WitnessCommitmentHash(witRoot))
	if wantTxRoot != b.Header.TransactionsRoot {
		return txerr(BLOCK_ERR_MERKLE_INVALID, "block: transactions_root mismatch")
	}

	if ProposalsHash(b.Proposals) != b.Header.ProposalsHash {
		return txerr(BLOCK_ERR_MERKLE_INVALID, "block: proposals_hash mismatch")
	}
	wantExtra := ExtraHash(UnclesHash(b.Uncles), nil)
	if wantExtra != b.Header.ExtraHash {
		return txerr(BLOCK_ERR_MERKLE_INVALID, "block: extra_hash mismatch")
	}

	return nil
}

// combineRoots folds the witness commitment into the transactions_root the
// same way the teacher folds a segwit commitment into a Bitcoin merkle
// root: one more tagged hash over the two 32-byte roots.
func combineRoots(txRoot, witnessCommitment [32]byte) [32]byte {
	buf := make([]byte, 0, 65)
	buf = append(buf, 0x07)
	buf = append(buf, txRoot[:]...)
	buf = append(buf, witnessCommitment[:]...)
	return sha3_256(buf)
}

// ValidateTimestamp enforces the median-time-past rule (strictly greater
// than the median of the preceding window) and a bounded future drift,
// reusing the teacher's validateTimestampRules shape.
func ValidateTimestamp(header Header, prevTimestampsOldestFirst []uint64, localTimeMillis uint64, maxFutureDriftMillis uint64) error {
	if len(prevTimestampsOldestFirst) > 0 {
		mtp := medianTimestamp(prevTimestampsOldestFirst)
		if header.Timestamp <= mtp {
			return txerr(BLOCK_ERR_TIMESTAMP_OLD, "block: timestamp not after median-time-past")
		}
	}
	if localTimeMillis > 0 && header.Timestamp > localTimeMillis+maxFutureDriftMillis {
		return txerr(BLOCK_ERR_TIMESTAMP_FUTURE, "block: timestamp too far in the future")
	}
	return nil
}

func medianTimestamp(values []uint64) uint64 {
	sorted := append([]uint64(nil), values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[len(sorted)/2]
}

// ValidateBlockNumber checks simple linkage: number is exactly one past
// the parent's.
func ValidateBlockNumber(header Header, parentNumber uint64) error {
	if header.Number != parentNumber+1 {
		return txerr(BLOCK_ERR_NUMBER_INVALID, "block: number does not follow parent")
	}
	return nil
}

// ValidateParentHash checks simple linkage: parent_hash matches.
func ValidateParentHash(header Header, parentHash [32]byte) error {
	if header.ParentHash != parentHash {
		return txerr(BLOCK_ERR_LINKAGE_INVALID, "block: parent_hash mismatch")
	}
	return nil
}
