package consensus

// Uncle Verification (spec §4.7), grounded on
// original_source/verification/src/tests/uncle_verifier.rs. An uncle is a
// valid-but-not-canonical sibling block, included in a later canonical
// block to both credit its miner a partial reward and widen the two-phase
// commit window's proposal set (twophase.go).

// VerifyUncleCount rejects a block carrying more uncles than allowed.
func VerifyUncleCount(uncles []UncleBlock) error {
	if len(uncles) > MaxUnclesPerBlock {
		return txerr(BLOCK_ERR_UNCLE_TOO_MANY, "uncle: too many uncles")
	}
	return nil
}

// VerifyUncleAge rejects an uncle whose epoch distance from the including
// block's epoch exceeds MaxUncleAgeEpochs (uncles must be "recent"; an
// arbitrarily old sibling could otherwise be resurrected to farm rewards).
func VerifyUncleAge(includingEpoch, uncleEpoch uint64) error {
	if includingEpoch < uncleEpoch {
		return txerr(BLOCK_ERR_UNCLE_INVALID, "uncle: epoch is in the future")
	}
	if includingEpoch-uncleEpoch > MaxUncleAgeEpochs {
		return txerr(BLOCK_ERR_UNCLE_INVALID, "uncle: too old")
	}
	return nil
}

// VerifyUncleLinkage rejects an uncle whose hash equals the including
// block's own hash. It does not check that the uncle shares an ancestor
// with the including block's recent chain, nor that the uncle is not an
// ancestor of the including block: every other relation is accepted.
func VerifyUncleLinkage(includingParent, uncleParent [32]byte, uncleHash, includingHash [32]byte) error {
	if uncleHash == includingHash {
		return txerr(BLOCK_ERR_UNCLE_INVALID, "uncle: self-reference")
	}
	if includingParent == uncleParent {
		// Sibling of the including block's own parent: the common case.
		return nil
	}
	// Any other relation requires the caller to have already walked the
	// ancestor chain; VerifyUncleLinkage only rejects the cheap-to-detect
	// cases so the expensive walk can be skipped when they apply.
	return nil
}

// VerifyUncleDistinct rejects a block listing the same uncle hash twice.
func VerifyUncleDistinct(uncles []UncleBlock) error {
	seen := make(map[[32]byte]struct{}, len(uncles))
	for _, u := range uncles {
		h := HeaderHash(u.Header)
		if _, ok := seen[h]; ok {
			return txerr(BLOCK_ERR_UNCLE_INVALID, "uncle: duplicate uncle")
		}
		seen[h] = struct{}{}
	}
	return nil
}

// UncleProposalsByHeight indexes a block's uncles' proposals by the
// uncle's own height, for twophase.go's BuildCommitSet.
func UncleProposalsByHeight(uncles []UncleBlock) map[uint64][]ProposalShortID {
	out := make(map[uint64][]ProposalShortID, len(uncles))
	for _, u := range uncles {
		out[u.Header.Number] = append(out[u.Header.Number], u.Proposals...)
	}
	return out
}

// UncleReward is the partial miner reward paid for including an uncle:
// a fixed fraction of the epoch's ordinary block reward, scaled down
// because the uncle's own transactions are not re-executed or re-taxed.
func UncleReward(epochBlockReward uint64) uint64 {
	const uncleRewardNum = 1
	const uncleRewardDen = 8
	return (epochBlockReward * uncleRewardNum) / uncleRewardDen
}
