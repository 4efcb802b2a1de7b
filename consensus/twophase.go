package consensus

// Two-Phase Commit Verifier (spec §4.4), grounded on
// original_source/verification/src/contextual_block_verifier.rs and its
// tests/two_phase_commit_verifier.rs + tests/commit_verifier.rs fixtures.
//
// A transaction is proposed (by ProposalShortID, in Block.Proposals or an
// UncleBlock's Proposals) at some height, then later committed (by full
// body, in Block.Transactions) at a height within the bounded window
// (ProposalWindowClosest, ProposalWindowFarthest) after the proposing
// height.

// ProposalWindow returns the inclusive [from, to] range of proposing
// heights a transaction committed at committingHeight may legally have
// been proposed at.
func ProposalWindow(committingHeight uint64) (from, to uint64) {
	if committingHeight < ProposalWindowFarthest {
		from = 0
	} else {
		from = committingHeight - ProposalWindowFarthest
	}
	if committingHeight < ProposalWindowClosest {
		to = 0
	} else {
		to = committingHeight - ProposalWindowClosest
	}
	return from, to
}

// CommitSet is the union of every short id proposed within the window,
// built once per committing block and then checked against for each
// transaction it commits.
type CommitSet map[ProposalShortID]struct{}

// BuildCommitSet unions every proposal short id found in proposalsByHeight
// for heights in [from, to], plus any uncle-derived proposals for those
// same heights (spec §4.7 supplement: uncle proposals count toward the
// window exactly like their including block's own proposals).
func BuildCommitSet(proposalsByHeight map[uint64][]ProposalShortID, uncleProposalsByHeight map[uint64][]ProposalShortID, from, to uint64) CommitSet {
	set := make(CommitSet)
	for h := from; h <= to; h++ {
		for _, id := range proposalsByHeight[h] {
			set[id] = struct{}{}
		}
		for _, id := range uncleProposalsByHeight[h] {
			set[id] = struct{}{}
		}
	}
	return set
}

// VerifyCommit checks that every non-cellbase transaction committed in a
// block was proposed within its window: its short id must appear in the
// commit set built from that window. txHashes excludes the cellbase, which
// is never proposed.
func VerifyCommit(set CommitSet, txHashes [][32]byte) error {
	for _, h := range txHashes {
		id := NewProposalShortID(h)
		if _, ok := set[id]; !ok {
			return txerr(BLOCK_ERR_COMMIT_OUT_OF_WINDOW, "two-phase commit: tx not proposed within window")
		}
	}
	return nil
}

// DedupProposals rejects a block whose own Proposals list contains a
// duplicate short id — CKB-style blocks propose a set, not a multiset.
func DedupProposals(proposals []ProposalShortID) error {
	seen := make(map[ProposalShortID]struct{}, len(proposals))
	for _, id := range proposals {
		if _, ok := seen[id]; ok {
			return txerr(BLOCK_ERR_PROPOSAL_INVALID, "two-phase commit: duplicate proposal short id")
		}
		seen[id] = struct{}{}
	}
	return nil
}
