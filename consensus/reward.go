package consensus

// Reward & DAO Calculator (spec §4.3), grounded on
// original_source/verification/src/contextual_block_verifier.rs's
// RewardVerifier: resolve_proposer / verify_total_fee / verify_reward, and
// on util/reward-calculator/src/tests.rs's proposer/miner fee split.

import "math/bits"

const (
	proposerRewardNum = 4
	proposerRewardDen = 10
)

// ProposalResolution is the output of walking the proposal window backward
// from the block being verified: which block first proposed each
// short id still live in the commit window, and who proposed it (the
// proposing block's cellbase lock script).
type ProposalResolution struct {
	// ProposerOf maps a proposal short id to the script of whichever
	// earlier block's cellbase first proposed it.
	ProposerOf map[ProposalShortID]Script
}

// ResolveProposer walks proposalsByHeight (heights strictly less than the
// committing block's height, closest..farthest per spec §4.4) in
// heightsOldestFirst order, from the farthest window edge forward,
// recording the first (oldest) proposer of each short id — matching contextual_block_verifier.rs's
// resolve_proposer, which also takes the earliest proposer on conflict.
func ResolveProposer(proposalsByHeight map[uint64][]ProposalShortID, proposerByHeight map[uint64]Script, heightsOldestFirst []uint64) ProposalResolution {
	res := ProposalResolution{ProposerOf: make(map[ProposalShortID]Script)}
	for _, h := range heightsOldestFirst {
		proposer, ok := proposerByHeight[h]
		if !ok {
			continue
		}
		for _, id := range proposalsByHeight[h] {
			if _, exists := res.ProposerOf[id]; !exists {
				res.ProposerOf[id] = proposer
			}
		}
	}
	return res
}

// VerifyTotalFee checks that the cellbase's total output capacity does not
// exceed the block subsidy plus the total transaction fees collected,
// spec §4.3 invariant.
func VerifyTotalFee(cellbaseOutputsCapacity, blockReward, totalFee uint64) error {
	sum, err := addUint64(blockReward, totalFee)
	if err != nil {
		return txerr(BLOCK_ERR_REWARD_MISMATCH, "reward: subsidy+fee overflow")
	}
	if cellbaseOutputsCapacity > sum {
		return txerr(BLOCK_ERR_REWARD_MISMATCH, "reward: cellbase capacity exceeds subsidy+fee")
	}
	return nil
}

// RewardSplit computes the proposer/miner split of a single transaction's
// fee: 4/10 to whichever block first proposed it, 6/10 (plus any remainder)
// to the block that committed it. When proposer and miner are the same
// script the split collapses and the miner receives the whole fee,
// matching contextual_block_verifier.rs's verify_reward.
func RewardSplit(fee uint64, proposerIsMiner bool) (proposerShare, minerShare uint64) {
	if proposerIsMiner {
		return 0, fee
	}
	proposerShare = safeMulRatio(fee, proposerRewardNum, proposerRewardDen)
	minerShare = fee - proposerShare
	return proposerShare, minerShare
}

func safeMulRatio(v uint64, num, den uint64) uint64 {
	// CKB's safe_mul_ratio guards against overflow with u128 arithmetic,
	// reproduced here via the same promotion: the product is formed as a
	// 128-bit value. num < den keeps the high word below den, so the
	// quotient fits in uint64.
	hi, lo := bits.Mul64(v, num)
	q, _ := bits.Div64(hi, lo, den)
	return q
}

// VerifyReward checks that the block's actual miner output equals
// block_reward plus whatever fee share the miner is owed, where feeShare
// sums RewardSplit's minerShare across every committed transaction plus
// every proposer share for proposals this block itself resolved as miner.
func VerifyReward(minerOutputCapacity, blockReward, minerFeeShare uint64) error {
	want, err := addUint64(blockReward, minerFeeShare)
	if err != nil {
		return txerr(BLOCK_ERR_REWARD_MISMATCH, "reward: miner total overflow")
	}
	if minerOutputCapacity != want {
		return txerr(BLOCK_ERR_REWARD_MISMATCH, "reward: miner output mismatch")
	}
	return nil
}

// FinalizedRewardHeight returns the block number whose reward is paid out
// by the cellbase of blockNumber, applying the finalization delay (spec
// §4.3): the reward for block N is not paid until block N+FinalizationDelay,
// giving the network time to detect and orphan invalid blocks before their
// reward is spendable.
func FinalizedRewardHeight(blockNumber uint64) (uint64, bool) {
	if blockNumber < FinalizationDelay {
		return 0, false
	}
	return blockNumber - FinalizationDelay, true
}
