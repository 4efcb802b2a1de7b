package consensus

import "math/big"

// Epoch/Difficulty Controller (spec §4.2). At the boundary of every epoch,
// the controller looks back over the epoch just completed and computes a
// new (epoch length, compact_target) pair from the realized hash rate and
// uncle rate, steering the uncle rate toward OrphanRateTarget.
//
// Grounded on the teacher's pow.go retarget idiom (clamp-before-divide,
// arbitrary-precision throughout) generalized from a fixed 2016-block
// window to a variable-length epoch.

// EpochExt is the persisted per-epoch extension record (spec §2/§6
// epoch_ext column): everything needed to verify blocks within the epoch
// and to compute the next epoch without replaying history.
type EpochExt struct {
	Number        uint64
	BlockReward   uint64 // primary issuance reward, fixed for the whole epoch
	RemainderReward uint64 // primary reward's integer-division remainder, paid to block 0 of the epoch
	PreviousEpochHashRate *big.Int
	CompactTarget uint64 // stored as uint64 to allow bit tricks; low 32 bits are the real nBits
	Length        uint64
	StartNumber   uint64
}

// LastBlockHashInPreviousEpoch is the header hash the versionbits cache and
// epoch transition both key off: the last block of the epoch preceding the
// one currently being evaluated.
type EpochSnapshot struct {
	Ext              EpochExt
	LastBlockHashInPreviousEpoch [32]byte
}

// EpochObservation carries, for a completed epoch, the statistics the
// adjustment formula needs: its length, elapsed wall-clock duration, total
// uncle count across all blocks of the epoch, and the compact target it
// ran at.
type EpochObservation struct {
	Length            uint64
	DurationSecs      uint64
	UnclesCount       uint64
	PreviousCompactTarget uint32
}

// NextEpochExt computes the epoch extension that applies starting at the
// first block after the epoch boundary. last is the just-completed epoch's
// extension; obs summarizes what was observed during it.
//
// Algorithm:
//  1. ideal_duration = (length + uncles) * TargetBlockIntervalSecs *
//     OrphanRateTargetDenominator / (OrphanRateTargetDenominator +
//     OrphanRateTargetNumerator), which equals length *
//     TargetBlockIntervalSecs when the uncle rate is exactly on target
//  2. next_target = prev_target * actual_duration / ideal_duration,
//     clamped to [prev/MaxEpochAdjustFactor, prev*MaxEpochAdjustFactor]
//     and to at most POW_LIMIT
//  3. next_length = clamp(length * ideal_duration / actual_duration,
//     [length/MaxEpochAdjustFactor, length*MaxEpochAdjustFactor])
//
// No hash rate is computed: the returned PreviousEpochHashRate is nil and
// the target moves by the duration ratio directly.
func NextEpochExt(last EpochExt, obs EpochObservation) (EpochExt, error) {
	if obs.Length == 0 {
		return EpochExt{}, txerr(BLOCK_ERR_EPOCH_INVALID, "epoch: zero length observation")
	}
	if obs.DurationSecs == 0 {
		obs.DurationSecs = 1
	}

	prevTarget, err := ExpandCompactTarget(obs.PreviousCompactTarget)
	if err != nil {
		return EpochExt{}, err
	}

	// Uncle-rate adjustment: blocks_expected_with_uncles / blocks_actual,
	// expressed as a ratio applied to the ideal block interval before
	// comparing against the realized duration. A higher uncle rate than
	// target means hash rate outpaced the current target, so the target
	// should tighten (go down) for the same length; this falls out of the
	// standard retarget ratio once unclesCount is folded into "expected
	// blocks produced" below.
	blocksWithUncles := obs.Length + obs.UnclesCount
	idealDurationNum := new(big.Int).Mul(
		big.NewInt(int64(blocksWithUncles)),
		big.NewInt(TargetBlockIntervalSecs*OrphanRateTargetDenominator),
	)
	idealDurationDen := big.NewInt(OrphanRateTargetDenominator + OrphanRateTargetNumerator)
	idealDuration := new(big.Int).Div(idealDurationNum, idealDurationDen)

	actualDuration := new(big.Int).SetUint64(obs.DurationSecs)

	// next_target = prev_target * actual_duration / ideal_duration,
	// clamped to [prev/factor, prev*factor].
	tOld := new(big.Int).SetBytes(prevTarget[:])
	num := new(big.Int).Mul(tOld, actualDuration)
	tNew := new(big.Int).Div(num, idealDuration)

	lower := new(big.Int).Div(tOld, big.NewInt(MaxEpochAdjustFactor))
	if lower.Sign() < 1 {
		lower.SetInt64(1)
	}
	upper := new(big.Int).Mul(tOld, big.NewInt(MaxEpochAdjustFactor))
	if upper.Cmp(powLimitBig) > 0 {
		upper = powLimitBig
	}
	if tNew.Cmp(lower) < 0 {
		tNew = lower
	}
	if tNew.Cmp(upper) > 0 {
		tNew = upper
	}

	var tNewBytes [32]byte
	tNewBytes, err = bigIntToBytes32(tNew)
	if err != nil {
		return EpochExt{}, err
	}
	nextCompact := CompactFromTarget(tNewBytes)

	// next_length: scale the previous length by the same duration ratio,
	// clamped the same way, so epoch length and difficulty move together
	// rather than fighting each other block to block.
	nextLenNum := new(big.Int).Mul(big.NewInt(int64(obs.Length)), idealDuration)
	nextLen := new(big.Int).Div(nextLenNum, actualDuration).Uint64()
	minLen := obs.Length / MaxEpochAdjustFactor
	if minLen == 0 {
		minLen = 1
	}
	maxLen := obs.Length * MaxEpochAdjustFactor
	if nextLen < minLen {
		nextLen = minLen
	}
	if nextLen > maxLen {
		nextLen = maxLen
	}

	primaryReward, remainder := splitEpochReward(InitialPrimaryEpochReward, nextLen)

	return EpochExt{
		Number:          last.Number + 1,
		BlockReward:     primaryReward,
		RemainderReward: remainder,
		CompactTarget:   uint64(nextCompact),
		Length:          nextLen,
		StartNumber:     last.StartNumber + obs.Length,
	}, nil
}

// splitEpochReward divides an epoch's total primary issuance evenly across
// its blocks; the integer-division remainder is paid entirely to the
// epoch's first block, matching the "remainder reward" field persisted in
// EpochExt (spec §4.3 supplement, grounded on util/reward-calculator).
func splitEpochReward(totalReward, length uint64) (perBlock, remainder uint64) {
	if length == 0 {
		return 0, 0
	}
	return totalReward / length, totalReward % length
}

// SplitPrimaryReward divides the full primary issuance schedule's reward
// for one epoch evenly across that epoch's blocks; exported for callers
// (e.g. node's SyncEngine) that need to reconstruct a fresh genesis epoch
// without duplicating NextEpochExt's internal split.
func SplitPrimaryReward(epochLength uint64) (perBlock, remainder uint64) {
	return splitEpochReward(InitialPrimaryEpochReward, epochLength)
}

// SplitSecondaryReward divides the constant per-epoch secondary issuance
// (the DAO counter-value inflation) evenly across an epoch's blocks, the
// same way primary issuance is split.
func SplitSecondaryReward(epochLength uint64) (perBlock, remainder uint64) {
	return splitEpochReward(SecondaryEpochReward, epochLength)
}

// EpochCompactTarget returns the real 32-bit nBits value for the epoch.
func (e EpochExt) EpochCompactTarget() uint32 {
	return uint32(e.CompactTarget)
}

// IsLastBlockInEpoch reports whether blockNumber is the final block before
// the next epoch boundary.
func (e EpochExt) IsLastBlockInEpoch(blockNumber uint64) bool {
	return blockNumber+1 == e.StartNumber+e.Length
}
