package consensus

import "math/big"

// Chain-wide consensus parameters. Values are chosen to match the
// magnitudes used throughout original_source's test fixtures (epoch of
// 1000 blocks at 10s, about 2.8h, proposal window (2,10), 4-block finalization delay scaled for
// a smaller block interval) rather than mainnet CKB's exact constants,
// since spec.md does not pin specific numbers.

const (
	TargetBlockIntervalSecs = 10
	GenesisEpochLength      = 1_000
	EpochDurationTargetSecs = GenesisEpochLength * TargetBlockIntervalSecs

	// Epoch/difficulty controller clamps (spec §4.2): neither epoch length
	// nor compact_target may move by more than this factor in one step.
	MaxEpochAdjustFactor = 2

	// Two-phase commit window (spec §4.4): a proposal committed at height H
	// must have been proposed at some height in [H-farthest, H-closest].
	ProposalWindowClosest = 2
	ProposalWindowFarthest = 10

	// Reward & DAO calculator (spec §4.3).
	FinalizationDelay = 4

	// PrimaryIssuanceHalvingEpochs is a halving interval in epochs that no
	// reward computation applies: every epoch's primary issuance is
	// InitialPrimaryEpochReward. Secondary issuance (inflation funding the
	// DAO counter-value) is likewise constant per epoch.
	PrimaryIssuanceHalvingEpochs = 4 * 365 * 24 / (EpochDurationTargetSecs / 3600)

	InitialPrimaryEpochReward   uint64 = 1_917_808_00000000 // shannon
	SecondaryEpochReward        uint64 = 613_698_63013698
	InitialAccumulatedRateShift        = 40 // AR is stored Q-fixed-point, shifted by this many bits

	// Uncle verification (spec §4.7).
	MaxUnclesPerBlock = 2
	MaxUncleAgeEpochs = 6

	// Orphan rate target the epoch controller steers toward (spec §4.2).
	OrphanRateTargetNumerator   = 1
	OrphanRateTargetDenominator = 40

	// MaxFutureDriftMillis bounds how far a header's timestamp may sit
	// ahead of local time before ValidateTimestamp rejects it.
	MaxFutureDriftMillis = 2 * 60 * 60 * 1000
)

var POW_LIMIT = [32]byte{
	0x00, 0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

var powLimitBig = new(big.Int).SetBytes(POW_LIMIT[:])
