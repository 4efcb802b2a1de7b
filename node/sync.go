package node

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"rubin.dev/node/consensus"
)

const defaultIBDLagSeconds = 24 * 60 * 60

// medianTimePastWindow is how many immediately-preceding canonical headers
// feed consensus.ValidateTimestamp's median-time-past rule.
const medianTimePastWindow = 11

type SyncConfig struct {
	ChainStatePath       string
	HeaderBatchLimit     uint64
	IBDLagSeconds        uint64
	MaxFutureDriftMillis uint64
}

type HeaderRequest struct {
	FromHash [32]byte
	HasFrom  bool
	Limit    uint64
}

// ancestorRecord is what ApplyBlock remembers about one already-connected
// height, just enough to resolve the two-phase commit window (spec §4.4)
// and the reward split (spec §4.3) for blocks that commit against it:
// the proposals it introduced and the script its cellbase paid.
type ancestorRecord struct {
	Proposals      []consensus.ProposalShortID
	ProposerScript consensus.Script
}

// SyncEngine orchestrates the ingestion pipeline: structural and
// contextual block validation (consensus/block.go plus the epoch/reward/
// two-phase-commit/uncle rules below), followed by the live-cell-set
// state transition (ChainState.ApplyBlock) and persistence. It also
// tracks the epoch context used to derive each block's expected issuance
// and difficulty target, and a rolling window of ancestor proposals used
// to verify commits and resolve proposer rewards.
type SyncEngine struct {
	chainState *ChainState
	blockStore *BlockStore
	cfg        SyncConfig

	mu              sync.RWMutex
	tipTimestamp    uint64
	bestKnownHeight uint64
	epoch           consensus.EpochExt
	epochStartTime  uint64
	unclesInEpoch   uint64
	ancestors       map[uint64]ancestorRecord

	metrics    *Metrics
	orphanPool *OrphanPool
}

// SetMetrics attaches a metrics set whose BlocksIngested/VerificationFailures
// counters ApplyBlock updates on every call. Optional: a nil or
// never-called SetMetrics leaves ApplyBlock's behavior unchanged.
func (s *SyncEngine) SetMetrics(m *Metrics) {
	if s == nil {
		return
	}
	s.metrics = m
}

// SetOrphanPool attaches the buffer IngestBlock uses to hold blocks whose
// parent hasn't connected yet (spec §4.5 ConsumeOrphan). Optional: without
// one, ApplyBlock/IngestBlock behave exactly as before (an unknown-parent
// block is simply rejected, not buffered).
func (s *SyncEngine) SetOrphanPool(p *OrphanPool) {
	if s == nil {
		return
	}
	s.orphanPool = p
}

func DefaultSyncConfig(chainStatePath string) SyncConfig {
	return SyncConfig{
		HeaderBatchLimit:     512,
		IBDLagSeconds:        defaultIBDLagSeconds,
		MaxFutureDriftMillis: consensus.MaxFutureDriftMillis,
		ChainStatePath:       chainStatePath,
	}
}

// genesisEpoch is the fixed starting epoch for a freshly initialized chain:
// length GenesisEpochLength at the pow limit target, matching the
// well-known devnet bring-up convention of starting at the easiest
// possible difficulty.
func genesisEpoch() consensus.EpochExt {
	reward, remainder := consensus.SplitPrimaryReward(consensus.GenesisEpochLength)
	return consensus.EpochExt{
		Number:          0,
		BlockReward:     reward,
		RemainderReward: remainder,
		CompactTarget:   uint64(consensus.CompactFromTarget(consensus.POW_LIMIT)),
		Length:          consensus.GenesisEpochLength,
		StartNumber:     0,
	}
}

func NewSyncEngine(chainState *ChainState, blockStore *BlockStore, cfg SyncConfig) (*SyncEngine, error) {
	if chainState == nil {
		return nil, errors.New("nil chainstate")
	}
	if cfg.HeaderBatchLimit == 0 {
		cfg.HeaderBatchLimit = 512
	}
	if cfg.IBDLagSeconds == 0 {
		cfg.IBDLagSeconds = defaultIBDLagSeconds
	}
	if cfg.MaxFutureDriftMillis == 0 {
		cfg.MaxFutureDriftMillis = consensus.MaxFutureDriftMillis
	}
	return &SyncEngine{
		chainState: chainState,
		blockStore: blockStore,
		cfg:        cfg,
		epoch:      genesisEpoch(),
		ancestors:  make(map[uint64]ancestorRecord),
	}, nil
}

func (s *SyncEngine) HeaderSyncRequest() HeaderRequest {
	if s == nil || s.chainState == nil {
		return HeaderRequest{}
	}
	if !s.chainState.HasTip {
		return HeaderRequest{HasFrom: false, Limit: s.cfg.HeaderBatchLimit}
	}
	return HeaderRequest{FromHash: s.chainState.TipHash, HasFrom: true, Limit: s.cfg.HeaderBatchLimit}
}

func (s *SyncEngine) RecordBestKnownHeight(height uint64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if height > s.bestKnownHeight {
		s.bestKnownHeight = height
	}
}

func (s *SyncEngine) BestKnownHeight() uint64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bestKnownHeight
}

func (s *SyncEngine) IsInIBD(nowUnixMillis uint64) bool {
	if s == nil || s.chainState == nil || !s.chainState.HasTip {
		return true
	}
	s.mu.RLock()
	tipTimestamp := s.tipTimestamp
	ibdLagMillis := s.cfg.IBDLagSeconds * 1000
	s.mu.RUnlock()
	if nowUnixMillis < tipTimestamp {
		return true
	}
	return nowUnixMillis-tipTimestamp > ibdLagMillis
}

// CurrentEpoch returns the epoch context blocks at the current tip height
// are expected to satisfy: block reward, secondary issuance and target.
func (s *SyncEngine) CurrentEpoch() consensus.EpochExt {
	if s == nil {
		return genesisEpoch()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// ApplyBlock runs the full ingestion pipeline over a wire-encoded block:
// parse, structural validation, contextual validation (number, parent,
// timestamp, PoW, uncle age/linkage), the two-phase commit check, the
// live-cell-set transition, reward/DAO verification, then persistence of
// both the block body and the updated chain state. Any failure leaves
// chainState exactly as it was before the call. The outcome is recorded
// against s.metrics, if set, as a blocks_ingested increment on success or
// a verification_failures increment labeled by consensus error code on
// failure. A block whose parent hasn't connected yet is buffered in the
// orphan pool, if one is attached, instead of simply being dropped; use
// IngestBlock to also cascade into buffered children on success.
func (s *SyncEngine) ApplyBlock(blockBytes []byte, prevTimestampsOldestFirst []uint64, nowMillis uint64) (summary *ChainStateConnectSummary, err error) {
	defer func() {
		if s != nil {
			s.metrics.ObserveApplyResult(err)
		}
	}()
	if s == nil || s.chainState == nil {
		return nil, errors.New("sync engine is not initialized")
	}

	block, consumed, err := consensus.ParseBlock(blockBytes)
	if err != nil {
		return nil, err
	}
	if consumed != len(blockBytes) {
		return nil, errors.New("sync: non-canonical block bytes")
	}

	if err := consensus.ValidateBlockStructure(&block); err != nil {
		return nil, err
	}
	if len(block.Transactions[0].Outputs) == 0 {
		return nil, errors.New("sync: cellbase has no outputs")
	}

	blockHash := consensus.HeaderHash(block.Header)

	if s.chainState.HasTip {
		if err := consensus.ValidateParentHash(block.Header, s.chainState.TipHash); err != nil {
			s.bufferOrphan(block.Header.ParentHash, blockHash, blockBytes)
			return nil, err
		}
		if err := consensus.ValidateBlockNumber(block.Header, s.chainState.Height); err != nil {
			return nil, err
		}
	} else if block.Header.Number != 0 {
		return nil, errors.New("sync: first connected block must be genesis (0)")
	}

	if err := consensus.ValidateTimestamp(block.Header, prevTimestampsOldestFirst, nowMillis, s.cfg.MaxFutureDriftMillis); err != nil {
		return nil, err
	}

	epoch := s.CurrentEpoch()
	if block.Header.CompactTarget != epoch.EpochCompactTarget() {
		return nil, errors.New("sync: block compact_target does not match current epoch")
	}
	if err := consensus.PowCheck(block.Header); err != nil {
		return nil, err
	}

	if err := verifyUncleContext(block, blockHash); err != nil {
		return nil, err
	}

	from, to := consensus.ProposalWindow(block.Header.Number)
	ancestorProposals, ancestorProposers, heightsOldestFirst := s.ancestorWindow(from, to)
	uncleProposalsByHeight := consensus.UncleProposalsByHeight(block.Uncles)
	commitSet := consensus.BuildCommitSet(ancestorProposals, uncleProposalsByHeight, from, to)

	committedHashes := make([][32]byte, 0, len(block.Transactions)-1)
	for i := 1; i < len(block.Transactions); i++ {
		committedHashes = append(committedHashes, consensus.TxHash(&block.Transactions[i]))
	}
	if err := consensus.VerifyCommit(commitSet, committedHashes); err != nil {
		return nil, err
	}

	secondaryReward, _ := consensus.SplitSecondaryReward(epoch.Length)
	primaryReward := epoch.BlockReward
	if block.Header.Number == epoch.StartNumber {
		primaryReward += epoch.RemainderReward
	}
	blockReward := primaryReward + secondaryReward

	snapshot, err := stateToDisk(s.chainState)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	oldTipTimestamp := s.tipTimestamp
	oldBestKnown := s.bestKnownHeight
	oldEpoch := s.epoch
	oldEpochStart := s.epochStartTime
	oldUncles := s.unclesInEpoch
	s.mu.RUnlock()

	summary, err = s.chainState.ApplyBlock(&block, primaryReward, secondaryReward)
	if err != nil {
		if restoreErr := restoreChainState(s.chainState, snapshot); restoreErr != nil {
			return nil, fmt.Errorf("%w (rollback failed: %v)", err, restoreErr)
		}
		return nil, err
	}

	rollback := func(cause error) error {
		restoreErr := restoreChainState(s.chainState, snapshot)
		s.mu.Lock()
		s.tipTimestamp = oldTipTimestamp
		s.bestKnownHeight = oldBestKnown
		s.epoch = oldEpoch
		s.epochStartTime = oldEpochStart
		s.unclesInEpoch = oldUncles
		s.mu.Unlock()
		if restoreErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", cause, restoreErr)
		}
		return cause
	}

	minerScript := block.Transactions[0].Outputs[0].Lock
	var cellbaseCapacity uint64
	for _, out := range block.Transactions[0].Outputs {
		cellbaseCapacity += out.Capacity
	}
	if err := consensus.VerifyTotalFee(cellbaseCapacity, blockReward, summary.SumFees); err != nil {
		return nil, rollback(err)
	}

	resolution := consensus.ResolveProposer(ancestorProposals, ancestorProposers, heightsOldestFirst)
	var minerFeeShare uint64
	proposerShares := make(map[string]proposerShareEntry)
	for i, fee := range summary.TxFees {
		shortID := consensus.NewProposalShortID(committedHashes[i])
		proposerScript, resolved := resolution.ProposerOf[shortID]
		proposerIsMiner := !resolved || scriptsEqual(proposerScript, minerScript)
		proposerShare, minerShare := consensus.RewardSplit(fee, proposerIsMiner)
		minerFeeShare += minerShare
		if !proposerIsMiner {
			key := scriptKey(proposerScript)
			entry := proposerShares[key]
			entry.script = proposerScript
			entry.amount += proposerShare
			proposerShares[key] = entry
		}
	}
	if err := consensus.VerifyReward(block.Transactions[0].Outputs[0].Capacity, blockReward, minerFeeShare); err != nil {
		return nil, rollback(err)
	}
	if err := verifyProposerPayouts(block.Transactions[0].Outputs[1:], proposerShares); err != nil {
		return nil, rollback(err)
	}

	if consensus.PackDaoField(summary.Dao) != block.Header.DAO {
		return nil, rollback(errors.New("sync: header dao field does not match recomputed value"))
	}

	headerBytes := consensus.HeaderBytes(block.Header)
	if s.blockStore != nil {
		if err := s.blockStore.PutBlock(summary.BlockHeight, blockHash, headerBytes, blockBytes); err != nil {
			return nil, rollback(err)
		}
	}
	if s.cfg.ChainStatePath != "" {
		if err := s.chainState.Save(s.cfg.ChainStatePath); err != nil {
			return nil, rollback(err)
		}
	}

	s.recordAncestor(block.Header.Number, block.Proposals, minerScript, from)

	s.mu.Lock()
	s.tipTimestamp = block.Header.Timestamp
	if summary.BlockHeight > s.bestKnownHeight {
		s.bestKnownHeight = summary.BlockHeight
	}
	if s.epochStartTime == 0 {
		s.epochStartTime = block.Header.Timestamp
	}
	s.unclesInEpoch += uint64(len(block.Uncles))
	if epoch.IsLastBlockInEpoch(block.Header.Number) {
		durationSecs := (block.Header.Timestamp - s.epochStartTime) / 1000
		next, nextErr := consensus.NextEpochExt(epoch, consensus.EpochObservation{
			Length:                epoch.Length,
			DurationSecs:          durationSecs,
			UnclesCount:           s.unclesInEpoch,
			PreviousCompactTarget: epoch.EpochCompactTarget(),
		})
		if nextErr == nil {
			s.epoch = next
			s.epochStartTime = 0
			s.unclesInEpoch = 0
		}
	}
	s.mu.Unlock()
	return summary, nil
}

// IngestBlock runs ApplyBlock and, on success, cascades into any orphan
// blocks buffered against the new tip and each tip after that (spec §4.5
// ConsumeOrphan), breadth-first, until no more buffered blocks connect.
// cascaded holds one summary per orphan that connected, in connection
// order. A buffered block that fails to connect is skipped and dropped
// from the pool, except that one whose parent is no longer the tip (e.g.
// a sibling of a child that connected first in the same pass) fails
// ApplyBlock's parent check and is buffered again by it.
func (s *SyncEngine) IngestBlock(blockBytes []byte, prevTimestampsOldestFirst []uint64, nowMillis uint64) (summary *ChainStateConnectSummary, cascaded []*ChainStateConnectSummary, err error) {
	summary, err = s.ApplyBlock(blockBytes, prevTimestampsOldestFirst, nowMillis)
	if err != nil {
		return nil, nil, err
	}

	frontier := [][32]byte{summary.BlockHash}
	for len(frontier) > 0 {
		parentHash := frontier[0]
		frontier = frontier[1:]
		for _, childBytes := range s.takeOrphanChildren(parentHash) {
			child, _, perr := consensus.ParseBlock(childBytes)
			if perr != nil {
				continue
			}
			prevTs, _ := s.recentTimestamps(child.Header.Number)
			childSummary, cerr := s.ApplyBlock(childBytes, prevTs, nowMillis)
			if cerr != nil {
				continue
			}
			cascaded = append(cascaded, childSummary)
			frontier = append(frontier, childSummary.BlockHash)
		}
	}
	return summary, cascaded, nil
}

func (s *SyncEngine) recentTimestamps(height uint64) ([]uint64, error) {
	if s == nil || s.blockStore == nil {
		return nil, nil
	}
	return s.blockStore.RecentTimestamps(height, medianTimePastWindow)
}

func (s *SyncEngine) bufferOrphan(parentHash, blockHash [32]byte, blockBytes []byte) {
	if s == nil || s.orphanPool == nil {
		return
	}
	s.orphanPool.Add(parentHash, blockHash, blockBytes)
	s.metrics.RefreshOrphanPoolSize(s.orphanPool)
}

func (s *SyncEngine) takeOrphanChildren(parentHash [32]byte) [][]byte {
	if s == nil || s.orphanPool == nil {
		return nil
	}
	children := s.orphanPool.TakeChildren(parentHash)
	s.metrics.RefreshOrphanPoolSize(s.orphanPool)
	return children
}

// ancestorWindow returns the proposals and proposer scripts recorded for
// every already-connected height in [from, to], plus those heights sorted
// oldest first, for consensus.BuildCommitSet/ResolveProposer.
func (s *SyncEngine) ancestorWindow(from, to uint64) (map[uint64][]consensus.ProposalShortID, map[uint64]consensus.Script, []uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proposals := make(map[uint64][]consensus.ProposalShortID, len(s.ancestors))
	proposers := make(map[uint64]consensus.Script, len(s.ancestors))
	heights := make([]uint64, 0, len(s.ancestors))
	for h, rec := range s.ancestors {
		if h < from || h > to {
			continue
		}
		proposals[h] = rec.Proposals
		proposers[h] = rec.ProposerScript
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return proposals, proposers, heights
}

// recordAncestor remembers height's proposals and miner script for future
// commit/reward resolution, then prunes anything older than keepFrom: the
// lower bound of this block's own commit window, which only grows as
// height increases, so nothing still in range is ever evicted early.
func (s *SyncEngine) recordAncestor(height uint64, proposals []consensus.ProposalShortID, proposer consensus.Script, keepFrom uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ancestors == nil {
		s.ancestors = make(map[uint64]ancestorRecord)
	}
	s.ancestors[height] = ancestorRecord{
		Proposals:      append([]consensus.ProposalShortID(nil), proposals...),
		ProposerScript: proposer,
	}
	for h := range s.ancestors {
		if h < keepFrom {
			delete(s.ancestors, h)
		}
	}
}

// verifyUncleContext runs the ancestor-dependent half of uncle
// verification (consensus/uncle.go): age relative to the including
// block's own epoch, and VerifyUncleLinkage, which rejects only an uncle
// equal to the including block itself. Both read only the headers already
// in hand; no ancestor walk is made, so an uncle that is an ancestor of
// the including block is not rejected here.
func verifyUncleContext(block consensus.Block, blockHash [32]byte) error {
	includingEpoch := consensus.EpochNumber(block.Header.Epoch)
	for _, u := range block.Uncles {
		uncleEpoch := consensus.EpochNumber(u.Header.Epoch)
		if err := consensus.VerifyUncleAge(includingEpoch, uncleEpoch); err != nil {
			return err
		}
		uncleHash := consensus.HeaderHash(u.Header)
		if err := consensus.VerifyUncleLinkage(block.Header.ParentHash, u.Header.ParentHash, uncleHash, blockHash); err != nil {
			return err
		}
	}
	return nil
}

type proposerShareEntry struct {
	script consensus.Script
	amount uint64
}

// verifyProposerPayouts checks that the cellbase's non-miner outputs
// (everything after Outputs[0]) exactly cover every resolved proposer's
// fee share, reusing consensus.VerifyReward's equality check with
// blockReward pinned to zero since these outputs carry no block subsidy.
func verifyProposerPayouts(outputs []consensus.CellOutput, shares map[string]proposerShareEntry) error {
	if len(shares) == 0 {
		return nil
	}
	byKey := make(map[string][]uint64, len(outputs))
	for _, out := range outputs {
		key := scriptKey(out.Lock)
		byKey[key] = append(byKey[key], out.Capacity)
	}
	for key, entry := range shares {
		caps := byKey[key]
		var capacity uint64
		if len(caps) > 0 {
			capacity = caps[0]
			byKey[key] = caps[1:]
		}
		if err := consensus.VerifyReward(capacity, 0, entry.amount); err != nil {
			return err
		}
	}
	return nil
}

func scriptsEqual(a, b consensus.Script) bool {
	return a.HashType == b.HashType && a.CodeHash == b.CodeHash && bytes.Equal(a.Args, b.Args)
}

func scriptKey(s consensus.Script) string {
	buf := make([]byte, 0, 33+len(s.Args))
	buf = append(buf, s.HashType)
	buf = append(buf, s.CodeHash[:]...)
	buf = append(buf, s.Args...)
	return string(buf)
}

func restoreChainState(dst *ChainState, snapshot chainStateDisk) error {
	if dst == nil {
		return errors.New("nil chainstate destination")
	}
	recovered, err := chainStateFromDisk(snapshot)
	if err != nil {
		return err
	}
	*dst = *recovered
	return nil
}
