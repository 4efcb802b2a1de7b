package node

import (
	"context"
	"errors"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"rubin.dev/node/consensus"
)

// MinerConfig configures the dev/devnet block assembler. There is no real
// mining competition here (no network, no external hash rate): it exists
// to drive local bring-up and integration tests against a live SyncEngine.
type MinerConfig struct {
	RewardLock      consensus.Script
	TimestampSource func() uint64
	MaxTxPerBlock   int
}

type MinedBlock struct {
	Height    uint64
	Hash      [32]byte
	Timestamp uint64
	Nonce     uint64
	TxCount   int
}

type Miner struct {
	chainState *ChainState
	blockStore *BlockStore
	sync       *SyncEngine
	cfg        MinerConfig
}

func DefaultMinerConfig() MinerConfig {
	return MinerConfig{
		RewardLock: consensus.Script{HashType: consensus.HashTypeData},
		TimestampSource: func() uint64 {
			return uint64(time.Now().UnixMilli())
		},
		MaxTxPerBlock: 1024,
	}
}

// NewMiner constructs a dev-only miner used for local/devnet bring-up.
func NewMiner(chainState *ChainState, blockStore *BlockStore, sync *SyncEngine, cfg MinerConfig) (*Miner, error) {
	if chainState == nil {
		return nil, errors.New("nil chainstate")
	}
	if blockStore == nil {
		return nil, errors.New("nil blockstore")
	}
	if sync == nil {
		return nil, errors.New("nil sync engine")
	}
	if cfg.TimestampSource == nil {
		cfg.TimestampSource = func() uint64 { return uint64(time.Now().UnixMilli()) }
	}
	if cfg.MaxTxPerBlock <= 0 {
		cfg.MaxTxPerBlock = 1024
	}
	return &Miner{
		chainState: chainState,
		blockStore: blockStore,
		sync:       sync,
		cfg:        cfg,
	}, nil
}

func (m *Miner) MineN(ctx context.Context, blocks int, txs []consensus.Transaction) ([]MinedBlock, error) {
	if blocks < 0 {
		return nil, errors.New("blocks must be >= 0")
	}
	out := make([]MinedBlock, 0, blocks)
	for i := 0; i < blocks; i++ {
		mb, err := m.MineOne(ctx, txs)
		if err != nil {
			return nil, err
		}
		out = append(out, *mb)
	}
	return out, nil
}

// MineOne assembles, mines (nonce search under the tracked epoch's target)
// and submits a single block built on top of the current tip: a cellbase
// paying the tracked epoch's reward, followed by up to cfg.MaxTxPerBlock of
// the caller-supplied already-resolvable transactions.
func (m *Miner) MineOne(ctx context.Context, txs []consensus.Transaction) (*MinedBlock, error) {
	if m == nil || m.chainState == nil || m.blockStore == nil || m.sync == nil {
		return nil, errors.New("miner is not initialized")
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	nextHeight := uint64(0)
	var parentHash [32]byte
	if m.chainState.HasTip {
		nextHeight = m.chainState.Height + 1
		parentHash = m.chainState.TipHash
	}

	epoch := m.sync.CurrentEpoch()

	included := txs
	if len(included) > m.cfg.MaxTxPerBlock {
		included = included[:m.cfg.MaxTxPerBlock]
	}

	primaryReward := epoch.BlockReward
	if nextHeight == epoch.StartNumber {
		primaryReward += epoch.RemainderReward
	}
	secondaryReward, _ := consensus.SplitSecondaryReward(epoch.Length)

	cellbase := consensus.Transaction{
		Version: 0,
		Inputs: []consensus.CellInput{{
			PreviousOutput: consensus.OutPoint{Index: ^uint32(0)},
			Since:          nextHeight,
		}},
		Outputs: []consensus.CellOutput{{
			Capacity: primaryReward + secondaryReward,
			Lock:     m.cfg.RewardLock,
		}},
		OutputData: [][]byte{{}},
	}
	allTxs := make([]consensus.Transaction, 0, 1+len(included))
	allTxs = append(allTxs, cellbase)
	allTxs = append(allTxs, included...)

	txHashes, wtxHashes := computeTxHashesConcurrent(allTxs)
	txRoot, err := consensus.MerkleRootTxids(txHashes)
	if err != nil {
		return nil, err
	}
	witRoot, err := consensus.WitnessMerkleRootWtxids(wtxHashes)
	if err != nil {
		return nil, err
	}

	prevTimestamps, err := m.prevTimestamps(nextHeight)
	if err != nil {
		return nil, err
	}
	now := m.cfg.TimestampSource()
	timestamp := chooseValidTimestamp(prevTimestamps, now)

	var occupiedDelta int64
	for _, out := range cellbase.Outputs {
		occupiedDelta += cellOccupiedBytes(out, []byte{})
	}
	nextDao, err := consensus.NextDaoField(m.chainState.Dao, primaryReward, secondaryReward, occupiedDelta)
	if err != nil {
		return nil, err
	}

	epochIndex := nextHeight - epoch.StartNumber

	header := consensus.Header{
		Version:       0,
		CompactTarget: epoch.EpochCompactTarget(),
		Timestamp:     timestamp,
		Number:        nextHeight,
		Epoch:         consensus.PackEpoch(epoch.Number, epochIndex, epoch.Length),
		ParentHash:    parentHash,
		DAO:           consensus.PackDaoField(nextDao),
	}
	header.TransactionsRoot = combineRootsFor(txRoot, consensus.WitnessCommitmentHash(witRoot))
	header.ProposalsHash = consensus.ProposalsHash(nil)
	header.ExtraHash = consensus.ExtraHash(consensus.UnclesHash(nil), nil)

	var nonce uint64
	for {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		putNonce(&header, nonce)
		if consensus.PowCheck(header) == nil {
			break
		}
		nonce++
	}

	block := &consensus.Block{Header: header, Transactions: allTxs}
	blockBytes := consensus.BlockBytes(block)

	summary, err := m.sync.ApplyBlock(blockBytes, prevTimestamps, now)
	if err != nil {
		return nil, err
	}
	return &MinedBlock{
		Height:    summary.BlockHeight,
		Hash:      summary.BlockHash,
		Timestamp: timestamp,
		Nonce:     nonce,
		TxCount:   len(allTxs),
	}, nil
}

// computeTxHashesConcurrent fans the per-tx hash-id/witness-hash
// computation out across GOMAXPROCS workers: each index writes only its
// own slot of the two preallocated slices, so the goroutines share no
// mutable state and need no synchronization beyond the final Wait.
func computeTxHashesConcurrent(allTxs []consensus.Transaction) (txHashes, wtxHashes [][32]byte) {
	txHashes = make([][32]byte, len(allTxs))
	wtxHashes = make([][32]byte, len(allTxs))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range allTxs {
		i := i
		g.Go(func() error {
			txHashes[i] = consensus.TxHash(&allTxs[i])
			wtxHashes[i] = consensus.TxWitnessHash(&allTxs[i])
			return nil
		})
	}
	_ = g.Wait() // no worker can fail: TxHash/TxWitnessHash never return error

	return txHashes, wtxHashes
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func putNonce(h *consensus.Header, nonce uint64) {
	for i := 0; i < 8; i++ {
		h.Nonce[i] = byte(nonce >> (8 * i))
	}
}

// combineRootsFor mirrors consensus's unexported combineRoots: the miner
// needs the same tagged-hash combination to populate a header it is about
// to submit, since consensus keeps that helper package-private.
func combineRootsFor(txRoot, witnessCommitment [32]byte) [32]byte {
	buf := make([]byte, 0, 65)
	buf = append(buf, 0x07)
	buf = append(buf, txRoot[:]...)
	buf = append(buf, witnessCommitment[:]...)
	return consensus.HeaderHashFromBytes(buf)
}

func (m *Miner) prevTimestamps(nextHeight uint64) ([]uint64, error) {
	return m.blockStore.RecentTimestamps(nextHeight, medianTimePastWindow)
}

// chooseValidTimestamp picks the current wall-clock time if it already
// satisfies the median-time-past rule, otherwise the smallest timestamp
// that would (one millisecond past the window median).
func chooseValidTimestamp(prevTimestampsOldestFirst []uint64, now uint64) uint64 {
	if len(prevTimestampsOldestFirst) == 0 {
		if now == 0 {
			return 1
		}
		return now
	}
	median := medianOf(prevTimestampsOldestFirst)
	if now > median {
		return now
	}
	return median + 1
}

func medianOf(values []uint64) uint64 {
	sorted := append([]uint64(nil), values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[len(sorted)/2]
}
