package node

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"rubin.dev/node/consensus"
)

func TestDefaultSyncConfigAndEngineInit_Defaults(t *testing.T) {
	st := NewChainState()
	cfg := DefaultSyncConfig("x.json")
	if cfg.HeaderBatchLimit == 0 || cfg.IBDLagSeconds == 0 {
		t.Fatalf("expected non-zero defaults: %#v", cfg)
	}
	if cfg.IBDLagSeconds != defaultIBDLagSeconds {
		t.Fatalf("ibd_lag_seconds=%d, want %d", cfg.IBDLagSeconds, defaultIBDLagSeconds)
	}

	cfg.HeaderBatchLimit = 0
	cfg.IBDLagSeconds = 0
	engine, err := NewSyncEngine(st, nil, cfg)
	if err != nil {
		t.Fatalf("NewSyncEngine: %v", err)
	}
	if engine.cfg.HeaderBatchLimit != 512 {
		t.Fatalf("header_batch_limit=%d, want 512", engine.cfg.HeaderBatchLimit)
	}
	if engine.cfg.IBDLagSeconds != defaultIBDLagSeconds {
		t.Fatalf("ibd_lag_seconds=%d, want %d", engine.cfg.IBDLagSeconds, defaultIBDLagSeconds)
	}
}

func TestNewSyncEngine_NilChainState(t *testing.T) {
	_, err := NewSyncEngine(nil, nil, SyncConfig{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestSyncEngine_HeaderSyncRequest(t *testing.T) {
	st := NewChainState()
	engine, err := NewSyncEngine(st, nil, DefaultSyncConfig(""))
	if err != nil {
		t.Fatalf("NewSyncEngine: %v", err)
	}

	r := engine.HeaderSyncRequest()
	if r.HasFrom {
		t.Fatalf("expected HasFrom=false when no tip")
	}
	if r.Limit != engine.cfg.HeaderBatchLimit {
		t.Fatalf("limit=%d, want %d", r.Limit, engine.cfg.HeaderBatchLimit)
	}

	st.HasTip = true
	st.TipHash = mustHash32Hex(t, "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc")
	r = engine.HeaderSyncRequest()
	if !r.HasFrom || r.FromHash != st.TipHash {
		t.Fatalf("unexpected request: %#v", r)
	}
}

func TestSyncEngine_RecordBestKnownHeight(t *testing.T) {
	st := NewChainState()
	engine, err := NewSyncEngine(st, nil, DefaultSyncConfig(""))
	if err != nil {
		t.Fatalf("NewSyncEngine: %v", err)
	}
	if got := engine.BestKnownHeight(); got != 0 {
		t.Fatalf("best_known=%d, want 0", got)
	}

	engine.RecordBestKnownHeight(7)
	engine.RecordBestKnownHeight(6)
	engine.RecordBestKnownHeight(9)
	if got := engine.BestKnownHeight(); got != 9 {
		t.Fatalf("best_known=%d, want 9", got)
	}

	var nilEngine *SyncEngine
	nilEngine.RecordBestKnownHeight(10)
	if got := nilEngine.BestKnownHeight(); got != 0 {
		t.Fatalf("nil best_known=%d, want 0", got)
	}
}

func TestSyncEngine_IsInIBDEdgeCases(t *testing.T) {
	var nilEngine *SyncEngine
	if !nilEngine.IsInIBD(0) {
		t.Fatalf("expected IBD for nil engine")
	}

	st := NewChainState()
	engine, err := NewSyncEngine(st, nil, DefaultSyncConfig(""))
	if err != nil {
		t.Fatalf("NewSyncEngine: %v", err)
	}
	st.HasTip = true
	engine.tipTimestamp = 100_000
	engine.cfg.IBDLagSeconds = 10
	if !engine.IsInIBD(99_000) {
		t.Fatalf("expected IBD when now < tip timestamp")
	}
}

func TestSyncEngineIBDLogic(t *testing.T) {
	st := NewChainState()
	engine, err := NewSyncEngine(st, nil, DefaultSyncConfig(""))
	if err != nil {
		t.Fatalf("new sync engine: %v", err)
	}
	if !engine.IsInIBD(1_000_000) {
		t.Fatalf("expected IBD when no tip")
	}

	st.HasTip = true
	st.Height = 10
	engine.tipTimestamp = 1_000_000
	engine.cfg.IBDLagSeconds = 100
	if !engine.IsInIBD(1_200_000) {
		t.Fatalf("expected IBD when lag exceeds threshold")
	}
	if engine.IsInIBD(1_050_000) {
		t.Fatalf("did not expect IBD when lag below threshold")
	}
}

// minedGenesisBlockBytes builds and mines (under the devnet POW_LIMIT
// target, whose two leading zero bytes take about 2^16 nonces on average)
// a valid genesis block: one cellbase transaction, no uncles, no proposals.
func minedGenesisBlockBytes(t *testing.T) []byte {
	t.Helper()
	epoch := genesisEpoch()
	secondaryReward, _ := consensus.SplitSecondaryReward(epoch.Length)
	primaryReward := epoch.BlockReward + epoch.RemainderReward
	cb := consensus.Transaction{
		Inputs:     []consensus.CellInput{{PreviousOutput: consensus.OutPoint{Index: ^uint32(0)}, Since: 0}},
		Outputs:    []consensus.CellOutput{{Capacity: primaryReward + secondaryReward, Lock: consensus.Script{CodeHash: [32]byte{0xAA}}}},
		OutputData: [][]byte{{}},
	}
	txs := []consensus.Transaction{cb}
	txHashes := [][32]byte{consensus.TxHash(&cb)}
	wtxHashes := [][32]byte{consensus.TxWitnessHash(&cb)}
	txRoot, err := consensus.MerkleRootTxids(txHashes)
	if err != nil {
		t.Fatalf("merkle root: %v", err)
	}
	witRoot, err := consensus.WitnessMerkleRootWtxids(wtxHashes)
	if err != nil {
		t.Fatalf("witness merkle root: %v", err)
	}

	header := consensus.Header{
		Number:        0,
		CompactTarget: epoch.EpochCompactTarget(),
		Timestamp:     1_700_000_000_000,
	}
	header.TransactionsRoot = combineRootsForTest(t, txRoot, witRoot)
	header.ProposalsHash = consensus.ProposalsHash(nil)
	header.ExtraHash = consensus.ExtraHash(consensus.UnclesHash(nil), nil)

	occupied := cellOccupiedBytes(cb.Outputs[0], cb.OutputData[0])
	dao, err := consensus.NextDaoField(consensus.DaoField{}, primaryReward, secondaryReward, occupied)
	if err != nil {
		t.Fatalf("next dao field: %v", err)
	}
	header.DAO = consensus.PackDaoField(dao)

	for nonce := uint64(0); ; nonce++ {
		binary.LittleEndian.PutUint64(header.Nonce[:8], nonce)
		if consensus.PowCheck(header) == nil {
			break
		}
		if nonce > 1_000_000 {
			t.Fatalf("failed to mine genesis block under test target")
		}
	}

	blk := &consensus.Block{Header: header, Transactions: txs}
	return consensus.BlockBytes(blk)
}

// combineRootsForTest recomputes the same transactions_root combination
// ValidateBlockStructure checks, without depending on consensus's
// unexported combineRoots (kept package-private there).
func combineRootsForTest(t *testing.T, txRoot, witRoot [32]byte) [32]byte {
	t.Helper()
	commitment := consensus.WitnessCommitmentHash(witRoot)
	buf := make([]byte, 0, 65)
	buf = append(buf, 0x07)
	buf = append(buf, txRoot[:]...)
	buf = append(buf, commitment[:]...)
	return consensus.HeaderHashFromBytes(buf)
}

func TestSyncEngineApplyBlockPersistsChainstateAndStore(t *testing.T) {
	dir := t.TempDir()
	chainStatePath := ChainStatePath(dir)
	store, err := OpenBlockStore(BlockStorePath(dir))
	if err != nil {
		t.Fatalf("open blockstore: %v", err)
	}
	st := NewChainState()
	engine, err := NewSyncEngine(st, store, DefaultSyncConfig(chainStatePath))
	if err != nil {
		t.Fatalf("new sync engine: %v", err)
	}

	block := minedGenesisBlockBytes(t)
	summary, err := engine.ApplyBlock(block, nil, 0)
	if err != nil {
		t.Fatalf("apply block: %v", err)
	}
	if summary.BlockHeight != 0 {
		t.Fatalf("block height=%d, want 0", summary.BlockHeight)
	}
	if _, err := os.Stat(chainStatePath); err != nil {
		t.Fatalf("chainstate file not persisted: %v", err)
	}

	loaded, err := LoadChainState(chainStatePath)
	if err != nil {
		t.Fatalf("reload chainstate: %v", err)
	}
	if !loaded.HasTip || loaded.Height != 0 {
		t.Fatalf("unexpected persisted chainstate: has_tip=%v height=%d", loaded.HasTip, loaded.Height)
	}

	height, _, ok, err := store.Tip()
	if err != nil {
		t.Fatalf("blockstore tip: %v", err)
	}
	if !ok || height != 0 {
		t.Fatalf("unexpected blockstore tip: ok=%v height=%d", ok, height)
	}
}

func TestSyncEngineApplyBlockNoMutationOnFailure(t *testing.T) {
	dir := t.TempDir()
	chainStatePath := filepath.Join(dir, "chainstate.json")
	st := NewChainState()
	st.HasTip = true
	st.Height = 5
	st.TipHash = mustHash32Hex(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	st.Cells[consensus.OutPoint{TxHash: mustHash32Hex(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"), Index: 0}] = LiveCell{
		Output:        consensus.CellOutput{Capacity: 1, Lock: consensus.Script{}},
		CreatedHeight: 1,
	}

	engine, err := NewSyncEngine(st, nil, DefaultSyncConfig(chainStatePath))
	if err != nil {
		t.Fatalf("new sync engine: %v", err)
	}
	before, err := stateToDisk(st)
	if err != nil {
		t.Fatalf("stateToDisk before: %v", err)
	}

	if _, err := engine.ApplyBlock([]byte{0x01, 0x02}, nil, 0); err == nil {
		t.Fatalf("expected apply error")
	}
	after, err := stateToDisk(st)
	if err != nil {
		t.Fatalf("stateToDisk after: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("chainstate mutated on failed apply")
	}
}

func TestSyncEngineApplyBlock_RollbackOnSaveFailure(t *testing.T) {
	dir := t.TempDir()
	badDir := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(badDir, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	chainStatePath := filepath.Join(badDir, "chainstate.json")

	st := NewChainState()
	engine, err := NewSyncEngine(st, nil, DefaultSyncConfig(chainStatePath))
	if err != nil {
		t.Fatalf("NewSyncEngine: %v", err)
	}
	engine.tipTimestamp = 999
	engine.bestKnownHeight = 123

	before, err := stateToDisk(st)
	if err != nil {
		t.Fatalf("stateToDisk before: %v", err)
	}

	block := minedGenesisBlockBytes(t)
	if _, err := engine.ApplyBlock(block, nil, 0); err == nil {
		t.Fatalf("expected apply error")
	}

	after, err := stateToDisk(st)
	if err != nil {
		t.Fatalf("stateToDisk after: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("chainstate mutated on rollback path")
	}
	if engine.tipTimestamp != 999 {
		t.Fatalf("tip_timestamp=%d, want 999", engine.tipTimestamp)
	}
	if engine.bestKnownHeight != 123 {
		t.Fatalf("best_known_height=%d, want 123", engine.bestKnownHeight)
	}
}

func TestRestoreChainState_NilDestination(t *testing.T) {
	if err := restoreChainState(nil, chainStateDisk{}); err == nil {
		t.Fatalf("expected error")
	}
}

// commitFixture is a two-block chain (genesis + a block that commits a tx
// genesis only proposed) used to integration-test the two-phase commit,
// reward/DAO and uncle wiring through SyncEngine.ApplyBlock, rather than
// only at the consensus-package unit level.
type commitFixture struct {
	genesisBytes   []byte
	genesisHash    [32]byte
	genesisDao     consensus.DaoField
	epoch          consensus.EpochExt
	proposerScript consensus.Script
	cbCapacity     uint64
	tx1            consensus.Transaction
}

// buildCommitFixtureGenesis mines a genesis block whose sole cellbase is
// locked to proposerScript and, if propose is true, proposes tx1's short id
// (tx1 itself is never included in the genesis body: propose-phase blocks
// only carry the short id, per spec §4.4).
func buildCommitFixtureGenesis(t *testing.T, proposerScript consensus.Script, propose bool, buildTx1 func(cbHash [32]byte, cbCapacity uint64) consensus.Transaction) commitFixture {
	t.Helper()
	epoch := genesisEpoch()
	secondaryReward, _ := consensus.SplitSecondaryReward(epoch.Length)
	primaryReward := epoch.BlockReward + epoch.RemainderReward
	cbCapacity := primaryReward + secondaryReward

	cb := consensus.Transaction{
		Inputs:     []consensus.CellInput{{PreviousOutput: consensus.OutPoint{Index: ^uint32(0)}, Since: 0}},
		Outputs:    []consensus.CellOutput{{Capacity: cbCapacity, Lock: proposerScript}},
		OutputData: [][]byte{{}},
	}
	cbHash := consensus.TxHash(&cb)
	tx1 := buildTx1(cbHash, cbCapacity)

	var proposals []consensus.ProposalShortID
	if propose {
		proposals = []consensus.ProposalShortID{consensus.NewProposalShortID(consensus.TxHash(&tx1))}
	}

	txHashes := [][32]byte{cbHash}
	wtxHashes := [][32]byte{consensus.TxWitnessHash(&cb)}
	txRoot, err := consensus.MerkleRootTxids(txHashes)
	if err != nil {
		t.Fatalf("merkle root: %v", err)
	}
	witRoot, err := consensus.WitnessMerkleRootWtxids(wtxHashes)
	if err != nil {
		t.Fatalf("witness merkle root: %v", err)
	}

	header := consensus.Header{
		Number:        0,
		CompactTarget: epoch.EpochCompactTarget(),
		Timestamp:     1_700_000_000_000,
	}
	header.TransactionsRoot = combineRootsForTest(t, txRoot, witRoot)
	header.ProposalsHash = consensus.ProposalsHash(proposals)
	header.ExtraHash = consensus.ExtraHash(consensus.UnclesHash(nil), nil)

	occupied := cellOccupiedBytes(cb.Outputs[0], cb.OutputData[0])
	dao, err := consensus.NextDaoField(consensus.DaoField{}, primaryReward, secondaryReward, occupied)
	if err != nil {
		t.Fatalf("next dao field: %v", err)
	}
	header.DAO = consensus.PackDaoField(dao)

	for nonce := uint64(0); ; nonce++ {
		binary.LittleEndian.PutUint64(header.Nonce[:8], nonce)
		if consensus.PowCheck(header) == nil {
			break
		}
		if nonce > 1_000_000 {
			t.Fatalf("failed to mine genesis block under test target")
		}
	}

	blk := &consensus.Block{Header: header, Transactions: []consensus.Transaction{cb}, Proposals: proposals}
	return commitFixture{
		genesisBytes:   consensus.BlockBytes(blk),
		genesisHash:    consensus.HeaderHash(header),
		genesisDao:     dao,
		epoch:          epoch,
		proposerScript: proposerScript,
		cbCapacity:     cbCapacity,
		tx1:            tx1,
	}
}

// commitBlock1Opts tweaks block1 away from the otherwise-valid chain the
// fixture builds, one invariant at a time.
type commitBlock1Opts struct {
	corruptDAO         bool
	minerCapacityDelta int64
	uncles             []consensus.UncleBlock
}

// buildCommitBlock1 mines a block committing g.tx1 against a different
// cellbase lock (minerScript), paying the resolved proposer share to
// g.proposerScript per consensus.RewardSplit, then applies opts to break a
// single invariant for rejection tests.
func buildCommitBlock1(t *testing.T, g commitFixture, minerScript consensus.Script, opts commitBlock1Opts) (blockBytes []byte, hash [32]byte, dao consensus.DaoField) {
	t.Helper()
	secondaryReward, _ := consensus.SplitSecondaryReward(g.epoch.Length)
	primaryReward := g.epoch.BlockReward // height 1 != epoch.StartNumber (0): no remainder
	blockReward := primaryReward + secondaryReward

	fee := g.cbCapacity - g.tx1.Outputs[0].Capacity
	proposerShare, minerShare := consensus.RewardSplit(fee, false)

	cb2 := consensus.Transaction{
		Inputs: []consensus.CellInput{{PreviousOutput: consensus.OutPoint{Index: ^uint32(0)}, Since: 1}},
		Outputs: []consensus.CellOutput{
			{Capacity: blockReward + minerShare + uint64(opts.minerCapacityDelta), Lock: minerScript},
			{Capacity: proposerShare, Lock: g.proposerScript},
		},
		OutputData: [][]byte{{}, {}},
	}
	allTxs := []consensus.Transaction{cb2, g.tx1}

	txHashes := make([][32]byte, len(allTxs))
	wtxHashes := make([][32]byte, len(allTxs))
	for i := range allTxs {
		txHashes[i] = consensus.TxHash(&allTxs[i])
		wtxHashes[i] = consensus.TxWitnessHash(&allTxs[i])
	}
	txRoot, err := consensus.MerkleRootTxids(txHashes)
	if err != nil {
		t.Fatalf("merkle root: %v", err)
	}
	witRoot, err := consensus.WitnessMerkleRootWtxids(wtxHashes)
	if err != nil {
		t.Fatalf("witness merkle root: %v", err)
	}

	header := consensus.Header{
		Number:        1,
		CompactTarget: g.epoch.EpochCompactTarget(),
		Timestamp:     1_700_000_001_000,
		ParentHash:    g.genesisHash,
	}
	header.Epoch = consensus.PackEpoch(g.epoch.Number, 1, g.epoch.Length)
	header.TransactionsRoot = combineRootsForTest(t, txRoot, witRoot)
	header.ProposalsHash = consensus.ProposalsHash(nil)
	header.ExtraHash = consensus.ExtraHash(consensus.UnclesHash(opts.uncles), nil)

	occupiedDelta := cellOccupiedBytes(cb2.Outputs[0], cb2.OutputData[0]) +
		cellOccupiedBytes(cb2.Outputs[1], cb2.OutputData[1]) +
		cellOccupiedBytes(g.tx1.Outputs[0], g.tx1.OutputData[0]) -
		cellOccupiedBytes(consensus.CellOutput{Capacity: g.cbCapacity, Lock: g.proposerScript}, []byte{})

	var err error
	dao, err = consensus.NextDaoField(g.genesisDao, primaryReward, secondaryReward, occupiedDelta)
	if err != nil {
		t.Fatalf("next dao field: %v", err)
	}
	if opts.corruptDAO {
		dao.U ^= 1
	}
	header.DAO = consensus.PackDaoField(dao)

	for nonce := uint64(0); ; nonce++ {
		binary.LittleEndian.PutUint64(header.Nonce[:8], nonce)
		if consensus.PowCheck(header) == nil {
			break
		}
		if nonce > 1_000_000 {
			t.Fatalf("failed to mine block1 under test target")
		}
	}

	blk := &consensus.Block{Header: header, Transactions: allTxs, Uncles: opts.uncles}
	return consensus.BlockBytes(blk), consensus.HeaderHash(header), dao
}

func spenderTx(cbHash [32]byte, cbCapacity uint64, spenderScript consensus.Script, fee uint64) consensus.Transaction {
	return consensus.Transaction{
		Inputs:     []consensus.CellInput{{PreviousOutput: consensus.OutPoint{TxHash: cbHash, Index: 0}, Since: 0}},
		Outputs:    []consensus.CellOutput{{Capacity: cbCapacity - fee, Lock: spenderScript}},
		OutputData: [][]byte{{}},
	}
}

func applyFixture(t *testing.T, genesisBytes, block1Bytes []byte) (*SyncEngine, *ChainStateConnectSummary, error) {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenBlockStore(BlockStorePath(dir))
	if err != nil {
		t.Fatalf("open blockstore: %v", err)
	}
	st := NewChainState()
	engine, err := NewSyncEngine(st, store, DefaultSyncConfig(ChainStatePath(dir)))
	if err != nil {
		t.Fatalf("new sync engine: %v", err)
	}
	if _, err := engine.ApplyBlock(genesisBytes, nil, 0); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}
	summary, err := engine.ApplyBlock(block1Bytes, []uint64{1_700_000_000_000}, 0)
	return engine, summary, err
}

func TestSyncEngineApplyBlock_CommitsProposedTxAndSplitsReward(t *testing.T) {
	proposerScript := consensus.Script{CodeHash: [32]byte{0xAA}}
	minerScript := consensus.Script{CodeHash: [32]byte{0xBB}}
	spenderScript := consensus.Script{CodeHash: [32]byte{0xCC}}

	g := buildCommitFixtureGenesis(t, proposerScript, true, func(cbHash [32]byte, cbCapacity uint64) consensus.Transaction {
		return spenderTx(cbHash, cbCapacity, spenderScript, 1_000)
	})
	block1, _, _ := buildCommitBlock1(t, g, minerScript, commitBlock1Opts{})

	_, summary, err := applyFixture(t, g.genesisBytes, block1)
	if err != nil {
		t.Fatalf("apply block1: %v", err)
	}
	if summary.BlockHeight != 1 {
		t.Fatalf("block height=%d, want 1", summary.BlockHeight)
	}
	if summary.SumFees != 1_000 {
		t.Fatalf("sum fees=%d, want 1000", summary.SumFees)
	}
}

func TestSyncEngineApplyBlock_RejectsCommitOutsideWindow(t *testing.T) {
	proposerScript := consensus.Script{CodeHash: [32]byte{0xAA}}
	minerScript := consensus.Script{CodeHash: [32]byte{0xBB}}
	spenderScript := consensus.Script{CodeHash: [32]byte{0xCC}}

	// propose=false: genesis never proposes tx1's short id, so block1's
	// attempt to commit it must fail consensus.VerifyCommit.
	g := buildCommitFixtureGenesis(t, proposerScript, false, func(cbHash [32]byte, cbCapacity uint64) consensus.Transaction {
		return spenderTx(cbHash, cbCapacity, spenderScript, 1_000)
	})
	block1, _, _ := buildCommitBlock1(t, g, minerScript, commitBlock1Opts{})

	_, _, err := applyFixture(t, g.genesisBytes, block1)
	if err == nil {
		t.Fatalf("expected commit-window rejection")
	}
}

func TestSyncEngineApplyBlock_RejectsRewardMismatch(t *testing.T) {
	proposerScript := consensus.Script{CodeHash: [32]byte{0xAA}}
	minerScript := consensus.Script{CodeHash: [32]byte{0xBB}}
	spenderScript := consensus.Script{CodeHash: [32]byte{0xCC}}

	g := buildCommitFixtureGenesis(t, proposerScript, true, func(cbHash [32]byte, cbCapacity uint64) consensus.Transaction {
		return spenderTx(cbHash, cbCapacity, spenderScript, 1_000)
	})
	block1, _, _ := buildCommitBlock1(t, g, minerScript, commitBlock1Opts{minerCapacityDelta: 1})

	_, _, err := applyFixture(t, g.genesisBytes, block1)
	if err == nil {
		t.Fatalf("expected reward mismatch rejection")
	}
}

func TestSyncEngineApplyBlock_RejectsDaoMismatch(t *testing.T) {
	proposerScript := consensus.Script{CodeHash: [32]byte{0xAA}}
	minerScript := consensus.Script{CodeHash: [32]byte{0xBB}}
	spenderScript := consensus.Script{CodeHash: [32]byte{0xCC}}

	g := buildCommitFixtureGenesis(t, proposerScript, true, func(cbHash [32]byte, cbCapacity uint64) consensus.Transaction {
		return spenderTx(cbHash, cbCapacity, spenderScript, 1_000)
	})
	block1, _, _ := buildCommitBlock1(t, g, minerScript, commitBlock1Opts{corruptDAO: true})

	_, _, err := applyFixture(t, g.genesisBytes, block1)
	if err == nil {
		t.Fatalf("expected dao mismatch rejection")
	}
}

func TestSyncEngineApplyBlock_RejectsUncleFromFutureEpoch(t *testing.T) {
	proposerScript := consensus.Script{CodeHash: [32]byte{0xAA}}
	minerScript := consensus.Script{CodeHash: [32]byte{0xBB}}
	spenderScript := consensus.Script{CodeHash: [32]byte{0xCC}}

	g := buildCommitFixtureGenesis(t, proposerScript, true, func(cbHash [32]byte, cbCapacity uint64) consensus.Transaction {
		return spenderTx(cbHash, cbCapacity, spenderScript, 1_000)
	})

	// block1 itself sits at epoch 0; an uncle claiming epoch 1 is, from
	// block1's perspective, from the future, which consensus.VerifyUncleAge
	// must reject regardless of how deep the epoch gap is.
	uncleHeader := consensus.Header{
		Number:     1,
		ParentHash: g.genesisHash,
		Epoch:      consensus.PackEpoch(1, 0, g.epoch.Length),
	}
	uncle := consensus.UncleBlock{Header: uncleHeader}
	block1, _, _ := buildCommitBlock1(t, g, minerScript, commitBlock1Opts{uncles: []consensus.UncleBlock{uncle}})

	_, _, err := applyFixture(t, g.genesisBytes, block1)
	if err == nil {
		t.Fatalf("expected uncle-age rejection")
	}
}

// buildSimpleFollowupBlock mines a plain cellbase-only block on top of a
// known parent, for chaining past buildCommitBlock1 in orphan-cascade tests.
func buildSimpleFollowupBlock(t *testing.T, height uint64, parentHash [32]byte, epoch consensus.EpochExt, prevDao consensus.DaoField, minerScript consensus.Script, timestamp uint64) ([]byte, [32]byte) {
	t.Helper()
	secondaryReward, _ := consensus.SplitSecondaryReward(epoch.Length)
	primaryReward := epoch.BlockReward
	if height == epoch.StartNumber {
		primaryReward += epoch.RemainderReward
	}

	cb := consensus.Transaction{
		Inputs:     []consensus.CellInput{{PreviousOutput: consensus.OutPoint{Index: ^uint32(0)}, Since: height}},
		Outputs:    []consensus.CellOutput{{Capacity: primaryReward + secondaryReward, Lock: minerScript}},
		OutputData: [][]byte{{}},
	}
	txHashes := [][32]byte{consensus.TxHash(&cb)}
	wtxHashes := [][32]byte{consensus.TxWitnessHash(&cb)}
	txRoot, err := consensus.MerkleRootTxids(txHashes)
	if err != nil {
		t.Fatalf("merkle root: %v", err)
	}
	witRoot, err := consensus.WitnessMerkleRootWtxids(wtxHashes)
	if err != nil {
		t.Fatalf("witness merkle root: %v", err)
	}

	header := consensus.Header{
		Number:        height,
		CompactTarget: epoch.EpochCompactTarget(),
		Timestamp:     timestamp,
		ParentHash:    parentHash,
	}
	header.Epoch = consensus.PackEpoch(epoch.Number, height-epoch.StartNumber, epoch.Length)
	header.TransactionsRoot = combineRootsForTest(t, txRoot, witRoot)
	header.ProposalsHash = consensus.ProposalsHash(nil)
	header.ExtraHash = consensus.ExtraHash(consensus.UnclesHash(nil), nil)

	occupied := cellOccupiedBytes(cb.Outputs[0], cb.OutputData[0])
	dao, err := consensus.NextDaoField(prevDao, primaryReward, secondaryReward, occupied)
	if err != nil {
		t.Fatalf("next dao field: %v", err)
	}
	header.DAO = consensus.PackDaoField(dao)

	for nonce := uint64(0); ; nonce++ {
		binary.LittleEndian.PutUint64(header.Nonce[:8], nonce)
		if consensus.PowCheck(header) == nil {
			break
		}
		if nonce > 1_000_000 {
			t.Fatalf("failed to mine followup block under test target")
		}
	}

	blk := &consensus.Block{Header: header, Transactions: []consensus.Transaction{cb}}
	return consensus.BlockBytes(blk), consensus.HeaderHash(header)
}

func TestSyncEngineIngestBlock_CascadesBufferedOrphan(t *testing.T) {
	proposerScript := consensus.Script{CodeHash: [32]byte{0xAA}}
	minerScript := consensus.Script{CodeHash: [32]byte{0xBB}}
	spenderScript := consensus.Script{CodeHash: [32]byte{0xCC}}

	g := buildCommitFixtureGenesis(t, proposerScript, true, func(cbHash [32]byte, cbCapacity uint64) consensus.Transaction {
		return spenderTx(cbHash, cbCapacity, spenderScript, 1_000)
	})
	block1, block1Hash, block1Dao := buildCommitBlock1(t, g, minerScript, commitBlock1Opts{})
	block2, _ := buildSimpleFollowupBlock(t, 2, block1Hash, g.epoch, block1Dao, minerScript, 1_700_000_002_000)

	dir := t.TempDir()
	store, err := OpenBlockStore(BlockStorePath(dir))
	if err != nil {
		t.Fatalf("open blockstore: %v", err)
	}
	st := NewChainState()
	engine, err := NewSyncEngine(st, store, DefaultSyncConfig(ChainStatePath(dir)))
	if err != nil {
		t.Fatalf("new sync engine: %v", err)
	}
	engine.SetOrphanPool(NewOrphanPool())

	if _, err := engine.ApplyBlock(g.genesisBytes, nil, 0); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}

	// block2 arrives before block1: its parent (block1) is unknown to the
	// chain (current tip is genesis), so it must be buffered in the orphan
	// pool rather than rejected outright.
	if _, err := engine.ApplyBlock(block2, []uint64{1_700_000_001_000}, 0); err == nil {
		t.Fatalf("expected parent-hash rejection while block1 is unknown")
	}
	if got := engine.orphanPool.Size(); got != 1 {
		t.Fatalf("orphan pool size=%d, want 1", got)
	}

	_, cascaded, err := engine.IngestBlock(block1, []uint64{1_700_000_000_000}, 0)
	if err != nil {
		t.Fatalf("ingest block1: %v", err)
	}
	if len(cascaded) != 1 {
		t.Fatalf("cascaded=%d, want 1", len(cascaded))
	}
	if cascaded[0].BlockHeight != 2 {
		t.Fatalf("cascaded height=%d, want 2", cascaded[0].BlockHeight)
	}
	if got := engine.orphanPool.Size(); got != 0 {
		t.Fatalf("orphan pool size after cascade=%d, want 0", got)
	}
}
