package consensus

import "testing"

func cellbaseTx(blockNumber uint64) Transaction {
	return Transaction{
		Inputs:     []CellInput{{PreviousOutput: OutPoint{Index: ^uint32(0)}, Since: blockNumber}},
		Outputs:    []CellOutput{{Capacity: 1000, Lock: Script{}}},
		OutputData: [][]byte{{}},
	}
}

func buildValidBlock() *Block {
	cb := cellbaseTx(1)
	txs := []Transaction{cb}
	proposals := []ProposalShortID{}

	txHashes := make([][32]byte, len(txs))
	wtxHashes := make([][32]byte, len(txs))
	for i := range txs {
		txHashes[i] = TxHash(&txs[i])
		wtxHashes[i] = TxWitnessHash(&txs[i])
	}
	txRoot, _ := MerkleRootTxids(txHashes)
	witRoot, _ := WitnessMerkleRootWtxids(wtxHashes)
	combined := combineRoots(txRoot, WitnessCommitmentHash(witRoot))

	h := Header{
		Number:           1,
		TransactionsRoot: combined,
		ProposalsHash:    ProposalsHash(proposals),
		ExtraHash:        ExtraHash(UnclesHash(nil), nil),
	}

	return &Block{Header: h, Transactions: txs, Proposals: proposals}
}

func TestValidateBlockStructure_Valid(t *testing.T) {
	b := buildValidBlock()
	if err := ValidateBlockStructure(b); err != nil {
		t.Fatalf("expected valid block: %v", err)
	}
}

func TestValidateBlockStructure_RejectsMissingCellbase(t *testing.T) {
	b := buildValidBlock()
	b.Transactions[0].Inputs[0].Since = 99 // no longer matches block number convention
	if err := ValidateBlockStructure(b); err == nil {
		t.Fatalf("expected cellbase-shape error")
	}
}

func TestValidateBlockStructure_RejectsBadTransactionsRoot(t *testing.T) {
	b := buildValidBlock()
	b.Header.TransactionsRoot[0] ^= 0xFF
	if err := ValidateBlockStructure(b); err == nil {
		t.Fatalf("expected transactions_root mismatch error")
	}
}

func TestValidateBlockStructure_RejectsBadProposalsHash(t *testing.T) {
	b := buildValidBlock()
	b.Header.ProposalsHash[0] ^= 0xFF
	if err := ValidateBlockStructure(b); err == nil {
		t.Fatalf("expected proposals_hash mismatch error")
	}
}

func TestValidateBlockStructure_RejectsDuplicateUncle(t *testing.T) {
	b := buildValidBlock()
	u := UncleBlock{Header: Header{Number: 1}}
	b.Uncles = []UncleBlock{u, u}
	if err := ValidateBlockStructure(b); err == nil {
		t.Fatalf("expected duplicate-uncle error")
	}
}

func TestValidateTimestamp_RejectsNotAfterMedian(t *testing.T) {
	h := Header{Timestamp: 100}
	prev := []uint64{90, 95, 100, 105, 110}
	if err := ValidateTimestamp(h, prev, 0, 0); err == nil {
		t.Fatalf("expected timestamp-old error")
	}
}

func TestValidateTimestamp_RejectsTooFarFuture(t *testing.T) {
	h := Header{Timestamp: 100_000}
	if err := ValidateTimestamp(h, nil, 1000, 500); err == nil {
		t.Fatalf("expected timestamp-future error")
	}
}

func TestValidateTimestamp_AcceptsWithinBounds(t *testing.T) {
	h := Header{Timestamp: 1200}
	prev := []uint64{1000, 1100}
	if err := ValidateTimestamp(h, prev, 1200, 100); err != nil {
		t.Fatalf("expected ok: %v", err)
	}
}

func TestValidateBlockNumber(t *testing.T) {
	if err := ValidateBlockNumber(Header{Number: 5}, 4); err != nil {
		t.Fatalf("expected ok: %v", err)
	}
	if err := ValidateBlockNumber(Header{Number: 5}, 5); err == nil {
		t.Fatalf("expected number-invalid error")
	}
}

func TestValidateParentHash(t *testing.T) {
	var ph [32]byte
	ph[0] = 1
	if err := ValidateParentHash(Header{ParentHash: ph}, ph); err != nil {
		t.Fatalf("expected ok: %v", err)
	}
	var other [32]byte
	other[0] = 2
	if err := ValidateParentHash(Header{ParentHash: ph}, other); err == nil {
		t.Fatalf("expected linkage-invalid error")
	}
}
