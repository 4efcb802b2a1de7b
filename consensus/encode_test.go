package consensus

import "testing"

func sampleTx() Transaction {
	return Transaction{
		Version: 0,
		CellDeps: []CellDep{
			{OutPoint: OutPoint{TxHash: [32]byte{9}, Index: 0}, Kind: CellDepKindCode},
		},
		HeaderDeps: [][32]byte{{1, 2, 3}},
		Inputs: []CellInput{
			{PreviousOutput: OutPoint{TxHash: [32]byte{1}, Index: 0}, Since: 0},
		},
		Outputs: []CellOutput{
			{Capacity: 1000, Lock: Script{CodeHash: [32]byte{2}, HashType: HashTypeType, Args: []byte{0xAA}}},
		},
		OutputData: [][]byte{{}},
		Witnesses:  [][]byte{{0x01, 0x02}},
	}
}

func TestTxHash_ExcludesWitnesses(t *testing.T) {
	tx1 := sampleTx()
	tx2 := sampleTx()
	tx2.Witnesses = [][]byte{{0xFF, 0xFF, 0xFF}}

	if TxHash(&tx1) != TxHash(&tx2) {
		t.Fatalf("TxHash must not depend on witnesses")
	}
	if TxWitnessHash(&tx1) == TxWitnessHash(&tx2) {
		t.Fatalf("TxWitnessHash must depend on witnesses")
	}
}

func TestTxHash_Deterministic(t *testing.T) {
	tx := sampleTx()
	if TxHash(&tx) != TxHash(&tx) {
		t.Fatalf("TxHash must be deterministic")
	}
}

func TestHeaderHash_Deterministic(t *testing.T) {
	h := Header{Version: 1, CompactTarget: 0x1d00ffff, Timestamp: 123, Number: 5}
	if HeaderHash(h) != HeaderHash(h) {
		t.Fatalf("HeaderHash must be deterministic")
	}
	h2 := h
	h2.Nonce = [16]byte{1}
	if HeaderHash(h) == HeaderHash(h2) {
		t.Fatalf("nonce change must change hash")
	}
}

func TestHeaderBytes_Length(t *testing.T) {
	h := Header{}
	b := HeaderBytes(h)
	if len(b) != HeaderBytesLen {
		t.Fatalf("got %d want %d", len(b), HeaderBytesLen)
	}
}

func TestCellOutputBytes_NilVsPresentType(t *testing.T) {
	withType := CellOutput{Capacity: 1, Lock: Script{}, Type: &Script{CodeHash: [32]byte{7}}}
	withoutType := CellOutput{Capacity: 1, Lock: Script{}}
	if string(CellOutputBytes(withType)) == string(CellOutputBytes(withoutType)) {
		t.Fatalf("presence of type script must change encoding")
	}
}
