package store

import (
	"testing"

	"rubin.dev/node/consensus"
)

func TestReorgToTip_Integration(t *testing.T) {
	chainIDHex := "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00" + "00"
	devnetTarget := consensus.CompactFromTarget(consensus.POW_LIMIT)

	// Build a self-contained genesis block.
	genBytes, _, genHash, err := makeTestBlockBytes(0, [32]byte{}, 1, devnetTarget, nil, true)
	if err != nil {
		t.Fatalf("make genesis: %v", err)
	}

	db, err := Open(t.TempDir(), chainIDHex)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitGenesis(chainIDHex, genBytes); err != nil {
		t.Fatalf("InitGenesis: %v", err)
	}

	// Main chain: G -> B1 -> B2
	b1Bytes, _, b1Hash, err := makeTestBlockBytes(1, genHash, 2, devnetTarget, nil, true)
	if err != nil {
		t.Fatalf("make b1: %v", err)
	}
	dec, err := db.ApplyBlockIfBestTip(b1Bytes, ApplyOptions{})
	if err != nil {
		t.Fatalf("apply b1: %v", err)
	}
	if dec != ApplyAppliedAsTip {
		t.Fatalf("unexpected decision for b1: %s", dec)
	}

	b2Bytes, _, _, err := makeTestBlockBytes(2, b1Hash, 3, devnetTarget, nil, true)
	if err != nil {
		t.Fatalf("make b2: %v", err)
	}
	dec, err = db.ApplyBlockIfBestTip(b2Bytes, ApplyOptions{})
	if err != nil {
		t.Fatalf("apply b2: %v", err)
	}
	if dec != ApplyAppliedAsTip {
		t.Fatalf("unexpected decision for b2: %s", dec)
	}

	// Fork chain from B1: F2 -> F3 (longer => higher cumulative work).
	f2Bytes, _, f2Hash, err := makeTestBlockBytes(2, b1Hash, 4, devnetTarget, nil, true)
	if err != nil {
		t.Fatalf("make f2: %v", err)
	}
	_, _ = db.ApplyBlockIfBestTip(f2Bytes, ApplyOptions{}) // may or may not trigger reorg; either is fine

	f3Bytes, _, f3Hash, err := makeTestBlockBytes(3, f2Hash, 5, devnetTarget, nil, true)
	if err != nil {
		t.Fatalf("make f3: %v", err)
	}
	dec, err = db.ApplyBlockIfBestTip(f3Bytes, ApplyOptions{})
	if err != nil {
		t.Fatalf("apply f3: %v", err)
	}
	if dec != ApplyAppliedAsTip {
		t.Fatalf("unexpected decision for f3: %s", dec)
	}

	// Tip should now be f3 (either by reorg or linear extension).
	m := db.Manifest()
	if m == nil || m.TipHashHex == "" {
		t.Fatalf("expected manifest to be set")
	}
	if len(m.TipHashHex) != 64 {
		t.Fatalf("unexpected tip hash hex length: %d", len(m.TipHashHex))
	}
	if m.TipHashHex != hex32(f3Hash) {
		t.Fatalf("expected tip to be f3, got %s", m.TipHashHex)
	}
}
