package consensus

import "testing"

func TestVerifyUncleCount(t *testing.T) {
	uncles := make([]UncleBlock, MaxUnclesPerBlock)
	if err := VerifyUncleCount(uncles); err != nil {
		t.Fatalf("expected ok at the limit: %v", err)
	}
	uncles = append(uncles, UncleBlock{})
	if err := VerifyUncleCount(uncles); err == nil {
		t.Fatalf("expected too-many error")
	}
}

func TestVerifyUncleAge(t *testing.T) {
	if err := VerifyUncleAge(10, 4); err != nil {
		t.Fatalf("expected ok: %v", err)
	}
	if err := VerifyUncleAge(10, 3); err == nil {
		t.Fatalf("expected too-old error")
	}
	if err := VerifyUncleAge(5, 6); err == nil {
		t.Fatalf("expected future-epoch error")
	}
}

func TestVerifyUncleLinkage(t *testing.T) {
	var parent, uncleParent, uncleHash, includingHash [32]byte
	parent[0] = 1
	uncleParent[0] = 1
	uncleHash[0] = 2
	includingHash[0] = 3

	if err := VerifyUncleLinkage(parent, uncleParent, uncleHash, includingHash); err != nil {
		t.Fatalf("expected ok for sibling uncle: %v", err)
	}
	if err := VerifyUncleLinkage(parent, uncleParent, includingHash, includingHash); err == nil {
		t.Fatalf("expected self-reference error")
	}
}

func TestVerifyUncleDistinct(t *testing.T) {
	h1 := Header{Number: 1}
	h2 := Header{Number: 2}
	if err := VerifyUncleDistinct([]UncleBlock{{Header: h1}, {Header: h2}}); err != nil {
		t.Fatalf("expected ok: %v", err)
	}
	if err := VerifyUncleDistinct([]UncleBlock{{Header: h1}, {Header: h1}}); err == nil {
		t.Fatalf("expected duplicate-uncle error")
	}
}

func TestUncleProposalsByHeight(t *testing.T) {
	id := ProposalShortID{9}
	uncles := []UncleBlock{{Header: Header{Number: 7}, Proposals: []ProposalShortID{id}}}
	out := UncleProposalsByHeight(uncles)
	if len(out[7]) != 1 || out[7][0] != id {
		t.Fatalf("got %+v", out)
	}
}

func TestUncleReward(t *testing.T) {
	if got := UncleReward(800); got != 100 {
		t.Fatalf("got %d want 100", got)
	}
}
