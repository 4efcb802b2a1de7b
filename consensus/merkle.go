package consensus

const witnessCommitmentPrefix = "RUBIN-WITNESS/"

func MerkleRootTxids(txids [][32]byte) ([32]byte, error) {
	return merkleRootTagged(txids, 0x00, 0x01)
}

func WitnessMerkleRootWtxids(wtxids [][32]byte) ([32]byte, error) {
	var zero [32]byte
	if len(wtxids) == 0 {
		return zero, txerr(TX_ERR_PARSE, "merkle: empty wtxid list")
	}
	ids := make([][32]byte, len(wtxids))
	copy(ids, wtxids)
	// Break self-reference: coinbase witness commitment tree uses a zero id for index 0.
	ids[0] = [32]byte{}
	return merkleRootTagged(ids, 0x02, 0x03)
}

func WitnessCommitmentHash(witnessRoot [32]byte) [32]byte {
	buf := make([]byte, 0, len(witnessCommitmentPrefix)+32)
	buf = append(buf, witnessCommitmentPrefix...)
	buf = append(buf, witnessRoot[:]...)
	return sha3_256(buf)
}

// ProposalsHash commits to a block's own proposal short-id list (spec §2
// Header.proposals_hash). Unlike the transaction trees this is a flat
// domain-separated hash, not a Merkle tree: proposal lists are small and
// never need inclusion proofs independent of the full block.
func ProposalsHash(proposals []ProposalShortID) [32]byte {
	if len(proposals) == 0 {
		return [32]byte{}
	}
	buf := make([]byte, 0, 1+len(proposals)*10)
	buf = append(buf, 0x04)
	for _, id := range proposals {
		buf = append(buf, id[:]...)
	}
	return sha3_256(buf)
}

// UnclesHash commits to a block's uncle headers, folded into ExtraHash
// alongside any future extension data (spec §2 Header.uncles_hash / ext).
func UnclesHash(uncles []UncleBlock) [32]byte {
	if len(uncles) == 0 {
		return [32]byte{}
	}
	buf := make([]byte, 0, 1+len(uncles)*32)
	buf = append(buf, 0x05)
	for _, u := range uncles {
		h := HeaderHash(u.Header)
		buf = append(buf, h[:]...)
	}
	return sha3_256(buf)
}

// ExtraHash combines the uncles commitment with any block extension bytes
// (spec §9's forward-compatible extension field), kept separate from
// proposals_hash and transactions_root so new extension kinds never
// require touching the two-phase commit or tx Merkle paths.
func ExtraHash(unclesHash [32]byte, extension []byte) [32]byte {
	buf := make([]byte, 0, 1+32+len(extension))
	buf = append(buf, 0x06)
	buf = append(buf, unclesHash[:]...)
	buf = append(buf, extension...)
	return sha3_256(buf)
}

func merkleRootTagged(ids [][32]byte, leafTag byte, nodeTag byte) ([32]byte, error) {
	var zero [32]byte
	if len(ids) == 0 {
		return zero, txerr(TX_ERR_PARSE, "merkle: empty id list")
	}

	level := make([][32]byte, 0, len(ids))
	var leafPreimage [1 + 32]byte
	leafPreimage[0] = leafTag
	for _, id := range ids {
		copy(leafPreimage[1:], id[:])
		level = append(level, sha3_256(leafPreimage[:]))
	}

	var nodePreimage [1 + 32 + 32]byte
	nodePreimage[0] = nodeTag
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); {
			if i == len(level)-1 {
				// Odd promotion rule: carry forward unchanged.
				next = append(next, level[i])
				i++
				continue
			}
			copy(nodePreimage[1:33], level[i][:])
			copy(nodePreimage[33:], level[i+1][:])
			next = append(next, sha3_256(nodePreimage[:]))
			i += 2
		}
		level = next
	}

	return level[0], nil
}
