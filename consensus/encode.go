package consensus

// Wire serialization for the Cell/Capacity data model. Layout mirrors the
// teacher's CompactSize-length-prefixed, little-endian field order; see
// wire.go/wire_write.go/compactsize_write.go for the shared primitives.

func ScriptBytes(s Script) []byte {
	out := make([]byte, 0, 32+1+9+len(s.Args))
	out = append(out, s.CodeHash[:]...)
	out = append(out, s.HashType)
	out = AppendCompactSize(out, uint64(len(s.Args)))
	out = append(out, s.Args...)
	return out
}

func OutPointBytes(o OutPoint) []byte {
	out := make([]byte, 0, 36)
	out = append(out, o.TxHash[:]...)
	out = AppendU32le(out, o.Index)
	return out
}

func CellInputBytes(in CellInput) []byte {
	out := make([]byte, 0, 36+8)
	out = append(out, OutPointBytes(in.PreviousOutput)...)
	out = AppendU64le(out, in.Since)
	return out
}

func CellOutputBytes(o CellOutput) []byte {
	out := make([]byte, 0, 8+64)
	out = AppendU64le(out, o.Capacity)
	out = append(out, ScriptBytes(o.Lock)...)
	if o.Type != nil {
		out = append(out, 1)
		out = append(out, ScriptBytes(*o.Type)...)
	} else {
		out = append(out, 0)
	}
	return out
}

func CellDepBytes(d CellDep) []byte {
	out := make([]byte, 0, 37)
	out = append(out, OutPointBytes(d.OutPoint)...)
	out = append(out, d.Kind)
	return out
}

// TransactionHashBytes serializes everything except witnesses; the witness
// section is excluded from the hash used to identify the transaction and
// its proposal short id, matching segwit-style txid/wtxid separation.
func TransactionHashBytes(tx *Transaction) []byte {
	out := make([]byte, 0, 64)
	out = AppendU32le(out, tx.Version)

	out = AppendCompactSize(out, uint64(len(tx.CellDeps)))
	for _, d := range tx.CellDeps {
		out = append(out, CellDepBytes(d)...)
	}

	out = AppendCompactSize(out, uint64(len(tx.HeaderDeps)))
	for _, h := range tx.HeaderDeps {
		out = append(out, h[:]...)
	}

	out = AppendCompactSize(out, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		out = append(out, CellInputBytes(in)...)
	}

	out = AppendCompactSize(out, uint64(len(tx.Outputs)))
	for _, o := range tx.Outputs {
		out = append(out, CellOutputBytes(o)...)
	}

	out = AppendCompactSize(out, uint64(len(tx.OutputData)))
	for _, d := range tx.OutputData {
		out = AppendCompactSize(out, uint64(len(d)))
		out = append(out, d...)
	}
	return out
}

func TransactionWitnessBytes(tx *Transaction) []byte {
	out := make([]byte, 0, 9)
	out = AppendCompactSize(out, uint64(len(tx.Witnesses)))
	for _, w := range tx.Witnesses {
		out = AppendCompactSize(out, uint64(len(w)))
		out = append(out, w...)
	}
	return out
}

func TransactionBytes(tx *Transaction) []byte {
	out := TransactionHashBytes(tx)
	out = append(out, TransactionWitnessBytes(tx)...)
	return out
}

// TxHash is the transaction identifier: the hash of its fields excluding
// witnesses, so witness malleation never changes the txid or the proposal
// short id derived from it.
func TxHash(tx *Transaction) [32]byte {
	return sha3_256(TransactionHashBytes(tx))
}

// TxWitnessHash additionally commits to the witness section; used for the
// block's transactions_root alongside TxHash, matching the teacher's
// txid/wtxid Merkle pairing (merkle.go).
func TxWitnessHash(tx *Transaction) [32]byte {
	out := TransactionHashBytes(tx)
	out = append(out, TransactionWitnessBytes(tx)...)
	return sha3_256(out)
}

// HeaderBytes serializes a Header. Nonce is the final 16 bytes so that
// mining can repeatedly rewrite only the tail of a fixed prefix.
func HeaderBytes(h Header) []byte {
	out := make([]byte, 0, HeaderBytesLen)
	out = AppendU32le(out, h.Version)
	out = AppendU32le(out, h.CompactTarget)
	out = AppendU64le(out, h.Timestamp)
	out = AppendU64le(out, h.Number)
	out = AppendU64le(out, h.Epoch)
	out = append(out, h.ParentHash[:]...)
	out = append(out, h.TransactionsRoot[:]...)
	out = append(out, h.ProposalsHash[:]...)
	out = append(out, h.ExtraHash[:]...)
	out = append(out, h.DAO[:]...)
	out = append(out, h.Nonce[:]...)
	return out
}

const HeaderBytesLen = 4 + 4 + 8 + 8 + 8 + 32*5 + 16

func HeaderHash(h Header) [32]byte {
	return sha3_256(HeaderBytes(h))
}

// HeaderHashFromBytes hashes an already-serialized header, for callers
// (e.g. node/blockstore.go) that store raw header bytes and only need to
// verify the hash they index by without reparsing into a Header.
func HeaderHashFromBytes(b []byte) [32]byte {
	return sha3_256(b)
}

func ProposalShortIDBytes(id ProposalShortID) []byte {
	return append([]byte(nil), id[:]...)
}

func UncleBlockBytes(u UncleBlock) []byte {
	out := make([]byte, 0, HeaderBytesLen+1+10*len(u.Proposals))
	out = append(out, HeaderBytes(u.Header)...)
	out = AppendCompactSize(out, uint64(len(u.Proposals)))
	for _, id := range u.Proposals {
		out = append(out, id[:]...)
	}
	return out
}

// BlockBytes serializes a full block: header, uncles, transactions (each
// length-prefixed so parsers can validate canonical encoding per-tx), and
// the proposal short id list.
func BlockBytes(b *Block) []byte {
	out := make([]byte, 0, HeaderBytesLen+256)
	out = append(out, HeaderBytes(b.Header)...)

	out = AppendCompactSize(out, uint64(len(b.Uncles)))
	for _, u := range b.Uncles {
		out = append(out, UncleBlockBytes(u)...)
	}

	out = AppendCompactSize(out, uint64(len(b.Transactions)))
	for i := range b.Transactions {
		txBytes := TransactionBytes(&b.Transactions[i])
		out = AppendCompactSize(out, uint64(len(txBytes)))
		out = append(out, txBytes...)
	}

	out = AppendCompactSize(out, uint64(len(b.Proposals)))
	for _, id := range b.Proposals {
		out = append(out, id[:]...)
	}
	return out
}
