package consensus

// Wire deserialization for the Cell/Capacity data model, the mirror image
// of encode.go. Uses the shared read primitives in wire_read.go and the
// CompactSize reader in compactsize.go.

func ParseScript(b []byte, off *int) (Script, error) {
	var s Script
	codeHash, err := readBytes(b, off, 32)
	if err != nil {
		return s, err
	}
	copy(s.CodeHash[:], codeHash)
	hashType, err := readU8(b, off)
	if err != nil {
		return s, err
	}
	s.HashType = hashType
	argsLen, _, err := readCompactSize(b, off)
	if err != nil {
		return s, err
	}
	args, err := readBytes(b, off, int(argsLen))
	if err != nil {
		return s, err
	}
	s.Args = append([]byte(nil), args...)
	return s, nil
}

func ParseOutPoint(b []byte, off *int) (OutPoint, error) {
	var o OutPoint
	txHash, err := readBytes(b, off, 32)
	if err != nil {
		return o, err
	}
	copy(o.TxHash[:], txHash)
	index, err := readU32le(b, off)
	if err != nil {
		return o, err
	}
	o.Index = index
	return o, nil
}

func ParseCellInput(b []byte, off *int) (CellInput, error) {
	var in CellInput
	prev, err := ParseOutPoint(b, off)
	if err != nil {
		return in, err
	}
	since, err := readU64le(b, off)
	if err != nil {
		return in, err
	}
	in.PreviousOutput = prev
	in.Since = since
	return in, nil
}

func ParseCellOutput(b []byte, off *int) (CellOutput, error) {
	var o CellOutput
	capacity, err := readU64le(b, off)
	if err != nil {
		return o, err
	}
	lock, err := ParseScript(b, off)
	if err != nil {
		return o, err
	}
	hasType, err := readU8(b, off)
	if err != nil {
		return o, err
	}
	o.Capacity = capacity
	o.Lock = lock
	if hasType == 1 {
		t, err := ParseScript(b, off)
		if err != nil {
			return o, err
		}
		o.Type = &t
	} else if hasType != 0 {
		return o, txerr(TX_ERR_PARSE, "cell output: invalid has-type-script discriminant")
	}
	return o, nil
}

func ParseCellDep(b []byte, off *int) (CellDep, error) {
	var d CellDep
	op, err := ParseOutPoint(b, off)
	if err != nil {
		return d, err
	}
	kind, err := readU8(b, off)
	if err != nil {
		return d, err
	}
	if kind != CellDepKindCode && kind != CellDepKindDepGroup {
		return d, txerr(TX_ERR_PARSE, "cell dep: invalid kind")
	}
	d.OutPoint = op
	d.Kind = kind
	return d, nil
}

// ParseTransaction reads a transaction including its witness section, and
// also returns the number of bytes consumed so callers can validate that
// encoded input was canonical (no trailing garbage).
func ParseTransaction(b []byte) (Transaction, int, error) {
	var tx Transaction
	off := 0

	version, err := readU32le(b, &off)
	if err != nil {
		return tx, 0, err
	}
	tx.Version = version

	depCount, _, err := readCompactSize(b, &off)
	if err != nil {
		return tx, 0, err
	}
	tx.CellDeps = make([]CellDep, 0, depCount)
	for i := uint64(0); i < depCount; i++ {
		d, err := ParseCellDep(b, &off)
		if err != nil {
			return tx, 0, err
		}
		tx.CellDeps = append(tx.CellDeps, d)
	}

	headerDepCount, _, err := readCompactSize(b, &off)
	if err != nil {
		return tx, 0, err
	}
	tx.HeaderDeps = make([][32]byte, 0, headerDepCount)
	for i := uint64(0); i < headerDepCount; i++ {
		h, err := readBytes(b, &off, 32)
		if err != nil {
			return tx, 0, err
		}
		var hh [32]byte
		copy(hh[:], h)
		tx.HeaderDeps = append(tx.HeaderDeps, hh)
	}

	inputCount, _, err := readCompactSize(b, &off)
	if err != nil {
		return tx, 0, err
	}
	tx.Inputs = make([]CellInput, 0, inputCount)
	for i := uint64(0); i < inputCount; i++ {
		in, err := ParseCellInput(b, &off)
		if err != nil {
			return tx, 0, err
		}
		tx.Inputs = append(tx.Inputs, in)
	}

	outputCount, _, err := readCompactSize(b, &off)
	if err != nil {
		return tx, 0, err
	}
	tx.Outputs = make([]CellOutput, 0, outputCount)
	for i := uint64(0); i < outputCount; i++ {
		o, err := ParseCellOutput(b, &off)
		if err != nil {
			return tx, 0, err
		}
		tx.Outputs = append(tx.Outputs, o)
	}

	dataCount, _, err := readCompactSize(b, &off)
	if err != nil {
		return tx, 0, err
	}
	tx.OutputData = make([][]byte, 0, dataCount)
	for i := uint64(0); i < dataCount; i++ {
		n, _, err := readCompactSize(b, &off)
		if err != nil {
			return tx, 0, err
		}
		d, err := readBytes(b, &off, int(n))
		if err != nil {
			return tx, 0, err
		}
		tx.OutputData = append(tx.OutputData, append([]byte(nil), d...))
	}
	if len(tx.OutputData) != len(tx.Outputs) {
		return tx, 0, txerr(TX_ERR_PARSE, "transaction: output_data count does not match outputs")
	}

	witnessCount, _, err := readCompactSize(b, &off)
	if err != nil {
		return tx, 0, err
	}
	tx.Witnesses = make([][]byte, 0, witnessCount)
	for i := uint64(0); i < witnessCount; i++ {
		n, _, err := readCompactSize(b, &off)
		if err != nil {
			return tx, 0, err
		}
		w, err := readBytes(b, &off, int(n))
		if err != nil {
			return tx, 0, err
		}
		tx.Witnesses = append(tx.Witnesses, append([]byte(nil), w...))
	}

	return tx, off, nil
}

func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) != HeaderBytesLen {
		return h, txerr(TX_ERR_PARSE, "header: invalid length")
	}
	off := 0
	var err error
	if h.Version, err = readU32le(b, &off); err != nil {
		return h, err
	}
	if h.CompactTarget, err = readU32le(b, &off); err != nil {
		return h, err
	}
	if h.Timestamp, err = readU64le(b, &off); err != nil {
		return h, err
	}
	if h.Number, err = readU64le(b, &off); err != nil {
		return h, err
	}
	if h.Epoch, err = readU64le(b, &off); err != nil {
		return h, err
	}
	fields := [][]byte{
		h.ParentHash[:], h.TransactionsRoot[:], h.ProposalsHash[:], h.ExtraHash[:], h.DAO[:],
	}
	for _, f := range fields {
		raw, err := readBytes(b, &off, 32)
		if err != nil {
			return h, err
		}
		copy(f, raw)
	}
	nonce, err := readBytes(b, &off, 16)
	if err != nil {
		return h, err
	}
	copy(h.Nonce[:], nonce)
	return h, nil
}

func parseProposalShortID(b []byte, off *int) (ProposalShortID, error) {
	var id ProposalShortID
	raw, err := readBytes(b, off, 10)
	if err != nil {
		return id, err
	}
	copy(id[:], raw)
	return id, nil
}

func parseUncleBlock(b []byte, off *int) (UncleBlock, error) {
	var u UncleBlock
	headerBytes, err := readBytes(b, off, HeaderBytesLen)
	if err != nil {
		return u, err
	}
	header, err := ParseHeader(headerBytes)
	if err != nil {
		return u, err
	}
	count, _, err := readCompactSize(b, off)
	if err != nil {
		return u, err
	}
	proposals := make([]ProposalShortID, 0, count)
	for i := uint64(0); i < count; i++ {
		id, err := parseProposalShortID(b, off)
		if err != nil {
			return u, err
		}
		proposals = append(proposals, id)
	}
	u.Header = header
	u.Proposals = proposals
	return u, nil
}

// ParseBlock decodes a full block: header, uncles, transactions, proposals.
// It returns the number of bytes consumed so a caller can reject trailing
// garbage, the way it rejects non-canonical transaction bytes.
func ParseBlock(b []byte) (Block, int, error) {
	var blk Block
	off := 0

	headerBytes, err := readBytes(b, &off, HeaderBytesLen)
	if err != nil {
		return blk, 0, err
	}
	header, err := ParseHeader(headerBytes)
	if err != nil {
		return blk, 0, err
	}
	blk.Header = header

	uncleCount, _, err := readCompactSize(b, &off)
	if err != nil {
		return blk, 0, err
	}
	blk.Uncles = make([]UncleBlock, 0, uncleCount)
	for i := uint64(0); i < uncleCount; i++ {
		u, err := parseUncleBlock(b, &off)
		if err != nil {
			return blk, 0, err
		}
		blk.Uncles = append(blk.Uncles, u)
	}

	txCount, _, err := readCompactSize(b, &off)
	if err != nil {
		return blk, 0, err
	}
	blk.Transactions = make([]Transaction, 0, txCount)
	for i := uint64(0); i < txCount; i++ {
		n, _, err := readCompactSize(b, &off)
		if err != nil {
			return blk, 0, err
		}
		raw, err := readBytes(b, &off, int(n))
		if err != nil {
			return blk, 0, err
		}
		tx, consumed, err := ParseTransaction(raw)
		if err != nil {
			return blk, 0, err
		}
		if consumed != len(raw) {
			return blk, 0, txerr(TX_ERR_PARSE, "block: non-canonical transaction bytes")
		}
		blk.Transactions = append(blk.Transactions, tx)
	}

	proposalCount, _, err := readCompactSize(b, &off)
	if err != nil {
		return blk, 0, err
	}
	blk.Proposals = make([]ProposalShortID, 0, proposalCount)
	for i := uint64(0); i < proposalCount; i++ {
		id, err := parseProposalShortID(b, &off)
		if err != nil {
			return blk, 0, err
		}
		blk.Proposals = append(blk.Proposals, id)
	}

	return blk, off, nil
}
