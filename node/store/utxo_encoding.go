package store

import (
	"encoding/binary"
	"fmt"

	"rubin.dev/node/consensus"
)

// CellRecord is the cell_data column's value: a live cell's output, its
// output data, and the provenance fields (creation height, cellbase
// origin) the DAO/since rules need without replaying history.
type CellRecord struct {
	Output            consensus.CellOutput
	OutputData        []byte
	CreationHeight    uint64
	CreatedByCellbase bool
}

func encodeOutpointKey(p consensus.OutPoint) []byte {
	// tx_hash(32) || index(u32 little-endian)
	out := make([]byte, 32+4)
	copy(out[0:32], p.TxHash[:])
	binary.LittleEndian.PutUint32(out[32:36], p.Index)
	return out
}

func decodeOutpointKey(b []byte) (consensus.OutPoint, error) {
	if len(b) != 36 {
		return consensus.OutPoint{}, fmt.Errorf("outpoint: expected 36 bytes, got %d", len(b))
	}
	var txHash [32]byte
	copy(txHash[:], b[0:32])
	index := binary.LittleEndian.Uint32(b[32:36])
	return consensus.OutPoint{TxHash: txHash, Index: index}, nil
}

// encodeCellRecord lays out: cell_output (consensus.CellOutputBytes, already
// length-prefixed internally) | output_data_len CompactSize | output_data |
// creation_height u64le | created_by_cellbase u8. The output encoding is
// the same wire format consensus uses, so a stored cell's bytes are
// byte-identical to what a block's serialized output would contain.
func encodeCellRecord(r CellRecord) ([]byte, error) {
	if len(r.OutputData) > 0xffff_ffff {
		return nil, fmt.Errorf("cell: output_data too large")
	}
	outBytes := consensus.CellOutputBytes(r.Output)
	out := make([]byte, 0, len(outBytes)+5+len(r.OutputData)+9)
	out = consensus.AppendCompactSize(out, uint64(len(outBytes)))
	out = append(out, outBytes...)
	out = consensus.AppendCompactSize(out, uint64(len(r.OutputData)))
	out = append(out, r.OutputData...)
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], r.CreationHeight)
	out = append(out, tmp8[:]...)
	if r.CreatedByCellbase {
		out = append(out, 0x01)
	} else {
		out = append(out, 0x00)
	}
	return out, nil
}

func decodeCellRecord(b []byte) (CellRecord, error) {
	off := 0
	outLen, n, err := consensus.DecodeCompactSize(b[off:])
	if err != nil {
		return CellRecord{}, fmt.Errorf("cell: output_len: %w", err)
	}
	off += n
	if off+int(outLen) > len(b) {
		return CellRecord{}, fmt.Errorf("cell: truncated output")
	}
	output, err := consensus.ParseCellOutput(b[off:off+int(outLen)], new(int))
	if err != nil {
		return CellRecord{}, fmt.Errorf("cell: parse output: %w", err)
	}
	off += int(outLen)

	dataLen, n, err := consensus.DecodeCompactSize(b[off:])
	if err != nil {
		return CellRecord{}, fmt.Errorf("cell: output_data_len: %w", err)
	}
	off += n
	if off+int(dataLen)+8+1 != len(b) {
		return CellRecord{}, fmt.Errorf("cell: bad output_data_len")
	}
	data := append([]byte(nil), b[off:off+int(dataLen)]...)
	off += int(dataLen)
	creationHeight := binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	createdByCellbase := b[off] == 1

	return CellRecord{
		Output:            output,
		OutputData:        data,
		CreationHeight:    creationHeight,
		CreatedByCellbase: createdByCellbase,
	}, nil
}
