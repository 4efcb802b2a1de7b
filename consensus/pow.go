package consensus

import (
	"bytes"
	"math/big"
)

// PowCheck verifies integer(header_hash, be) < integer(target, be), where
// target is expanded from the header's compact_target. The variable-length
// epoch/difficulty controller that produces compact_target lives in
// epoch.go; this function only checks the proof itself.
func PowCheck(h Header) error {
	target, err := ExpandCompactTarget(h.CompactTarget)
	if err != nil {
		return err
	}
	hash := HeaderHash(h)
	if bytes.Compare(hash[:], target[:]) >= 0 {
		return txerr(BLOCK_ERR_POW_INVALID, "pow invalid")
	}
	return nil
}

func bigIntToBytes32(x *big.Int) ([32]byte, error) {
	var out [32]byte
	if x.Sign() < 0 {
		return out, txerr(TX_ERR_PARSE, "u256: negative")
	}
	b := x.Bytes() // big-endian without leading zeros
	if len(b) > 32 {
		return out, txerr(TX_ERR_PARSE, "u256: overflow")
	}
	copy(out[32-len(b):], b)
	return out, nil
}

// ExpandCompactTarget unpacks the Bitcoin-style nBits encoding: the high
// byte is an exponent, the low three bytes a mantissa; target = mantissa *
// 256^(exponent-3). Used for PoW bound checks and for epoch.go's
// difficulty math, both of which operate on the expanded 32-byte target.
func ExpandCompactTarget(compact uint32) ([32]byte, error) {
	exponent := compact >> 24
	mantissa := compact & 0x007fffff
	negative := compact&0x00800000 != 0

	var out [32]byte
	if negative || mantissa == 0 {
		return out, txerr(BLOCK_ERR_TARGET_INVALID, "compact target: negative or zero mantissa")
	}

	m := big.NewInt(int64(mantissa))
	var target *big.Int
	if exponent <= 3 {
		target = new(big.Int).Rsh(m, uint(8*(3-exponent)))
	} else {
		target = new(big.Int).Lsh(m, uint(8*(exponent-3)))
	}
	if target.BitLen() > 256 {
		return out, txerr(BLOCK_ERR_TARGET_INVALID, "compact target: overflow")
	}
	return bigIntToBytes32(target)
}

// CompactFromTarget packs a 32-byte target into the compact (nBits)
// representation, truncating to the three most significant bytes the way
// Bitcoin's GetCompact does: strip leading zero bytes, keep three mantissa
// bytes, renormalize if the top mantissa bit would be misread as the sign.
func CompactFromTarget(target [32]byte) uint32 {
	raw := bytes.TrimLeft(target[:], "\x00")
	size := uint32(len(raw))
	var mantissa uint32
	switch {
	case size == 0:
		return 0
	case size <= 3:
		var padded [3]byte
		copy(padded[:], raw)
		mantissa = uint32(padded[0])<<16 | uint32(padded[1])<<8 | uint32(padded[2])
	default:
		mantissa = uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2])
	}
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		size++
	}
	return mantissa | (size << 24)
}
