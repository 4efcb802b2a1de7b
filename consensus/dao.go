package consensus

import (
	"encoding/binary"
	"math/big"
)

// DAO time-value withdrawal mechanism (spec §4.3 supplement), grounded on
// original_source/util/dao/src/tests.rs. Each header carries a packed
// 32-byte field (C, AR, S, U): C is cumulative issued capacity, AR the
// accumulated rate (a Q-fixed-point ratio used to compute the time value of
// money between deposit and withdrawal), S cumulative secondary issuance,
// U cumulative occupied capacity. All four are little-endian uint64s.

type DaoField struct {
	C  uint64 // cumulative issuance (primary+secondary) up to and including this block
	AR uint64 // accumulated rate, Q-fixed-point shifted by InitialAccumulatedRateShift
	S  uint64 // cumulative secondary issuance
	U  uint64 // cumulative occupied capacity (bytes occupied across all live cells, charged a per-byte rate)
}

func PackDaoField(d DaoField) [32]byte {
	var out [32]byte
	binary.LittleEndian.PutUint64(out[0:8], d.C)
	binary.LittleEndian.PutUint64(out[8:16], d.AR)
	binary.LittleEndian.PutUint64(out[16:24], d.S)
	binary.LittleEndian.PutUint64(out[24:32], d.U)
	return out
}

func UnpackDaoField(raw [32]byte) DaoField {
	return DaoField{
		C:  binary.LittleEndian.Uint64(raw[0:8]),
		AR: binary.LittleEndian.Uint64(raw[8:16]),
		S:  binary.LittleEndian.Uint64(raw[16:24]),
		U:  binary.LittleEndian.Uint64(raw[24:32]),
	}
}

// NextDaoField advances the packed field by one block, given the new
// block's primary and secondary issuance and the net change in occupied
// capacity its transactions caused (newly occupied minus freed).
func NextDaoField(prev DaoField, primaryIssuance, secondaryIssuance uint64, occupiedDelta int64) (DaoField, error) {
	c, err := addUint64(prev.C, primaryIssuance)
	if err != nil {
		return DaoField{}, txerr(BLOCK_ERR_DAO_INVALID, "dao: C overflow")
	}
	c, err = addUint64(c, secondaryIssuance)
	if err != nil {
		return DaoField{}, txerr(BLOCK_ERR_DAO_INVALID, "dao: C overflow")
	}
	s, err := addUint64(prev.S, secondaryIssuance)
	if err != nil {
		return DaoField{}, txerr(BLOCK_ERR_DAO_INVALID, "dao: S overflow")
	}

	// AR accrues secondary issuance proportionally to total issued supply
	// at the end of the previous block: ar' = ar * (prev.C + secondary) / prev.C.
	// Genesis (prev.C == 0) starts AR at the unit value (1 << shift).
	var ar uint64
	if prev.C == 0 {
		ar = 1 << InitialAccumulatedRateShift
	} else {
		num := new(big.Int).Mul(big.NewInt(0).SetUint64(prev.AR), big.NewInt(0).SetUint64(prev.C+secondaryIssuance))
		num.Div(num, big.NewInt(0).SetUint64(prev.C))
		if !num.IsUint64() {
			return DaoField{}, txerr(BLOCK_ERR_DAO_INVALID, "dao: AR overflow")
		}
		ar = num.Uint64()
	}

	var u uint64
	if occupiedDelta >= 0 {
		u, err = addUint64(prev.U, uint64(occupiedDelta))
	} else {
		u, err = subUint64(prev.U, uint64(-occupiedDelta))
	}
	if err != nil {
		return DaoField{}, txerr(BLOCK_ERR_DAO_INVALID, "dao: U underflow/overflow")
	}

	return DaoField{C: c, AR: ar, S: s, U: u}, nil
}

// DaoWithdrawalCapacity computes the capacity payable when withdrawing a
// deposit made under depositAR against the current withdrawal-time
// withdrawAR: the deposit earns time value proportional to the rise in the
// accumulated rate between deposit and withdrawal (spec §4.3). The
// deposit's occupied capacity is excluded from the interest calculation
// since it never left the depositor's control.
func DaoWithdrawalCapacity(depositCapacity, occupiedCapacity, depositAR, withdrawAR uint64) (uint64, error) {
	if depositAR == 0 {
		return 0, txerr(BLOCK_ERR_DAO_INVALID, "dao: deposit AR is zero")
	}
	if depositCapacity < occupiedCapacity {
		return 0, txerr(BLOCK_ERR_DAO_INVALID, "dao: deposit capacity below occupied capacity")
	}
	countedCapacity := depositCapacity - occupiedCapacity

	interest := new(big.Int).Mul(big.NewInt(0).SetUint64(countedCapacity), big.NewInt(0).SetUint64(withdrawAR))
	interest.Div(interest, big.NewInt(0).SetUint64(depositAR))
	if !interest.IsUint64() {
		return 0, txerr(BLOCK_ERR_DAO_INVALID, "dao: interest overflow")
	}

	total, err := addUint64(occupiedCapacity, interest.Uint64())
	if err != nil {
		return 0, txerr(BLOCK_ERR_DAO_INVALID, "dao: withdrawal capacity overflow")
	}
	return total, nil
}
