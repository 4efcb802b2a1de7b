package consensus

// Core chain data model: cells, scripts, headers and blocks.
//
// A Cell is the atomic unit of state. It carries capacity (the CKB-style
// token amount, denominated in shannon, 1 CKB = 10^8 shannon), a lock
// script that gates who may consume it, an optional type script that gates
// what it may become, and opaque output data. A Transaction consumes cells
// referenced by OutPoint and produces new ones.

// OutPoint identifies a single cell: the transaction that created it and
// its output index.
type OutPoint struct {
	TxHash [32]byte
	Index  uint32
}

// Script is an opaque lock/type predicate: a code hash plus a hash-type
// discriminant (how CodeHash resolves to executable code) plus arguments.
// Script execution itself is an external collaborator (spec §1); core only
// ever hashes, compares and serializes scripts.
type Script struct {
	CodeHash [32]byte
	HashType uint8
	Args     []byte
}

const (
	HashTypeData  uint8 = 0x00 // CodeHash is the blake3/sha3 hash of a data cell's contents
	HashTypeType  uint8 = 0x01 // CodeHash is the hash of another cell's type script
	HashTypeData1 uint8 = 0x02 // data hash type, version 1 (vm upgrade path)
)

// CellOutput is a transaction output: capacity plus the two scripts that
// govern consumption and type-preservation.
type CellOutput struct {
	Capacity uint64 // shannon
	Lock     Script
	Type     *Script // nil when the cell carries no type script
}

// CellInput references a prior output and the relative/absolute time lock
// under which it may be consumed.
type CellInput struct {
	PreviousOutput OutPoint
	Since          uint64
}

// CellDepKindCode marks a CellDep as a direct reference; CellDepKindDepGroup
// marks it as a dep-group cell whose output_data is itself a list of
// OutPoints to be expanded at resolution time (spec §2 cell_deps).
const (
	CellDepKindCode     uint8 = 0x00
	CellDepKindDepGroup uint8 = 0x01
)

type CellDep struct {
	OutPoint OutPoint
	Kind     uint8
}

// Transaction is the two-phase-commit unit: proposed by short id in one
// block, committed by full body in a later block within the proposal
// window.
type Transaction struct {
	Version    uint32
	CellDeps   []CellDep
	HeaderDeps [][32]byte
	Inputs     []CellInput
	Outputs    []CellOutput
	OutputData [][]byte // parallel to Outputs; len must match
	Witnesses  [][]byte
}

// ProposalShortID is the 10-byte truncated tx hash used during the
// propose phase (spec §2).
type ProposalShortID [10]byte

func NewProposalShortID(txHash [32]byte) ProposalShortID {
	var id ProposalShortID
	copy(id[:], txHash[:10])
	return id
}

// Header is a CKB-style block header. Epoch is packed as
// (length << 48 | index << 32 | number), with a 32-bit number and 16-bit
// index and length, matching the packed epoch field described in spec
// §2/§9's epoch-field encoding note.
type Header struct {
	Version         uint32
	CompactTarget   uint32
	Timestamp       uint64 // milliseconds since unix epoch
	Number          uint64
	Epoch           uint64 // packed epoch number/index/length
	ParentHash      [32]byte
	TransactionsRoot [32]byte
	ProposalsHash   [32]byte
	ExtraHash       [32]byte
	DAO             [32]byte // packed (C, AR, S, U) issuance/accumulated-rate field, see PackDaoField
	Nonce           [16]byte
}

// UncleBlock carries an uncle's header plus its proposal set; uncle bodies
// are never independently committed (spec §4.7).
type UncleBlock struct {
	Header    Header
	Proposals []ProposalShortID
}

type Block struct {
	Header       Header
	Uncles       []UncleBlock
	Transactions []Transaction
	Proposals    []ProposalShortID
}

// EpochNumber/Length/Index unpack the packed Header.Epoch field.
func EpochNumber(packed uint64) uint64 { return packed & 0xFFFFFFFF }
func EpochIndex(packed uint64) uint64  { return (packed >> 32) & 0xFFFF }
func EpochLength(packed uint64) uint64 { return (packed >> 48) & 0xFFFF }

func PackEpoch(number, index, length uint64) uint64 {
	return (number & 0xFFFFFFFF) | ((index & 0xFFFF) << 32) | ((length & 0xFFFF) << 48)
}

// IsCellbase reports whether tx is the block's cellbase (the coinbase
// equivalent): first transaction, single input pointing at the zero
// outpoint with Since equal to the block number.
func IsCellbase(tx *Transaction, blockNumber uint64) bool {
	if tx == nil || len(tx.Inputs) != 1 || len(tx.HeaderDeps) != 0 || len(tx.CellDeps) != 0 {
		return false
	}
	in := tx.Inputs[0]
	return in.PreviousOutput.TxHash == ([32]byte{}) &&
		in.PreviousOutput.Index == ^uint32(0) &&
		in.Since == blockNumber
}

func (o OutPoint) IsNull() bool {
	return o.TxHash == ([32]byte{}) && o.Index == ^uint32(0)
}
