package node

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rubin.dev/node/consensus"
)

const (
	chainStateDiskVersion = 1
	chainStateFileName    = "chainstate.json"
)

// ChainState is the live-cell set: every cell produced by the canonical
// chain and not yet consumed, keyed by OutPoint, plus the DAO accumulator
// needed to compute withdrawal interest (consensus/dao.go) without
// replaying history.
type ChainState struct {
	HasTip  bool
	Height  uint64
	TipHash [32]byte
	Dao     consensus.DaoField
	Cells   map[consensus.OutPoint]LiveCell
}

// LiveCell is a cell's output plus enough provenance to verify maturity
// (since-rules) and cellbase-only spending restrictions against it later.
type LiveCell struct {
	Output            consensus.CellOutput
	OutputData        []byte
	CreatedHeight     uint64
	CreatedByCellbase bool
}

type ChainStateConnectSummary struct {
	BlockHeight uint64
	BlockHash   [32]byte
	SumFees     uint64
	CellCount   uint64
	Dao         consensus.DaoField
	// TxFees is one entry per non-cellbase transaction, in block order:
	// inputCapacity-outputCapacity for that transaction. The ingestion
	// pipeline (node/sync.go) uses it to split each committed tx's fee
	// between its proposer and the block's miner (consensus/reward.go).
	TxFees []uint64
}

type chainStateDisk struct {
	Version uint32          `json:"version"`
	HasTip  bool            `json:"has_tip"`
	Height  uint64          `json:"height"`
	TipHash string          `json:"tip_hash"`
	Dao     daoDiskEntry    `json:"dao"`
	Cells   []cellDiskEntry `json:"cells"`
}

type daoDiskEntry struct {
	C  uint64 `json:"c"`
	AR uint64 `json:"ar"`
	S  uint64 `json:"s"`
	U  uint64 `json:"u"`
}

type cellDiskEntry struct {
	TxHash            string `json:"tx_hash"`
	Index             uint32 `json:"index"`
	Capacity          uint64 `json:"capacity"`
	LockCodeHash      string `json:"lock_code_hash"`
	LockHashType      uint8  `json:"lock_hash_type"`
	LockArgs          string `json:"lock_args"`
	HasType           bool   `json:"has_type"`
	TypeCodeHash      string `json:"type_code_hash"`
	TypeHashType      uint8  `json:"type_hash_type"`
	TypeArgs          string `json:"type_args"`
	OutputData        string `json:"output_data"`
	CreatedHeight     uint64 `json:"created_height"`
	CreatedByCellbase bool   `json:"created_by_cellbase"`
}

func NewChainState() *ChainState {
	return &ChainState{
		Cells: make(map[consensus.OutPoint]LiveCell),
	}
}

func ChainStatePath(dataDir string) string {
	return filepath.Join(dataDir, chainStateFileName)
}

func LoadChainState(path string) (*ChainState, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewChainState(), nil
	}
	if err != nil {
		return nil, err
	}
	var disk chainStateDisk
	if err := json.Unmarshal(raw, &disk); err != nil {
		return nil, fmt.Errorf("decode chainstate: %w", err)
	}
	return chainStateFromDisk(disk)
}

func (s *ChainState) Save(path string) error {
	if s == nil {
		return errors.New("nil chainstate")
	}
	disk, err := stateToDisk(s)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return fmt.Errorf("encode chainstate: %w", err)
	}
	raw = append(raw, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return writeFileAtomic(path, raw, 0o600)
}

// ApplyBlock advances the live-cell set and DAO accumulator by one block:
// every input's previous output is removed, every output becomes a new
// live cell, and the DAO field is rolled forward by the block's issuance
// and net occupied-capacity delta. The caller is responsible for having
// already run consensus.ValidateBlockStructure and the contextual/
// consensus-level checks (epoch target, reward, two-phase commit) before
// calling this: ApplyBlock only performs the state transition itself.
func (s *ChainState) ApplyBlock(b *consensus.Block, primaryIssuance, secondaryIssuance uint64) (*ChainStateConnectSummary, error) {
	if s == nil {
		return nil, errors.New("nil chainstate")
	}
	if s.Cells == nil {
		s.Cells = make(map[consensus.OutPoint]LiveCell)
	}
	blockHeight := b.Header.Number
	if s.HasTip {
		if blockHeight != s.Height+1 {
			return nil, fmt.Errorf("height gap: block %d, expected %d", blockHeight, s.Height+1)
		}
		if b.Header.ParentHash != s.TipHash {
			return nil, errors.New("parent_hash does not match current tip")
		}
	} else if blockHeight != 0 {
		return nil, fmt.Errorf("first connected block must be genesis (0), got %d", blockHeight)
	}

	var sumFees uint64
	var occupiedDelta int64
	txFees := make([]uint64, 0, len(b.Transactions))

	for i, tx := range b.Transactions {
		txHash := consensus.TxHash(&tx)
		isCellbase := i == 0

		var inputCapacity uint64
		if !isCellbase {
			for _, in := range tx.Inputs {
				cell, ok := s.Cells[in.PreviousOutput]
				if !ok {
					return nil, fmt.Errorf("missing input cell %x:%d", in.PreviousOutput.TxHash, in.PreviousOutput.Index)
				}
				delete(s.Cells, in.PreviousOutput)
				inputCapacity += cell.Output.Capacity
				occupiedDelta -= cellOccupiedBytes(cell.Output, cell.OutputData)
			}
		}

		var outputCapacity uint64
		for idx, out := range tx.Outputs {
			op := consensus.OutPoint{TxHash: txHash, Index: uint32(idx)}
			data := tx.OutputData[idx]
			s.Cells[op] = LiveCell{
				Output:            out,
				OutputData:        data,
				CreatedHeight:     blockHeight,
				CreatedByCellbase: isCellbase,
			}
			outputCapacity += out.Capacity
			occupiedDelta += cellOccupiedBytes(out, data)
		}

		if !isCellbase {
			if outputCapacity > inputCapacity {
				return nil, fmt.Errorf("tx %x: outputs exceed inputs", txHash)
			}
			fee := inputCapacity - outputCapacity
			sumFees += fee
			txFees = append(txFees, fee)
		}
	}

	nextDao, err := consensus.NextDaoField(s.Dao, primaryIssuance, secondaryIssuance, occupiedDelta)
	if err != nil {
		return nil, err
	}

	s.HasTip = true
	s.Height = blockHeight
	s.TipHash = consensus.HeaderHash(b.Header)
	s.Dao = nextDao

	return &ChainStateConnectSummary{
		BlockHeight: blockHeight,
		BlockHash:   s.TipHash,
		SumFees:     sumFees,
		CellCount:   uint64(len(s.Cells)),
		Dao:         nextDao,
		TxFees:      txFees,
	}, nil
}

// cellOccupiedBytes approximates the cell's contribution to Header.DAO's
// occupied-capacity counter: capacity field plus lock/type script storage
// plus output data, the quantities the DAO excludes from withdrawal
// interest (spec §4.3 supplement, consensus/dao.go).
func cellOccupiedBytes(out consensus.CellOutput, data []byte) int64 {
	n := 8 + 32 + 1 + len(out.Lock.Args) + len(data)
	if out.Type != nil {
		n += 32 + 1 + len(out.Type.Args)
	}
	return int64(n)
}

func stateToDisk(s *ChainState) (chainStateDisk, error) {
	if s == nil {
		return chainStateDisk{}, errors.New("nil chainstate")
	}
	cells := make([]cellDiskEntry, 0, len(s.Cells))
	for op, cell := range s.Cells {
		entry := cellDiskEntry{
			TxHash:            hex.EncodeToString(op.TxHash[:]),
			Index:             op.Index,
			Capacity:          cell.Output.Capacity,
			LockCodeHash:      hex.EncodeToString(cell.Output.Lock.CodeHash[:]),
			LockHashType:      cell.Output.Lock.HashType,
			LockArgs:          hex.EncodeToString(cell.Output.Lock.Args),
			OutputData:        hex.EncodeToString(cell.OutputData),
			CreatedHeight:     cell.CreatedHeight,
			CreatedByCellbase: cell.CreatedByCellbase,
		}
		if cell.Output.Type != nil {
			entry.HasType = true
			entry.TypeCodeHash = hex.EncodeToString(cell.Output.Type.CodeHash[:])
			entry.TypeHashType = cell.Output.Type.HashType
			entry.TypeArgs = hex.EncodeToString(cell.Output.Type.Args)
		}
		cells = append(cells, entry)
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].TxHash != cells[j].TxHash {
			return cells[i].TxHash < cells[j].TxHash
		}
		return cells[i].Index < cells[j].Index
	})

	return chainStateDisk{
		Version: chainStateDiskVersion,
		HasTip:  s.HasTip,
		Height:  s.Height,
		TipHash: hex.EncodeToString(s.TipHash[:]),
		Dao:     daoDiskEntry{C: s.Dao.C, AR: s.Dao.AR, S: s.Dao.S, U: s.Dao.U},
		Cells:   cells,
	}, nil
}

func chainStateFromDisk(disk chainStateDisk) (*ChainState, error) {
	if disk.Version != chainStateDiskVersion {
		return nil, fmt.Errorf("unsupported chainstate version: %d", disk.Version)
	}

	tipHash, err := parseHex32("tip_hash", disk.TipHash)
	if err != nil {
		return nil, err
	}

	cells := make(map[consensus.OutPoint]LiveCell, len(disk.Cells))
	for _, item := range disk.Cells {
		txHash, err := parseHex32("cell.tx_hash", item.TxHash)
		if err != nil {
			return nil, err
		}
		lockCodeHash, err := parseHex32("cell.lock_code_hash", item.LockCodeHash)
		if err != nil {
			return nil, err
		}
		lockArgs, err := parseHex("cell.lock_args", item.LockArgs)
		if err != nil {
			return nil, err
		}
		outputData, err := parseHex("cell.output_data", item.OutputData)
		if err != nil {
			return nil, err
		}

		out := consensus.CellOutput{
			Capacity: item.Capacity,
			Lock:     consensus.Script{CodeHash: lockCodeHash, HashType: item.LockHashType, Args: lockArgs},
		}
		if item.HasType {
			typeCodeHash, err := parseHex32("cell.type_code_hash", item.TypeCodeHash)
			if err != nil {
				return nil, err
			}
			typeArgs, err := parseHex("cell.type_args", item.TypeArgs)
			if err != nil {
				return nil, err
			}
			out.Type = &consensus.Script{CodeHash: typeCodeHash, HashType: item.TypeHashType, Args: typeArgs}
		}

		op := consensus.OutPoint{TxHash: txHash, Index: item.Index}
		if _, exists := cells[op]; exists {
			return nil, fmt.Errorf("duplicate cell outpoint: %s:%d", item.TxHash, item.Index)
		}
		cells[op] = LiveCell{
			Output:            out,
			OutputData:        outputData,
			CreatedHeight:     item.CreatedHeight,
			CreatedByCellbase: item.CreatedByCellbase,
		}
	}

	return &ChainState{
		HasTip:  disk.HasTip,
		Height:  disk.Height,
		TipHash: tipHash,
		Dao:     consensus.DaoField{C: disk.Dao.C, AR: disk.Dao.AR, S: disk.Dao.S, U: disk.Dao.U},
		Cells:   cells,
	}, nil
}

func parseHex(name, value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if len(trimmed)%2 != 0 {
		return nil, fmt.Errorf("%s: odd-length hex", name)
	}
	out, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func parseHex32(name, value string) ([32]byte, error) {
	var out [32]byte
	raw, err := parseHex(name, value)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("%s: expected 32 bytes, got %d", name, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
