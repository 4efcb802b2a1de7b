package store

import (
	"rubin.dev/node/consensus"

	bolt "go.etcd.io/bbolt"
)

func (d *DB) GetHeader(hash [32]byte) (*consensus.Header, bool, error) {
	var out *consensus.Header
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeaders).Get(hash[:])
		if v == nil {
			return nil
		}
		h, err := consensus.ParseHeader(v)
		if err != nil {
			return err
		}
		out = &h
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		return nil, false, nil
	}
	return out, true, nil
}

// LoadCellSet loads the entire live-cell set (cell_data column) into
// memory, the same shape node.ChainState keeps in its in-process cache.
// Devnet-scale only: a production node would page this rather than load
// it whole, but nothing in this repo yet needs that.
func (d *DB) LoadCellSet() (map[consensus.OutPoint]CellRecord, error) {
	cells := make(map[consensus.OutPoint]CellRecord)
	err := d.db.View(func(tx *bolt.Tx) error {
		bu := tx.Bucket(bucketUtxo)
		return bu.ForEach(func(k, v []byte) error {
			p, err := decodeOutpointKey(k)
			if err != nil {
				return err
			}
			r, err := decodeCellRecord(v)
			if err != nil {
				return err
			}
			cells[p] = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return cells, nil
}
