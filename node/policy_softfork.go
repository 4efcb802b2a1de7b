package node

import (
	"fmt"

	"rubin.dev/node/consensus"
)

// DeploymentLookup answers whether a given code hash is gated behind a
// soft-fork deployment, and if so, what state that deployment is in as of
// a given epoch. Mempool/miner admission uses this to reject transactions
// that use not-yet-ACTIVE script features before consensus would, the way
// a node avoids relaying or mining transactions that could be reorged out
// once the deployment times out.
type DeploymentLookup interface {
	LookupScriptDeployment(codeHash [32]byte, epoch uint64) (state consensus.DeploymentState, gated bool, err error)
}

func scriptGatedAndInactive(s consensus.Script, epoch uint64, lookup DeploymentLookup) (bool, error) {
	if lookup == nil {
		return false, nil
	}
	state, gated, err := lookup.LookupScriptDeployment(s.CodeHash, epoch)
	if err != nil {
		return false, err
	}
	if !gated {
		return false, nil
	}
	return state != consensus.DeploymentActive, nil
}

// RejectTxForInactiveDeployment implements a non-consensus policy
// guardrail: it returns reject=true if tx creates or spends a cell whose
// lock or type script is gated behind a deployment that has not reached
// ACTIVE as of epoch. If lookup is nil, every script is treated as
// ungated. If a lookup errors, it returns reject=true together with that
// error.
//
// This is a wallet/mempool/miner admission policy, mitigating exposure to
// a not-yet-locked-in script semantics changing underneath a transaction
// already broadcast. Block validation (node/sync.go) does not consult
// deployment state.
func RejectTxForInactiveDeployment(
	tx *consensus.Transaction,
	liveCells map[consensus.OutPoint]LiveCell,
	epoch uint64,
	lookup DeploymentLookup,
) (reject bool, reason string, err error) {
	if tx == nil {
		return true, "nil tx", fmt.Errorf("nil tx")
	}

	for _, out := range tx.Outputs {
		inactive, err := scriptGatedAndInactive(out.Lock, epoch, lookup)
		if err != nil {
			return true, "lock script deployment lookup error", err
		}
		if inactive {
			return true, fmt.Sprintf("output lock script code_hash=%x gated by inactive deployment", out.Lock.CodeHash), nil
		}
		if out.Type != nil {
			inactive, err := scriptGatedAndInactive(*out.Type, epoch, lookup)
			if err != nil {
				return true, "type script deployment lookup error", err
			}
			if inactive {
				return true, fmt.Sprintf("output type script code_hash=%x gated by inactive deployment", out.Type.CodeHash), nil
			}
		}
	}

	if liveCells == nil {
		return false, "", nil
	}
	for _, in := range tx.Inputs {
		cell, ok := liveCells[in.PreviousOutput]
		if !ok {
			continue
		}
		inactive, err := scriptGatedAndInactive(cell.Output.Lock, epoch, lookup)
		if err != nil {
			return true, "spent lock script deployment lookup error", err
		}
		if inactive {
			return true, fmt.Sprintf("spent lock script code_hash=%x gated by inactive deployment", cell.Output.Lock.CodeHash), nil
		}
		if cell.Output.Type != nil {
			inactive, err := scriptGatedAndInactive(*cell.Output.Type, epoch, lookup)
			if err != nil {
				return true, "spent type script deployment lookup error", err
			}
			if inactive {
				return true, fmt.Sprintf("spent type script code_hash=%x gated by inactive deployment", cell.Output.Type.CodeHash), nil
			}
		}
	}

	return false, "", nil
}
