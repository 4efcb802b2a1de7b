package consensus

import "fmt"

// Versionbits Controller (spec §4.6), generalized from the teacher's
// single-deployment featurebits.go into N independently-tracked
// deployments evaluated at epoch boundaries instead of a fixed
// 2016-block signal window, per original_source's
// spec/src/versionbits/mod.rs.

type DeploymentState string

const (
	DeploymentDefined  DeploymentState = "DEFINED"
	DeploymentStarted  DeploymentState = "STARTED"
	DeploymentLockedIn DeploymentState = "LOCKED_IN"
	DeploymentActive   DeploymentState = "ACTIVE"
	DeploymentFailed   DeploymentState = "FAILED"
)

// Deployment describes one soft-fork bit. StartEpoch/TimeoutEpoch are
// epoch numbers (not block heights): the state machine only transitions at
// epoch boundaries.
type Deployment struct {
	Name        string
	Bit         uint8
	StartEpoch  uint64
	TimeoutEpoch uint64
	Threshold   uint32 // signals required out of the epoch's block count to lock in
}

func (d Deployment) Validate() error {
	if d.Bit > 28 {
		return fmt.Errorf("versionbits: bit out of range: %d", d.Bit)
	}
	if d.Name == "" {
		return fmt.Errorf("versionbits: name required")
	}
	if d.TimeoutEpoch < d.StartEpoch {
		return fmt.Errorf("versionbits: timeout_epoch < start_epoch")
	}
	return nil
}

// DeploymentEval is the result for one deployment at one epoch boundary.
// Nothing in this module caches it; each evaluation recomputes it.
type DeploymentEval struct {
	State      DeploymentState
	SinceEpoch uint64 // epoch at which State was first reached
}

// nextDeploymentState evaluates one epoch-boundary transition. signalCount
// is how many blocks in the epoch that just ended (prev's current epoch)
// signaled the bit; epochLength is that epoch's block count.
func nextDeploymentState(prev DeploymentState, epoch uint64, signalCount uint32, epochLength uint64, d Deployment) DeploymentState {
	switch prev {
	case DeploymentDefined:
		if epoch >= d.StartEpoch {
			return DeploymentStarted
		}
		return DeploymentDefined
	case DeploymentStarted:
		if signalCount >= d.Threshold {
			return DeploymentLockedIn
		}
		if epoch >= d.TimeoutEpoch {
			return DeploymentFailed
		}
		return DeploymentStarted
	case DeploymentLockedIn:
		return DeploymentActive
	case DeploymentActive:
		return DeploymentActive
	case DeploymentFailed:
		return DeploymentFailed
	default:
		return prev
	}
}

// EvalDeploymentAtEpoch replays the state machine from DEFINED up through
// targetEpoch. signalCountsByEpoch[e] is the number of blocks in epoch e
// that signaled the bit (only consulted while in STARTED); epochLengths[e]
// is epoch e's block count.
func EvalDeploymentAtEpoch(d Deployment, targetEpoch uint64, signalCountsByEpoch map[uint64]uint32, epochLengths map[uint64]uint64) (DeploymentEval, error) {
	if err := d.Validate(); err != nil {
		return DeploymentEval{}, err
	}

	state := DeploymentDefined
	sinceEpoch := uint64(0)
	for e := uint64(0); e <= targetEpoch; e++ {
		next := nextDeploymentState(state, e, signalCountsByEpoch[e], epochLengths[e], d)
		if next != state {
			sinceEpoch = e + 1
		}
		state = next
		if state == DeploymentActive || state == DeploymentFailed {
			// Once active or failed the outcome is final; no further epoch
			// can move it.
			break
		}
	}

	return DeploymentEval{State: state, SinceEpoch: sinceEpoch}, nil
}

// VersionSignalsBit reports whether a block's header version field
// signals the given deployment bit, top-bit (0x20000000) versionbits
// convention.
func VersionSignalsBit(version uint32, bit uint8) bool {
	const topBits = 0x20000000
	if version&topBits != topBits {
		return false
	}
	return version&(1<<uint(bit)) != 0
}
