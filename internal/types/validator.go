package types

import (
	"errors"
	"fmt"
)

// Validator describes a validator in the active set. PublicKey is the
// per-message ed25519 signing key; BLSPublicKey is used for threshold
// artifacts (SPB phase proofs, MVBA coin shares).
type Validator struct {
	Address      Address
	PublicKey    [32]byte
	BLSPublicKey []byte
	VotingPower  uint64
}

// ValidatorSet manages the active validator set for one epoch.
type ValidatorSet struct {
	Validators []Validator
	TotalPower uint64
}

// NewValidatorSet creates a ValidatorSet from a slice of validators,
// computing TotalPower automatically.
func NewValidatorSet(validators []Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, errors.New("validator set must not be empty")
	}

	var total uint64
	for _, v := range validators {
		if v.VotingPower == 0 {
			return nil, fmt.Errorf("validator %s has zero voting power", v.Address)
		}
		total += v.VotingPower
	}

	return &ValidatorSet{
		Validators: validators,
		TotalPower: total,
	}, nil
}

// N returns the committee size.
func (vs *ValidatorSet) N() int { return len(vs.Validators) }

// F returns the maximum number of Byzantine slots tolerated: f = (n-1)/3.
func (vs *ValidatorSet) F() int {
	n := len(vs.Validators)
	return (n - 1) / 3
}

// Quorum returns the quorum threshold: 2f+1 where f = (totalPower - 1) / 3.
func (vs *ValidatorSet) Quorum() uint64 {
	f := (vs.TotalPower - 1) / 3
	return 2*f + 1
}

// WeakQuorum returns the f+1 threshold used for coin shares and the
// DoneAndShare "f+1 Done" trigger.
func (vs *ValidatorSet) WeakQuorum() uint64 {
	f := (vs.TotalPower - 1) / 3
	return f + 1
}

// HasQuorum checks if votingPower >= Quorum().
func (vs *ValidatorSet) HasQuorum(votingPower uint64) bool {
	return votingPower >= vs.Quorum()
}

// HasWeakQuorum checks if votingPower >= WeakQuorum().
func (vs *ValidatorSet) HasWeakQuorum(votingPower uint64) bool {
	return votingPower >= vs.WeakQuorum()
}

// GetProposer returns the OPT-path proposer for (height, round).
// Deterministic rotation: proposer_index = (height + round) % len(validators).
// The source implementation this protocol is drawn from leaves the exact
// rotation formula unspecified; any deterministic function works.
func (vs *ValidatorSet) GetProposer(height, round uint64) *Validator {
	if len(vs.Validators) == 0 {
		return nil
	}
	idx := (height + round) % uint64(len(vs.Validators))
	return &vs.Validators[idx]
}

// MVBALeader returns the PES-path round leader chosen by the common coin.
func (vs *ValidatorSet) MVBALeader(coin uint64) *Validator {
	if len(vs.Validators) == 0 {
		return nil
	}
	idx := coin % uint64(len(vs.Validators))
	return &vs.Validators[idx]
}

// GetByAddress looks up a validator by address.
func (vs *ValidatorSet) GetByAddress(addr Address) (*Validator, bool) {
	for i := range vs.Validators {
		if vs.Validators[i].Address == addr {
			return &vs.Validators[i], true
		}
	}
	return nil, false
}

// Size returns the number of validators.
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}
