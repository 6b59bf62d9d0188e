package types

import (
	"errors"
	"fmt"
)

// QuorumCertificate proves that >= 2f+1 validators voted for a block on
// the OPT path for one (height, round).
type QuorumCertificate struct {
	BlockHash Hash
	Height    uint64
	Round     uint64
	Votes     []Vote
}

// Verify checks that the QC has >= quorum valid signatures from the given
// validator set. Returns an error if the QC is invalid.
func (qc *QuorumCertificate) Verify(valSet *ValidatorSet) error {
	if valSet == nil {
		return errors.New("nil validator set")
	}
	if len(qc.Votes) == 0 {
		return errors.New("QC has no votes")
	}

	seen := make(map[Address]bool)
	var votingPower uint64

	for i, vote := range qc.Votes {
		if vote.BlockHash != qc.BlockHash {
			return fmt.Errorf("vote %d: block hash mismatch: want %s, got %s",
				i, qc.BlockHash, vote.BlockHash)
		}

		val, ok := valSet.GetByAddress(vote.VoterID)
		if !ok {
			return fmt.Errorf("vote %d: unknown validator %s", i, vote.VoterID)
		}

		if seen[vote.VoterID] {
			return fmt.Errorf("vote %d: duplicate vote from %s", i, vote.VoterID)
		}
		seen[vote.VoterID] = true

		if !vote.Verify(val.PublicKey) {
			return fmt.Errorf("vote %d: invalid signature from %s", i, vote.VoterID)
		}

		votingPower += val.VotingPower
	}

	if !valSet.HasQuorum(votingPower) {
		return fmt.Errorf("insufficient voting power: got %d, need %d", votingPower, valSet.Quorum())
	}

	return nil
}

// VotingPower returns the total voting power of all signers in the QC
// that are present in the validator set.
func (qc *QuorumCertificate) VotingPower(valSet *ValidatorSet) uint64 {
	var power uint64
	for _, vote := range qc.Votes {
		if val, ok := valSet.GetByAddress(vote.VoterID); ok {
			power += val.VotingPower
		}
	}
	return power
}
