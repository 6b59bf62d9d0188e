package sync

import (
	"errors"
	"fmt"

	"github.com/dcz-labs/duplexbft/internal/consensus"
	"github.com/dcz-labs/duplexbft/internal/crypto"
	"github.com/dcz-labs/duplexbft/internal/storage"
	"github.com/dcz-labs/duplexbft/internal/types"
)

// Verifier validates blocks and state roots during sync. A synced block
// carries one of two commit proofs depending on which path decided it
// first: an OPT QuorumCertificate, checked against valSet, or a PES
// SPBProof, checked against pesValSet (the two may differ if the PES
// committee is configured independently of the OPT one).
type Verifier struct {
	valSet    *types.ValidatorSet
	pesValSet *types.ValidatorSet
	executor  consensus.ExecutionAdapter
}

// NewVerifier creates a block/state verifier. pesValSet may be nil, in
// which case it defaults to valSet (the common case of one committee
// serving both paths).
func NewVerifier(valSet, pesValSet *types.ValidatorSet, executor consensus.ExecutionAdapter) *Verifier {
	if pesValSet == nil {
		pesValSet = valSet
	}
	return &Verifier{
		valSet:    valSet,
		pesValSet: pesValSet,
		executor:  executor,
	}
}

// VerifyBlock validates a synced block:
//  1. Structural validity (Block.Validate)
//  2. Height consistency (must be sequential)
//  3. The commit proof for whichever path decided it: an OPT QC or a
//     PES SPBProof. A block with neither is rejected — genesis aside,
//     every committed height carries exactly one.
func (v *Verifier) VerifyBlock(block *types.Block, qc *types.QuorumCertificate, proof *types.SPBProof, expectedHeight uint64) error {
	if block == nil {
		return errors.New("sync: nil block")
	}

	if block.Header.Height != expectedHeight {
		return fmt.Errorf("sync: height mismatch: got %d, want %d",
			block.Header.Height, expectedHeight)
	}

	if err := block.Validate(); err != nil {
		return fmt.Errorf("sync: invalid block at height %d: %w",
			block.Header.Height, err)
	}

	if block.Header.Height == 0 {
		return nil
	}

	switch {
	case qc != nil:
		if v.valSet != nil {
			if err := qc.Verify(v.valSet); err != nil {
				return fmt.Errorf("sync: invalid QC at height %d: %w",
					block.Header.Height, err)
			}
		}
	case proof != nil:
		if v.pesValSet != nil {
			if err := crypto.VerifySPBProof(proof, v.pesValSet); err != nil {
				return fmt.Errorf("sync: invalid PES proof at height %d: %w",
					block.Header.Height, err)
			}
		}
	default:
		return fmt.Errorf("sync: block at height %d has no commit proof",
			block.Header.Height)
	}

	return nil
}

// VerifyAndExecuteBlock validates the block and executes it to verify
// the state root matches the committed state root.
func (v *Verifier) VerifyAndExecuteBlock(
	block *types.Block,
	qc *types.QuorumCertificate,
	proof *types.SPBProof,
	prevStateRoot types.Hash,
	committedRoot types.Hash,
) (*consensus.ExecutionResult, error) {
	// Structural + commit-proof verification.
	if err := v.VerifyBlock(block, qc, proof, block.Header.Height); err != nil {
		return nil, err
	}

	if v.executor == nil {
		return nil, errors.New("sync: no executor configured")
	}

	// Execute the block.
	result, err := v.executor.ExecuteBlock(block, prevStateRoot)
	if err != nil {
		return nil, fmt.Errorf("sync: execute block %d: %w", block.Header.Height, err)
	}

	// Verify state root matches the committed root.
	if committedRoot != types.ZeroHash && result.StateRoot != committedRoot {
		return nil, fmt.Errorf("sync: state root mismatch at height %d: got %s, want %s",
			block.Header.Height, result.StateRoot, committedRoot)
	}

	return result, nil
}

// VerifySnapshot validates a downloaded snapshot's state root against
// the committed state root at the given height.
// Per SPEC-v0.2.md ยง10: snapshot state_root must match committed state_root.
func VerifySnapshot(
	committedRoot types.Hash,
	snapshotRoot types.Hash,
	store storage.StateStore,
) error {
	if committedRoot == types.ZeroHash {
		return errors.New("sync: no committed root to verify against")
	}

	if snapshotRoot != committedRoot {
		return fmt.Errorf("sync: snapshot root mismatch: got %s, want %s",
			snapshotRoot, committedRoot)
	}

	return nil
}
