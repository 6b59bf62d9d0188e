package consensus

import (
	"github.com/dcz-labs/duplexbft/internal/types"
	"go.uber.org/zap"
)

// gcLag is how many heights behind the latest decision the arbitration
// layer waits before garbage-collecting aggregator tallies and path
// state: enough slack for a straggling peer's message for height-1 to
// still land and be judged, but not so much that memory grows unbounded.
const gcLag = 8

// finalizeHeight is the single door both paths must pass through to
// commit a height's block. Whichever path reaches it first wins; the
// loser's in-flight state for that height is torn down so duplicate
// PrePares, MVotes, or stale OPT proposals stop doing work nobody needs.
// Returns false if the height was already decided by the other path.
func (e *Engine) finalizeHeight(height uint64, block *types.Block, qc *types.QuorumCertificate, path types.PathTag) bool {
	return e.finalizeHeightWithProof(height, block, qc, nil, path)
}

// finalizeHeightWithProof is finalizeHeight's full form: a PES commit
// carries the SPBProof backing the MVBA decision instead of a QC, so a
// syncing replica can authenticate the block without re-running MVBA.
func (e *Engine) finalizeHeightWithProof(height uint64, block *types.Block, qc *types.QuorumCertificate, proof *types.SPBProof, path types.PathTag) bool {
	if e.decidedHeights == nil {
		e.decidedHeights = make(map[uint64]types.PathTag)
	}
	if _, done := e.decidedHeights[height]; done {
		return false
	}
	e.decidedHeights[height] = path

	e.logger.Info("height finalized",
		zap.Uint64("height", height),
		zap.String("path", path.String()),
	)

	e.persistCommit(block, qc, proof)

	switch path {
	case types.PathPES:
		// The OPT path may still be mid-round for this height; drop its
		// in-flight proposal/votes for it by simply letting the height
		// advance past what it was working on next time advanceHeight runs.
	case types.PathOPT:
		delete(e.pesStates, height)
	}

	if height > gcLag {
		below := height - gcLag
		e.aggregator.GC(below)
		if e.pathStore != nil {
			if err := e.pathStore.GC(below); err != nil {
				e.logger.Warn("path store gc failed", zap.Error(err))
			}
		}
		for h := range e.pesStates {
			if h < below {
				delete(e.pesStates, h)
			}
		}
		for h := range e.decidedHeights {
			if h < below {
				delete(e.decidedHeights, h)
			}
		}
	}
	return true
}

// finalizePESHeight commits the value an MVBA round decided for a height,
// building a block record compatible with the OPT path's store so sync
// and restart both see one consistent chain regardless of which path
// produced the committed block.
func (e *Engine) finalizePESHeight(ps *PESHeightState) {
	if ps.DecidedValue == nil || ps.DecidedValue.Block == nil {
		return
	}
	e.finalizeHeightWithProof(ps.Height, ps.DecidedValue.Block, nil, ps.DecidedProof, types.PathPES)
}

// CheckCommitRule implements SPEC.md §8 (two-chain commit rule).
// A block B is committed if:
//  1. B has a QC (blockQC)
//  2. B's parent also has a QC (represented by state.HighestQC or the QC
//     embedded in B referencing the parent)
//  3. The QC rounds are consecutive or the lock conditions are satisfied
//
// In practice for our protocol:
//   - When we form a QC for the current block, we check if the current block's
//     embedded QC (the QC it references from its parent) proves the parent also
//     had a QC. If so, the parent block is ready to commit.
//
// Returns (shouldCommit, blockToCommit).
func CheckCommitRule(
	block *types.Block,
	blockQC *types.QuorumCertificate,
	state *ConsensusState,
) (bool, *types.Block) {
	if blockQC == nil {
		return false, nil
	}

	// Two-chain rule: the block being committed is the one whose QC is embedded
	// inside the current block (i.e., the parent).
	// If the current block has a QC, and the current block itself references
	// a valid QC for its parent (via block.QC), then the parent can be committed.

	// The block that's ready to commit is the locked block (or the parent of
	// the current proposal).
	if state.LockedBlock != nil && state.HighestQC != nil {
		// If we have a locked block with a QC (HighestQC), and now we have
		// a new QC (blockQC) extending that locked block, the locked block
		// can be committed.
		if blockQC.Round > state.HighestQC.Round {
			return true, state.LockedBlock
		}
	}

	// Direct commit: if block references a parent QC and we now have
	// a QC for this block, the parent is committed.
	if block.QC != nil {
		return true, nil // caller must look up parent block
	}

	return false, nil
}

// ShouldCommitOnQC is a simplified commit check:
// when a QC is formed, check if we should commit the predecessor.
// Returns true and the block to commit if the two-chain rule is satisfied.
func ShouldCommitOnQC(
	newQC *types.QuorumCertificate,
	currentBlock *types.Block,
	lockedBlock *types.Block,
) (bool, *types.Block) {
	// The two-chain rule means: when a QC forms for block at height H,
	// the block at height H-1 (which had its own QC embedded in block H)
	// is now committed.
	if lockedBlock != nil && currentBlock != nil {
		if currentBlock.QC != nil {
			return true, lockedBlock
		}
	}
	return false, nil
}
