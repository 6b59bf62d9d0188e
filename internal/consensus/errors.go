package consensus

import "errors"

// Sentinel errors returned by the dual-path engine. Named after the
// failure they report rather than the subsystem that raises them, so
// callers can branch on errors.Is regardless of which path produced one.
var (
	ErrNoProposer           = errors.New("consensus: no proposer for round")
	ErrWrongHeight          = errors.New("consensus: message for wrong height")
	ErrWrongRound           = errors.New("consensus: message for wrong round")
	ErrUnknownValidator     = errors.New("consensus: unknown validator")
	ErrInvalidSignature     = errors.New("consensus: invalid signature")
	ErrEquivocation         = errors.New("consensus: equivocating vote")
	ErrInsufficientQuorum   = errors.New("consensus: insufficient quorum")
	ErrLockViolation        = errors.New("consensus: proposal violates locking rule")
	ErrInvalidQC            = errors.New("consensus: invalid quorum certificate")
	ErrNilProposal          = errors.New("consensus: nil proposal or block")
	ErrConflictingSPBValue  = errors.New("consensus: conflicting SPB value for same phase")
	ErrSPBPhaseOutOfOrder   = errors.New("consensus: SPB phase received out of order")
	ErrSPBProofInvalid      = errors.New("consensus: SPB proof failed verification")
	ErrMVBARoundClosed      = errors.New("consensus: MVBA round already decided")
	ErrMVBANoLeaderInstance = errors.New("consensus: no SPB instance for round leader")
	ErrCoinShareInvalid     = errors.New("consensus: invalid coin share")
	ErrPrePareAlreadyCast   = errors.New("consensus: PrePare already cast for height")
	ErrPrePareMissingQC     = errors.New("consensus: OPT PrePare missing QC(h-1)")
	ErrPrePareUnknownPath   = errors.New("consensus: PrePare names unknown path")
	ErrHeightAlreadyDecided = errors.New("consensus: height already has a decided value")
	ErrEngineStopped        = errors.New("consensus: engine is stopped")
)
