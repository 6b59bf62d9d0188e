package consensus

import (
	"github.com/dcz-labs/duplexbft/internal/crypto"
	"github.com/dcz-labs/duplexbft/internal/storage"
	"github.com/dcz-labs/duplexbft/internal/types"
	"go.uber.org/zap"
)

// RoundStep represents the current step in a consensus round.
type RoundStep int

const (
	StepPropose RoundStep = iota
	StepVote
	StepCommit
)

func (s RoundStep) String() string {
	switch s {
	case StepPropose:
		return "Propose"
	case StepVote:
		return "Vote"
	case StepCommit:
		return "Commit"
	default:
		return "Unknown"
	}
}

// ExecutionAdapter invokes deterministic execution for a proposed block.
type ExecutionAdapter interface {
	ExecuteBlock(block *types.Block, prevStateRoot types.Hash) (*ExecutionResult, error)
}

// ExecutionResult holds the output of block execution.
type ExecutionResult struct {
	StateRoot types.Hash
	GasUsed   uint64
}

// Transport abstracts P2P message sending for both the OPT path (chained
// HotStuff proposals/votes/timeouts) and the PES path (SPB phases, MVBA
// rounds, and the PrePare arbitration messages that tie the two together).
type Transport interface {
	BroadcastProposal(proposal *types.Proposal) error
	BroadcastVote(vote *types.Vote) error
	BroadcastTimeout(msg *types.TimeoutMessage) error

	BroadcastSPBPropose(msg *types.SPBPropose) error
	BroadcastSPBVote(msg *types.SPBVote) error
	BroadcastSPBFinish(msg *types.SPBFinish) error
	BroadcastDoneAndShare(msg *types.DoneAndShare) error
	BroadcastPreVote(msg *types.MPreVote) error
	BroadcastMVote(msg *types.MVote) error
	BroadcastHalt(msg *types.MHalt) error
	BroadcastPrePare(msg *types.PrePare) error
}

// TxProvider supplies transactions for block building.
type TxProvider interface {
	ReapMaxTxs(maxBytes int) [][]byte
}

// timeoutEvent is fired when a round timer expires.
type timeoutEvent struct {
	Height uint64
	Round  uint64
}

// CommitEvent signals that a block has been committed.
type CommitEvent struct {
	Block     *types.Block
	QC        *types.QuorumCertificate
	StateRoot types.Hash
	Height    uint64
}

// EngineConfig holds configuration for the consensus engine.
type EngineConfig struct {
	PrivKey    crypto.PrivateKey
	Address    types.Address
	ValSet     *types.ValidatorSet
	ChainID    []byte
	Store      storage.BlockStore
	StateStore storage.StateStore
	PathStore  storage.PathStore
	Executor   ExecutionAdapter
	Transport  Transport
	TxProvider TxProvider
	Logger     *zap.Logger

	// PESValSet is the committee that runs the pessimistic SPB/MVBA path.
	// It is usually the same committee as ValSet, but the PrePare arbiter
	// must judge each path's quorum against its own committee's size —
	// never the OPT committee's — so the two are tracked separately.
	// Defaults to ValSet when nil.
	PESValSet *types.ValidatorSet
	BLSSeed   []byte // seeds this replica's BLS threshold-signing key

	// Timeout settings.
	BaseTimeoutMs int64 // base propose timeout in milliseconds (default: 3000)
	MaxTimeoutMs  int64 // max timeout cap in milliseconds (default: 60000)
	TimeoutStepMs int64 // default 1000; not read by the engine, which has no vote/commit step timer

	// OptRoundsBeforePrePare is the number of consecutive OPT round
	// timeouts at a height before the replica casts a PES PrePare for it,
	// conceding that the optimistic path is unlikely to finalize first.
	OptRoundsBeforePrePare uint64
}

// DefaultEngineConfig returns an EngineConfig with sensible timeout defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BaseTimeoutMs:          3000,
		MaxTimeoutMs:           60000,
		TimeoutStepMs:          1000,
		OptRoundsBeforePrePare: 2,
	}
}
