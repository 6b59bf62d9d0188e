package consensus

import (
	"context"
	"fmt"
	"sync"

	"github.com/dcz-labs/duplexbft/internal/crypto"
	"github.com/dcz-labs/duplexbft/internal/storage"
	"github.com/dcz-labs/duplexbft/internal/types"
	"go.uber.org/zap"
)

// Engine is the BFT consensus state machine.
type Engine struct {
	state      *ConsensusState
	valSet     *types.ValidatorSet
	privKey    crypto.PrivateKey
	address    types.Address
	chainID    []byte
	store      storage.BlockStore
	pathStore  storage.PathStore
	executor   ExecutionAdapter
	transport  Transport
	txProvider TxProvider
	logger     *zap.Logger

	timeouts     *TimeoutScheduler
	evidencePool *EvidencePool

	// PES-path state: the committee running SPB/MVBA (defaults to valSet),
	// this replica's BLS threshold-signing key, the shared quorum tally,
	// per-height MVBA progress, and which path won each decided height.
	pesValSet      *types.ValidatorSet
	blsSigner      *crypto.BLSSigner
	aggregator     *Aggregator
	pesStates      map[uint64]*PESHeightState
	decidedHeights map[uint64]types.PathTag

	// roundTimeoutStreak counts consecutive round timeouts at the current
	// height; reaching optRoundsBeforePrePare concedes the height to PES.
	roundTimeoutStreak     uint64
	optRoundsBeforePrePare uint64

	// Channels for event processing.
	proposalCh   chan *types.Proposal
	voteCh       chan *types.Vote
	timeoutCh    chan timeoutEvent
	commitCh     chan CommitEvent
	nextHeightCh chan struct{} // signals that a new height should start

	spbProposeCh chan *types.SPBPropose
	spbVoteCh    chan *types.SPBVote
	spbFinishCh  chan *types.SPBFinish
	doneCh       chan *types.DoneAndShare
	preVoteCh    chan *types.MPreVote
	mvoteCh      chan *types.MVote
	haltCh       chan *types.MHalt
	prepareCh    chan *types.PrePare

	// Lifecycle.
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewEngine creates a new consensus engine from the given config.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.ValSet == nil {
		return nil, fmt.Errorf("consensus: validator set required")
	}
	if cfg.PrivKey == nil {
		return nil, fmt.Errorf("consensus: private key required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Derive address from private key.
	pubKey := cfg.PrivKey.Public().(crypto.PublicKey)
	address := crypto.AddressFromPubKey(pubKey)

	// Use configured address if provided, otherwise derived.
	if !cfg.Address.IsZero() {
		address = cfg.Address
	}

	startHeight := uint64(1)
	if cfg.Store != nil {
		if h, err := cfg.Store.GetLatestHeight(); err == nil {
			startHeight = h + 1
		}
	}

	pesValSet := cfg.PESValSet
	if pesValSet == nil {
		pesValSet = cfg.ValSet
	}

	var signer *crypto.BLSSigner
	if len(cfg.BLSSeed) > 0 {
		s, err := crypto.NewBLSSigner(cfg.BLSSeed)
		if err != nil {
			return nil, fmt.Errorf("consensus: derive bls signer: %w", err)
		}
		signer = s
	}

	optRounds := cfg.OptRoundsBeforePrePare
	if optRounds == 0 {
		optRounds = 2
	}

	return &Engine{
		state:                  NewConsensusState(startHeight, cfg.ValSet),
		valSet:                 cfg.ValSet,
		privKey:                cfg.PrivKey,
		address:                address,
		chainID:                cfg.ChainID,
		store:                  cfg.Store,
		pathStore:              cfg.PathStore,
		executor:               cfg.Executor,
		transport:              cfg.Transport,
		txProvider:             cfg.TxProvider,
		logger:                 logger,
		timeouts:               NewTimeoutScheduler(cfg.BaseTimeoutMs, cfg.MaxTimeoutMs),
		evidencePool:           NewEvidencePool(),
		pesValSet:              pesValSet,
		blsSigner:              signer,
		aggregator:             NewAggregator(cfg.ValSet),
		pesStates:              make(map[uint64]*PESHeightState),
		decidedHeights:         make(map[uint64]types.PathTag),
		optRoundsBeforePrePare: optRounds,
		proposalCh:             make(chan *types.Proposal, 16),
		voteCh:                 make(chan *types.Vote, 64),
		timeoutCh:              make(chan timeoutEvent, 16),
		commitCh:               make(chan CommitEvent, 16),
		nextHeightCh:           make(chan struct{}, 1),
		spbProposeCh:           make(chan *types.SPBPropose, 64),
		spbVoteCh:              make(chan *types.SPBVote, 256),
		spbFinishCh:            make(chan *types.SPBFinish, 64),
		doneCh:                 make(chan *types.DoneAndShare, 64),
		preVoteCh:              make(chan *types.MPreVote, 64),
		mvoteCh:                make(chan *types.MVote, 64),
		haltCh:                 make(chan *types.MHalt, 16),
		prepareCh:              make(chan *types.PrePare, 64),
	}, nil
}

// Start begins the consensus event loop.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.eventLoop(ctx)
	}()

	// Kick off the first round.
	e.EnterPropose()

	return nil
}

// Stop gracefully shuts down the engine.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.timeouts.Stop()
	e.wg.Wait()
	return nil
}

// SubscribeCommits returns a channel that receives committed blocks.
func (e *Engine) SubscribeCommits() <-chan CommitEvent {
	return e.commitCh
}

// State returns the current consensus state (for testing/inspection).
func (e *Engine) State() *ConsensusState {
	return e.state
}

// Evidence returns the evidence pool (for testing/inspection).
func (e *Engine) Evidence() *EvidencePool {
	return e.evidencePool
}

// Address returns the engine's validator address.
func (e *Engine) Address() types.Address {
	return e.address
}
