package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/dcz-labs/duplexbft/internal/admin"
	"github.com/dcz-labs/duplexbft/internal/config"
	"github.com/dcz-labs/duplexbft/internal/consensus"
	"github.com/dcz-labs/duplexbft/internal/crypto"
	"github.com/dcz-labs/duplexbft/internal/execution"
	"github.com/dcz-labs/duplexbft/internal/mempool"
	"github.com/dcz-labs/duplexbft/internal/p2p"
	"github.com/dcz-labs/duplexbft/internal/storage"
	bsync "github.com/dcz-labs/duplexbft/internal/sync"
	"github.com/dcz-labs/duplexbft/internal/telemetry"
	"github.com/dcz-labs/duplexbft/internal/types"
	"go.uber.org/zap"
)

// Node is the top-level duplexbft node that owns and manages all subsystems.
type Node struct {
	cfg     *config.Config
	privKey crypto.PrivateKey
	valSet  *types.ValidatorSet

	// Subsystems.
	store       storage.Store
	mempool     *mempool.Mempool
	executor    consensus.ExecutionAdapter
	engine      *consensus.Engine
	host        *p2p.Host
	transport   *p2p.P2PTransport
	syncer      *bsync.BlockSyncer
	metrics     *telemetry.Metrics
	metricsSrv  *telemetry.MetricsServer
	adminServer *admin.Server

	svcMgr *ServiceManager
	logger *zap.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewNode creates and wires all subsystems without starting them.
func NewNode(
	cfg *config.Config,
	privKey crypto.PrivateKey,
	valSet *types.ValidatorSet,
	logger *zap.Logger,
) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	nodeID := nodeIDFromKey(privKey)
	logger = logger.With(zap.String("node_id", nodeID))

	// 1. Storage.
	store, err := storage.OpenStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	// 2. Execution adapter. There is no sandboxed runtime: both the OPT
	// and PES paths commit through the same in-process adapter so a
	// height decided by either path leaves replicas in state-root
	// agreement.
	executor := execution.NewNativeAdapter(store, logger.Named("execution"))

	// 3. Mempool.
	mp := mempool.NewMempool(cfg.Mempool, store, logger.Named("mempool"))

	// 4. Metrics.
	metrics := telemetry.NopMetrics()
	var metricsSrv *telemetry.MetricsServer
	if cfg.Telemetry.Enabled {
		metrics = telemetry.NewMetrics("bedrock")
		metricsSrv = telemetry.NewMetricsServer(cfg.Telemetry.Addr, metrics, logger.Named("metrics"))
	}

	// 5. P2P host and transport. The transport carries the OPT path's
	// propose/vote/timeout traffic and PrePares on one gossip topic and
	// the PES path's SPB/MVBA traffic on another.
	hostCfg := p2p.HostConfig{
		PrivateKey:    []byte(privKey),
		ListenAddr:    cfg.P2P.ListenAddr,
		MaxPeers:      cfg.P2P.MaxPeers,
		Seeds:         cfg.P2P.Seeds,
		EnableScoring: cfg.P2P.PeerScoring,
		Logger:        logger.Named("p2p"),
	}
	host, err := p2p.NewHost(context.Background(), hostCfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: create p2p host: %w", err)
	}
	transport := p2p.NewP2PTransport(host, valSet, logger.Named("p2p"))

	// 6. PES committee and BLS signing key. The PES path defaults to the
	// same committee as OPT unless a distinct one was configured.
	pesValSet := valSet
	if cfg.PesPath.CommitteeFile != "" {
		pesGen, err := config.LoadGenesis(cfg.PesPath.CommitteeFile)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("node: load pes_path committee: %w", err)
		}
		pesValSet, err = pesGen.ToValidatorSet()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("node: build pes_path committee: %w", err)
		}
	}
	blsSeed, err := hex.DecodeString(cfg.PesPath.BLSSeedHex)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: decode pes_path.bls_seed: %w", err)
	}

	// 7. Consensus engine.
	ecfg := consensus.DefaultEngineConfig()
	ecfg.PrivKey = privKey
	ecfg.ValSet = valSet
	ecfg.ChainID = []byte(cfg.ChainID)
	ecfg.Store = store
	ecfg.StateStore = store
	ecfg.PathStore = store
	ecfg.Executor = executor
	ecfg.Transport = transport
	ecfg.TxProvider = mp
	ecfg.Logger = logger.Named("consensus")
	ecfg.PESValSet = pesValSet
	ecfg.BLSSeed = blsSeed
	ecfg.OptRoundsBeforePrePare = cfg.OptPath.RoundsBeforePrePare
	ecfg.BaseTimeoutMs = cfg.Consensus.TimeoutPropose.Milliseconds()
	if ecfg.BaseTimeoutMs == 0 {
		ecfg.BaseTimeoutMs = 3000
	}
	ecfg.MaxTimeoutMs = cfg.Consensus.Exp.MaxTimeout.Milliseconds()
	if ecfg.MaxTimeoutMs == 0 {
		ecfg.MaxTimeoutMs = 60000
	}

	engine, err := consensus.NewEngine(ecfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: create consensus engine: %w", err)
	}

	// 8. Block syncer (no real block-fetch provider wired in yet — a
	// replica that falls behind relies on the live gossip transport
	// replaying the dual-path protocol rather than a dedicated catch-up
	// fetch).
	var syncer *bsync.BlockSyncer

	// 9. Admin server.
	adminSrv := admin.NewServer(cfg.RPC.HTTPAddr, engine, mp, syncer, logger.Named("admin"))

	svcMgr := NewServiceManager(logger)
	svcMgr.Add(adminSrv)

	return &Node{
		cfg:         cfg,
		privKey:     privKey,
		valSet:      valSet,
		store:       store,
		mempool:     mp,
		executor:    executor,
		engine:      engine,
		host:        host,
		transport:   transport,
		syncer:      syncer,
		metrics:     metrics,
		metricsSrv:  metricsSrv,
		adminServer: adminSrv,
		svcMgr:      svcMgr,
		logger:      logger,
		done:        make(chan struct{}),
	}, nil
}

// pumpTransport forwards every decoded gossip message from sub into the
// engine's Submit* channels until ctx is done.
func (n *Node) pumpTransport(ctx context.Context, sub p2p.MessageSubscription) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-sub.Proposals:
			n.engine.SubmitProposal(p)
		case v := <-sub.Votes:
			n.engine.SubmitVote(v)
		case tm := <-sub.Timeouts:
			n.engine.HandleTimeoutMsg(tm)
		case p := <-sub.SPBProposes:
			n.engine.SubmitSPBPropose(p)
		case v := <-sub.SPBVotes:
			n.engine.SubmitSPBVote(v)
		case f := <-sub.SPBFinishes:
			n.engine.SubmitSPBFinish(f)
		case d := <-sub.DoneAndShares:
			n.engine.SubmitDoneAndShare(d)
		case pv := <-sub.PreVotes:
			n.engine.SubmitPreVote(pv)
		case v := <-sub.MVotes:
			n.engine.SubmitMVote(v)
		case h := <-sub.Halts:
			n.engine.SubmitHalt(h)
		case p := <-sub.PrePares:
			n.engine.SubmitPrePare(p)
		}
	}
}

// Start boots all subsystems in dependency order.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.logger.Info("node starting",
		zap.String("moniker", n.cfg.Moniker),
		zap.String("chain_id", n.cfg.ChainID),
	)

	if err := n.host.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("node: start p2p host: %w", err)
	}
	if err := n.transport.Start(ctx); err != nil {
		n.host.Stop()
		cancel()
		return fmt.Errorf("node: start p2p transport: %w", err)
	}

	n.wg.Add(1)
	go n.pumpTransport(ctx, n.transport.Subscribe())

	// Start consensus engine.
	if err := n.engine.Start(ctx); err != nil {
		n.transport.Stop()
		n.host.Stop()
		cancel()
		return fmt.Errorf("node: start consensus: %w", err)
	}

	// Start metrics server.
	if n.metricsSrv != nil {
		go n.metricsSrv.Start()
	}

	// Start managed services (admin, and anything else registered).
	if err := n.svcMgr.StartAll(ctx); err != nil {
		n.engine.Stop()
		n.transport.Stop()
		n.host.Stop()
		cancel()
		return fmt.Errorf("node: start services: %w", err)
	}

	n.logger.Info("node started successfully",
		zap.String("admin_addr", n.adminServer.Addr()),
	)

	return nil
}

// Stop gracefully shuts down all subsystems in reverse order.
func (n *Node) Stop() error {
	n.logger.Info("node stopping")

	if n.cancel != nil {
		n.cancel()
	}

	// Stop in reverse dependency order.
	if err := n.svcMgr.StopAll(); err != nil {
		n.logger.Error("failed to stop services", zap.Error(err))
	}

	if n.metricsSrv != nil {
		n.metricsSrv.Stop()
	}

	if n.engine != nil {
		n.engine.Stop()
	}

	if n.transport != nil {
		n.transport.Stop()
	}

	if n.host != nil {
		n.host.Stop()
	}

	n.wg.Wait()

	if n.store != nil {
		n.store.Close()
	}

	n.logger.Info("node stopped")
	close(n.done)
	return nil
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() error {
	<-n.done
	return nil
}

// Store returns the node's storage (for testing).
func (n *Node) Store() storage.Store {
	return n.store
}

// Engine returns the consensus engine (for testing).
func (n *Node) Engine() *consensus.Engine {
	return n.engine
}

// AdminAddr returns the address the admin server is listening on.
func (n *Node) AdminAddr() string {
	return n.adminServer.Addr()
}

func nodeIDFromKey(privKey crypto.PrivateKey) string {
	if privKey == nil {
		return "unknown"
	}
	pubKey := privKey.Public().(crypto.PublicKey)
	addr := crypto.AddressFromPubKey(pubKey)
	return hex.EncodeToString(addr[:8])
}
