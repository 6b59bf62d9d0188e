package config

import (
	"errors"
	"fmt"
	"time"
)

// Duration wraps time.Duration to support TOML string unmarshaling (e.g. "3s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the full node configuration.
type Config struct {
	Moniker string `toml:"moniker"`
	ChainID string `toml:"chain_id"`

	Consensus ConsensusConfig `toml:"consensus"`
	P2P       P2PConfig       `toml:"p2p"`
	Mempool   MempoolConfig   `toml:"mempool"`
	Storage   StorageConfig   `toml:"storage"`
	RPC       RPCConfig       `toml:"rpc"`
	Telemetry TelemetryConfig `toml:"telemetry"`

	// OptPath tunes the optimistic chained-HotStuff path.
	OptPath OptPathConfig `toml:"opt_path"`
	// PesPath tunes the pessimistic SPB/MVBA path that races it.
	PesPath PesPathConfig `toml:"pes_path"`
	// DDoS holds per-peer gossip rate limits. They are loaded and validated
	// but not passed to the P2P host, which uses DefaultRateLimitConfig.
	DDoS DDoSConfig `toml:"ddos"`
	// Sync tunes the block syncer.
	Sync SyncConfig `toml:"sync"`
}

// ConsensusConfig holds consensus protocol parameters.
type ConsensusConfig struct {
	TimeoutPropose Duration  `toml:"timeout_propose"`
	TimeoutVote    Duration  `toml:"timeout_vote"`
	TimeoutCommit  Duration  `toml:"timeout_commit"`
	MaxBlockSize   int       `toml:"max_block_size"`
	MaxBlockGas    uint64    `toml:"max_block_gas"`
	Exp            ExpConfig `toml:"exp"`
}

// ExpConfig bounds the exponential round-timeout backoff. Only MaxTimeout
// is used: it caps the OPT path's round timer. MaxExponent is validated
// but not read elsewhere, and the PES path's MVBA rounds have no timer.
type ExpConfig struct {
	MaxTimeout  Duration `toml:"max_timeout"`
	MaxExponent int      `toml:"max_exponent"`
}

// OptPathConfig tunes the optimistic chained-HotStuff path.
type OptPathConfig struct {
	// RoundsBeforePrePare is the number of consecutive round timeouts at a
	// height before a replica concedes the height to the PES path by
	// casting a PES PrePare for it.
	RoundsBeforePrePare uint64 `toml:"rounds_before_prepare"`
}

// PesPathConfig tunes the pessimistic SPB/MVBA path.
type PesPathConfig struct {
	// BLSSeedHex seeds this replica's BLS threshold-signing key used for
	// SPB proofs and MVBA coin shares. A node
	// without one cannot participate in the PES path.
	BLSSeedHex string `toml:"bls_seed"`
	// CommitteeFile optionally points at a validator set file for a PES
	// committee distinct from the OPT committee. Empty means the PES
	// path runs over the same committee as OPT.
	CommitteeFile string `toml:"committee_file"`
}

// DDoSConfig holds per-peer, per-message-type gossip rate limits.
type DDoSConfig struct {
	ProposalRate    float64 `toml:"proposal_rate"`
	VoteRate        float64 `toml:"vote_rate"`
	TimeoutRate     float64 `toml:"timeout_rate"`
	GlobalRate      float64 `toml:"global_rate"`
	BurstMultiplier float64 `toml:"burst_multiplier"`
}

// SyncConfig tunes the block syncer.
type SyncConfig struct {
	// RetryDelay is loaded and validated, but the block syncer does not
	// read it and does not retry a failed block or snapshot fetch.
	RetryDelay Duration `toml:"retry_delay"`
}

// P2PConfig holds peer-to-peer networking parameters.
type P2PConfig struct {
	ListenAddr  string   `toml:"listen_addr"`
	Seeds       []string `toml:"seeds"`
	MaxPeers    int      `toml:"max_peers"`
	PeerScoring bool     `toml:"peer_scoring"`
}

// MempoolConfig holds mempool parameters.
type MempoolConfig struct {
	MaxSize    int `toml:"max_size"`
	MaxTxBytes int `toml:"max_tx_bytes"`
	CacheSize  int `toml:"cache_size"`
}

// StorageConfig holds storage parameters.
type StorageConfig struct {
	DBPath  string `toml:"db_path"`
	Backend string `toml:"backend"`
}

// RPCConfig holds the admin HTTP server address.
type RPCConfig struct {
	HTTPAddr string `toml:"http_addr"`
}

// TelemetryConfig holds observability parameters.
type TelemetryConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Moniker: "bedrock-node",
		ChainID: "bedrock-devnet",
		Consensus: ConsensusConfig{
			TimeoutPropose: Duration{3 * time.Second},
			TimeoutVote:    Duration{1 * time.Second},
			TimeoutCommit:  Duration{1 * time.Second},
			MaxBlockSize:   2 * 1024 * 1024, // 2 MB
			MaxBlockGas:    100_000_000,
			Exp: ExpConfig{
				MaxTimeout:  Duration{60 * time.Second},
				MaxExponent: 20,
			},
		},
		P2P: P2PConfig{
			ListenAddr:  "/ip4/0.0.0.0/udp/26656/quic-v1",
			Seeds:       nil,
			MaxPeers:    50,
			PeerScoring: true,
		},
		Mempool: MempoolConfig{
			MaxSize:    10000,
			MaxTxBytes: 1024 * 1024, // 1 MB
			CacheSize:  10000,
		},
		Storage: StorageConfig{
			DBPath:  "data/blockstore",
			Backend: "pebble",
		},
		RPC: RPCConfig{
			HTTPAddr: "127.0.0.1:26661",
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
			Addr:    "0.0.0.0:26660",
		},
		OptPath: OptPathConfig{
			RoundsBeforePrePare: 2,
		},
		PesPath: PesPathConfig{},
		DDoS: DDoSConfig{
			ProposalRate:    2,
			VoteRate:        20,
			TimeoutRate:     5,
			GlobalRate:      50,
			BurstMultiplier: 3,
		},
		Sync: SyncConfig{
			RetryDelay: Duration{2 * time.Second},
		},
	}
}

// Validate checks config for invalid values.
func (c *Config) Validate() error {
	if c.Moniker == "" {
		return errors.New("config: moniker must not be empty")
	}
	if c.ChainID == "" {
		return errors.New("config: chain_id must not be empty")
	}

	// Consensus.
	if c.Consensus.TimeoutPropose.Duration <= 0 {
		return errors.New("config: consensus.timeout_propose must be > 0")
	}
	if c.Consensus.TimeoutVote.Duration <= 0 {
		return errors.New("config: consensus.timeout_vote must be > 0")
	}
	if c.Consensus.TimeoutCommit.Duration <= 0 {
		return errors.New("config: consensus.timeout_commit must be > 0")
	}
	if c.Consensus.MaxBlockSize <= 0 {
		return errors.New("config: consensus.max_block_size must be > 0")
	}

	// P2P.
	if c.P2P.ListenAddr == "" {
		return errors.New("config: p2p.listen_addr must not be empty")
	}
	if c.P2P.MaxPeers <= 0 {
		return errors.New("config: p2p.max_peers must be > 0")
	}

	// Storage.
	if c.Storage.DBPath == "" {
		return errors.New("config: storage.db_path must not be empty")
	}
	validBackends := map[string]bool{"pebble": true, "memory": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("config: storage.backend must be 'pebble' or 'memory', got %q", c.Storage.Backend)
	}

	// RPC.
	if c.RPC.HTTPAddr == "" {
		return errors.New("config: rpc.http_addr must not be empty")
	}

	// Dual-path tuning.
	if c.OptPath.RoundsBeforePrePare == 0 {
		return errors.New("config: opt_path.rounds_before_prepare must be > 0")
	}
	if c.Consensus.Exp.MaxExponent <= 0 {
		return errors.New("config: consensus.exp.max_exponent must be > 0")
	}
	if c.DDoS.GlobalRate <= 0 {
		return errors.New("config: ddos.global_rate must be > 0")
	}
	if c.Sync.RetryDelay.Duration <= 0 {
		return errors.New("config: sync.retry_delay must be > 0")
	}

	return nil
}
