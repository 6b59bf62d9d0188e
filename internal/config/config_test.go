package config_test

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"github.com/dcz-labs/duplexbft/internal/config"
	"github.com/dcz-labs/duplexbft/internal/crypto"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig should be valid: %v", err)
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.Moniker != "bedrock-node" {
		t.Errorf("expected moniker 'bedrock-node', got %q", cfg.Moniker)
	}
	if cfg.Consensus.TimeoutPropose.Duration.String() != "3s" {
		t.Errorf("expected timeout_propose 3s, got %v", cfg.Consensus.TimeoutPropose)
	}
	if cfg.P2P.MaxPeers != 50 {
		t.Errorf("expected max_peers 50, got %d", cfg.P2P.MaxPeers)
	}
	if cfg.Storage.Backend != "pebble" {
		t.Errorf("expected backend 'pebble', got %q", cfg.Storage.Backend)
	}
	if cfg.RPC.HTTPAddr == "" {
		t.Error("expected a default admin http_addr")
	}
	if cfg.OptPath.RoundsBeforePrePare != 2 {
		t.Errorf("expected opt_path.rounds_before_prepare 2, got %d", cfg.OptPath.RoundsBeforePrePare)
	}
	if cfg.DDoS.GlobalRate != 50 {
		t.Errorf("expected ddos.global_rate 50, got %v", cfg.DDoS.GlobalRate)
	}
	if cfg.Sync.RetryDelay.Duration.String() != "2s" {
		t.Errorf("expected sync.retry_delay 2s, got %v", cfg.Sync.RetryDelay)
	}
}

func TestValidateRejectsEmptyMoniker(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Moniker = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("should reject empty moniker")
	}
}

func TestValidateRejectsInvalidBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatal("should reject invalid storage backend")
	}
}

func TestValidateRejectsZeroTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Consensus.TimeoutPropose = config.Duration{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("should reject zero timeout_propose")
	}
}

func TestLoadFileFromTOML(t *testing.T) {
	tomlContent := `
moniker = "my-validator"
chain_id = "bedrock-main"

[consensus]
timeout_propose = "5s"
timeout_vote = "2s"
timeout_commit = "2s"
max_block_size = 4194304
max_block_gas = 200000000

[p2p]
listen_addr = "/ip4/0.0.0.0/tcp/26656"
max_peers = 100
peer_scoring = true

[mempool]
max_size = 5000
max_tx_bytes = 524288
cache_size = 5000

[storage]
db_path = "data/mystore"
backend = "pebble"

[rpc]
http_addr = "0.0.0.0:8080"

[opt_path]
rounds_before_prepare = 3

[pes_path]
bls_seed = "deadbeef"

[sync]
retry_delay = "5s"

[telemetry]
enabled = true
addr = "0.0.0.0:9100"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(tomlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Moniker != "my-validator" {
		t.Errorf("expected moniker 'my-validator', got %q", cfg.Moniker)
	}
	if cfg.ChainID != "bedrock-main" {
		t.Errorf("expected chain_id 'bedrock-main', got %q", cfg.ChainID)
	}
	if cfg.Consensus.TimeoutPropose.Duration.String() != "5s" {
		t.Errorf("expected timeout_propose 5s, got %v", cfg.Consensus.TimeoutPropose)
	}
	if cfg.P2P.MaxPeers != 100 {
		t.Errorf("expected max_peers 100, got %d", cfg.P2P.MaxPeers)
	}
	if cfg.Storage.DBPath != "data/mystore" {
		t.Errorf("expected db_path 'data/mystore', got %q", cfg.Storage.DBPath)
	}
	if cfg.RPC.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("expected http_addr '0.0.0.0:8080', got %q", cfg.RPC.HTTPAddr)
	}
	if cfg.OptPath.RoundsBeforePrePare != 3 {
		t.Errorf("expected opt_path.rounds_before_prepare 3, got %d", cfg.OptPath.RoundsBeforePrePare)
	}
	if cfg.PesPath.BLSSeedHex != "deadbeef" {
		t.Errorf("expected pes_path.bls_seed 'deadbeef', got %q", cfg.PesPath.BLSSeedHex)
	}
	if cfg.Sync.RetryDelay.Duration.String() != "5s" {
		t.Errorf("expected sync.retry_delay 5s, got %v", cfg.Sync.RetryDelay)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("expected telemetry enabled")
	}
}

func TestLoadFileEnvOverrides(t *testing.T) {
	tomlContent := `
moniker = "original"
chain_id = "test"

[consensus]
timeout_propose = "3s"
timeout_vote = "1s"
timeout_commit = "1s"
max_block_size = 1048576

[p2p]
listen_addr = "/ip4/0.0.0.0/tcp/26656"
max_peers = 50
peer_scoring = true

[storage]
db_path = "data/blockstore"
backend = "pebble"

[rpc]
http_addr = "0.0.0.0:26657"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(tomlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	// Set env vars.
	t.Setenv("BEDROCK_MONIKER", "env-override")
	t.Setenv("BEDROCK_P2P_MAX_PEERS", "200")
	t.Setenv("BEDROCK_TELEMETRY_ENABLED", "true")
	t.Setenv("BEDROCK_PES_PATH_BLS_SEED", "cafebabe")
	t.Setenv("BEDROCK_SYNC_RETRY_DELAY", "10s")

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Moniker != "env-override" {
		t.Errorf("env override failed for moniker: got %q", cfg.Moniker)
	}
	if cfg.P2P.MaxPeers != 200 {
		t.Errorf("env override failed for max_peers: got %d", cfg.P2P.MaxPeers)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("env override failed for telemetry.enabled")
	}
	if cfg.PesPath.BLSSeedHex != "cafebabe" {
		t.Errorf("env override failed for pes_path.bls_seed: got %q", cfg.PesPath.BLSSeedHex)
	}
	if cfg.Sync.RetryDelay.Duration.String() != "10s" {
		t.Errorf("env override failed for sync.retry_delay: got %v", cfg.Sync.RetryDelay)
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	// Missing file.
	_, err := config.LoadFile("/nonexistent/config.toml")
	if err == nil {
		t.Fatal("should reject missing file")
	}

	// Invalid TOML.
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(path, []byte("{{invalid toml"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = config.LoadFile(path)
	if err == nil {
		t.Fatal("should reject invalid TOML")
	}
}

// --- Genesis ---

func testBLSPubKeyHex(t *testing.T, seed byte) string {
	t.Helper()
	signer, err := crypto.NewBLSSigner([]byte{seed})
	if err != nil {
		t.Fatalf("NewBLSSigner: %v", err)
	}
	return hex.EncodeToString(signer.PublicKeyBytes())
}

func TestLoadGenesis(t *testing.T) {
	pub1, _, _ := crypto.GenerateKeypair()
	pub2, _, _ := crypto.GenerateKeypair()
	addr1 := crypto.AddressFromPubKey(pub1)
	addr2 := crypto.AddressFromPubKey(pub2)
	bls1 := testBLSPubKeyHex(t, 1)
	bls2 := testBLSPubKeyHex(t, 2)

	genesisJSON := `{
  "chain_id": "bedrock-test",
  "genesis_time": "2024-01-01T00:00:00Z",
  "validators": [
    {
      "address": "` + hex.EncodeToString(addr1[:]) + `",
      "pub_key": "` + hex.EncodeToString(pub1) + `",
      "bls_pub_key": "` + bls1 + `",
      "power": 100,
      "name": "validator-1"
    },
    {
      "address": "` + hex.EncodeToString(addr2[:]) + `",
      "pub_key": "` + hex.EncodeToString(pub2) + `",
      "bls_pub_key": "` + bls2 + `",
      "power": 200,
      "name": "validator-2"
    }
  ],
  "app_state_root": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
  "consensus_params": {
    "max_block_size": 2097152,
    "max_block_gas": 100000000,
    "max_validators": 100
  }
}`

	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.json")
	if err := os.WriteFile(path, []byte(genesisJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	gen, err := config.LoadGenesis(path)
	if err != nil {
		t.Fatalf("LoadGenesis: %v", err)
	}

	if gen.ChainID != "bedrock-test" {
		t.Errorf("expected chain_id 'bedrock-test', got %q", gen.ChainID)
	}
	if len(gen.Validators) != 2 {
		t.Fatalf("expected 2 validators, got %d", len(gen.Validators))
	}
	if gen.Validators[0].Power != 100 {
		t.Errorf("expected power 100, got %d", gen.Validators[0].Power)
	}
}

func TestGenesisToValidatorSet(t *testing.T) {
	pub1, _, _ := crypto.GenerateKeypair()
	pub2, _, _ := crypto.GenerateKeypair()
	addr1 := crypto.AddressFromPubKey(pub1)
	addr2 := crypto.AddressFromPubKey(pub2)
	bls1 := testBLSPubKeyHex(t, 3)
	bls2 := testBLSPubKeyHex(t, 4)

	genesisJSON := `{
  "chain_id": "test",
  "genesis_time": "2024-01-01T00:00:00Z",
  "validators": [
    {
      "address": "` + hex.EncodeToString(addr1[:]) + `",
      "pub_key": "` + hex.EncodeToString(pub1) + `",
      "bls_pub_key": "` + bls1 + `",
      "power": 100,
      "name": "v1"
    },
    {
      "address": "` + hex.EncodeToString(addr2[:]) + `",
      "pub_key": "` + hex.EncodeToString(pub2) + `",
      "bls_pub_key": "` + bls2 + `",
      "power": 200,
      "name": "v2"
    }
  ],
  "consensus_params": {
    "max_block_size": 1048576,
    "max_block_gas": 50000000,
    "max_validators": 10
  }
}`

	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.json")
	if err := os.WriteFile(path, []byte(genesisJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	gen, err := config.LoadGenesis(path)
	if err != nil {
		t.Fatalf("LoadGenesis: %v", err)
	}

	valSet, err := gen.ToValidatorSet()
	if err != nil {
		t.Fatalf("ToValidatorSet: %v", err)
	}

	if valSet.Size() != 2 {
		t.Fatalf("expected 2 validators, got %d", valSet.Size())
	}
	if valSet.TotalPower != 300 {
		t.Fatalf("expected total power 300, got %d", valSet.TotalPower)
	}
}

func TestGenesisAppStateRootHash(t *testing.T) {
	pub, _, _ := crypto.GenerateKeypair()
	addr := crypto.AddressFromPubKey(pub)
	bls := testBLSPubKeyHex(t, 5)

	genesisJSON := `{
  "chain_id": "test",
  "genesis_time": "2024-01-01T00:00:00Z",
  "validators": [{"address": "` + hex.EncodeToString(addr[:]) + `", "pub_key": "` + hex.EncodeToString(pub) + `", "bls_pub_key": "` + bls + `", "power": 100, "name": "v"}],
  "app_state_root": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
  "consensus_params": {"max_block_size": 1048576, "max_block_gas": 50000000, "max_validators": 10}
}`

	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.json")
	if err := os.WriteFile(path, []byte(genesisJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	gen, err := config.LoadGenesis(path)
	if err != nil {
		t.Fatalf("LoadGenesis: %v", err)
	}

	root, err := gen.AppStateRootHash()
	if err != nil {
		t.Fatalf("AppStateRootHash: %v", err)
	}
	if root.IsZero() {
		t.Fatal("app state root should not be zero")
	}
	if root.String() != "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb" {
		t.Fatalf("unexpected app state root: %s", root.String())
	}
}

func TestLoadGenesisRejectsMissingFile(t *testing.T) {
	_, err := config.LoadGenesis("/nonexistent/genesis.json")
	if err == nil {
		t.Fatal("should reject missing file")
	}
}

func TestGenesisValidateRejectsNoValidators(t *testing.T) {
	genesisJSON := `{
  "chain_id": "test",
  "genesis_time": "2024-01-01T00:00:00Z",
  "validators": [],
  "consensus_params": {"max_block_size": 1048576, "max_block_gas": 50000000, "max_validators": 10}
}`
	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.json")
	if err := os.WriteFile(path, []byte(genesisJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := config.LoadGenesis(path)
	if err == nil {
		t.Fatal("should reject empty validator set")
	}
}
