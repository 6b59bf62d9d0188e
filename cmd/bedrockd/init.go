package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dcz-labs/duplexbft/internal/config"
	"github.com/dcz-labs/duplexbft/internal/crypto"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [moniker]",
		Short: "Initialize a new BedRock node",
		Args:  cobra.ExactArgs(1),
		RunE:  runInit,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("chain-id", "bedrock-devnet", "chain ID")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	moniker := args[0]
	homeDir, _ := cmd.Flags().GetString("home")
	chainID, _ := cmd.Flags().GetString("chain-id")

	// Create home directory structure.
	dirs := []string{
		homeDir,
		filepath.Join(homeDir, "data"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	// Generate node key: an Ed25519 identity for OPT-path signing and
	// gossip auth, plus a BLS key for the PES path's threshold proofs.
	pubKey, privKey, err := crypto.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	addr := crypto.AddressFromPubKey(pubKey)

	blsSigner, err := crypto.NewBLSSigner(addr[:])
	if err != nil {
		return fmt.Errorf("generate bls key: %w", err)
	}

	keyPath := filepath.Join(homeDir, "node_key.json")
	if err := writeNodeKey(keyPath, privKey, pubKey, addr[:]); err != nil {
		return err
	}

	// Write default config.
	cfg := config.DefaultConfig()
	cfg.Moniker = moniker
	cfg.ChainID = chainID
	configPath := filepath.Join(homeDir, "config.toml")
	if err := writeConfig(configPath, cfg); err != nil {
		return err
	}

	// Write genesis.
	genesisPath := filepath.Join(homeDir, "genesis.json")
	if err := writeGenesis(genesisPath, chainID, pubKey, addr, blsSigner.PublicKeyBytes()); err != nil {
		return err
	}

	nodeID := hex.EncodeToString(addr[:8])
	fmt.Printf("Initialized BedRock node\n")
	fmt.Printf("  Home:     %s\n", homeDir)
	fmt.Printf("  Node ID:  %s\n", nodeID)
	fmt.Printf("  Chain:    %s\n", chainID)
	fmt.Printf("  Moniker:  %s\n", moniker)
	fmt.Printf("\nStart with: bedrockd start --home %s\n", homeDir)

	return nil
}

func writeNodeKey(path string, privKey crypto.PrivateKey, pubKey crypto.PublicKey, blsSeed []byte) error {
	kf := nodeKeyFile{
		PrivateKey: []byte(privKey),
		PublicKey:  []byte(pubKey),
		BLSSeed:    blsSeed,
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal node key: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write node key: %w", err)
	}

	return nil
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

func writeGenesis(path string, chainID string, pubKey crypto.PublicKey, addr [32]byte, blsPubKey []byte) error {
	gen := config.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: time.Now(),
		Validators: []config.GenesisValidator{
			{
				Address:   hex.EncodeToString(addr[:]),
				PubKey:    hex.EncodeToString(pubKey),
				BLSPubKey: hex.EncodeToString(blsPubKey),
				Power:     100,
				Name:      "validator-0",
			},
		},
		ConsensusParams: config.ConsensusParams{
			MaxBlockSize:  1 << 20,
			MaxBlockGas:   10_000_000,
			MaxValidators: 100,
		},
	}

	data, err := json.MarshalIndent(gen, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write genesis: %w", err)
	}

	return nil
}
