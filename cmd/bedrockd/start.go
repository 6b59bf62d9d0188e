package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dcz-labs/duplexbft/internal/config"
	"github.com/dcz-labs/duplexbft/internal/crypto"
	"github.com/dcz-labs/duplexbft/internal/node"
	"github.com/dcz-labs/duplexbft/internal/telemetry"
	"github.com/dcz-labs/duplexbft/internal/types"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the BedRock node",
		RunE:  runStart,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("config", "", "path to config file (default: <home>/config.toml)")
	cmd.Flags().String("genesis", "", "path to genesis file (default: <home>/genesis.json)")
	cmd.Flags().String("log-level", "development", "log level: development or production")

	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	homeDir, _ := cmd.Flags().GetString("home")
	logLevel, _ := cmd.Flags().GetString("log-level")

	// Setup logger.
	logger, err := telemetry.NewLogger(logLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// Load config.
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = filepath.Join(homeDir, "config.toml")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Resolve paths relative to home dir.
	if !filepath.IsAbs(cfg.Storage.DBPath) {
		cfg.Storage.DBPath = filepath.Join(homeDir, cfg.Storage.DBPath)
	}
	if cfg.PesPath.CommitteeFile != "" && !filepath.IsAbs(cfg.PesPath.CommitteeFile) {
		cfg.PesPath.CommitteeFile = filepath.Join(homeDir, cfg.PesPath.CommitteeFile)
	}

	// Load node key.
	nodeKeyPath := filepath.Join(homeDir, "node_key.json")
	privKey, err := loadNodeKey(nodeKeyPath)
	if err != nil {
		return fmt.Errorf("load node key: %w", err)
	}

	// The PES path's BLS seed lives alongside the Ed25519 identity unless
	// the operator configured a distinct one.
	if cfg.PesPath.BLSSeedHex == "" {
		blsSeedHex, err := loadBLSSeedHex(nodeKeyPath)
		if err != nil {
			return fmt.Errorf("load bls seed: %w", err)
		}
		cfg.PesPath.BLSSeedHex = blsSeedHex
	}

	// Load genesis (for validator set).
	genesisPath, _ := cmd.Flags().GetString("genesis")
	if genesisPath == "" {
		genesisPath = filepath.Join(homeDir, "genesis.json")
	}

	valSet, err := loadGenesisValidators(genesisPath, privKey)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}

	// Create and start node.
	n, err := node.NewNode(cfg, privKey, valSet, logger)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	// Handle OS signals for graceful shutdown.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	fmt.Println("BedRock node started. Press Ctrl+C to stop.")

	// Wait for shutdown signal.
	<-ctx.Done()
	fmt.Println("\nShutdown signal received...")

	return n.Stop()
}

func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Use defaults.
			return config.DefaultConfig(), nil
		}
		return nil, err
	}

	cfg := config.DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// nodeKeyFile represents the JSON structure for storing node keys. BLSSeed
// derives the replica's threshold-signing key for the PES path; it is
// separate from the Ed25519 identity key used for the OPT path and gossip
// authentication.
type nodeKeyFile struct {
	PrivateKey []byte `json:"private_key"`
	PublicKey  []byte `json:"public_key"`
	BLSSeed    []byte `json:"bls_seed"`
}

func loadNodeKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node key: %w", err)
	}

	var kf nodeKeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse node key: %w", err)
	}

	return crypto.PrivateKey(kf.PrivateKey), nil
}

func loadBLSSeedHex(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read node key: %w", err)
	}

	var kf nodeKeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("parse node key: %w", err)
	}

	return hex.EncodeToString(kf.BLSSeed), nil
}

func loadGenesisValidators(path string, privKey crypto.PrivateKey) (*types.ValidatorSet, error) {
	gen, err := config.LoadGenesis(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return createDevValidatorSet(privKey)
		}
		return nil, err
	}

	return gen.ToValidatorSet()
}

func createDevValidatorSet(privKey crypto.PrivateKey) (*types.ValidatorSet, error) {
	pubKey := privKey.Public().(crypto.PublicKey)
	addr := crypto.AddressFromPubKey(pubKey)

	blsSigner, err := crypto.NewBLSSigner(addr[:])
	if err != nil {
		return nil, fmt.Errorf("derive dev BLS key: %w", err)
	}

	return types.NewValidatorSet([]types.Validator{
		{
			Address:      addr,
			PublicKey:    crypto.PubKeyTo32(pubKey),
			BLSPublicKey: blsSigner.PublicKeyBytes(),
			VotingPower:  100,
		},
	})
}
