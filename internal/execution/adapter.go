// Package execution applies committed blocks to chain state. Both the OPT
// and PES paths feed their decided block through the same adapter, so a
// height finalized via either path produces the same state root.
package execution

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/dcz-labs/duplexbft/internal/consensus"
	"github.com/dcz-labs/duplexbft/internal/storage"
	"github.com/dcz-labs/duplexbft/internal/types"
	"go.uber.org/zap"
)

var _ consensus.ExecutionAdapter = (*NativeAdapter)(nil)

// NativeAdapter executes blocks directly in-process: each transaction is
// folded into the running state root via SHA-256, and applied to the
// node's key-value state store. There is no WASM sandbox or gas metering
// here — transactions are opaque byte blobs whose only consensus-visible
// effect is their contribution to the state root, which is sufficient to
// drive the dual-path commit pipeline and keep replicas in state-root
// agreement.
type NativeAdapter struct {
	state  storage.StateStore
	logger *zap.Logger
}

// NewNativeAdapter creates a NativeAdapter backed by state.
func NewNativeAdapter(state storage.StateStore, logger *zap.Logger) *NativeAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NativeAdapter{state: state, logger: logger}
}

// ExecuteBlock folds every transaction in block into prevStateRoot and
// persists the resulting key/value writes, returning the new state root.
func (a *NativeAdapter) ExecuteBlock(block *types.Block, prevStateRoot types.Hash) (*consensus.ExecutionResult, error) {
	root := prevStateRoot
	var gasUsed uint64

	for i, tx := range block.Transactions {
		root = foldTx(root, block.Header.Height, tx)
		gasUsed += uint64(len(tx))

		key := txStateKey(block.Header.Height, i)
		if err := a.state.Set(key, root[:]); err != nil {
			return nil, fmt.Errorf("execution: apply tx %d at height %d: %w", i, block.Header.Height, err)
		}
	}

	a.logger.Debug("executed block",
		zap.Uint64("height", block.Header.Height),
		zap.Int("tx_count", len(block.Transactions)),
		zap.String("state_root", root.String()),
	)

	return &consensus.ExecutionResult{StateRoot: root, GasUsed: gasUsed}, nil
}

func foldTx(prevRoot types.Hash, height uint64, tx []byte) types.Hash {
	h := sha256.New()
	h.Write(prevRoot[:])
	var hb [8]byte
	binary.LittleEndian.PutUint64(hb[:], height)
	h.Write(hb[:])
	h.Write(tx)
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func txStateKey(height uint64, index int) []byte {
	key := make([]byte, 0, len("tx:")+8+8)
	key = append(key, "tx:"...)
	var hb [8]byte
	binary.LittleEndian.PutUint64(hb[:], height)
	key = append(key, hb[:]...)
	binary.LittleEndian.PutUint64(hb[:], uint64(index))
	key = append(key, hb[:]...)
	return key
}
