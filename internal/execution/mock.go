package execution

import (
	"errors"

	"github.com/dcz-labs/duplexbft/internal/consensus"
	"github.com/dcz-labs/duplexbft/internal/types"
)

var _ consensus.ExecutionAdapter = (*MockExecutor)(nil)

// MockExecutor implements consensus.ExecutionAdapter for testing. It
// returns configurable results without touching a state store.
type MockExecutor struct {
	NextStateRoot types.Hash
	NextGasUsed   uint64
	ShouldFail    bool
	FailError     error

	CallCount    int
	LastBlock    *types.Block
	LastPrevRoot types.Hash
}

// NewMockExecutor creates a MockExecutor with default settings.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// ExecuteBlock implements consensus.ExecutionAdapter.
func (m *MockExecutor) ExecuteBlock(block *types.Block, prevStateRoot types.Hash) (*consensus.ExecutionResult, error) {
	m.CallCount++
	m.LastBlock = block
	m.LastPrevRoot = prevStateRoot

	if m.ShouldFail {
		if m.FailError != nil {
			return nil, m.FailError
		}
		return nil, errors.New("mock: execution failed")
	}

	return &consensus.ExecutionResult{
		StateRoot: m.NextStateRoot,
		GasUsed:   m.NextGasUsed,
	}, nil
}
