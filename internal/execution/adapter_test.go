package execution

import (
	"testing"

	"github.com/dcz-labs/duplexbft/internal/consensus"
	"github.com/dcz-labs/duplexbft/internal/types"
)

type memStateStore struct {
	kv map[string][]byte
}

func newMemStateStore() *memStateStore { return &memStateStore{kv: make(map[string][]byte)} }

func (m *memStateStore) Get(key []byte) ([]byte, error) { return m.kv[string(key)], nil }
func (m *memStateStore) Set(key, value []byte) error {
	m.kv[string(key)] = append([]byte(nil), value...)
	return nil
}
func (m *memStateStore) GetStateRoot() (types.Hash, error) { return types.ZeroHash, nil }
func (m *memStateStore) SetStateRoot(types.Hash) error     { return nil }
func (m *memStateStore) ApplyWriteSet(kv map[string][]byte) error {
	for k, v := range kv {
		m.kv[k] = v
	}
	return nil
}

func testBlock(height uint64, txs [][]byte) *types.Block {
	block := &types.Block{
		Header: types.BlockHeader{
			Height:  height,
			Round:   0,
			ChainID: []byte("test-chain"),
		},
		Transactions: txs,
	}
	block.Header.BlockHash = block.Header.ComputeHash()
	return block
}

func TestMockExecutorImplementsInterface(t *testing.T) {
	var _ consensus.ExecutionAdapter = (*MockExecutor)(nil)
}

func TestMockExecutorSuccess(t *testing.T) {
	mock := NewMockExecutor()
	mock.NextStateRoot = types.Hash{0x01}
	mock.NextGasUsed = 5000

	block := testBlock(1, [][]byte{[]byte("tx1")})
	result, err := mock.ExecuteBlock(block, types.ZeroHash)
	if err != nil {
		t.Fatalf("execute block: %v", err)
	}
	if result.StateRoot != mock.NextStateRoot {
		t.Fatal("state root mismatch")
	}
	if result.GasUsed != 5000 {
		t.Fatalf("gas used = %d, want 5000", result.GasUsed)
	}
	if mock.CallCount != 1 {
		t.Fatalf("call count = %d, want 1", mock.CallCount)
	}
}

func TestMockExecutorFailure(t *testing.T) {
	mock := NewMockExecutor()
	mock.ShouldFail = true

	_, err := mock.ExecuteBlock(testBlock(1, nil), types.ZeroHash)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNativeAdapterIsDeterministic(t *testing.T) {
	a1 := NewNativeAdapter(newMemStateStore(), nil)
	a2 := NewNativeAdapter(newMemStateStore(), nil)

	block := testBlock(3, [][]byte{[]byte("tx1"), []byte("tx2")})

	r1, err := a1.ExecuteBlock(block, types.ZeroHash)
	if err != nil {
		t.Fatalf("execute block: %v", err)
	}
	r2, err := a2.ExecuteBlock(block, types.ZeroHash)
	if err != nil {
		t.Fatalf("execute block: %v", err)
	}
	if r1.StateRoot != r2.StateRoot {
		t.Fatal("two replicas executing the same block diverged")
	}
	if r1.StateRoot == types.ZeroHash {
		t.Fatal("expected non-zero state root after executing transactions")
	}
}

func TestNativeAdapterEmptyBlockPreservesRoot(t *testing.T) {
	a := NewNativeAdapter(newMemStateStore(), nil)
	prev := types.Hash{0xaa}

	result, err := a.ExecuteBlock(testBlock(1, nil), prev)
	if err != nil {
		t.Fatalf("execute block: %v", err)
	}
	if result.StateRoot != prev {
		t.Fatal("empty block should not change the state root")
	}
}

func TestNativeAdapterDiffersOnDifferentTxs(t *testing.T) {
	a := NewNativeAdapter(newMemStateStore(), nil)

	r1, err := a.ExecuteBlock(testBlock(1, [][]byte{[]byte("a")}), types.ZeroHash)
	if err != nil {
		t.Fatalf("execute block: %v", err)
	}
	r2, err := a.ExecuteBlock(testBlock(1, [][]byte{[]byte("b")}), types.ZeroHash)
	if err != nil {
		t.Fatalf("execute block: %v", err)
	}
	if r1.StateRoot == r2.StateRoot {
		t.Fatal("different transactions should produce different state roots")
	}
}
