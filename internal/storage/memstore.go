package storage

import (
	"fmt"
	"sync"

	"github.com/dcz-labs/duplexbft/internal/types"
)

// MemStore is an in-memory Store used by unit tests that need a real
// BlockStore/StateStore/PathStore without standing up a Pebble database.
type MemStore struct {
	mu sync.RWMutex

	blocks       map[uint64]storedBlock
	commits      map[uint64]types.Hash
	latestHeight uint64

	kv        map[string][]byte
	stateRoot types.Hash

	prepares map[uint64][]types.PrePare
	mvba     map[[2]uint64][]byte
}

// NewMemStore creates an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		blocks:   make(map[uint64]storedBlock),
		commits:  make(map[uint64]types.Hash),
		kv:       make(map[string][]byte),
		prepares: make(map[uint64][]types.PrePare),
		mvba:     make(map[[2]uint64][]byte),
	}
}

func (m *MemStore) SaveBlock(block *types.Block, qc *types.QuorumCertificate, proof *types.SPBProof) error {
	if block == nil {
		return fmt.Errorf("storage: nil block")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[block.Header.Height] = storedBlock{Block: block, QC: qc, Proof: proof}
	if block.Header.Height > m.latestHeight {
		m.latestHeight = block.Header.Height
	}
	return nil
}

func (m *MemStore) GetBlock(height uint64) (*types.Block, *types.QuorumCertificate, *types.SPBProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.blocks[height]
	if !ok {
		return nil, nil, nil, nil
	}
	return sb.Block, sb.QC, sb.Proof, nil
}

func (m *MemStore) HasBlock(height uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[height]
	return ok, nil
}

func (m *MemStore) SaveCommit(height uint64, stateRoot types.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits[height] = stateRoot
	return nil
}

func (m *MemStore) GetCommitStateRoot(height uint64) (types.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	root, ok := m.commits[height]
	if !ok {
		return types.ZeroHash, fmt.Errorf("storage: no commit at height %d", height)
	}
	return root, nil
}

func (m *MemStore) GetLatestHeight() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestHeight, nil
}

func (m *MemStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.kv[string(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (m *MemStore) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemStore) GetStateRoot() (types.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateRoot, nil
}

func (m *MemStore) SetStateRoot(root types.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateRoot = root
	return nil
}

func (m *MemStore) ApplyWriteSet(kv map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range kv {
		m.kv[k] = append([]byte(nil), v...)
	}
	return nil
}

func (m *MemStore) SavePrePareSet(height uint64, prepares []types.PrePare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepares[height] = append([]types.PrePare(nil), prepares...)
	return nil
}

func (m *MemStore) GetPrePareSet(height uint64) ([]types.PrePare, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prepares[height], nil
}

func (m *MemStore) SaveMVBARoundState(height, round uint64, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mvba[[2]uint64{height, round}] = append([]byte(nil), blob...)
	return nil
}

func (m *MemStore) GetMVBARoundState(height, round uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mvba[[2]uint64{height, round}], nil
}

func (m *MemStore) GC(belowHeight uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h := range m.prepares {
		if h < belowHeight {
			delete(m.prepares, h)
		}
	}
	for k := range m.mvba {
		if k[0] < belowHeight {
			delete(m.mvba, k)
		}
	}
	return nil
}

func (m *MemStore) Close() error {
	return nil
}

var _ Store = (*MemStore)(nil)
