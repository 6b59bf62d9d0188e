// Package storage persists blocks, commit state, and in-flight dual-path
// protocol state to a local Pebble database.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/dcz-labs/duplexbft/internal/config"
	"github.com/dcz-labs/duplexbft/internal/types"
)

// BlockStore is the persistence surface the OPT path needs: committed
// blocks, their QCs, and the state root each commit produced.
// BlockStore's commit proof is a tagged union: a height committed by the
// OPT path carries a QuorumCertificate, one committed by the PES path
// carries the SPBProof backing its MVBA decision. Exactly one is non-nil
// for any committed block; both are nil for an uncommitted (e.g. genesis)
// block passed to SaveBlock ahead of its commit record.
type BlockStore interface {
	SaveBlock(block *types.Block, qc *types.QuorumCertificate, proof *types.SPBProof) error
	GetBlock(height uint64) (*types.Block, *types.QuorumCertificate, *types.SPBProof, error)
	HasBlock(height uint64) (bool, error)
	SaveCommit(height uint64, stateRoot types.Hash) error
	GetCommitStateRoot(height uint64) (types.Hash, error)
	GetLatestHeight() (uint64, error)
}

// StateStore is the generic key-value surface the mempool (nonce checks)
// and sync (snapshot verification) packages read against.
type StateStore interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error

	// GetStateRoot/SetStateRoot track the replica's current head state
	// root independent of any single height's commit record, so the
	// syncer can stamp progress mid-snapshot before a commit is recorded.
	GetStateRoot() (types.Hash, error)
	SetStateRoot(root types.Hash) error

	// ApplyWriteSet bulk-loads a snapshot's key/value pairs into the
	// generic KV namespace.
	ApplyWriteSet(kv map[string][]byte) error
}

// PathStore persists per-height, per-round dual-path protocol state so a
// restarted replica can resume an in-flight MVBA round or PrePare tally
// instead of re-running it from scratch.
type PathStore interface {
	SavePrePareSet(height uint64, prepares []types.PrePare) error
	GetPrePareSet(height uint64) ([]types.PrePare, error)
	SaveMVBARoundState(height, round uint64, blob []byte) error
	GetMVBARoundState(height, round uint64) ([]byte, error)
	GC(belowHeight uint64) error
}

// Store is the full persistence surface a node depends on: block/commit
// storage, generic state lookups, dual-path protocol state, and
// lifecycle. Package consumers hold this interface; PebbleStore is its
// only implementation.
type Store interface {
	BlockStore
	StateStore
	PathStore
	Close() error
}

// PebbleStore is the concrete Pebble-backed implementation of Store.
type PebbleStore struct {
	db *pebble.DB
}

const (
	prefixBlock       = "b:" // b:<height 8BE> -> gob(storedBlock)
	prefixCommit      = "c:" // c:<height 8BE> -> state root (32 bytes)
	prefixKV          = "k:" // k:<key> -> value, generic state store
	prefixLatest      = "latest-height"
	prefixPrePare     = "pp:" // pp:<height 8BE> -> gob([]types.PrePare)
	prefixMVBAState   = "mv:" // mv:<height 8BE><round 8BE> -> opaque blob
)

// OpenStore opens (creating if absent) the Pebble database at cfg.DBPath.
func OpenStore(cfg config.StorageConfig) (*PebbleStore, error) {
	db, err := pebble.Open(cfg.DBPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open pebble at %s: %w", cfg.DBPath, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func heightKey(prefix string, height uint64) []byte {
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], height)
	return buf
}

func roundKey(prefix string, height, round uint64) []byte {
	buf := make([]byte, len(prefix)+16)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):len(prefix)+8], height)
	binary.BigEndian.PutUint64(buf[len(prefix)+8:], round)
	return buf
}

type storedBlock struct {
	Block *types.Block
	QC    *types.QuorumCertificate
	Proof *types.SPBProof
}

// SaveBlock persists a block and its commit proof (QC for an OPT commit,
// SPBProof for a PES one; both nil for genesis) and advances the
// latest-height marker.
func (s *PebbleStore) SaveBlock(block *types.Block, qc *types.QuorumCertificate, proof *types.SPBProof) error {
	if block == nil {
		return errors.New("storage: nil block")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(storedBlock{Block: block, QC: qc, Proof: proof}); err != nil {
		return fmt.Errorf("storage: encode block: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(heightKey(prefixBlock, block.Header.Height), buf.Bytes(), nil); err != nil {
		return err
	}
	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], block.Header.Height)
	if err := batch.Set([]byte(prefixLatest), hb[:], nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// GetBlock returns the block and commit proof stored at height.
func (s *PebbleStore) GetBlock(height uint64) (*types.Block, *types.QuorumCertificate, *types.SPBProof, error) {
	val, closer, err := s.db.Get(heightKey(prefixBlock, height))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, err
	}
	defer closer.Close()

	var sb storedBlock
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&sb); err != nil {
		return nil, nil, nil, fmt.Errorf("storage: decode block: %w", err)
	}
	return sb.Block, sb.QC, sb.Proof, nil
}

// HasBlock reports whether a block is already persisted at height, so a
// fetcher can skip re-downloading it.
func (s *PebbleStore) HasBlock(height uint64) (bool, error) {
	val, closer, err := s.db.Get(heightKey(prefixBlock, height))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return len(val) > 0, nil
}

// SaveCommit records the state root produced by committing height.
func (s *PebbleStore) SaveCommit(height uint64, stateRoot types.Hash) error {
	return s.db.Set(heightKey(prefixCommit, height), stateRoot[:], pebble.Sync)
}

// GetCommitStateRoot returns the state root committed at height.
func (s *PebbleStore) GetCommitStateRoot(height uint64) (types.Hash, error) {
	val, closer, err := s.db.Get(heightKey(prefixCommit, height))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return types.ZeroHash, fmt.Errorf("storage: no commit at height %d", height)
		}
		return types.ZeroHash, err
	}
	defer closer.Close()
	h, err := types.HashFromBytes(val)
	if err != nil {
		return types.ZeroHash, err
	}
	return h, nil
}

// GetLatestHeight returns the height of the most recently saved block.
func (s *PebbleStore) GetLatestHeight() (uint64, error) {
	val, closer, err := s.db.Get([]byte(prefixLatest))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(val), nil
}

// Get returns the value stored under key, or nil if absent.
func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(append([]byte(prefixKV), key...))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Set stores value under key.
func (s *PebbleStore) Set(key, value []byte) error {
	return s.db.Set(append([]byte(prefixKV), key...), value, pebble.Sync)
}

var stateRootKey = []byte("head-state-root")

// GetStateRoot returns the replica's current head state root.
func (s *PebbleStore) GetStateRoot() (types.Hash, error) {
	val, err := s.Get(stateRootKey)
	if err != nil || val == nil {
		return types.Hash{}, err
	}
	var h types.Hash
	copy(h[:], val)
	return h, nil
}

// SetStateRoot records the replica's current head state root.
func (s *PebbleStore) SetStateRoot(root types.Hash) error {
	return s.Set(stateRootKey, root[:])
}

// ApplyWriteSet loads a snapshot's key/value pairs into the generic KV
// namespace in a single batch.
func (s *PebbleStore) ApplyWriteSet(kv map[string][]byte) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for k, v := range kv {
		if err := batch.Set(append([]byte(prefixKV), k...), v, nil); err != nil {
			return fmt.Errorf("storage: apply write set key %q: %w", k, err)
		}
	}
	return batch.Commit(pebble.Sync)
}

// SavePrePareSet persists the PrePares collected so far for height, so a
// restarted replica can rejoin the PrePare tally instead of re-voting.
func (s *PebbleStore) SavePrePareSet(height uint64, prepares []types.PrePare) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(prepares); err != nil {
		return fmt.Errorf("storage: encode prepare set: %w", err)
	}
	return s.db.Set(heightKey(prefixPrePare, height), buf.Bytes(), pebble.Sync)
}

// GetPrePareSet returns the PrePares persisted for height.
func (s *PebbleStore) GetPrePareSet(height uint64) ([]types.PrePare, error) {
	val, closer, err := s.db.Get(heightKey(prefixPrePare, height))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	var out []types.PrePare
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&out); err != nil {
		return nil, fmt.Errorf("storage: decode prepare set: %w", err)
	}
	return out, nil
}

// SaveMVBARoundState persists an opaque snapshot of one MVBA round's
// tallies (pre-votes, votes, coin shares) for crash recovery.
func (s *PebbleStore) SaveMVBARoundState(height, round uint64, blob []byte) error {
	return s.db.Set(roundKey(prefixMVBAState, height, round), blob, pebble.Sync)
}

// GetMVBARoundState returns the persisted snapshot for (height, round).
func (s *PebbleStore) GetMVBARoundState(height, round uint64) ([]byte, error) {
	val, closer, err := s.db.Get(roundKey(prefixMVBAState, height, round))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// GC drops PrePare and MVBA round state for every height strictly below
// belowHeight. The consensus engine calls it with belowHeight set eight
// heights behind each newly finalized height (gcLag in commit.go), so
// state for the nearer heights is kept.
func (s *PebbleStore) GC(belowHeight uint64) error {
	if belowHeight == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, prefix := range []string{prefixPrePare, prefixMVBAState} {
		lower := []byte(prefix)
		upper := heightKey(prefix, belowHeight)
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
		if err != nil {
			return err
		}
		for iter.First(); iter.Valid(); iter.Next() {
			if err := batch.Delete(iter.Key(), nil); err != nil {
				iter.Close()
				return err
			}
		}
		iter.Close()
	}
	return batch.Commit(pebble.Sync)
}

var (
	_ BlockStore = (*PebbleStore)(nil)
	_ StateStore = (*PebbleStore)(nil)
	_ PathStore  = (*PebbleStore)(nil)
	_ Store      = (*PebbleStore)(nil)
)
