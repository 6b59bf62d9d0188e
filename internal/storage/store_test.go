package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/dcz-labs/duplexbft/internal/config"
	"github.com/dcz-labs/duplexbft/internal/storage"
	"github.com/dcz-labs/duplexbft/internal/types"
)

func openTestStore(t *testing.T) *storage.PebbleStore {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.OpenStore(config.StorageConfig{DBPath: filepath.Join(dir, "db"), Backend: "pebble"})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetBlock(t *testing.T) {
	s := openTestStore(t)

	block := &types.Block{Header: types.BlockHeader{Height: 3, ChainID: []byte("chain")}}
	qc := &types.QuorumCertificate{Height: 2, Round: 0}

	if err := s.SaveBlock(block, qc, nil); err != nil {
		t.Fatalf("SaveBlock: %v", err)
	}

	got, gotQC, gotProof, err := s.GetBlock(3)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if got == nil || got.Header.Height != 3 {
		t.Fatalf("unexpected block: %+v", got)
	}
	if gotQC == nil || gotQC.Height != 2 {
		t.Fatalf("unexpected qc: %+v", gotQC)
	}
	if gotProof != nil {
		t.Fatalf("expected nil proof for OPT commit, got %+v", gotProof)
	}
}

func TestGetBlockMissing(t *testing.T) {
	s := openTestStore(t)
	block, qc, proof, err := s.GetBlock(99)
	if err != nil {
		t.Fatalf("GetBlock should not error on missing height: %v", err)
	}
	if block != nil || qc != nil || proof != nil {
		t.Fatal("missing block should return nils")
	}
}

func TestHasBlock(t *testing.T) {
	s := openTestStore(t)

	has, err := s.HasBlock(4)
	if err != nil {
		t.Fatalf("HasBlock: %v", err)
	}
	if has {
		t.Fatal("expected HasBlock false before save")
	}

	block := &types.Block{Header: types.BlockHeader{Height: 4, ChainID: []byte("chain")}}
	if err := s.SaveBlock(block, nil, nil); err != nil {
		t.Fatalf("SaveBlock: %v", err)
	}

	has, err = s.HasBlock(4)
	if err != nil {
		t.Fatalf("HasBlock: %v", err)
	}
	if !has {
		t.Fatal("expected HasBlock true after save")
	}
}

func TestSaveAndGetBlockWithPESProof(t *testing.T) {
	s := openTestStore(t)

	block := &types.Block{Header: types.BlockHeader{Height: 9, ChainID: []byte("chain")}}
	proof := &types.SPBProof{Height: 9, ValueHash: types.Hash{9}}

	if err := s.SaveBlock(block, nil, proof); err != nil {
		t.Fatalf("SaveBlock: %v", err)
	}

	got, gotQC, gotProof, err := s.GetBlock(9)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if got == nil || got.Header.Height != 9 {
		t.Fatalf("unexpected block: %+v", got)
	}
	if gotQC != nil {
		t.Fatalf("expected nil qc for PES commit, got %+v", gotQC)
	}
	if gotProof == nil || gotProof.Height != 9 {
		t.Fatalf("unexpected proof: %+v", gotProof)
	}
}

func TestLatestHeightTracksSaves(t *testing.T) {
	s := openTestStore(t)

	h, err := s.GetLatestHeight()
	if err != nil {
		t.Fatalf("GetLatestHeight: %v", err)
	}
	if h != 0 {
		t.Fatalf("expected 0 before any save, got %d", h)
	}

	for height := uint64(1); height <= 5; height++ {
		block := &types.Block{Header: types.BlockHeader{Height: height, ChainID: []byte("c")}}
		if err := s.SaveBlock(block, nil, nil); err != nil {
			t.Fatalf("SaveBlock: %v", err)
		}
	}

	h, err = s.GetLatestHeight()
	if err != nil {
		t.Fatalf("GetLatestHeight: %v", err)
	}
	if h != 5 {
		t.Fatalf("expected latest height 5, got %d", h)
	}
}

func TestSaveAndGetCommitStateRoot(t *testing.T) {
	s := openTestStore(t)
	root := types.Hash{1, 2, 3}

	if err := s.SaveCommit(7, root); err != nil {
		t.Fatalf("SaveCommit: %v", err)
	}
	got, err := s.GetCommitStateRoot(7)
	if err != nil {
		t.Fatalf("GetCommitStateRoot: %v", err)
	}
	if got != root {
		t.Fatalf("state root mismatch: got %s, want %s", got, root)
	}

	if _, err := s.GetCommitStateRoot(8); err == nil {
		t.Fatal("expected error for uncommitted height")
	}
}

func TestGetAndSetGenericKV(t *testing.T) {
	s := openTestStore(t)

	v, err := s.Get([]byte("nonce:alice"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != nil {
		t.Fatal("expected nil for missing key")
	}

	if err := s.Set([]byte("nonce:alice"), []byte{0, 0, 0, 0, 0, 0, 0, 5}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err = s.Get([]byte("nonce:alice"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(v) != 8 || v[7] != 5 {
		t.Fatalf("unexpected value: %v", v)
	}
}

func TestPrePareSetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	prepares := []types.PrePare{
		{Height: 10, Val: types.PathOPT, VoterID: types.Address{1}},
		{Height: 10, Val: types.PathOPT, VoterID: types.Address{2}},
	}
	if err := s.SavePrePareSet(10, prepares); err != nil {
		t.Fatalf("SavePrePareSet: %v", err)
	}

	got, err := s.GetPrePareSet(10)
	if err != nil {
		t.Fatalf("GetPrePareSet: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 prepares, got %d", len(got))
	}

	none, err := s.GetPrePareSet(999)
	if err != nil {
		t.Fatalf("GetPrePareSet: %v", err)
	}
	if none != nil {
		t.Fatal("expected nil for height with no stored prepares")
	}
}

func TestMVBARoundStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	blob := []byte("opaque-round-snapshot")
	if err := s.SaveMVBARoundState(5, 2, blob); err != nil {
		t.Fatalf("SaveMVBARoundState: %v", err)
	}
	got, err := s.GetMVBARoundState(5, 2)
	if err != nil {
		t.Fatalf("GetMVBARoundState: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatalf("round state mismatch: got %q", got)
	}

	// A different round at the same height is a distinct key.
	other, err := s.GetMVBARoundState(5, 3)
	if err != nil {
		t.Fatalf("GetMVBARoundState: %v", err)
	}
	if other != nil {
		t.Fatal("expected nil for unsaved round")
	}
}

func TestGCRemovesOldHeights(t *testing.T) {
	s := openTestStore(t)

	for h := uint64(1); h <= 5; h++ {
		if err := s.SavePrePareSet(h, []types.PrePare{{Height: h, Val: types.PathPES}}); err != nil {
			t.Fatalf("SavePrePareSet(%d): %v", h, err)
		}
		if err := s.SaveMVBARoundState(h, 0, []byte("x")); err != nil {
			t.Fatalf("SaveMVBARoundState(%d): %v", h, err)
		}
	}

	if err := s.GC(4); err != nil {
		t.Fatalf("GC: %v", err)
	}

	for h := uint64(1); h < 4; h++ {
		pp, err := s.GetPrePareSet(h)
		if err != nil {
			t.Fatalf("GetPrePareSet(%d): %v", h, err)
		}
		if pp != nil {
			t.Fatalf("height %d should have been garbage collected", h)
		}
	}

	pp, err := s.GetPrePareSet(4)
	if err != nil {
		t.Fatalf("GetPrePareSet(4): %v", err)
	}
	if pp == nil {
		t.Fatal("height 4 should survive GC(4) (exclusive upper bound)")
	}
}
