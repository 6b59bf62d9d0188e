package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// BlockHeader contains block metadata for consensus.
type BlockHeader struct {
	Height     uint64
	Round      uint64
	ParentHash Hash
	StateRoot  Hash
	TxRoot     Hash
	ProposerID Address
	BlockTime  uint64
	ChainID    []byte
	BlockHash  Hash
}

// Block is the unit of agreement for both the OPT and PES paths. QC, when
// present, is the OPT-path quorum certificate for the parent block; the
// PES path carries the same Block type through SPBValue instead.
type Block struct {
	Header       BlockHeader
	Transactions [][]byte
	QC           *QuorumCertificate
}

// ComputeHash computes the canonical block hash: SHA-256 over a manual,
// deterministic little-endian encoding of the header fields. Length-
// prefixing the variable-length ChainID keeps the encoding unambiguous.
func (h *BlockHeader) ComputeHash() Hash {
	buf := make([]byte, 0, 8+8+32+32+32+32+8+4+len(h.ChainID))
	var tmp [8]byte

	binary.LittleEndian.PutUint64(tmp[:], h.Height)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], h.Round)
	buf = append(buf, tmp[:]...)
	buf = append(buf, h.ParentHash[:]...)
	buf = append(buf, h.StateRoot[:]...)
	buf = append(buf, h.TxRoot[:]...)
	buf = append(buf, h.ProposerID[:]...)
	binary.LittleEndian.PutUint64(tmp[:], h.BlockTime)
	buf = append(buf, tmp[:]...)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(h.ChainID)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, h.ChainID...)

	return sha256.Sum256(buf)
}

// Validate checks structural validity of the block.
func (b *Block) Validate() error {
	if b.Header.Height == 0 && b.Header.Round == 0 && b.Header.ParentHash.IsZero() {
		// Genesis block — allow.
		return nil
	}
	if b.Header.Height == 0 {
		return errors.New("block height must be > 0 for non-genesis blocks")
	}
	if len(b.Header.ChainID) == 0 {
		return errors.New("block chain_id must not be empty")
	}
	if b.Header.ProposerID.IsZero() {
		return errors.New("block proposer_id must not be zero")
	}
	return nil
}
