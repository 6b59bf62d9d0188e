package types

import (
	"crypto/ed25519"
	"encoding/binary"
)

// Vote represents a validator's OPT-path vote for a block.
type Vote struct {
	BlockHash Hash
	Height    uint64
	Round     uint64
	VoterID   Address
	Signature [64]byte
}

// SigningPayload returns the canonical bytes to sign for this vote.
// Format: block_hash(32) || height(8 LE) || round(8 LE)
func (v *Vote) SigningPayload() []byte {
	buf := make([]byte, 32+8+8)
	copy(buf[:32], v.BlockHash[:])
	binary.LittleEndian.PutUint64(buf[32:40], v.Height)
	binary.LittleEndian.PutUint64(buf[40:48], v.Round)
	return buf
}

// Verify checks the vote signature against the voter's public key.
func (v *Vote) Verify(pubKey [32]byte) bool {
	if v.Signature == [64]byte{} {
		return false
	}
	payload := v.SigningPayload()
	return ed25519.Verify(pubKey[:], payload, v.Signature[:])
}

// IsEquivocation checks if two votes from the same voter conflict:
// same voter, same height, same round, different block hash.
func IsEquivocation(a, b *Vote) bool {
	return a.VoterID == b.VoterID &&
		a.Height == b.Height &&
		a.Round == b.Round &&
		a.BlockHash != b.BlockHash
}
