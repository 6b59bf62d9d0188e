package types

import "encoding/binary"

// Proposal is broadcast by the OPT-path round leader containing a block
// and signature.
type Proposal struct {
	Block      *Block
	Round      uint64
	ProposerID Address
	Signature  [64]byte
}

// SigningPayload returns the canonical bytes to sign for this proposal.
// Format: block_hash(32) || round(8 LE)
func (p *Proposal) SigningPayload() []byte {
	buf := make([]byte, 32+8)
	blockHash := p.Block.Header.BlockHash
	if blockHash.IsZero() {
		blockHash = p.Block.Header.ComputeHash()
	}
	copy(buf[:32], blockHash[:])
	binary.LittleEndian.PutUint64(buf[32:40], p.Round)
	return buf
}

// TimeoutMessage is sent when a validator's OPT-path round timer expires.
type TimeoutMessage struct {
	Height    uint64
	Round     uint64
	VoterID   Address
	Signature [64]byte
	HighQC    *QuorumCertificate
}

// SigningPayload returns the canonical bytes to sign for this timeout message.
// Format: height(8 LE) || round(8 LE)
func (tm *TimeoutMessage) SigningPayload() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[:8], tm.Height)
	binary.LittleEndian.PutUint64(buf[8:16], tm.Round)
	return buf
}

// SlashingEvidence wraps evidence of validator misbehaviour.
type SlashingEvidence struct {
	DoubleVote     *DoubleVoteEvidence
	DoubleProposal *DoubleProposalEvidence
	Height         uint64
	Timestamp      uint64
}

// DoubleVoteEvidence proves a validator voted for two different blocks
// in the same round.
type DoubleVoteEvidence struct {
	VoteA       *Vote
	VoteB       *Vote
	ValidatorID Address
}

// DoubleProposalEvidence proves a validator proposed two different blocks
// in the same round.
type DoubleProposalEvidence struct {
	ProposalA   *Proposal
	ProposalB   *Proposal
	ValidatorID Address
}
