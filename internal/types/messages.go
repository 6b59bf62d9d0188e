package types

import "encoding/binary"

// PathTag identifies which consensus path a block, vote, or PrePare
// belongs to.
type PathTag uint8

const (
	PathOPT PathTag = 0
	PathPES PathTag = 1
)

func (t PathTag) String() string {
	if t == PathOPT {
		return "opt"
	}
	return "pes"
}

// SPBPhase is one of the three phases of Strong Provable Broadcast.
type SPBPhase uint8

const (
	PhaseInit SPBPhase = 0
	PhaseLock SPBPhase = 1
	PhaseFin  SPBPhase = 2
)

func (p SPBPhase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseLock:
		return "lock"
	case PhaseFin:
		return "fin"
	default:
		return "unknown"
	}
}

// SPBValue is the value one replica drives through its own SPB instance
// during an MVBA round: a candidate block proposed as that height's
// pessimistic-path value.
type SPBValue struct {
	Block  *Block
	Author Address
	Height uint64
	Round  uint64
}

// ValueHash returns the canonical hash identifying this SPB value.
func (v *SPBValue) ValueHash() Hash {
	if v.Block == nil {
		return ZeroHash
	}
	h := v.Block.Header
	if h.BlockHash.IsZero() {
		h.BlockHash = h.ComputeHash()
	}
	return h.BlockHash
}

// SPBProof certifies that 2f+1 replicas voted for valueHash at the given
// (author, height, round, phase): a BLS-aggregated threshold proof.
type SPBProof struct {
	Author    Address
	Height    uint64
	Round     uint64
	Phase     SPBPhase
	ValueHash Hash
	Signers   []Address
	AggSig    []byte
}

// payload returns the bytes every SPB-phase artifact (vote, proof) signs
// over: the tuple identifying exactly one phase of one SPB instance.
func spbPhasePayload(author Address, height, round uint64, phase SPBPhase, valueHash Hash) []byte {
	buf := make([]byte, 0, 32+8+8+1+32)
	buf = append(buf, author[:]...)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], height)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], round)
	buf = append(buf, tmp[:]...)
	buf = append(buf, byte(phase))
	buf = append(buf, valueHash[:]...)
	return buf
}

// SigningPayload returns the bytes a validator's phase vote signs.
func (p *SPBProof) SigningPayload() []byte {
	return spbPhasePayload(p.Author, p.Height, p.Round, p.Phase, p.ValueHash)
}

// SPBPropose carries a candidate value into a given SPB phase, along with
// the aggregated proof of the prior phase (nil when Phase == PhaseInit).
type SPBPropose struct {
	Value SPBValue
	Phase SPBPhase
	Proof *SPBProof
}

// SPBVote is one replica's threshold-signature share for one SPB phase.
type SPBVote struct {
	Author    Address
	Height    uint64
	Round     uint64
	Phase     SPBPhase
	ValueHash Hash
	VoterID   Address
	Share     []byte
}

// SigningPayload returns the bytes this vote's BLS share signs.
func (v *SPBVote) SigningPayload() []byte {
	return spbPhasePayload(v.Author, v.Height, v.Round, v.Phase, v.ValueHash)
}

// SPBFinish announces that an SPB instance reached the FIN phase and
// carries the terminal proof plus (optionally) the value itself, so peers
// who never saw the INIT/LOCK propagation can still adopt it.
type SPBFinish struct {
	Author    Address
	Height    uint64
	Round     uint64
	ValueHash Hash
	Proof     *SPBProof
	Value     *SPBValue
}

// DoneAndShare is broadcast once a replica has collected 2f+1 SPB
// finishes (or f+1 Done messages from others) for a height; it carries
// that replica's coin share for electing the MVBA round leader. This is
// the same wire payload the original protocol calls both "Done" and
// "DoneAndShare" — one Go type covers both names.
type DoneAndShare struct {
	Height  uint64
	Round   uint64
	VoterID Address
	Share   []byte
}

func coinPayload(height, round uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[:8], height)
	binary.LittleEndian.PutUint64(buf[8:16], round)
	return buf
}

// SigningPayload returns the bytes this coin share signs.
func (d *DoneAndShare) SigningPayload() []byte {
	return coinPayload(d.Height, d.Round)
}

// RandomnessShare is a replica's BLS partial signature over (height,
// round), aggregated (f+1 shares) to derive the round's common coin.
type RandomnessShare struct {
	Height  uint64
	Round   uint64
	VoterID Address
	Share   []byte
}

// SigningPayload returns the bytes this share signs.
func (r *RandomnessShare) SigningPayload() []byte {
	return coinPayload(r.Height, r.Round)
}

// Coin is the derived common coin for one MVBA round: a deterministic
// function of the round's aggregated randomness shares, used to select
// that round's leader.
type Coin struct {
	Height uint64
	Round  uint64
	Leader Address
	Value  uint64
}

// MPreVote is cast after a replica inspects the round leader's SPB
// instance: Yes (with the leader's locked/finished value and its proof)
// if the replica holds a LOCK or FIN proof for it, No otherwise.
type MPreVote struct {
	Height  uint64
	Round   uint64
	VoterID Address
	Yes     bool
	Value   *SPBValue
	Proof   *SPBProof
	Share   []byte
}

func preVotePayload(height, round uint64, yes bool, valueHash Hash) []byte {
	buf := make([]byte, 0, 16+1+32)
	buf = append(buf, coinPayload(height, round)...)
	if yes {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, valueHash[:]...)
	return buf
}

// SigningPayload returns the bytes this pre-vote signs.
func (p *MPreVote) SigningPayload() []byte {
	var vh Hash
	if p.Value != nil {
		vh = p.Value.ValueHash()
	}
	return preVotePayload(p.Height, p.Round, p.Yes, vh)
}

// MVote is the second-round MVBA vote. A replica casts at most one MVote
// per round: YesFlag once 2f+1 power of Yes prevotes is tallied for the
// round, NoFlag once 2f+1 power of No prevotes is. The values carried by
// the Yes prevotes are not compared.
type MVote struct {
	Height  uint64
	Round   uint64
	VoterID Address
	YesFlag bool
	NoFlag  bool
	Value   *SPBValue
	Proof   *SPBProof
	Share   []byte
}

// SigningPayload returns the bytes this vote signs.
func (v *MVote) SigningPayload() []byte {
	var vh Hash
	if v.Value != nil {
		vh = v.Value.ValueHash()
	}
	return preVotePayload(v.Height, v.Round, v.YesFlag, vh)
}

// MHalt is terminal: broadcast once a replica collects 2f+1 power of
// YesFlag MVotes (their values are not compared), delivering the value
// one of them carries as the height's agreed PES-path output.
type MHalt struct {
	Height  uint64
	Round   uint64
	VoterID Address
	Value   *SPBValue
	Proof   *SPBProof
}

// PrePare is cast once a replica decides, for a given height, whether it
// believes the OPT or PES path will finalize first. 2f+1 OPT PrePares
// finalize the height only if its block is already in the block store;
// 2f+1 PES PrePares concede the height to the PES path. Neither quorum
// starts an MVBA instance with the winning path's value.
type PrePare struct {
	Height    uint64
	Val       PathTag
	VoterID   Address
	QC        *QuorumCertificate // embedded QC(h-1); required when Val == PathOPT
	Signature [64]byte
}

// SigningPayload returns the canonical bytes to sign for this PrePare.
// Format: height(8 LE) || val(1)
func (p *PrePare) SigningPayload() []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf[:8], p.Height)
	buf[8] = byte(p.Val)
	return buf
}
