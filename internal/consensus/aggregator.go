package consensus

import (
	"fmt"
	"sync"

	"github.com/dcz-labs/duplexbft/internal/crypto"
	"github.com/dcz-labs/duplexbft/internal/types"
)

// roundKey identifies one (height, round) instance of a dual-path artifact.
type roundKey struct {
	Height uint64
	Round  uint64
}

type spbKey struct {
	Author types.Address
	Height uint64
	Round  uint64
	Phase  types.SPBPhase
}

type spbTally struct {
	valueHash types.Hash
	shares    map[types.Address][]byte
	power     uint64
	proof     *types.SPBProof
}

type preVoteTally struct {
	yes      map[types.Address]*types.MPreVote
	no       map[types.Address]*types.MPreVote
	yesPower uint64
	noPower  uint64
}

type mVoteTally struct {
	yes      map[types.Address]*types.MVote
	no       map[types.Address]*types.MVote
	yesPower uint64
	noPower  uint64
}

type shareTally struct {
	shares map[types.Address][]byte
	power  uint64
}

type prePareTally struct {
	opt      map[types.Address]*types.PrePare
	pes      map[types.Address]*types.PrePare
	optPower uint64
	pesPower uint64
}

// Aggregator counts threshold signatures and votes for every dual-path
// artifact. The OPT path's HotStuff votes delegate to VoteSet, matching
// the teacher's quorum bookkeeping; the PES path's SPB phase shares, MVBA
// pre-votes/votes/done-shares, and cross-path PrePares are tallied here
// since the teacher never needed anything beyond VoteSet.
type Aggregator struct {
	mu     sync.Mutex
	valSet *types.ValidatorSet

	hsVotes map[roundKey]*VoteSet

	spb      map[spbKey]*spbTally
	preVotes map[roundKey]*preVoteTally
	mVotes   map[roundKey]*mVoteTally
	done     map[roundKey]*shareTally
	random   map[roundKey]*shareTally
	prepares map[uint64]*prePareTally
}

// NewAggregator creates an Aggregator that judges OPT-path quorums against
// valSet. PrePare tallies are judged against whichever validator set the
// caller passes to AddPrePare for each path.
func NewAggregator(valSet *types.ValidatorSet) *Aggregator {
	return &Aggregator{
		valSet:   valSet,
		hsVotes:  make(map[roundKey]*VoteSet),
		spb:      make(map[spbKey]*spbTally),
		preVotes: make(map[roundKey]*preVoteTally),
		mVotes:   make(map[roundKey]*mVoteTally),
		done:     make(map[roundKey]*shareTally),
		random:   make(map[roundKey]*shareTally),
		prepares: make(map[uint64]*prePareTally),
	}
}

// AddHSVote tallies an OPT-path HotStuff vote for (height, round), lazily
// creating the underlying VoteSet the first time a vote for that round
// arrives.
func (a *Aggregator) AddHSVote(vote *types.Vote) (bool, *types.SlashingEvidence, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := roundKey{vote.Height, vote.Round}
	vs, ok := a.hsVotes[key]
	if !ok {
		vs = NewVoteSet(vote.Height, vote.Round, a.valSet)
		a.hsVotes[key] = vs
	}
	return vs.AddVote(vote)
}

// HSVoteSet returns the VoteSet backing (height, round), if any vote has
// been added for it yet.
func (a *Aggregator) HSVoteSet(height, round uint64) *VoteSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hsVotes[roundKey{height, round}]
}

// AddSPBVote tallies one replica's BLS share for one phase of one SPB
// instance. Returns the aggregated SPBProof once 2f+1 power has
// contributed a share for the same value hash, nil while still below
// quorum.
func (a *Aggregator) AddSPBVote(vote *types.SPBVote) (*types.SPBProof, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := spbKey{vote.Author, vote.Height, vote.Round, vote.Phase}
	t, ok := a.spb[key]
	if !ok {
		t = &spbTally{valueHash: vote.ValueHash, shares: make(map[types.Address][]byte)}
		a.spb[key] = t
	}
	if t.valueHash != vote.ValueHash {
		return nil, fmt.Errorf("%w: author=%s height=%d round=%d phase=%s",
			ErrConflictingSPBValue, vote.Author, vote.Height, vote.Round, vote.Phase)
	}
	if t.proof != nil {
		return t.proof, nil
	}

	val, ok := a.valSet.GetByAddress(vote.VoterID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownValidator, vote.VoterID)
	}
	if _, dup := t.shares[vote.VoterID]; !dup {
		t.shares[vote.VoterID] = vote.Share
		t.power += val.VotingPower
	}
	if !a.valSet.HasQuorum(t.power) {
		return nil, nil
	}

	signers := make([]types.Address, 0, len(t.shares))
	shares := make([][]byte, 0, len(t.shares))
	for addr, sh := range t.shares {
		signers = append(signers, addr)
		shares = append(shares, sh)
	}
	agg, err := crypto.BLSAggregate(shares)
	if err != nil {
		return nil, fmt.Errorf("aggregator: aggregate spb shares: %w", err)
	}
	proof := &types.SPBProof{
		Author:    vote.Author,
		Height:    vote.Height,
		Round:     vote.Round,
		Phase:     vote.Phase,
		ValueHash: vote.ValueHash,
		Signers:   signers,
		AggSig:    agg,
	}
	t.proof = proof
	return proof, nil
}

// AddPreVote tallies an MVBA pre-vote. yesQuorum/noQuorum report whether
// 2f+1 power has pre-voted that way for the round.
func (a *Aggregator) AddPreVote(pv *types.MPreVote) (yesQuorum, noQuorum bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := roundKey{pv.Height, pv.Round}
	t, ok := a.preVotes[key]
	if !ok {
		t = &preVoteTally{yes: make(map[types.Address]*types.MPreVote), no: make(map[types.Address]*types.MPreVote)}
		a.preVotes[key] = t
	}
	val, ok := a.valSet.GetByAddress(pv.VoterID)
	if !ok {
		return false, false, fmt.Errorf("%w: %s", ErrUnknownValidator, pv.VoterID)
	}
	if pv.Yes {
		if _, dup := t.yes[pv.VoterID]; !dup {
			t.yes[pv.VoterID] = pv
			t.yesPower += val.VotingPower
		}
	} else {
		if _, dup := t.no[pv.VoterID]; !dup {
			t.no[pv.VoterID] = pv
			t.noPower += val.VotingPower
		}
	}
	return a.valSet.HasQuorum(t.yesPower), a.valSet.HasQuorum(t.noPower), nil
}

// PreVoteYesValue returns the locked/finished value carried by one of the
// Yes pre-votes for (height, round), used once yes quorum is reached to
// pick the value the replica's own MVote should carry.
func (a *Aggregator) PreVoteYesValue(height, round uint64) (*types.SPBValue, *types.SPBProof) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.preVotes[roundKey{height, round}]
	if !ok {
		return nil, nil
	}
	for _, pv := range t.yes {
		if pv.Value != nil {
			return pv.Value, pv.Proof
		}
	}
	return nil, nil
}

// AddMVote tallies an MVBA vote. yesQuorum reports 2f+1 YesFlag power in
// the round (the values the Yes votes carry are not compared); noQuorum
// reports 2f+1 NoFlag power, which triggers a round advance with a fresh
// coin.
func (a *Aggregator) AddMVote(v *types.MVote) (yesQuorum, noQuorum bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := roundKey{v.Height, v.Round}
	t, ok := a.mVotes[key]
	if !ok {
		t = &mVoteTally{yes: make(map[types.Address]*types.MVote), no: make(map[types.Address]*types.MVote)}
		a.mVotes[key] = t
	}
	val, ok := a.valSet.GetByAddress(v.VoterID)
	if !ok {
		return false, false, fmt.Errorf("%w: %s", ErrUnknownValidator, v.VoterID)
	}
	if v.YesFlag {
		if _, dup := t.yes[v.VoterID]; !dup {
			t.yes[v.VoterID] = v
			t.yesPower += val.VotingPower
		}
	} else if v.NoFlag {
		if _, dup := t.no[v.VoterID]; !dup {
			t.no[v.VoterID] = v
			t.noPower += val.VotingPower
		}
	}
	return a.valSet.HasQuorum(t.yesPower), a.valSet.HasQuorum(t.noPower), nil
}

// MVoteYesValue returns the agreed value once yes quorum has been reached
// for (height, round).
func (a *Aggregator) MVoteYesValue(height, round uint64) (*types.SPBValue, *types.SPBProof) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.mVotes[roundKey{height, round}]
	if !ok {
		return nil, nil
	}
	for _, v := range t.yes {
		if v.Value != nil {
			return v.Value, v.Proof
		}
	}
	return nil, nil
}

// AddDoneShare tallies a DoneAndShare coin-share. weakQuorum fires once
// f+1 power has shared (the "Done" shortcut); quorum fires at the normal
// 2f+1 threshold. The aggregated randomness share, once computable, is
// returned alongside.
func (a *Aggregator) AddDoneShare(d *types.DoneAndShare) (weakQuorum, quorum bool, aggShare []byte, err error) {
	return a.addCoinShare(a.done, d.Height, d.Round, d.VoterID, d.Share)
}

// AddSMVBARandom tallies a standalone randomness share used to derive the
// coin for a fresh MVBA round (e.g. after 2f+1 NoFlag MVotes force a
// leader re-election without a new DoneAndShare round).
func (a *Aggregator) AddSMVBARandom(r *types.RandomnessShare) (weakQuorum, quorum bool, aggShare []byte, err error) {
	return a.addCoinShare(a.random, r.Height, r.Round, r.VoterID, r.Share)
}

func (a *Aggregator) addCoinShare(store map[roundKey]*shareTally, height, round uint64, voter types.Address, share []byte) (bool, bool, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := roundKey{height, round}
	t, ok := store[key]
	if !ok {
		t = &shareTally{shares: make(map[types.Address][]byte)}
		store[key] = t
	}
	val, ok := a.valSet.GetByAddress(voter)
	if !ok {
		return false, false, nil, fmt.Errorf("%w: %s", ErrUnknownValidator, voter)
	}
	if _, dup := t.shares[voter]; !dup {
		t.shares[voter] = share
		t.power += val.VotingPower
	}

	weak := a.valSet.HasWeakQuorum(t.power)
	quorum := a.valSet.HasQuorum(t.power)
	if !weak {
		return false, false, nil, nil
	}

	shares := make([][]byte, 0, len(t.shares))
	for _, sh := range t.shares {
		shares = append(shares, sh)
	}
	agg, err := crypto.BLSAggregate(shares)
	if err != nil {
		return weak, quorum, nil, fmt.Errorf("aggregator: aggregate coin shares: %w", err)
	}
	return weak, quorum, agg, nil
}

// AddPrePare tallies a PrePare for height, split by the path it names.
// The two paths are judged independently against the validator sets the
// caller supplies: each path's quorum is checked against that path's own
// committee size, never against the other path's, so a PES committee
// smaller than the OPT committee still reaches its own quorum correctly.
func (a *Aggregator) AddPrePare(p *types.PrePare, optSet, pesSet *types.ValidatorSet) (optQuorum, pesQuorum bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.prepares[p.Height]
	if !ok {
		t = &prePareTally{opt: make(map[types.Address]*types.PrePare), pes: make(map[types.Address]*types.PrePare)}
		a.prepares[p.Height] = t
	}

	switch p.Val {
	case types.PathOPT:
		val, ok := optSet.GetByAddress(p.VoterID)
		if !ok {
			return false, false, fmt.Errorf("%w (opt): %s", ErrUnknownValidator, p.VoterID)
		}
		if _, dup := t.opt[p.VoterID]; !dup {
			t.opt[p.VoterID] = p
			t.optPower += val.VotingPower
		}
	case types.PathPES:
		val, ok := pesSet.GetByAddress(p.VoterID)
		if !ok {
			return false, false, fmt.Errorf("%w (pes): %s", ErrUnknownValidator, p.VoterID)
		}
		if _, dup := t.pes[p.VoterID]; !dup {
			t.pes[p.VoterID] = p
			t.pesPower += val.VotingPower
		}
	default:
		return false, false, fmt.Errorf("%w: %d", ErrPrePareUnknownPath, p.Val)
	}

	return optSet.HasQuorum(t.optPower), pesSet.HasQuorum(t.pesPower), nil
}

// GC drops every tally keyed at a height strictly below belowHeight, once
// that height's path has been decided and is no longer racing.
func (a *Aggregator) GC(belowHeight uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for k := range a.hsVotes {
		if k.Height < belowHeight {
			delete(a.hsVotes, k)
		}
	}
	for k := range a.spb {
		if k.Height < belowHeight {
			delete(a.spb, k)
		}
	}
	for k := range a.preVotes {
		if k.Height < belowHeight {
			delete(a.preVotes, k)
		}
	}
	for k := range a.mVotes {
		if k.Height < belowHeight {
			delete(a.mVotes, k)
		}
	}
	for k := range a.done {
		if k.Height < belowHeight {
			delete(a.done, k)
		}
	}
	for k := range a.random {
		if k.Height < belowHeight {
			delete(a.random, k)
		}
	}
	for h := range a.prepares {
		if h < belowHeight {
			delete(a.prepares, h)
		}
	}
}

// PrePareSet returns the PrePares collected for height along the named
// path.
func (a *Aggregator) PrePareSet(height uint64, path types.PathTag) []types.PrePare {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.prepares[height]
	if !ok {
		return nil
	}
	src := t.opt
	if path == types.PathPES {
		src = t.pes
	}
	out := make([]types.PrePare, 0, len(src))
	for _, p := range src {
		out = append(out, *p)
	}
	return out
}
