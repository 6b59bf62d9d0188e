package consensus

import (
	"github.com/dcz-labs/duplexbft/internal/crypto"
	"github.com/dcz-labs/duplexbft/internal/types"
	"go.uber.org/zap"
)

// SPBInstance tracks one author's Strong Provable Broadcast run: the
// candidate value and the proof of the highest phase reached so far.
type SPBInstance struct {
	Author types.Address
	Height uint64
	Round  uint64
	Value  *types.SPBValue
	Phase  types.SPBPhase
	Proof  *types.SPBProof
	Done   bool // author reached FIN and broadcast SPBFinish
}

// pesState returns (creating if necessary) this height's PES state.
// Callers must already hold e.mu.
func (e *Engine) pesState(height uint64) *PESHeightState {
	ps, ok := e.pesStates[height]
	if !ok {
		ps = NewPESHeightState(height)
		e.pesStates[height] = ps
	}
	return ps
}

// startOwnSPB drives this replica's own SPB instance for height/round with
// the given candidate value: broadcast the INIT proposal and cast our own
// INIT-phase vote. Callers must already hold e.mu.
func (e *Engine) startOwnSPB(height, round uint64, value *types.SPBValue) {
	ps := e.pesState(height)
	ps.SelfValue = value

	inst := &SPBInstance{Author: e.address, Height: height, Round: round, Value: value, Phase: types.PhaseInit}
	ps.Instances[e.address] = inst

	propose := &types.SPBPropose{Value: *value, Phase: types.PhaseInit}
	if e.transport != nil {
		if err := e.transport.BroadcastSPBPropose(propose); err != nil {
			e.logger.Error("failed to broadcast spb propose", zap.Error(err))
		}
	}
	e.castSPBVote(e.address, height, round, types.PhaseInit, value.ValueHash())
}

// castSPBVote signs and broadcasts this replica's share for one phase of
// author's SPB instance, and feeds it into our own aggregator tally.
// Callers must already hold e.mu.
func (e *Engine) castSPBVote(author types.Address, height, round uint64, phase types.SPBPhase, valueHash types.Hash) {
	if e.blsSigner == nil {
		return
	}
	vote := &types.SPBVote{
		Author:    author,
		Height:    height,
		Round:     round,
		Phase:     phase,
		ValueHash: valueHash,
		VoterID:   e.address,
	}
	vote.Share = e.blsSigner.Share(vote.SigningPayload())

	if e.transport != nil {
		if err := e.transport.BroadcastSPBVote(vote); err != nil {
			e.logger.Error("failed to broadcast spb vote", zap.Error(err))
		}
	}
	e.handleSPBVoteLocked(vote)
}

// HandleSPBPropose records a peer's SPB phase proposal and, once the prior
// phase's proof verifies (or the proposal is for INIT), casts our vote for
// the proposed phase.
func (e *Engine) HandleSPBPropose(msg *types.SPBPropose) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg == nil {
		return
	}
	value := msg.Value
	height, round, author := value.Height, value.Round, value.Author

	if msg.Phase != types.PhaseInit {
		if msg.Proof == nil {
			e.logger.Debug("spb propose missing prior-phase proof", zap.String("phase", msg.Phase.String()))
			return
		}
		if err := crypto.VerifySPBProof(msg.Proof, e.pesValSet); err != nil {
			e.logger.Warn("spb proof failed verification", zap.Error(err))
			return
		}
	}

	ps := e.pesState(height)
	inst, ok := ps.Instances[author]
	if !ok {
		inst = &SPBInstance{Author: author, Height: height, Round: round}
		ps.Instances[author] = inst
	}
	if inst.Phase > msg.Phase {
		return
	}
	inst.Value = &value
	inst.Phase = msg.Phase
	if msg.Proof != nil {
		inst.Proof = msg.Proof
	}

	e.castSPBVote(author, height, round, msg.Phase, value.ValueHash())
}

// HandleSPBVote is the external entry point for a peer's phase vote: it
// takes e.mu and delegates to handleSPBVoteLocked.
func (e *Engine) HandleSPBVote(vote *types.SPBVote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleSPBVoteLocked(vote)
}

// handleSPBVoteLocked feeds a phase vote into the aggregator. Once a phase
// reaches quorum, the author's local instance advances: INIT proposes
// advance to LOCK, LOCK to FIN, and FIN triggers an SPBFinish broadcast.
// Callers must already hold e.mu.
func (e *Engine) handleSPBVoteLocked(vote *types.SPBVote) {
	proof, err := e.aggregator.AddSPBVote(vote)
	if err != nil {
		e.logger.Debug("spb vote rejected", zap.Error(err))
		return
	}
	if proof == nil {
		return
	}

	ps := e.pesState(vote.Height)
	inst, ok := ps.Instances[vote.Author]
	if !ok || inst.Proof == proof {
		return
	}
	inst.Proof = proof

	switch vote.Phase {
	case types.PhaseInit:
		e.advanceSPBPhase(ps, inst, types.PhaseLock)
	case types.PhaseLock:
		e.advanceSPBPhase(ps, inst, types.PhaseFin)
	case types.PhaseFin:
		e.finishSPB(ps, inst)
	}
}

// advanceSPBPhase is only driven by the instance's own author: it is the
// author's responsibility to propose the next phase once the current one
// proves out. Callers must already hold e.mu.
func (e *Engine) advanceSPBPhase(ps *PESHeightState, inst *SPBInstance, next types.SPBPhase) {
	if inst.Author != e.address || inst.Value == nil {
		return
	}
	inst.Phase = next
	propose := &types.SPBPropose{Value: *inst.Value, Phase: next, Proof: inst.Proof}
	if e.transport != nil {
		if err := e.transport.BroadcastSPBPropose(propose); err != nil {
			e.logger.Error("failed to broadcast spb propose", zap.Error(err))
		}
	}
	e.castSPBVote(inst.Author, inst.Height, inst.Round, next, inst.Value.ValueHash())
}

// finishSPB announces this instance's FIN proof to the network and, if it
// is our own instance, counts toward the done threshold we track locally.
// Callers must already hold e.mu.
func (e *Engine) finishSPB(ps *PESHeightState, inst *SPBInstance) {
	if inst.Done {
		return
	}
	inst.Done = true

	if inst.Author == e.address && inst.Value != nil {
		finish := &types.SPBFinish{
			Author:    inst.Author,
			Height:    inst.Height,
			Round:     inst.Round,
			ValueHash: inst.Value.ValueHash(),
			Proof:     inst.Proof,
			Value:     inst.Value,
		}
		if e.transport != nil {
			if err := e.transport.BroadcastSPBFinish(finish); err != nil {
				e.logger.Error("failed to broadcast spb finish", zap.Error(err))
			}
		}
	}

	e.maybeBroadcastDone(ps, inst.Height, inst.Round)
}

// HandleSPBFinish records a peer's SPB completion. Once 2f+1 finishes (by
// power) have been observed for the round, this replica is unblocked to
// broadcast its own DoneAndShare even if its own instance has not
// finished yet.
func (e *Engine) HandleSPBFinish(msg *types.SPBFinish) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg == nil || msg.Proof == nil {
		return
	}
	if err := crypto.VerifySPBProof(msg.Proof, e.pesValSet); err != nil {
		e.logger.Warn("spb finish proof invalid", zap.Error(err))
		return
	}

	ps := e.pesState(msg.Height)
	inst, ok := ps.Instances[msg.Author]
	if !ok {
		inst = &SPBInstance{Author: msg.Author, Height: msg.Height, Round: msg.Round}
		ps.Instances[msg.Author] = inst
	}
	inst.Phase = types.PhaseFin
	inst.Proof = msg.Proof
	inst.Value = msg.Value
	inst.Done = true

	ps.DoneCount++
	e.maybeBroadcastDone(ps, msg.Height, msg.Round)
}

// maybeBroadcastDone shares this replica's coin-share once enough SPB
// instances for the round have finished, per the original protocol's
// 2f+1-finish-or-f+1-done shortcut — the aggregator's weak/strong quorum
// split on DoneAndShare itself implements the f+1 half; here we gate on
// directly-observed finishes for the 2f+1 half. Callers must already hold
// e.mu.
func (e *Engine) maybeBroadcastDone(ps *PESHeightState, height, round uint64) {
	if ps.RoundCoin != nil {
		return
	}
	var power uint64
	for _, inst := range ps.Instances {
		if inst.Done {
			if val, ok := e.pesValSet.GetByAddress(inst.Author); ok {
				power += val.VotingPower
			}
		}
	}
	if !e.pesValSet.HasQuorum(power) {
		return
	}
	e.broadcastOwnDone(height, round)
}

// broadcastOwnDone shares this replica's coin randomness share for the
// round, idempotently. Callers must already hold e.mu.
func (e *Engine) broadcastOwnDone(height, round uint64) {
	if e.blsSigner == nil {
		return
	}
	d := &types.DoneAndShare{Height: height, Round: round, VoterID: e.address}
	d.Share = e.blsSigner.Share(d.SigningPayload())
	if e.transport != nil {
		if err := e.transport.BroadcastDoneAndShare(d); err != nil {
			e.logger.Error("failed to broadcast done-and-share", zap.Error(err))
		}
	}
	e.handleDoneAndShareLocked(d)
}

// HandleDoneAndShare is the external entry point for a peer's coin share:
// it takes e.mu and delegates to handleDoneAndShareLocked.
func (e *Engine) HandleDoneAndShare(d *types.DoneAndShare) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleDoneAndShareLocked(d)
}

// handleDoneAndShareLocked feeds a coin share into the aggregator. The
// f+1 weak quorum both unblocks this replica's own DoneAndShare (the
// "Done" shortcut) and, once the aggregated share is computable, derives
// the round's coin and kicks off the pre-vote phase. Callers must already
// hold e.mu.
func (e *Engine) handleDoneAndShareLocked(d *types.DoneAndShare) {
	weak, _, aggShare, err := e.aggregator.AddDoneShare(d)
	if err != nil {
		e.logger.Debug("done-and-share rejected", zap.Error(err))
		return
	}
	if !weak {
		return
	}

	ps := e.pesState(d.Height)
	if ps.RoundCoin != nil {
		return
	}
	// Derive the coin before sharing our own share, so the nested
	// handleDoneAndShareLocked call for that share returns early.
	if aggShare != nil {
		ps.RoundCoin = DeriveRoundCoin(e.pesValSet, d.Height, d.Round, aggShare)
	}
	if d.VoterID != e.address {
		e.broadcastOwnDone(d.Height, d.Round)
	}
	if ps.RoundCoin != nil {
		e.castPreVote(ps, ps.RoundCoin)
	}
}

// castPreVote inspects the round leader's SPB instance and votes Yes with
// its value/proof if we hold a LOCK-or-later proof for it, No otherwise.
// Callers must already hold e.mu.
func (e *Engine) castPreVote(ps *PESHeightState, coin *types.Coin) {
	if ps.PreVoted || e.blsSigner == nil {
		return
	}
	ps.PreVoted = true

	pv := &types.MPreVote{Height: ps.Height, Round: ps.Round, VoterID: e.address}
	if inst, ok := ps.Instances[coin.Leader]; ok && inst.Proof != nil && inst.Phase >= types.PhaseLock {
		pv.Yes = true
		pv.Value = inst.Value
		pv.Proof = inst.Proof
	}
	pv.Share = e.blsSigner.Share(pv.SigningPayload())

	if e.transport != nil {
		if err := e.transport.BroadcastPreVote(pv); err != nil {
			e.logger.Error("failed to broadcast pre-vote", zap.Error(err))
		}
	}
	e.handlePreVoteLocked(pv)
}
