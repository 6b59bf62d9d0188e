package consensus

import (
	"github.com/dcz-labs/duplexbft/internal/types"
	"go.uber.org/zap"
)

// HandlePreVote is the external entry point for a peer's pre-vote: it
// takes e.mu and delegates to handlePreVoteLocked.
func (e *Engine) HandlePreVote(pv *types.MPreVote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlePreVoteLocked(pv)
}

// handlePreVoteLocked feeds a peer's pre-vote into the aggregator. Once
// 2f+1 pre-voted Yes for the round, this replica casts its own MVote
// carrying the agreed value; once 2f+1 pre-voted No, it casts a NoFlag
// MVote. Callers must already hold e.mu.
func (e *Engine) handlePreVoteLocked(pv *types.MPreVote) {
	yesQuorum, noQuorum, err := e.aggregator.AddPreVote(pv)
	if err != nil {
		e.logger.Debug("pre-vote rejected", zap.Error(err))
		return
	}

	ps := e.pesState(pv.Height)
	if ps.MVoted {
		return
	}

	switch {
	case yesQuorum:
		value, proof := e.aggregator.PreVoteYesValue(pv.Height, pv.Round)
		e.castMVote(ps, true, value, proof)
	case noQuorum:
		e.castMVote(ps, false, nil, nil)
	}
}

// castMVote signs and broadcasts this replica's second-round MVBA vote.
// Callers must already hold e.mu.
func (e *Engine) castMVote(ps *PESHeightState, yes bool, value *types.SPBValue, proof *types.SPBProof) {
	if ps.MVoted || e.blsSigner == nil {
		return
	}
	ps.MVoted = true

	v := &types.MVote{Height: ps.Height, Round: ps.Round, VoterID: e.address, YesFlag: yes, NoFlag: !yes, Value: value, Proof: proof}
	v.Share = e.blsSigner.Share(v.SigningPayload())

	if e.transport != nil {
		if err := e.transport.BroadcastMVote(v); err != nil {
			e.logger.Error("failed to broadcast mvote", zap.Error(err))
		}
	}
	e.handleMVoteLocked(v)
}

// HandleMVote is the external entry point for a peer's MVote: it takes
// e.mu and delegates to handleMVoteLocked.
func (e *Engine) HandleMVote(v *types.MVote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleMVoteLocked(v)
}

// handleMVoteLocked feeds a peer's MVote into the aggregator. 2f+1
// YesFlag votes decide the round (MHalt) with the value one of them
// carries; 2f+1 NoFlag
// votes force a fresh round with a new coin. Callers must already hold
// e.mu.
func (e *Engine) handleMVoteLocked(v *types.MVote) {
	yesQuorum, noQuorum, err := e.aggregator.AddMVote(v)
	if err != nil {
		e.logger.Debug("mvote rejected", zap.Error(err))
		return
	}

	ps := e.pesState(v.Height)
	if ps.Decided {
		return
	}

	if yesQuorum {
		value, proof := e.aggregator.MVoteYesValue(v.Height, v.Round)
		e.decidePES(ps, value, proof)
		return
	}
	if noQuorum {
		e.advanceMVBARound(ps)
	}
}

// decidePES finalizes the round: broadcast MHalt, mark the height decided,
// and hand the agreed value to the OPT/PES arbitration layer. Callers must
// already hold e.mu.
func (e *Engine) decidePES(ps *PESHeightState, value *types.SPBValue, proof *types.SPBProof) {
	if ps.Decided || value == nil {
		return
	}
	ps.Decided = true
	ps.DecidedValue = value
	ps.DecidedProof = proof

	halt := &types.MHalt{Height: ps.Height, Round: ps.Round, VoterID: e.address, Value: value, Proof: proof}
	if e.transport != nil {
		if err := e.transport.BroadcastHalt(halt); err != nil {
			e.logger.Error("failed to broadcast halt", zap.Error(err))
		}
	}

	e.logger.Info("PES path decided",
		zap.Uint64("height", ps.Height),
		zap.Uint64("round", ps.Round),
	)
	e.finalizePESHeight(ps)
}

// HandleHalt records a peer's terminal MHalt. A replica that never
// completed its own pre-vote/vote round for the height can still adopt
// the decided value directly once it verifies the proof.
func (e *Engine) HandleHalt(msg *types.MHalt) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg == nil || msg.Value == nil {
		return
	}

	ps := e.pesState(msg.Height)
	if ps.Decided {
		return
	}
	ps.Decided = true
	ps.DecidedValue = msg.Value
	ps.DecidedProof = msg.Proof

	e.logger.Info("adopted PES decision from peer halt",
		zap.Uint64("height", msg.Height),
		zap.Uint64("round", msg.Round),
	)
	e.finalizePESHeight(ps)
}

// advanceMVBARound moves the height's MVBA session to the next round: a
// fresh SPB instance driven by the same candidate value, and a fresh
// randomness share toward the next round's coin. Callers must already
// hold e.mu.
func (e *Engine) advanceMVBARound(ps *PESHeightState) {
	selfValue := ps.SelfValue
	ps.ResetForRound(ps.Round + 1)
	ps.SelfValue = selfValue

	e.logger.Info("MVBA round advancing",
		zap.Uint64("height", ps.Height),
		zap.Uint64("round", ps.Round),
	)

	if selfValue != nil {
		e.startOwnSPB(ps.Height, ps.Round, selfValue)
	}
	if e.blsSigner != nil {
		r := &types.RandomnessShare{Height: ps.Height, Round: ps.Round, VoterID: e.address}
		r.Share = e.blsSigner.Share(r.SigningPayload())
		if e.transport != nil {
			if err := e.transport.BroadcastDoneAndShare(&types.DoneAndShare{Height: r.Height, Round: r.Round, VoterID: r.VoterID, Share: r.Share}); err != nil {
				e.logger.Error("failed to broadcast round-advance share", zap.Error(err))
			}
		}
	}
}
