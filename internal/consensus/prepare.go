package consensus

import (
	"github.com/dcz-labs/duplexbft/internal/crypto"
	"github.com/dcz-labs/duplexbft/internal/types"
	"go.uber.org/zap"
)

// castPrePare signs and broadcasts this replica's PrePare for height along
// path, idempotently, and feeds it into our own tally.
func (e *Engine) castPrePare(height uint64, path types.PathTag, qc *types.QuorumCertificate) {
	ps := e.pesState(height)
	switch path {
	case types.PathOPT:
		if ps.PreParedOPT {
			return
		}
		ps.PreParedOPT = true
	case types.PathPES:
		if ps.PreParedPES {
			return
		}
		ps.PreParedPES = true
	}

	p := &types.PrePare{Height: height, Val: path, VoterID: e.address, QC: qc}
	sig := crypto.Sign(e.privKey, p.SigningPayload())
	p.Signature = crypto.SigTo64(sig)

	if e.transport != nil {
		if err := e.transport.BroadcastPrePare(p); err != nil {
			e.logger.Error("failed to broadcast preparer", zap.Error(err))
		}
	}
	e.handlePrePareLocked(p)
}

// HandlePrePare validates and tallies a peer's PrePare for a height,
// locking the engine mutex first.
func (e *Engine) HandlePrePare(p *types.PrePare) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlePrePareLocked(p)
}

// handlePrePareLocked does the work of HandlePrePare; callers that already
// hold e.mu (castPrePare) call this directly to avoid deadlocking.
func (e *Engine) handlePrePareLocked(p *types.PrePare) {
	if p == nil {
		return
	}
	if p.Val == types.PathOPT && p.QC == nil {
		e.logger.Debug("opt prepare missing qc", zap.Uint64("height", p.Height))
		return
	}

	optQuorum, pesQuorum, err := e.aggregator.AddPrePare(p, e.valSet, e.pesValSet)
	if err != nil {
		e.logger.Debug("prepare rejected", zap.Error(err))
		return
	}

	if _, done := e.decidedHeights[p.Height]; done {
		return
	}

	switch {
	case optQuorum && p.Val == types.PathOPT:
		e.finalizeFromOPTPrePare(p.Height)
	case pesQuorum && p.Val == types.PathPES:
		e.concedeToPES(p.Height)
	}
}

// finalizeFromOPTPrePare runs once 2f+1 OPT PrePares for a height are
// tallied. It finalizes the height with the first tallied PrePare's QC,
// but only if the height's block is already in the block store; when there
// is no store or no stored block it does nothing. It does not start an
// MVBA instance with the OPT value.
func (e *Engine) finalizeFromOPTPrePare(height uint64) {
	if e.store == nil {
		return
	}
	prepares := e.aggregator.PrePareSet(height, types.PathOPT)
	for _, p := range prepares {
		if p.QC == nil {
			continue
		}
		block, _, _, err := e.store.GetBlock(height)
		if err != nil || block == nil {
			return
		}
		e.finalizeHeight(height, block, p.QC, types.PathOPT)
		return
	}
}
