package consensus

import (
	"github.com/dcz-labs/duplexbft/internal/crypto"
	"github.com/dcz-labs/duplexbft/internal/types"
)

// OptLeader returns the OPT-path proposer for (height, round): the
// teacher's deterministic round-robin election, unchanged.
func OptLeader(valSet *types.ValidatorSet, height, round uint64) *types.Validator {
	return valSet.GetProposer(height, round)
}

// MvbaLeader returns the PES-path round leader a common coin selects.
func MvbaLeader(valSet *types.ValidatorSet, coin *types.Coin) *types.Validator {
	if coin == nil {
		return nil
	}
	return valSet.MVBALeader(coin.Value)
}

// DeriveRoundCoin folds a round's aggregated randomness share into a
// Coin, identifying the leader that share elects.
func DeriveRoundCoin(valSet *types.ValidatorSet, height, round uint64, aggShare []byte) *types.Coin {
	value := crypto.DeriveCoin(aggShare)
	leader := valSet.MVBALeader(value)
	var addr types.Address
	if leader != nil {
		addr = leader.Address
	}
	return &types.Coin{Height: height, Round: round, Leader: addr, Value: value}
}
