package crypto

import (
	"errors"

	bls "github.com/cloudflare/circl/sign/bls"

	"github.com/dcz-labs/duplexbft/internal/types"
)

// scheme pins the BLS curve assignment: keys on G1, signatures on G2. This
// is what makes signature aggregation (many signers, one short signature)
// cheap, which is the only reason the PES path can afford per-phase
// threshold proofs at every height.
type scheme = bls.KeyG1SigG2

// BLSPublicKey is a validator's threshold-signing key, published alongside
// its Ed25519 key in the validator set.
type BLSPublicKey = bls.PublicKey[scheme]

// BLSSigner produces BLS shares for one replica: SPB phase votes, MVBA
// pre-votes/votes, and randomness shares for the common coin. Shares are
// combined by BLSAggregate.
type BLSSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPublicKey
}

// NewBLSSigner derives a BLS keypair deterministically from seed. Each
// replica calls this once at startup with its configured seed material.
func NewBLSSigner(seed []byte) (*BLSSigner, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, err
	}
	return &BLSSigner{sk: sk, pk: sk.PublicKey()}, nil
}

// PublicKey returns the signer's BLS public key.
func (s *BLSSigner) PublicKey() *BLSPublicKey { return s.pk }

// PublicKeyBytes returns the marshaled public key, suitable for storing on
// types.Validator.BLSPublicKey.
func (s *BLSSigner) PublicKeyBytes() []byte {
	b, _ := s.pk.MarshalBinary()
	return b
}

// Share produces this replica's threshold-signature share over payload:
// one SPB phase vote, MVBA pre-vote/vote, or randomness share.
func (s *BLSSigner) Share(payload []byte) []byte {
	return bls.Sign(s.sk, payload)
}

// BLSPubKeyFromBytes unmarshals a validator's published BLS public key.
func BLSPubKeyFromBytes(b []byte) (*BLSPublicKey, error) {
	pk := new(BLSPublicKey)
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return pk, nil
}

// BLSVerifyShare checks a single replica's share against its public key.
func BLSVerifyShare(pk *BLSPublicKey, payload, share []byte) bool {
	if pk == nil || len(share) == 0 {
		return false
	}
	return bls.Verify(pk, payload, bls.Signature(share))
}

// BLSAggregate combines shares for the same payload into one threshold
// proof. Used once an SPB phase collects 2f+1 matching vote shares and
// once a coin round collects f+1 coin shares.
func BLSAggregate(shares [][]byte) ([]byte, error) {
	sigs := make([]bls.Signature, 0, len(shares))
	for _, s := range shares {
		if len(s) == 0 {
			continue
		}
		sigs = append(sigs, bls.Signature(s))
	}
	if len(sigs) == 0 {
		return nil, errors.New("no shares to aggregate")
	}
	agg, err := bls.Aggregate(bls.G1{}, sigs)
	if err != nil {
		return nil, err
	}
	return agg, nil
}

// BLSVerifyAggregate checks an aggregated signature against the public
// keys of its signers, all of whom signed the same payload. Used to
// verify an SPBProof's AggSig against the validator set entries named in
// Signers.
func BLSVerifyAggregate(pks []*BLSPublicKey, payload, aggSig []byte) bool {
	if len(pks) == 0 || len(aggSig) == 0 {
		return false
	}
	return bls.VerifyAggregate(pks, [][]byte{payload}, bls.Signature(aggSig))
}

// DeriveCoin folds an aggregated randomness share into a round's common
// coin value. The coin selects the MVBA round leader via
// ValidatorSet.MVBALeader.
func DeriveCoin(aggShare []byte) uint64 {
	if len(aggShare) == 0 {
		return 0
	}
	h := HashSHA256(aggShare)
	return uint64(h[0])<<56 | uint64(h[1])<<48 | uint64(h[2])<<40 | uint64(h[3])<<32 |
		uint64(h[4])<<24 | uint64(h[5])<<16 | uint64(h[6])<<8 | uint64(h[7])
}

// VerifySPBProof checks a threshold proof against the validator set's
// published BLS keys for the signers it names.
func VerifySPBProof(proof *types.SPBProof, valSet *types.ValidatorSet) error {
	if proof == nil {
		return errors.New("nil SPB proof")
	}
	if len(proof.Signers) == 0 {
		return errors.New("SPB proof has no signers")
	}

	seen := make(map[types.Address]bool, len(proof.Signers))
	var power uint64
	pks := make([]*BLSPublicKey, 0, len(proof.Signers))

	for _, addr := range proof.Signers {
		if seen[addr] {
			return errors.New("duplicate signer in SPB proof")
		}
		seen[addr] = true

		val, ok := valSet.GetByAddress(addr)
		if !ok {
			return errors.New("SPB proof names unknown validator")
		}
		pk, err := BLSPubKeyFromBytes(val.BLSPublicKey)
		if err != nil {
			return err
		}
		pks = append(pks, pk)
		power += val.VotingPower
	}

	if !valSet.HasQuorum(power) {
		return errors.New("SPB proof below quorum")
	}
	if !BLSVerifyAggregate(pks, proof.SigningPayload(), proof.AggSig) {
		return errors.New("SPB proof aggregate signature invalid")
	}
	return nil
}
