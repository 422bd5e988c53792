package blssig

import (
	"context"
	"errors"
	"fmt"

	"github.com/drand/kyber"
)

// SignatureShare is one member's partial signature. Member i of a quorum holds
// the key share evaluated at x = i+1.
type SignatureShare struct {
	Index     int
	Signature []byte
}

func (v *Verifier) shareID(index int) kyber.Scalar {
	return v.keyGroup.Scalar().SetInt64(int64(index) + 1)
}

// Recover interpolates the threshold signature from the first threshold
// shares. Shares must come from distinct members.
func (v *Verifier) Recover(shares []SignatureShare, threshold int) ([]byte, error) {
	if threshold <= 0 {
		return nil, errors.New("threshold must be positive")
	}
	if len(shares) < threshold {
		return nil, fmt.Errorf("%w: %d < %d", ErrNotEnoughShares, len(shares), threshold)
	}
	shares = shares[:threshold]
	metrics.recoverShares.Record(context.TODO(), int64(len(shares)))

	ids := make([]kyber.Scalar, len(shares))
	seen := make(map[int]struct{}, len(shares))
	for i, s := range shares {
		if _, dup := seen[s.Index]; dup {
			return nil, fmt.Errorf("duplicate share for member %d", s.Index)
		}
		seen[s.Index] = struct{}{}
		ids[i] = v.shareID(s.Index)
	}

	recovered := v.sigGroup.Point().Null()
	for i, s := range shares {
		sigPoint := v.sigGroup.Point()
		if err := sigPoint.UnmarshalBinary(s.Signature); err != nil {
			return nil, fmt.Errorf("decoding share of member %d: %w", s.Index, err)
		}
		// Lagrange coefficient at zero: prod x_j / (x_j - x_i).
		num := v.keyGroup.Scalar().One()
		den := v.keyGroup.Scalar().One()
		diff := v.keyGroup.Scalar()
		for j := range shares {
			if j == i {
				continue
			}
			num.Mul(num, ids[j])
			den.Mul(den, diff.Sub(ids[j], ids[i]))
		}
		coeff := v.keyGroup.Scalar().Div(num, den)
		recovered.Add(recovered, v.sigGroup.Point().Mul(coeff, sigPoint))
	}
	return recovered.MarshalBinary()
}

// PublicKeyShare evaluates a verification vector, the public commitments to
// the quorum's secret polynomial, at member index. The first element of the
// vector is the quorum public key.
func (v *Verifier) PublicKeyShare(vvec [][]byte, index int) ([]byte, error) {
	if len(vvec) == 0 {
		return nil, errors.New("empty verification vector")
	}
	x := v.shareID(index)
	var acc kyber.Point
	for j := len(vvec) - 1; j >= 0; j-- {
		coeff, err := v.pubkeyToPoint(vvec[j])
		if err != nil {
			return nil, fmt.Errorf("verification vector element %d: %w", j, err)
		}
		if acc == nil {
			acc = coeff
			continue
		}
		acc = v.keyGroup.Point().Add(v.keyGroup.Point().Mul(x, acc), coeff)
	}
	return acc.MarshalBinary()
}
