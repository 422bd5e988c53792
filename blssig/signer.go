package blssig

import (
	"github.com/drand/kyber"
	bls12381 "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/sign/bdn"
)

// Signer holds a BLS operator secret key.
type Signer struct {
	scheme    *bdn.Scheme
	privKey   kyber.Scalar
	PublicKey []byte
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	suite := bls12381.NewBLS12381Suite()
	scheme := bdn.NewSchemeOnG2(suite)
	priv, pub := scheme.NewKeyPair(suite.RandomStream())
	pubKeyB, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Signer{scheme: scheme, privKey: priv, PublicKey: pubKeyB}, nil
}

func (s *Signer) Sign(msg []byte) ([]byte, error) {
	return s.scheme.Sign(s.privKey, msg)
}

// ThresholdKeySet is a dealer generated t-of-n key set: a random polynomial
// of degree t-1 whose value at zero is the group secret. It stands in for a
// finished DKG in tests and simulations.
type ThresholdKeySet struct {
	scheme             *bdn.Scheme
	secret             kyber.Scalar
	shares             []kyber.Scalar
	PublicKey          []byte
	VerificationVector [][]byte
}

func NewThresholdKeySet(size, threshold int) (*ThresholdKeySet, error) {
	suite := bls12381.NewBLS12381Suite()
	g := suite.G1()
	rand := suite.RandomStream()

	coeffs := make([]kyber.Scalar, threshold)
	vvec := make([][]byte, threshold)
	for j := range coeffs {
		coeffs[j] = g.Scalar().Pick(rand)
		b, err := g.Point().Mul(coeffs[j], g.Point().Base()).MarshalBinary()
		if err != nil {
			return nil, err
		}
		vvec[j] = b
	}
	shares := make([]kyber.Scalar, size)
	for i := range shares {
		x := g.Scalar().SetInt64(int64(i) + 1)
		acc := g.Scalar().Set(coeffs[threshold-1])
		for j := threshold - 2; j >= 0; j-- {
			acc.Mul(acc, x)
			acc.Add(acc, coeffs[j])
		}
		shares[i] = acc
	}
	return &ThresholdKeySet{
		scheme:             bdn.NewSchemeOnG2(suite),
		secret:             coeffs[0],
		shares:             shares,
		PublicKey:          vvec[0],
		VerificationVector: vvec,
	}, nil
}

// SignShare signs msg with the key share of member index.
func (ks *ThresholdKeySet) SignShare(index int, msg []byte) ([]byte, error) {
	return ks.scheme.Sign(ks.shares[index], msg)
}

// Sign signs msg with the group secret, producing the signature that
// recovery from any threshold shares yields.
func (ks *ThresholdKeySet) Sign(msg []byte) ([]byte, error) {
	return ks.scheme.Sign(ks.secret, msg)
}
