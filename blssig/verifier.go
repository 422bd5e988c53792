package blssig

import (
	"context"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	bls12381 "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/pairing"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/sign/bdn"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/dashpay/go-llmq/dash"
)

const (
	PublicKeySize = 48
	SignatureSize = 96

	// Max size of the point cache.
	maxPointCacheSize = 10_000
)

var (
	ErrInvalidPublicKey = errors.New("invalid BLS public key")
	ErrNotEnoughShares  = errors.New("not enough signature shares")
)

// Verifier checks BLS12-381 signatures with public keys on G1 and signatures
// on G2. Decoded public keys are cached, so a Verifier should be shared.
type Verifier struct {
	suite    pairing.Suite
	scheme   *bdn.Scheme
	keyGroup kyber.Group
	sigGroup kyber.Group

	points *lru.Cache[string, kyber.Point]
}

func NewVerifier() *Verifier {
	suite := bls12381.NewBLS12381Suite()
	points, err := lru.New[string, kyber.Point](maxPointCacheSize)
	if err != nil {
		// Only fails on a non-positive size.
		panic(err)
	}
	return &Verifier{
		suite:    suite,
		scheme:   bdn.NewSchemeOnG2(suite),
		keyGroup: suite.G1(),
		sigGroup: suite.G2(),
		points:   points,
	}
}

func (v *Verifier) pubkeyToPoint(pub []byte) (kyber.Point, error) {
	if len(pub) != PublicKeySize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(pub))
	}
	if p, ok := v.points.Get(string(pub)); ok {
		metrics.pointLookups.Add(context.TODO(), 1, metric.WithAttributes(attrCached.Bool(true)))
		return p.Clone(), nil
	}
	metrics.pointLookups.Add(context.TODO(), 1, metric.WithAttributes(attrCached.Bool(false)))
	p := v.keyGroup.Point()
	if err := p.UnmarshalBinary(pub); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	if p.Equal(v.keyGroup.Point().Null()) {
		return nil, fmt.Errorf("%w: the public key is a null point", ErrInvalidPublicKey)
	}
	v.points.Add(string(pub), p.Clone())
	return p, nil
}

// ValidPublicKey reports whether pub decodes to a non-null G1 point.
func (v *Verifier) ValidPublicKey(pub []byte) bool {
	_, err := v.pubkeyToPoint(pub)
	return err == nil
}

// ValidSignature reports whether sig decodes to a G2 point.
func (v *Verifier) ValidSignature(sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return v.sigGroup.Point().UnmarshalBinary(sig) == nil
}

// Verify checks sig over msg against a single public key.
func (v *Verifier) Verify(pub, msg, sig []byte) error {
	metrics.verify.Add(context.TODO(), 1, metric.WithAttributes(attrScheme.String("bls")))
	point, err := v.pubkeyToPoint(pub)
	if err != nil {
		return err
	}
	if err := v.scheme.Verify(point, msg, sig); err != nil {
		return fmt.Errorf("%w: %w", dash.ErrInvalidSignature, err)
	}
	return nil
}

// VerifySecureAggregate checks an aggregate signature by all of pubs over the
// same msg, aggregated with rogue key protection.
func (v *Verifier) VerifySecureAggregate(pubs [][]byte, msg, sig []byte) error {
	metrics.aggregateSize.Record(context.TODO(), int64(len(pubs)))
	mask, err := v.pubkeysToMask(pubs)
	if err != nil {
		return fmt.Errorf("converting public keys to mask: %w", err)
	}
	aggPubKey, err := v.scheme.AggregatePublicKeys(mask)
	if err != nil {
		return fmt.Errorf("aggregating public keys: %w", err)
	}
	if err := v.scheme.Verify(aggPubKey, msg, sig); err != nil {
		return fmt.Errorf("%w: %w", dash.ErrInvalidSignature, err)
	}
	return nil
}

// AggregateSecure aggregates signatures by pubs over one message so that
// VerifySecureAggregate accepts the result.
func (v *Verifier) AggregateSecure(pubs [][]byte, sigs [][]byte) ([]byte, error) {
	if len(pubs) != len(sigs) {
		return nil, fmt.Errorf("lengths of pubkeys and sigs does not match %d != %d", len(pubs), len(sigs))
	}
	mask, err := v.pubkeysToMask(pubs)
	if err != nil {
		return nil, fmt.Errorf("converting public keys to mask: %w", err)
	}
	aggSigPoint, err := v.scheme.AggregateSignatures(sigs, mask)
	if err != nil {
		return nil, fmt.Errorf("computing aggregate signature: %w", err)
	}
	return aggSigPoint.MarshalBinary()
}

func (v *Verifier) pubkeysToMask(pubs [][]byte) (*sign.Mask, error) {
	points := make([]kyber.Point, 0, len(pubs))
	for i, p := range pubs {
		point, err := v.pubkeyToPoint(p)
		if err != nil {
			return nil, fmt.Errorf("pubkey %d: %w", i, err)
		}
		points = append(points, point)
	}
	mask, err := sign.NewMask(v.suite, points, nil)
	if err != nil {
		return nil, fmt.Errorf("creating key mask: %w", err)
	}
	for i := range points {
		if err := mask.SetBit(i, true); err != nil {
			return nil, fmt.Errorf("setting mask bit %d: %w", i, err)
		}
	}
	return mask, nil
}
