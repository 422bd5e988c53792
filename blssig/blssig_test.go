package blssig_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dashpay/go-llmq/blssig"
	"github.com/dashpay/go-llmq/dash"
)

func TestVerifier_Verify(t *testing.T) {
	t.Parallel()
	v := blssig.NewVerifier()
	signer, err := blssig.GenerateSigner()
	require.NoError(t, err)
	require.Len(t, signer.PublicKey, blssig.PublicKeySize)

	msg := []byte("message")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)
	require.Len(t, sig, blssig.SignatureSize)
	require.True(t, v.ValidSignature(sig))

	require.NoError(t, v.Verify(signer.PublicKey, msg, sig))
	// Second call is served from the point cache.
	require.NoError(t, v.Verify(signer.PublicKey, msg, sig))
	require.ErrorIs(t, v.Verify(signer.PublicKey, []byte("other"), sig), dash.ErrInvalidSignature)
	require.ErrorIs(t, v.Verify(signer.PublicKey[:10], msg, sig), blssig.ErrInvalidPublicKey)
	require.False(t, v.ValidPublicKey(make([]byte, blssig.PublicKeySize)))
}

func TestVerifier_SecureAggregate(t *testing.T) {
	t.Parallel()
	v := blssig.NewVerifier()
	msg := []byte("commitment")
	var pubs, sigs [][]byte
	for i := 0; i < 4; i++ {
		s, err := blssig.GenerateSigner()
		require.NoError(t, err)
		sig, err := s.Sign(msg)
		require.NoError(t, err)
		pubs = append(pubs, s.PublicKey)
		sigs = append(sigs, sig)
	}
	agg, err := v.AggregateSecure(pubs, sigs)
	require.NoError(t, err)
	require.NoError(t, v.VerifySecureAggregate(pubs, msg, agg))
	require.Error(t, v.VerifySecureAggregate(pubs[:3], msg, agg))
	require.Error(t, v.VerifySecureAggregate(pubs, []byte("other"), agg))
}

func TestVerifier_Recover(t *testing.T) {
	t.Parallel()
	v := blssig.NewVerifier()
	ks, err := blssig.NewThresholdKeySet(5, 3)
	require.NoError(t, err)
	msg := []byte("sign hash")
	want, err := ks.Sign(msg)
	require.NoError(t, err)

	share := func(i int) blssig.SignatureShare {
		sig, err := ks.SignShare(i, msg)
		require.NoError(t, err)
		return blssig.SignatureShare{Index: i, Signature: sig}
	}

	got, err := v.Recover([]blssig.SignatureShare{share(0), share(2), share(4)}, 3)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.NoError(t, v.Verify(ks.PublicKey, msg, got))

	got, err = v.Recover([]blssig.SignatureShare{share(3), share(1), share(2), share(0)}, 3)
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = v.Recover([]blssig.SignatureShare{share(0), share(1)}, 3)
	require.ErrorIs(t, err, blssig.ErrNotEnoughShares)
	_, err = v.Recover([]blssig.SignatureShare{share(0), share(0), share(1)}, 3)
	require.Error(t, err)
}

func TestVerifier_PublicKeyShare(t *testing.T) {
	t.Parallel()
	v := blssig.NewVerifier()
	ks, err := blssig.NewThresholdKeySet(4, 2)
	require.NoError(t, err)
	msg := []byte("share")
	for i := 0; i < 4; i++ {
		pub, err := v.PublicKeyShare(ks.VerificationVector, i)
		require.NoError(t, err)
		sig, err := ks.SignShare(i, msg)
		require.NoError(t, err)
		require.NoError(t, v.Verify(pub, msg, sig))
	}
	_, err = v.PublicKeyShare(nil, 0)
	require.Error(t, err)
}
