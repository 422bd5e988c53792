package commitment_test

import (
	"testing"

	"github.com/dashpay/go-llmq/commitment"
	"github.com/dashpay/go-llmq/dash"
	"github.com/stretchr/testify/require"
)

func bits(n, set int) []bool {
	b := make([]bool, n)
	for i := 0; i < set; i++ {
		b[i] = true
	}
	return b
}

func validCommitment() *commitment.Commitment {
	pub := make([]byte, commitment.PublicKeySize)
	pub[0] = 0x80
	return &commitment.Commitment{
		Version:         commitment.VersionBasic,
		LLMQType:        dash.LLMQTest,
		QuorumHash:      dash.DoubleHash([]byte("quorum")),
		Signers:         bits(3, 2),
		ValidMembers:    bits(3, 3),
		QuorumPublicKey: pub,
		QuorumVvecHash:  dash.DoubleHash([]byte("vvec")),
		QuorumSig:       make([]byte, commitment.SignatureSize),
		MembersSig:      make([]byte, commitment.SignatureSize),
	}
}

func TestCommitment_RoundTripIndexed(t *testing.T) {
	c := validCommitment()
	c.Version = commitment.VersionBasicIndexed
	c.LLMQType = dash.LLMQTestDIP0024
	c.QuorumIndex = 3
	c.Signers = bits(4, 4)
	c.ValidMembers = bits(4, 4)

	got, err := commitment.Unmarshal(c.Marshal())
	require.NoError(t, err)
	require.True(t, c.Equal(got))
	require.Equal(t, uint16(3), got.QuorumIndex)
	require.Equal(t, c.Hash(), got.Hash())

	_, err = commitment.Unmarshal(c.Marshal()[:50])
	require.ErrorIs(t, err, dash.ErrMalformedWireData)
}

func TestCommitment_Null(t *testing.T) {
	c := &commitment.Commitment{
		Version:      commitment.VersionBasic,
		LLMQType:     dash.LLMQTest,
		Signers:      bits(3, 0),
		ValidMembers: bits(3, 0),
	}
	require.True(t, c.IsNull())
	require.NoError(t, c.VerifyStructure())

	decoded, err := commitment.Unmarshal(c.Marshal())
	require.NoError(t, err)
	require.True(t, decoded.IsNull())
	require.False(t, validCommitment().IsNull())
}

func TestCommitment_VerifyStructure(t *testing.T) {
	require.NoError(t, validCommitment().VerifyStructure())

	for name, mutate := range map[string]func(c *commitment.Commitment){
		"unknown type":     func(c *commitment.Commitment) { c.LLMQType = 42 },
		"bad version":      func(c *commitment.Commitment) { c.Version = 9 },
		"indexed mismatch": func(c *commitment.Commitment) { c.Version = commitment.VersionBasicIndexed },
		"short signers":    func(c *commitment.Commitment) { c.Signers = bits(2, 2) },
		"too few signers":  func(c *commitment.Commitment) { c.Signers = bits(3, 1) },
		"too few valid":    func(c *commitment.Commitment) { c.ValidMembers = bits(3, 1) },
		"zero vvec hash":   func(c *commitment.Commitment) { c.QuorumVvecHash = dash.ZeroHash },
		"no public key":    func(c *commitment.Commitment) { c.QuorumPublicKey = nil },
	} {
		t.Run(name, func(t *testing.T) {
			c := validCommitment()
			mutate(c)
			require.ErrorIs(t, c.VerifyStructure(), dash.ErrInvalidCommitment)
		})
	}
}

func TestCommitment_BitFields(t *testing.T) {
	c := validCommitment()
	signers := c.SignersBitField()
	n, err := signers.Count()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	set, err := signers.IsSet(2)
	require.NoError(t, err)
	require.False(t, set)

	valid := c.ValidMembersBitField()
	n, err = valid.Count()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}
