// Package llmqtest builds masternodes, quorums and signatures with real BLS
// keys for tests.
package llmqtest

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dashpay/go-llmq/blssig"
	"github.com/dashpay/go-llmq/commitment"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/mnlist"
	"github.com/dashpay/go-llmq/quorum"
)

// Masternode is a list entry together with its operator's secret key.
type Masternode struct {
	Entry    *mnlist.Entry
	Operator *blssig.Signer
}

// BlockHash is a deterministic block hash for height.
func BlockHash(height uint32) dash.Hash {
	return dash.DoubleHash([]byte("block"), binary.LittleEndian.AppendUint32(nil, height))
}

// NewMasternodes creates n valid, confirmed masternodes with fresh operator
// keys.
func NewMasternodes(t testing.TB, n int) []*Masternode {
	mns := make([]*Masternode, n)
	for i := range mns {
		signer, err := blssig.GenerateSigner()
		require.NoError(t, err)
		seed := binary.LittleEndian.AppendUint32(nil, uint32(i))
		e := &mnlist.Entry{
			ProRegTxHash:      dash.DoubleHash([]byte("pro"), seed),
			ConfirmedHash:     dash.DoubleHash([]byte("confirmed"), seed),
			Collateral:        dash.OutPoint{Hash: dash.DoubleHash([]byte("collateral"), seed), Index: uint32(i)},
			Service:           netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 1, byte(i >> 8), byte(i)}), 9999),
			OperatorPublicKey: signer.PublicKey,
			IsValid:           true,
		}
		copy(e.OwnerKeyID[:], bytes.Repeat([]byte{0x10}, 20))
		copy(e.VotingKeyID[:], bytes.Repeat([]byte{0x20}, 20))
		e.OwnerKeyID[0], e.VotingKeyID[0] = byte(i), byte(i)
		mns[i] = &Masternode{Entry: e, Operator: signer}
	}
	return mns
}

func Entries(mns []*Masternode) []*mnlist.Entry {
	entries := make([]*mnlist.Entry, len(mns))
	for i, mn := range mns {
		entries[i] = mn.Entry
	}
	return entries
}

// Quorum is a quorum with a dealt threshold key set.
type Quorum struct {
	Commitment *commitment.Commitment
	Members    []*mnlist.Entry
	Keys       *blssig.ThresholdKeySet
}

// NewQuorum selects the members of a quorum of llmqType based at the block of
// list and produces a fully signed final commitment.
func NewQuorum(t testing.TB, list *mnlist.List, llmqType dash.LLMQType, mns []*Masternode) *Quorum {
	params, err := llmqType.Params()
	require.NoError(t, err)
	members := quorum.SelectMembers(list, llmqType, list.BlockHash(), params.Size)
	return NewQuorumWithMembers(t, llmqType, list.BlockHash(), 0, members, mns)
}

// NewQuorumWithMembers is NewQuorum with an explicit member list, as needed for
// rotated quorums.
func NewQuorumWithMembers(t testing.TB, llmqType dash.LLMQType, quorumHash dash.Hash, index uint16, members []*mnlist.Entry, mns []*Masternode) *Quorum {
	params, err := llmqType.Params()
	require.NoError(t, err)
	require.LessOrEqual(t, len(members), params.Size)

	keys, err := blssig.NewThresholdKeySet(params.Size, params.Threshold)
	require.NoError(t, err)

	c := &commitment.Commitment{
		Version:         commitment.VersionBasic,
		LLMQType:        llmqType,
		QuorumHash:      quorumHash,
		Signers:         make([]bool, params.Size),
		ValidMembers:    make([]bool, params.Size),
		QuorumPublicKey: keys.PublicKey,
		QuorumVvecHash:  quorum.VerificationVectorHash(keys.VerificationVector),
	}
	if params.UseRotation {
		c.Version = commitment.VersionBasicIndexed
		c.QuorumIndex = index
	}
	for i := range members {
		c.Signers[i] = true
		c.ValidMembers[i] = true
	}

	hash := c.SigningHash()
	var pubs, sigs [][]byte
	for _, m := range members {
		i := slices.IndexFunc(mns, func(mn *Masternode) bool { return mn.Entry.ProRegTxHash == m.ProRegTxHash })
		require.GreaterOrEqual(t, i, 0, "member %s has no operator", m.ProRegTxHash)
		sig, err := mns[i].Operator.Sign(hash[:])
		require.NoError(t, err)
		pubs = append(pubs, m.OperatorPublicKey)
		sigs = append(sigs, sig)
	}
	c.MembersSig, err = blssig.NewVerifier().AggregateSecure(pubs, sigs)
	require.NoError(t, err)
	c.QuorumSig, err = keys.Sign(hash[:])
	require.NoError(t, err)
	return &Quorum{Commitment: c, Members: members, Keys: keys}
}

func (q *Quorum) signHash(id, msgHash dash.Hash) dash.Hash {
	return dash.BuildSignHash(q.Commitment.LLMQType, q.Commitment.QuorumHash, id, msgHash)
}

// SignShare signs request id over msgHash as member index.
func (q *Quorum) SignShare(t testing.TB, index int, id, msgHash dash.Hash) []byte {
	h := q.signHash(id, msgHash)
	sig, err := q.Keys.SignShare(index, h[:])
	require.NoError(t, err)
	return sig
}

// Sign produces the recovered signature of request id over msgHash.
func (q *Quorum) Sign(t testing.TB, id, msgHash dash.Hash) []byte {
	h := q.signHash(id, msgHash)
	sig, err := q.Keys.Sign(h[:])
	require.NoError(t, err)
	return sig
}

// MineQuorums makes d delete and add the given quorums, commits the resulting
// active set in its coinbase and returns that set.
func MineQuorums(d *mnlist.Diff, active []*commitment.Commitment, deleted []commitment.Ref, added ...*commitment.Commitment) []*commitment.Commitment {
	next := slices.DeleteFunc(slices.Clone(active), func(c *commitment.Commitment) bool {
		return slices.Contains(deleted, c.Ref())
	})
	next = append(next, added...)
	d.DeletedQuorums = deleted
	d.NewQuorums = added
	d.Coinbase.Payload.MerkleRootQuorums = quorum.QuorumMerkleRoot(next)
	d.Seal()
	return next
}
