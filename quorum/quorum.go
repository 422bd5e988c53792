// Package quorum builds LLMQ quorums from final commitments and tracks the
// rolling window of quorums that may sign.
package quorum

import (
	"fmt"
	"sync"

	"github.com/filecoin-project/go-bitfield"

	"github.com/dashpay/go-llmq/blssig"
	"github.com/dashpay/go-llmq/commitment"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
	"github.com/dashpay/go-llmq/mnlist"
)

// Quorum is a verified quorum. Apart from its lazily checked verification
// vector it is immutable.
type Quorum struct {
	Commitment *commitment.Commitment
	Params     dash.Params
	// Members are ordered by member index.
	Members      []*mnlist.Entry
	ValidMembers bitfield.BitField
	Signers      bitfield.BitField
	// Height is the height of the quorum's base block; MinedHeight that of
	// the block its commitment was mined in.
	Height      uint32
	MinedHeight uint32

	vvecLk sync.Mutex
	vvec   [][]byte
	shares map[int][]byte
}

func newQuorum(c *commitment.Commitment, params dash.Params, members []*mnlist.Entry, height, minedHeight uint32) *Quorum {
	return &Quorum{
		Commitment:   c,
		Params:       params,
		Members:      members,
		ValidMembers: c.ValidMembersBitField(),
		Signers:      c.SignersBitField(),
		Height:       height,
		MinedHeight:  minedHeight,
	}
}

func (q *Quorum) String() string {
	return fmt.Sprintf("quorum{%s height=%d}", q.Ref(), q.Height)
}

func (q *Quorum) Ref() commitment.Ref     { return q.Commitment.Ref() }
func (q *Quorum) Type() dash.LLMQType     { return q.Commitment.LLMQType }
func (q *Quorum) Hash() dash.Hash         { return q.Commitment.QuorumHash }
func (q *Quorum) Index() uint16           { return q.Commitment.QuorumIndex }
func (q *Quorum) PublicKey() []byte       { return q.Commitment.QuorumPublicKey }
func (q *Quorum) Key() blssig.KeyMaterial { return blssig.NewBLSKey(q.Commitment.QuorumPublicKey) }

// Threshold is the number of member signature shares needed to recover the
// quorum signature.
func (q *Quorum) Threshold() int { return q.Params.Threshold }

// IsValidMember reports whether the member at index completed the DKG and
// holds a key share.
func (q *Quorum) IsValidMember(index int) bool {
	if index < 0 || index >= len(q.Members) {
		return false
	}
	set, err := q.ValidMembers.IsSet(uint64(index))
	return err == nil && set
}

// MemberIndex returns the index of the masternode in the quorum, or -1.
func (q *Quorum) MemberIndex(proRegTxHash dash.Hash) int {
	for i, m := range q.Members {
		if m.ProRegTxHash == proRegTxHash {
			return i
		}
	}
	return -1
}

// SignHash is the message this quorum signs for request id over msgHash.
func (q *Quorum) SignHash(id, msgHash dash.Hash) dash.Hash {
	return dash.BuildSignHash(q.Type(), q.Hash(), id, msgHash)
}

// VerifyRecoveredSig checks a recovered threshold signature for request id
// over msgHash.
func (q *Quorum) VerifyRecoveredSig(v *blssig.Verifier, id, msgHash dash.Hash, sig []byte) error {
	h := q.SignHash(id, msgHash)
	return v.Verify(q.PublicKey(), h[:], sig)
}

// VerificationVectorHash hashes a verification vector the way final
// commitments commit to it.
func VerificationVectorHash(vvec [][]byte) dash.Hash {
	w := encoding.NewWriter()
	w.WriteVarInt(uint64(len(vvec)))
	for _, p := range vvec {
		w.WriteBytes(p)
	}
	return dash.DoubleHash(w.Bytes())
}

// SetVerificationVector attaches the quorum's verification vector, which
// allows checking individual signature shares. The vector must match the
// hash and public key in the commitment.
func (q *Quorum) SetVerificationVector(vvec [][]byte) error {
	if len(vvec) != q.Threshold() {
		return fmt.Errorf("verification vector has %d elements, expected %d", len(vvec), q.Threshold())
	}
	if h := VerificationVectorHash(vvec); h != q.Commitment.QuorumVvecHash {
		return fmt.Errorf("%w: verification vector hash %s, commitment has %s",
			dash.ErrInvalidCommitment, h, q.Commitment.QuorumVvecHash)
	}
	if string(vvec[0]) != string(q.PublicKey()) {
		return fmt.Errorf("%w: verification vector does not start with the quorum public key", dash.ErrInvalidCommitment)
	}
	q.vvecLk.Lock()
	defer q.vvecLk.Unlock()
	q.vvec = vvec
	q.shares = make(map[int][]byte)
	return nil
}

// HasVerificationVector reports whether shares can be verified individually.
func (q *Quorum) HasVerificationVector() bool {
	q.vvecLk.Lock()
	defer q.vvecLk.Unlock()
	return q.vvec != nil
}

// VerifyShare checks one member's signature share. Without a verification
// vector shares cannot be checked and VerifyShare returns nil.
func (q *Quorum) VerifyShare(v *blssig.Verifier, index int, id, msgHash dash.Hash, share []byte) error {
	q.vvecLk.Lock()
	if q.vvec == nil {
		q.vvecLk.Unlock()
		return nil
	}
	pub, ok := q.shares[index]
	if !ok {
		var err error
		if pub, err = v.PublicKeyShare(q.vvec, index); err != nil {
			q.vvecLk.Unlock()
			return err
		}
		q.shares[index] = pub
	}
	q.vvecLk.Unlock()

	h := q.SignHash(id, msgHash)
	return v.Verify(pub, h[:], share)
}
