// Package recsig holds recovered threshold signatures and the member votes
// they are recovered from, with a datastore-backed database of the former.
package recsig

import (
	"fmt"

	"github.com/dashpay/go-llmq/commitment"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
)

const SignatureSize = commitment.SignatureSize

// RecoveredSignature is the threshold signature of a quorum for request ID
// over MsgHash. QuorumHash names the quorum that signed; it is not part of
// the wire form and is filled in once the signing quorum is known.
type RecoveredSignature struct {
	LLMQType   dash.LLMQType
	QuorumHash dash.Hash
	ID         dash.Hash
	MsgHash    dash.Hash
	Signature  []byte
}

func (rs *RecoveredSignature) String() string {
	return fmt.Sprintf("recsig{%s id=%s msg=%s}", rs.LLMQType, rs.ID, rs.MsgHash)
}

// SignHash is the message the quorum signed.
func (rs *RecoveredSignature) SignHash() dash.Hash {
	return dash.BuildSignHash(rs.LLMQType, rs.QuorumHash, rs.ID, rs.MsgHash)
}

// Hash identifies the signature for deduplication.
func (rs *RecoveredSignature) Hash() dash.Hash {
	return dash.DoubleHash(rs.Marshal())
}

func (rs *RecoveredSignature) Encode(w *encoding.Writer) {
	w.WriteUint8(uint8(rs.LLMQType))
	w.WriteHash(rs.ID)
	w.WriteHash(rs.MsgHash)
	w.WriteBytes(padded(rs.Signature))
}

func (rs *RecoveredSignature) Marshal() []byte {
	w := encoding.NewWriter()
	rs.Encode(w)
	return w.Bytes()
}

func DecodeRecoveredSignature(r *encoding.Reader) *RecoveredSignature {
	rs := &RecoveredSignature{LLMQType: dash.LLMQType(r.ReadUint8())}
	rs.ID = r.ReadHash()
	rs.MsgHash = r.ReadHash()
	rs.Signature = r.ReadBytes(SignatureSize)
	return rs
}

func UnmarshalRecoveredSignature(b []byte) (*RecoveredSignature, error) {
	r := encoding.NewReader(b)
	rs := DecodeRecoveredSignature(r)
	if err := r.Finish(); err != nil {
		return nil, dash.Malformed("recovered signature", err)
	}
	return rs, nil
}

// Vote is one quorum member's signature share for request ID over MsgHash.
type Vote struct {
	LLMQType    dash.LLMQType
	QuorumHash  dash.Hash
	MemberIndex uint16
	ID          dash.Hash
	MsgHash     dash.Hash
	Signature   []byte
}

func (v *Vote) String() string {
	return fmt.Sprintf("vote{%s-%s member=%d id=%s}", v.LLMQType, v.QuorumHash, v.MemberIndex, v.ID)
}

func (v *Vote) Encode(w *encoding.Writer) {
	w.WriteUint8(uint8(v.LLMQType))
	w.WriteHash(v.QuorumHash)
	w.WriteUint16(v.MemberIndex)
	w.WriteHash(v.ID)
	w.WriteHash(v.MsgHash)
	w.WriteBytes(padded(v.Signature))
}

func (v *Vote) Marshal() []byte {
	w := encoding.NewWriter()
	v.Encode(w)
	return w.Bytes()
}

func UnmarshalVote(b []byte) (*Vote, error) {
	r := encoding.NewReader(b)
	v := &Vote{LLMQType: dash.LLMQType(r.ReadUint8())}
	v.QuorumHash = r.ReadHash()
	v.MemberIndex = r.ReadUint16()
	v.ID = r.ReadHash()
	v.MsgHash = r.ReadHash()
	v.Signature = r.ReadBytes(SignatureSize)
	if err := r.Finish(); err != nil {
		return nil, dash.Malformed("signature share", err)
	}
	return v, nil
}

func padded(sig []byte) []byte {
	if len(sig) == SignatureSize {
		return sig
	}
	return make([]byte, SignatureSize)
}
